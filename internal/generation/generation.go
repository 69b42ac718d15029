// Package generation turns a source PDF plus prompts into question records.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"docproc/internal/docstore"
)

var ErrInvalidResponse = errors.New("invalid generation response")

type Request struct {
	Source       []byte
	MIMEType     string
	SystemPrompt string
	CustomPrompt string
	// Schema is accepted for older callers and not used to shape output.
	Schema json.RawMessage
}

type Generator interface {
	Generate(ctx context.Context, req Request) ([]docstore.Question, error)
}

const outputInstruction = `IMPORTANT: Return ONLY a valid JSON array of questions with this structure:
[
  {
    "text": "Question text here",
    "options": ["Option A", "Option B", "Option C", "Option D"],
    "correctAnswer": 0,
    "explanation": "Brief explanation of why this is correct"
  }
]

Do not include markdown code blocks or any other formatting. Return ONLY the raw JSON array.`

// BuildPrompt joins the system and custom prompts with the output format
// instruction.
func BuildPrompt(systemPrompt, customPrompt string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{systemPrompt, customPrompt} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, outputInstruction)
	return strings.Join(parts, "\n\n")
}

type rawQuestion struct {
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"`
	Explanation   string   `json:"explanation"`
}

// ParseQuestions decodes a model reply into questions, stripping markdown
// fences and assigning ids of the form q-<unix>-<index>.
func ParseQuestions(text string, now time.Time) ([]docstore.Question, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.ReplaceAll(cleaned, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrInvalidResponse)
	}

	var raw []rawQuestion
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no questions", ErrInvalidResponse)
	}

	ts := now.Unix()
	out := make([]docstore.Question, 0, len(raw))
	for i, q := range raw {
		if strings.TrimSpace(q.Text) == "" {
			return nil, fmt.Errorf("%w: question %d has no text", ErrInvalidResponse, i)
		}
		if len(q.Options) < 2 {
			return nil, fmt.Errorf("%w: question %d has %d options", ErrInvalidResponse, i, len(q.Options))
		}
		if q.CorrectAnswer < 0 || q.CorrectAnswer >= len(q.Options) {
			return nil, fmt.Errorf("%w: question %d answer %d out of range", ErrInvalidResponse, i, q.CorrectAnswer)
		}
		out = append(out, docstore.Question{
			ID:            fmt.Sprintf("q-%d-%d", ts, i),
			Text:          q.Text,
			Options:       q.Options,
			CorrectAnswer: q.CorrectAnswer,
			Explanation:   q.Explanation,
		})
	}
	return out, nil
}
