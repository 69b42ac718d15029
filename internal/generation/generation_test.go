package generation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt("You write exams.", "  Focus on chapter 2. ")
	assert.True(t, strings.HasPrefix(prompt, "You write exams.\n\nFocus on chapter 2.\n\n"))
	assert.Contains(t, prompt, `"correctAnswer": 0`)

	bare := BuildPrompt("", "")
	assert.True(t, strings.HasPrefix(bare, "IMPORTANT:"))
}

func TestParseQuestionsStripsFences(t *testing.T) {
	reply := "```json\n[{\"text\":\"2+2?\",\"options\":[\"3\",\"4\"],\"correctAnswer\":1,\"explanation\":\"math\"}]\n```"
	now := time.Unix(1700000000, 0)

	got, err := ParseQuestions(reply, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "q-1700000000-0", got[0].ID)
	assert.Equal(t, "2+2?", got[0].Text)
	assert.Equal(t, 1, got[0].CorrectAnswer)
	assert.Equal(t, "math", got[0].Explanation)
}

func TestParseQuestionsRejectsBadReplies(t *testing.T) {
	cases := map[string]string{
		"empty":        "   ",
		"not json":     "Here are your questions!",
		"no questions": "[]",
		"no text":      `[{"text":"","options":["a","b"],"correctAnswer":0}]`,
		"one option":   `[{"text":"q","options":["a"],"correctAnswer":0}]`,
		"bad answer":   `[{"text":"q","options":["a","b"],"correctAnswer":2}]`,
	}
	for name, reply := range cases {
		_, err := ParseQuestions(reply, time.Now())
		assert.ErrorIs(t, err, ErrInvalidResponse, name)
	}
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
	}
}

func TestGeminiGenerate(t *testing.T) {
	var gotModel string
	var gotContents []*genai.Content
	var gotCfg *genai.GenerateContentConfig
	g := newGemini(func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		gotModel, gotContents, gotCfg = model, contents, cfg
		return textResponse(`[{"text":"q1","options":["a","b"],"correctAnswer":0},{"text":"q2","options":["a","b","c"],"correctAnswer":2}]`), nil
	}, Config{Model: "gemini-2.5-flash"})

	questions, err := g.Generate(context.Background(), Request{
		Source:       []byte("%PDF"),
		SystemPrompt: "sys",
		CustomPrompt: "custom",
	})
	require.NoError(t, err)
	assert.Len(t, questions, 2)
	assert.Equal(t, "gemini-2.5-flash", gotModel)
	require.Len(t, gotContents, 1)
	require.Len(t, gotContents[0].Parts, 2)
	assert.Contains(t, gotContents[0].Parts[0].Text, "sys\n\ncustom")
	require.NotNil(t, gotContents[0].Parts[1].InlineData)
	assert.Equal(t, "application/pdf", gotContents[0].Parts[1].InlineData.MIMEType)
	assert.Equal(t, "application/json", gotCfg.ResponseMIMEType)
}

func TestGeminiGenerateError(t *testing.T) {
	boom := errors.New("quota exceeded")
	g := newGemini(func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return nil, boom
	}, Config{Model: "m", Timeout: time.Second})

	_, err := g.Generate(context.Background(), Request{Source: []byte("x")})
	require.ErrorIs(t, err, boom)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{Model: "m"}.Validate())
	assert.Error(t, Config{APIKey: "k"}.Validate())
	assert.NoError(t, Config{APIKey: "k", Model: "m"}.Validate())
}
