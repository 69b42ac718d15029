package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"docproc/internal/docstore"
)

type Config struct {
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("generation.api_key is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("generation.model is required")
	}
	return nil
}

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// Gemini sends the PDF and prompts to a Gemini model and asks for a JSON
// array of questions.
type Gemini struct {
	generate generateFunc
	model    string
	timeout  time.Duration
	now      func() time.Time
}

var _ Generator = (*Gemini)(nil)

func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGemini(client.Models.GenerateContent, cfg), nil
}

func newGemini(generate generateFunc, cfg Config) *Gemini {
	return &Gemini{
		generate: generate,
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		now:      time.Now,
	}
}

var questionSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"text":          {Type: genai.TypeString},
			"options":       {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
			"correctAnswer": {Type: genai.TypeInteger},
			"explanation":   {Type: genai.TypeString},
		},
		Required: []string{"text", "options", "correctAnswer"},
	},
}

func (g *Gemini) Generate(ctx context.Context, req Request) ([]docstore.Question, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	mime := req.MIMEType
	if mime == "" {
		mime = "application/pdf"
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(BuildPrompt(req.SystemPrompt, req.CustomPrompt)),
			genai.NewPartFromBytes(req.Source, mime),
		}, genai.RoleUser),
	}
	resp, err := g.generate(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   questionSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return ParseQuestions(resp.Text(), g.now())
}
