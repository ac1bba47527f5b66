package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider calls Google's Gemini models through the GenAI SDK.
type GeminiProvider struct {
	client      *genai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewGeminiProvider creates a Gemini provider. The API key is required.
func NewGeminiProvider(ctx context.Context, s Settings) (*GeminiProvider, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	model := s.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	cc := &genai.ClientConfig{
		APIKey:  s.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if s.BaseURL != "" {
		cc.HTTPOptions.BaseURL = s.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiProvider{
		client:      client,
		model:       model,
		temperature: s.Temperature,
		maxTokens:   s.MaxTokens,
	}, nil
}

// Name implements Provider.
func (g *GeminiProvider) Name() string { return "gemini" }

// Model implements Provider.
func (g *GeminiProvider) Model() string { return g.model }

// IsConfigured reports whether a client was built.
func (g *GeminiProvider) IsConfigured() bool { return g.client != nil }

// Complete generates a JSON answer and normalizes it into a Response.
func (g *GeminiProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (*Response, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(g.temperature)),
		ResponseMIMEType: "application/json",
	}
	if g.maxTokens > 0 {
		cfg.MaxOutputTokens = int32(g.maxTokens)
	}
	if systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(userPrompt), cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			if apiErr.Code == 429 || apiErr.Code >= 500 {
				return nil, fmt.Errorf("GenAI generate failed: %w: %w", errTransient, err)
			}
			return ErrorResponse(fmt.Sprintf("%d %s", apiErr.Code, apiErr.Status), apiErr.Message), nil
		}
		return nil, fmt.Errorf("GenAI generate failed: %w", err)
	}

	var usage *Usage
	if md := result.UsageMetadata; md != nil {
		usage = &Usage{
			PromptTokens:     int(md.PromptTokenCount),
			CompletionTokens: int(md.CandidatesTokenCount),
			TotalTokens:      int(md.TotalTokenCount),
		}
	}

	if len(result.Candidates) == 0 {
		reason := "no candidates returned"
		if result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
			reason = "prompt blocked: " + string(result.PromptFeedback.BlockReason)
		}
		r := ErrorResponse("blocked", reason)
		r.Model = g.model
		r.Usage = usage
		return r, nil
	}

	model := result.ModelVersion
	if model == "" {
		model = g.model
	}
	r := TextResponse(model, result.Text(), usage)
	if fr := result.Candidates[0].FinishReason; fr != "" {
		r.Choices[0].FinishReason = string(fr)
	}
	return r, nil
}
