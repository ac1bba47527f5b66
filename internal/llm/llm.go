package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Provider is the interface for LLM providers.
//
// Complete returns a raw Response. Failures the provider reports in-band (a
// rejected request, a content filter) come back as a Response with Error set
// and a nil error. A non-nil error means the call itself failed (network,
// timeout, rate limit, 5xx) and may be retried.
type Provider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (*Response, error)
	Name() string
	Model() string
	IsConfigured() bool
}

// Response is the raw chat-completion payload. Every provider normalizes its
// native reply into this shape so the parser only has to know one layout.
type Response struct {
	ID      string    `json:"id,omitempty"`
	Model   string    `json:"model,omitempty"`
	Choices []Choice  `json:"choices,omitempty"`
	Usage   *Usage    `json:"usage,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Message is a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage holds token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// APIError is an error reported by the provider inside the response body.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// Content returns the text of the first choice. ok is false when the response
// has no choices.
func (r *Response) Content() (string, bool) {
	if r == nil || len(r.Choices) == 0 {
		return "", false
	}
	return r.Choices[0].Message.Content, true
}

// ErrorResponse builds an error-shaped response. It is used to turn a failed
// call into something the parser records instead of aborting a batch.
func ErrorResponse(code, message string) *Response {
	return &Response{Error: &APIError{Message: message, Code: code}}
}

// TextResponse builds a single-choice response around content.
func TextResponse(model, content string, usage *Usage) *Response {
	return &Response{
		Model: model,
		Choices: []Choice{{
			Message:      Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: usage,
	}
}

// StatusError is returned for HTTP responses that should be retried.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API returned %d: %s", e.Provider, e.StatusCode, e.Body)
}

// IsRetryable reports whether err is a transient failure worth retrying:
// timeouts, network errors, HTTP 429 and 5xx.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == 429 || se.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, errTransient)
}

var errTransient = errors.New("transient provider failure")

// Settings configures a provider.
type Settings struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// CreateProvider creates an LLM provider based on configuration. Unlike a
// best-effort fallback chain, it fails when the requested provider is not
// usable: an experiment must record the model that actually answered.
func CreateProvider(ctx context.Context, s Settings, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var p Provider
	switch strings.ToLower(s.Provider) {
	case "ollama":
		p = NewOllamaProvider(s)
	case "openai", "lmstudio", "openai-compatible":
		p = NewOpenAIProvider(s)
	case "gemini", "google":
		g, err := NewGeminiProvider(ctx, s)
		if err != nil {
			return nil, err
		}
		p = g
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", s.Provider)
	}

	if !p.IsConfigured() {
		return nil, fmt.Errorf("%s provider is not available for model %q", p.Name(), p.Model())
	}
	logger.Info("LLM provider ready", zap.String("provider", p.Name()), zap.String("model", p.Model()))
	return p, nil
}
