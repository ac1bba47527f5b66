package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider is a local Ollama LLM provider.
type OllamaProvider struct {
	model       string
	baseURL     string
	temperature float64
	maxTokens   int
	client      *http.Client
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(s Settings) *OllamaProvider {
	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		model:       s.Model,
		baseURL:     strings.TrimRight(baseURL, "/"),
		temperature: s.Temperature,
		maxTokens:   s.MaxTokens,
		client:      &http.Client{Timeout: httpTimeout(s.Timeout)},
	}
}

// Name implements Provider.
func (o *OllamaProvider) Name() string { return "ollama" }

// Model implements Provider.
func (o *OllamaProvider) Model() string { return o.model }

// IsConfigured checks if Ollama is running and the model is available.
func (o *OllamaProvider) IsConfigured() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}

	modelBase := strings.SplitN(o.model, ":", 2)[0]
	for _, m := range result.Models {
		if strings.Contains(m.Name, modelBase) {
			return true
		}
	}
	return false
}

// Complete sends the prompts to Ollama's chat endpoint.
func (o *OllamaProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (*Response, error) {
	body := map[string]any{
		"model":    o.model,
		"messages": chatMessages(systemPrompt, userPrompt),
		"stream":   false,
		"format":   "json",
		"options": map[string]any{
			"num_predict": o.maxTokens,
			"temperature": o.temperature,
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama API error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading ollama response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if retryableStatus(resp.StatusCode) {
			return nil, &StatusError{Provider: "ollama", StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := string(respBody)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return ErrorResponse(fmt.Sprintf("http_%d", resp.StatusCode), msg), nil
	}

	var result struct {
		Model   string `json:"model"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		DoneReason      string `json:"done_reason"`
		PromptEvalCount int    `json:"prompt_eval_count"`
		EvalCount       int    `json:"eval_count"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding ollama response: %w", err)
	}

	r := TextResponse(result.Model, result.Message.Content, &Usage{
		PromptTokens:     result.PromptEvalCount,
		CompletionTokens: result.EvalCount,
		TotalTokens:      result.PromptEvalCount + result.EvalCount,
	})
	if result.DoneReason != "" {
		r.Choices[0].FinishReason = result.DoneReason
	}
	return r, nil
}

func chatMessages(systemPrompt, userPrompt string) []map[string]string {
	var msgs []map[string]string
	if systemPrompt != "" {
		msgs = append(msgs, map[string]string{"role": "system", "content": systemPrompt})
	}
	return append(msgs, map[string]string{"role": "user", "content": userPrompt})
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func httpTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 120 * time.Second
	}
	// The per-call context carries the real deadline; the client timeout is a backstop.
	return d + 5*time.Second
}
