package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider talks to the OpenAI chat-completions API or any server that
// implements it (LM Studio, vLLM, llama.cpp server).
type OpenAIProvider struct {
	model       string
	baseURL     string
	apiKey      string
	temperature float64
	maxTokens   int
	client      *http.Client
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(s Settings) *OpenAIProvider {
	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		model:       s.Model,
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      s.APIKey,
		temperature: s.Temperature,
		maxTokens:   s.MaxTokens,
		client:      &http.Client{Timeout: httpTimeout(s.Timeout)},
	}
}

// Name implements Provider.
func (o *OpenAIProvider) Name() string { return "openai" }

// Model implements Provider.
func (o *OpenAIProvider) Model() string { return o.model }

// IsConfigured checks that an API key is set. Local OpenAI-compatible servers
// do not need one.
func (o *OpenAIProvider) IsConfigured() bool {
	return o.apiKey != "" || o.baseURL != defaultOpenAIBaseURL
}

// Complete sends the prompts to the chat-completions endpoint. The reply body
// already has the Response layout and is decoded as-is.
func (o *OpenAIProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (*Response, error) {
	body := map[string]any{
		"model":       o.model,
		"messages":    chatMessages(systemPrompt, userPrompt),
		"temperature": o.temperature,
	}
	if o.maxTokens > 0 {
		body["max_tokens"] = o.maxTokens
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading OpenAI response: %w", err)
	}

	if retryableStatus(resp.StatusCode) {
		return nil, &StatusError{Provider: "openai", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		Response
		Error json.RawMessage `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		if resp.StatusCode != http.StatusOK {
			return ErrorResponse(fmt.Sprintf("http_%d", resp.StatusCode), string(respBody)), nil
		}
		return nil, fmt.Errorf("decoding OpenAI response: %w", err)
	}

	r := result.Response
	if apiErr := decodeAPIError(result.Error); apiErr != nil {
		r.Error = apiErr
	} else if resp.StatusCode != http.StatusOK {
		r.Error = &APIError{Message: string(respBody), Code: fmt.Sprintf("http_%d", resp.StatusCode)}
	}
	return &r, nil
}

// decodeAPIError accepts both the object form ({"message": ..., "code": ...})
// and the bare string form some compatible servers send. The code may be a
// string or a number.
func decodeAPIError(raw json.RawMessage) *APIError {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return &APIError{Message: s}
	}
	var obj struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	}
	if json.Unmarshal(raw, &obj) != nil {
		return &APIError{Message: string(raw)}
	}
	e := &APIError{Message: obj.Message, Type: obj.Type}
	if obj.Code != nil {
		e.Code = fmt.Sprint(obj.Code)
	}
	return e
}
