package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIComplete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"id":"c1","model":"gpt-test","choices":[{"index":0,"message":{"role":"assistant","content":"{\"detected\":true}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Settings{Model: "gpt-test", BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Temperature: 0.2, MaxTokens: 64})
	resp, err := p.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)

	content, ok := resp.Content()
	require.True(t, ok)
	assert.Equal(t, `{"detected":true}`, content)
	assert.Nil(t, resp.Error)
	assert.Equal(t, 16, resp.Usage.TotalTokens)

	assert.Equal(t, "gpt-test", got["model"])
	assert.EqualValues(t, 64, got["max_tokens"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestOpenAIInBandError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   APIError
	}{
		{"object", http.StatusBadRequest, `{"error":{"message":"context too long","type":"invalid_request_error","code":"context_length_exceeded"}}`,
			APIError{Message: "context too long", Type: "invalid_request_error", Code: "context_length_exceeded"}},
		{"numeric code", http.StatusOK, `{"error":{"message":"model not loaded","code":404}}`,
			APIError{Message: "model not loaded", Code: "404"}},
		{"string", http.StatusOK, `{"error":"unknown model"}`,
			APIError{Message: "unknown model"}},
		{"non-json body", http.StatusUnauthorized, `denied`,
			APIError{Message: "denied", Code: "http_401"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			p := NewOpenAIProvider(Settings{Model: "m", BaseURL: srv.URL})
			resp, err := p.Complete(context.Background(), "", "hi")
			require.NoError(t, err)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.want, *resp.Error)
		})
	}
}

func TestOpenAIRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(Settings{Model: "m", BaseURL: srv.URL}).Complete(context.Background(), "", "hi")
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.True(t, IsRetryable(err))
}

func TestOpenAIIsConfigured(t *testing.T) {
	assert.False(t, NewOpenAIProvider(Settings{Model: "gpt"}).IsConfigured())
	assert.True(t, NewOpenAIProvider(Settings{Model: "gpt", APIKey: "k"}).IsConfigured())
	assert.True(t, NewOpenAIProvider(Settings{Model: "local", BaseURL: "http://localhost:1234/v1"}).IsConfigured())
}

func TestOllamaComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"llama3:8b"}]}`)
		case "/api/chat":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "json", body["format"])
			assert.Equal(t, false, body["stream"])
			fmt.Fprint(w, `{"model":"llama3:8b","message":{"role":"assistant","content":"{\"detected\":false}"},"done_reason":"stop","prompt_eval_count":30,"eval_count":7}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewOllamaProvider(Settings{Model: "llama3:8b", BaseURL: srv.URL})
	assert.True(t, p.IsConfigured())

	resp, err := p.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	content, ok := resp.Content()
	require.True(t, ok)
	assert.Equal(t, `{"detected":false}`, content)
	assert.Equal(t, "llama3:8b", resp.Model)
	assert.Equal(t, Usage{PromptTokens: 30, CompletionTokens: 7, TotalTokens: 37}, *resp.Usage)
}

func TestOllamaErrors(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, `{"error":"model 'nope' not found"}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(Settings{Model: "nope", BaseURL: srv.URL})
	assert.False(t, p.IsConfigured())

	resp, err := p.Complete(context.Background(), "", "hi")
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "http_404", resp.Error.Code)
	assert.Equal(t, "model 'nope' not found", resp.Error.Message)

	status = http.StatusServiceUnavailable
	_, err = p.Complete(context.Background(), "", "hi")
	assert.True(t, IsRetryable(err))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"429", &StatusError{StatusCode: 429}, true},
		{"503", fmt.Errorf("wrapped: %w", &StatusError{StatusCode: 503}), true},
		{"400", &StatusError{StatusCode: 400}, false},
		{"net", fmt.Errorf("dial: %w", timeoutErr{}), true},
		{"transient", fmt.Errorf("genai: %w", errTransient), true},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestResponseHelpers(t *testing.T) {
	var nilResp *Response
	_, ok := nilResp.Content()
	assert.False(t, ok)

	r := ErrorResponse("timeout", "no answer")
	_, ok = r.Content()
	assert.False(t, ok)
	assert.Equal(t, "no answer (timeout)", r.Error.Error())

	r = TextResponse("m", "hello", nil)
	content, ok := r.Content()
	assert.True(t, ok)
	assert.Equal(t, "hello", content)
}

func TestCreateProvider(t *testing.T) {
	_, err := CreateProvider(context.Background(), Settings{Provider: "carrier-pigeon"}, nil)
	assert.ErrorContains(t, err, "unknown LLM provider")

	_, err = CreateProvider(context.Background(), Settings{Provider: "openai", Model: "gpt"}, nil)
	assert.ErrorContains(t, err, "not available")

	_, err = CreateProvider(context.Background(), Settings{Provider: "gemini"}, nil)
	assert.ErrorContains(t, err, "API key is required")

	p, err := CreateProvider(context.Background(), Settings{Provider: "lmstudio", Model: "qwen", BaseURL: "http://127.0.0.1:1234/v1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "qwen", p.Model())
}

func newGeminiTest(t *testing.T, handler http.HandlerFunc) *GeminiProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	g, err := NewGeminiProvider(context.Background(), Settings{
		Model:       "gemini-test",
		BaseURL:     srv.URL,
		APIKey:      "g-key",
		Temperature: 0.1,
		MaxTokens:   128,
	})
	require.NoError(t, err)
	return g
}

func TestGeminiComplete(t *testing.T) {
	var got map[string]any
	g := newGeminiTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "gemini-test:generateContent")
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"detected\": false}"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":20,"candidatesTokenCount":5,"totalTokenCount":25},"modelVersion":"gemini-test-001"}`)
	})

	resp, err := g.Complete(context.Background(), "sys", "narrative")
	require.NoError(t, err)
	content, ok := resp.Content()
	require.True(t, ok)
	assert.Equal(t, `{"detected": false}`, content)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "gemini-test-001", resp.Model)
	assert.Equal(t, "STOP", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 20, resp.Usage.PromptTokens)
	assert.Equal(t, 25, resp.Usage.TotalTokens)

	assert.Contains(t, got, "systemInstruction")
	gen := got["generationConfig"].(map[string]any)
	assert.EqualValues(t, 128, gen["maxOutputTokens"])
	assert.Equal(t, "application/json", gen["responseMimeType"])
}

func TestGeminiStatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		retryable bool
	}{
		{http.StatusTooManyRequests, `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`, true},
		{http.StatusServiceUnavailable, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`, true},
		{http.StatusBadRequest, `{"error":{"code":400,"message":"bad model","status":"INVALID_ARGUMENT"}}`, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			g := newGeminiTest(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			resp, err := g.Complete(context.Background(), "", "hi")
			if tt.retryable {
				require.Error(t, err)
				assert.True(t, IsRetryable(err))
				assert.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, resp.Error)
			assert.Equal(t, "bad model", resp.Error.Message)
			assert.Equal(t, "400 INVALID_ARGUMENT", resp.Error.Code)
		})
	}
}

func TestGeminiBlockedPrompt(t *testing.T) {
	g := newGeminiTest(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"promptFeedback":{"blockReason":"SAFETY"},"usageMetadata":{"promptTokenCount":7,"totalTokenCount":7}}`)
	})

	resp, err := g.Complete(context.Background(), "", "hi")
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "blocked", resp.Error.Code)
	assert.Equal(t, "prompt blocked: SAFETY", resp.Error.Message)
	assert.Equal(t, "gemini-test", resp.Model)
	assert.Equal(t, 7, resp.Usage.PromptTokens)
	_, ok := resp.Content()
	assert.False(t, ok)
}

func TestGeminiRequiresKey(t *testing.T) {
	_, err := NewGeminiProvider(context.Background(), Settings{Model: "gemini-test"})
	assert.ErrorContains(t, err, "API key is required")
}
