package detect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/ipvscreen/internal/database"
	"github.com/TobiSchelling/ipvscreen/internal/llm"
	"github.com/TobiSchelling/ipvscreen/internal/parse"
)

// mockProvider implements llm.Provider for testing.
type mockProvider struct {
	calls    atomic.Int32
	complete func(ctx context.Context, call int) (*llm.Response, error)

	system, user string
}

func (m *mockProvider) Complete(ctx context.Context, system, user string) (*llm.Response, error) {
	n := int(m.calls.Add(1))
	m.system, m.user = system, user
	return m.complete(ctx, n)
}

func (m *mockProvider) Name() string       { return "mock" }
func (m *mockProvider) Model() string      { return "mock-1" }
func (m *mockProvider) IsConfigured() bool { return true }

func narrative() database.Narrative {
	text := "  Victim found at home.  "
	return database.Narrative{IncidentID: "2021-0042", Type: database.NarrativeLE, Text: &text}
}

var prompts = Prompts{
	System:       "system",
	UserTemplate: "[{{narrative_type}} {{incident_id}}] {{narrative}}",
	Version:      "v1",
}

func fastOptions() Options {
	return Options{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRender(t *testing.T) {
	assert.Equal(t, "[LE 2021-0042] Victim found at home.", prompts.Render(narrative()))
	assert.Equal(t, "[CME x] ", prompts.Render(database.Narrative{IncidentID: "x", Type: database.NarrativeCME}))
}

func TestDetectSuccess(t *testing.T) {
	p := &mockProvider{complete: func(context.Context, int) (*llm.Response, error) {
		return llm.TextResponse("mock-1", `{"detected": true}`, nil), nil
	}}
	d := New(p, prompts, fastOptions(), nil, nil)

	call, err := d.Detect(context.Background(), narrative())
	require.NoError(t, err)
	assert.Equal(t, 1, call.Attempts)
	content, ok := call.Response.Content()
	assert.True(t, ok)
	assert.Equal(t, `{"detected": true}`, content)
	assert.Equal(t, "system", p.system)
	assert.Equal(t, "[LE 2021-0042] Victim found at home.", p.user)
}

func TestDetectRetriesTransient(t *testing.T) {
	p := &mockProvider{complete: func(_ context.Context, call int) (*llm.Response, error) {
		if call < 3 {
			return nil, &llm.StatusError{Provider: "mock", StatusCode: 503, Body: "busy"}
		}
		return llm.TextResponse("mock-1", "{}", nil), nil
	}}
	d := New(p, prompts, fastOptions(), nil, nil)

	call, err := d.Detect(context.Background(), narrative())
	require.NoError(t, err)
	assert.Equal(t, 3, call.Attempts)
	assert.Nil(t, call.Response.Error)
}

func TestDetectRetriesExhausted(t *testing.T) {
	p := &mockProvider{complete: func(context.Context, int) (*llm.Response, error) {
		return nil, &llm.StatusError{Provider: "mock", StatusCode: 429, Body: "slow down"}
	}}
	d := New(p, prompts, fastOptions(), nil, nil)

	call, err := d.Detect(context.Background(), narrative())
	require.NoError(t, err)
	assert.Equal(t, int32(3), p.calls.Load())
	assert.Equal(t, 3, call.Attempts)
	require.NotNil(t, call.Response.Error)
	assert.Equal(t, CodeRetriesExhausted, call.Response.Error.Code)
	assert.Contains(t, call.Response.Error.Message, "429")
	assert.Equal(t, "mock-1", call.Response.Model)
}

func TestDetectTimeout(t *testing.T) {
	p := &mockProvider{complete: func(ctx context.Context, _ int) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	opts := fastOptions()
	opts.Timeout = 5 * time.Millisecond
	opts.MaxRetries = 1
	d := New(p, prompts, opts, nil, nil)

	call, err := d.Detect(context.Background(), narrative())
	require.NoError(t, err)
	assert.Equal(t, 2, call.Attempts)
	require.NotNil(t, call.Response.Error)
	assert.Equal(t, CodeTimeout, call.Response.Error.Code)
	assert.Contains(t, call.Response.Error.Message, "timed out")
}

func TestDetectPermanentFailure(t *testing.T) {
	p := &mockProvider{complete: func(context.Context, int) (*llm.Response, error) {
		return nil, errors.New("invalid model name")
	}}
	d := New(p, prompts, fastOptions(), nil, nil)

	call, err := d.Detect(context.Background(), narrative())
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load(), "non-transient errors are not retried")
	assert.Equal(t, CodeProviderFailure, call.Response.Error.Code)
	assert.Equal(t, "invalid model name", call.Response.Error.Message)
}

func TestDetectInBandErrorNotRetried(t *testing.T) {
	p := &mockProvider{complete: func(context.Context, int) (*llm.Response, error) {
		return llm.ErrorResponse("content_filter", "blocked"), nil
	}}
	d := New(p, prompts, fastOptions(), nil, nil)

	call, err := d.Detect(context.Background(), narrative())
	require.NoError(t, err)
	assert.Equal(t, 1, call.Attempts)
	assert.Equal(t, "content_filter", call.Response.Error.Code)
}

func TestDetectNilResponse(t *testing.T) {
	p := &mockProvider{complete: func(context.Context, int) (*llm.Response, error) {
		return nil, nil
	}}
	call, err := New(p, prompts, fastOptions(), nil, nil).Detect(context.Background(), narrative())
	require.NoError(t, err)
	assert.Nil(t, call.Response)
	assert.Equal(t, 1, call.Attempts)

	r := parse.New(parse.Options{}).Parse(call.Response, "n1", nil)
	require.True(t, r.ParseError())
	assert.Equal(t, parse.KindNullResponse, r.Failure.Kind)
	assert.Equal(t, "Response is NULL", r.ErrorMessage())
}

func TestDetectCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &mockProvider{complete: func(ctx context.Context, _ int) (*llm.Response, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d := New(p, prompts, fastOptions(), nil, nil)

	_, err := d.Detect(ctx, narrative())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestBackoff(t *testing.T) {
	d := New(&mockProvider{}, prompts, Options{BaseDelay: time.Second, MaxDelay: 5 * time.Second}, nil, nil)
	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 4*time.Second, d.backoff(3))
	assert.Equal(t, 5*time.Second, d.backoff(4))
	assert.Equal(t, 5*time.Second, d.backoff(40))

	none := New(&mockProvider{}, prompts, Options{}, nil, nil)
	assert.Zero(t, none.backoff(3))
}

func TestLimiterThrottles(t *testing.T) {
	p := &mockProvider{complete: func(context.Context, int) (*llm.Response, error) {
		return llm.TextResponse("mock-1", "{}", nil), nil
	}}
	d := New(p, prompts, Options{}, NewLimiter(50, 1), nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := d.Detect(context.Background(), narrative())
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestNewLimiterUnlimited(t *testing.T) {
	l := NewLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow())
	}
}
