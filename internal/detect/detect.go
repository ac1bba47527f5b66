// Package detect sends narratives to an LLM provider. It renders the prompt,
// throttles requests, and retries transient failures with exponential
// backoff. It never interprets the reply; that is the parser's job.
package detect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/TobiSchelling/ipvscreen/internal/database"
	"github.com/TobiSchelling/ipvscreen/internal/llm"
)

// Error codes set on the synthetic responses returned when a call gives up.
const (
	CodeTimeout          = "timeout"
	CodeRetriesExhausted = "retries_exhausted"
	CodeProviderFailure  = "provider_failure"
)

// Prompts is a versioned prompt pair. UserTemplate may reference
// {{narrative}}, {{incident_id}} and {{narrative_type}}.
type Prompts struct {
	System       string
	UserTemplate string
	Version      string
}

// Render fills the user template for one narrative.
func (p Prompts) Render(n database.Narrative) string {
	text := ""
	if n.Text != nil {
		text = strings.TrimSpace(*n.Text)
	}
	return strings.NewReplacer(
		"{{narrative}}", text,
		"{{incident_id}}", n.IncidentID,
		"{{narrative_type}}", strings.ToUpper(string(n.Type)),
	).Replace(p.UserTemplate)
}

// Options controls timeouts and retries.
type Options struct {
	Timeout    time.Duration // per attempt; zero means no limit
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Call is the outcome of one Detect. Response is never nil.
type Call struct {
	// Response is nil when the provider returned neither a response nor an
	// error.
	Response *llm.Response
	Elapsed  time.Duration // duration of the attempt that produced Response
	Attempts int
}

// Detector calls a provider for one narrative at a time. It is safe for
// concurrent use when the provider is.
type Detector struct {
	provider llm.Provider
	prompts  Prompts
	limiter  *rate.Limiter
	opts     Options
	logger   *zap.Logger
}

// NewLimiter returns a limiter allowing rps requests per second. A
// non-positive rps disables throttling.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// New creates a Detector. limiter may be shared between detectors; nil
// disables throttling.
func New(provider llm.Provider, prompts Prompts, opts Options, limiter *rate.Limiter, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = NewLimiter(0, 0)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Detector{
		provider: provider,
		prompts:  prompts,
		limiter:  limiter,
		opts:     opts,
		logger:   logger.Named("detect"),
	}
}

// Prompts returns the prompt pair the detector renders.
func (d *Detector) Prompts() Prompts { return d.prompts }

// Detect asks the provider about n. Timeouts and exhausted retries are
// returned as error-shaped responses so the caller records them like any
// other parse failure. The error is non-nil only when ctx is done.
func (d *Detector) Detect(ctx context.Context, n database.Narrative) (Call, error) {
	user := d.prompts.Render(n)
	attempts := d.opts.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return Call{}, ctx.Err()
			}
			return Call{}, fmt.Errorf("rate limiter: %w", err)
		}

		resp, elapsed, err := d.complete(ctx, user)
		if err == nil {
			return Call{Response: resp, Elapsed: elapsed, Attempts: attempt}, nil
		}
		if ctx.Err() != nil {
			return Call{}, ctx.Err()
		}
		lastErr = err

		if !llm.IsRetryable(err) {
			d.logger.Warn("provider call failed",
				zap.String("incident_id", n.IncidentID),
				zap.Error(err))
			return d.giveUp(CodeProviderFailure, err, elapsed, attempt), nil
		}
		if attempt == attempts {
			break
		}

		delay := d.backoff(attempt)
		d.logger.Debug("retrying provider call",
			zap.String("incident_id", n.IncidentID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := sleep(ctx, delay); err != nil {
			return Call{}, err
		}
	}

	code := CodeRetriesExhausted
	if errors.Is(lastErr, context.DeadlineExceeded) {
		code = CodeTimeout
	}
	d.logger.Warn("provider call gave up",
		zap.String("incident_id", n.IncidentID),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	return d.giveUp(code, lastErr, 0, attempts), nil
}

func (d *Detector) complete(ctx context.Context, user string) (*llm.Response, time.Duration, error) {
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := d.provider.Complete(ctx, d.prompts.System, user)
	return resp, time.Since(start), err
}

func (d *Detector) giveUp(code string, err error, elapsed time.Duration, attempts int) Call {
	msg := err.Error()
	if code == CodeTimeout {
		msg = fmt.Sprintf("request timed out after %d attempt(s): %v", attempts, err)
	} else if code == CodeRetriesExhausted {
		msg = fmt.Sprintf("gave up after %d attempt(s): %v", attempts, err)
	}
	resp := llm.ErrorResponse(code, msg)
	resp.Model = d.provider.Model()
	return Call{Response: resp, Elapsed: elapsed, Attempts: attempts}
}

// backoff returns base * 2^(attempt-1), capped at MaxDelay.
func (d *Detector) backoff(attempt int) time.Duration {
	base := d.opts.BaseDelay
	if base <= 0 {
		return 0
	}
	shift := min(max(attempt-1, 0), 16)
	delay := base * time.Duration(1<<shift)
	if d.opts.MaxDelay > 0 && delay > d.opts.MaxDelay {
		delay = d.opts.MaxDelay
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
