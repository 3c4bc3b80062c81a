package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jaato-labs/jaato/pkg/protocol"
	"github.com/jaato-labs/jaato/pkg/provider"
)

// Policy is the retry policy applied around provider calls.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy retries up to 5 attempts with exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// TransientExhausted reports that every retry attempt failed.
type TransientExhausted struct {
	Attempts int
	Err      error
}

func (e *TransientExhausted) Error() string {
	return fmt.Sprintf("provider still failing after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientExhausted) Unwrap() error {
	return e.Err
}

// Caller wraps provider calls with the retry policy, recording one ledger
// event per attempt.
type Caller struct {
	ledger *Ledger
	policy Policy
	logger *slog.Logger

	sslOnce sync.Once
	// sleep and jitter are swappable for tests
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// NewCaller builds a retrying caller around a ledger.
func NewCaller(l *Ledger, policy Policy) *Caller {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	return &Caller{
		ledger: l,
		policy: policy,
		logger: slog.Default().With("component", "ledger"),
		sleep:  sleepCtx,
		jitter: func() float64 { return 0.5 + rand.Float64() },
	}
}

// Call invokes fn, retrying transient failures with exponential backoff and
// jitter. Permanent errors propagate immediately. Certificate failures are
// recorded once with guidance and never retried.
func (c *Caller) Call(ctx context.Context, fn func(ctx context.Context) (*protocol.ProviderResponse, error)) (*protocol.ProviderResponse, error) {
	var lastErr error

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		resp, err := fn(ctx)
		if err == nil {
			c.ledger.RecordResponse(resp.Usage)
			return resp, nil
		}

		var sslErr *provider.SSLError
		if errors.As(err, &sslErr) {
			c.ledger.RecordSSLError(err)
			c.sslOnce.Do(func() {
				c.logger.Warn(provider.SSLGuidance)
			})
			return nil, err
		}

		var transient *provider.TransientError
		if !errors.As(err, &transient) {
			c.ledger.RecordAPIError(attempt, ClassPermanent, err)
			return nil, err
		}

		c.ledger.RecordAPIError(attempt, transient.Class, err)
		lastErr = err

		if attempt == c.policy.MaxAttempts {
			break
		}

		delay := c.backoff(attempt)
		c.logger.Debug("transient provider error, backing off",
			"attempt", attempt, "class", transient.Class, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, &TransientExhausted{Attempts: c.policy.MaxAttempts, Err: lastErr}
}

// backoff computes min(max_delay, base * 2^(attempt-1)) scaled by a jitter
// factor in [0.5, 1.5).
func (c *Caller) backoff(attempt int) time.Duration {
	exp := float64(c.policy.BaseDelay) * math.Pow(2, float64(attempt-1))
	if capped := float64(c.policy.MaxDelay); exp > capped {
		exp = capped
	}
	return time.Duration(exp * c.jitter())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
