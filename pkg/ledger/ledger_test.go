package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaato-labs/jaato/pkg/protocol"
	"github.com/jaato-labs/jaato/pkg/provider"
)

func TestLedger_EventsAreJSONL(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf)
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	l.RecordPreCount(120)
	l.RecordAPIError(1, ClassRateLimit, errors.New("429 slow down"))
	l.RecordResponse(protocol.TokenUsage{Prompt: 100, Output: 20, Total: 120})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var events []Event
	for _, line := range lines {
		var e Event
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		events = append(events, e)
	}

	assert.Equal(t, []int{0, 1, 2}, []int{events[0].EventIndex, events[1].EventIndex, events[2].EventIndex})
	assert.Equal(t, StagePreCount, events[0].Stage)
	assert.Equal(t, 120, events[0].InternalTokens)
	assert.Equal(t, "2026-01-02T03:04:05Z", events[0].ISOTs)
	assert.Equal(t, StageAPIError, events[1].Stage)
	assert.Equal(t, ClassRateLimit, events[1].Class)
	assert.Equal(t, 1, events[1].Attempt)
	assert.Equal(t, StageResponse, events[2].Stage)
	assert.Equal(t, 120, events[2].TotalTokens)
}

func TestLedger_Summarize(t *testing.T) {
	l := NewWriter(nil)

	l.RecordResponse(protocol.TokenUsage{Total: 10})
	l.RecordResponse(protocol.TokenUsage{Total: 20})
	l.RecordAPIError(1, ClassRateLimit, errors.New("first"))
	l.RecordAPIError(2, ClassRateLimit, errors.New("second"))
	l.RecordAPIError(1, ClassInfra, errors.New("503"))
	l.RecordAPIError(1, ClassPermanent, errors.New("bad schema"))

	s := l.Summarize()
	assert.Equal(t, 2, s.TotalCalls)
	assert.Equal(t, 2, s.RateLimitErrors)
	assert.Equal(t, 1, s.InfraErrors)
	assert.Equal(t, 1, s.PermanentErrors)
	assert.Equal(t, "second", s.LastRateLimitError)
}

func newTestCaller(l *Ledger) (*Caller, *[]time.Duration) {
	c := NewCaller(l, Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 4 * time.Second})
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	c.jitter = func() float64 { return 1.0 }
	return c, &slept
}

func TestCaller_SuccessAfterTransient(t *testing.T) {
	l := NewWriter(nil)
	c, slept := newTestCaller(l)

	calls := 0
	resp, err := c.Call(context.Background(), func(ctx context.Context) (*protocol.ProviderResponse, error) {
		calls++
		if calls < 3 {
			return nil, &provider.TransientError{Class: "rate_limit", Err: errors.New("429")}
		}
		return &protocol.ProviderResponse{Usage: protocol.TokenUsage{Total: 5}}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 5, resp.Usage.Total)
	assert.Equal(t, 3, calls)
	// base*2^0, base*2^1 with unit jitter
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
	assert.Equal(t, 2, l.Summarize().RateLimitErrors)
}

func TestCaller_ExhaustionReturnsTypedError(t *testing.T) {
	l := NewWriter(nil)
	c, _ := newTestCaller(l)

	_, err := c.Call(context.Background(), func(ctx context.Context) (*protocol.ProviderResponse, error) {
		return nil, &provider.TransientError{Class: "infra", Err: errors.New("503")}
	})

	var exhausted *TransientExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, l.Summarize().InfraErrors)
}

func TestCaller_PermanentNotRetried(t *testing.T) {
	l := NewWriter(nil)
	c, slept := newTestCaller(l)

	calls := 0
	permanent := errors.New("invalid schema")
	_, err := c.Call(context.Background(), func(ctx context.Context) (*protocol.ProviderResponse, error) {
		calls++
		return nil, permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
	assert.Equal(t, 1, l.Summarize().PermanentErrors)
}

func TestCaller_SSLNotRetried(t *testing.T) {
	l := NewWriter(nil)
	c, slept := newTestCaller(l)

	calls := 0
	_, err := c.Call(context.Background(), func(ctx context.Context) (*protocol.ProviderResponse, error) {
		calls++
		return nil, &provider.SSLError{Err: errors.New("x509: unknown authority")}
	})

	var sslErr *provider.SSLError
	require.ErrorAs(t, err, &sslErr)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestCaller_BackoffCapped(t *testing.T) {
	c := NewCaller(NewWriter(nil), Policy{MaxAttempts: 6, BaseDelay: time.Second, MaxDelay: 4 * time.Second})
	c.jitter = func() float64 { return 1.0 }

	assert.Equal(t, time.Second, c.backoff(1))
	assert.Equal(t, 2*time.Second, c.backoff(2))
	assert.Equal(t, 4*time.Second, c.backoff(3))
	assert.Equal(t, 4*time.Second, c.backoff(5))
}

func TestCaller_CancelledDuringBackoff(t *testing.T) {
	l := NewWriter(nil)
	c := NewCaller(l, Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Call(ctx, func(ctx context.Context) (*protocol.ProviderResponse, error) {
		return nil, &provider.TransientError{Class: "infra", Err: errors.New("503")}
	})
	assert.ErrorIs(t, err, context.Canceled)
}
