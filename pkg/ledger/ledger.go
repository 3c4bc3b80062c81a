// Package ledger records one JSONL event per provider-call attempt and
// implements the retry policy around those calls. The ledger is write-only;
// Summary gives an in-memory rollup for the retry-summary line.
package ledger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jaato-labs/jaato/pkg/protocol"
)

// Stages written to the event log.
const (
	StagePreCount = "pre-count"
	StageAPIError = "api-error"
	StageResponse = "response"
	StageSSLError = "ssl-error"
)

// Error classifications.
const (
	ClassRateLimit = "rate_limit"
	ClassInfra     = "infra"
	ClassPermanent = "permanent"
)

// Event is one JSONL line.
type Event struct {
	ISOTs          string `json:"iso_ts"`
	EventIndex     int    `json:"event_index"`
	Stage          string `json:"stage"`
	Attempt        int    `json:"attempt,omitempty"`
	Class          string `json:"class,omitempty"`
	Error          string `json:"error,omitempty"`
	PromptTokens   int    `json:"prompt_tokens,omitempty"`
	OutputTokens   int    `json:"output_tokens,omitempty"`
	TotalTokens    int    `json:"total_tokens,omitempty"`
	InternalTokens int    `json:"internal_tokens,omitempty"`
}

// Summary is the rollup over all recorded events.
type Summary struct {
	TotalCalls         int    `json:"total_calls"`
	RateLimitErrors    int    `json:"rate_limit_errors"`
	InfraErrors        int    `json:"infra_errors"`
	PermanentErrors    int    `json:"permanent_errors"`
	LastRateLimitError string `json:"last_rate_limit_error,omitempty"`
}

// Ledger appends events to a writer. Safe for concurrent use; sessions on
// one runtime share a single ledger.
type Ledger struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	nextIndex int
	summary   Summary
	now       func() time.Time
}

// Open appends to the JSONL file at path, creating it if needed.
func Open(path string) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger file: %w", err)
	}
	l := NewWriter(f)
	l.closer = f
	return l, nil
}

// NewWriter builds a ledger over an arbitrary writer.
func NewWriter(w io.Writer) *Ledger {
	return &Ledger{w: w, now: time.Now}
}

func (l *Ledger) write(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.ISOTs = l.now().UTC().Format(time.RFC3339Nano)
	e.EventIndex = l.nextIndex
	l.nextIndex++

	switch e.Stage {
	case StageResponse:
		l.summary.TotalCalls++
	case StageAPIError:
		switch e.Class {
		case ClassRateLimit:
			l.summary.RateLimitErrors++
			l.summary.LastRateLimitError = e.Error
		case ClassInfra:
			l.summary.InfraErrors++
		default:
			l.summary.PermanentErrors++
		}
	}

	if l.w == nil {
		return
	}
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = l.w.Write(append(line, '\n'))
}

// RecordPreCount logs a local token estimate taken before a call.
func (l *Ledger) RecordPreCount(tokens int) {
	l.write(Event{Stage: StagePreCount, InternalTokens: tokens})
}

// RecordResponse logs a successful call's usage.
func (l *Ledger) RecordResponse(usage protocol.TokenUsage) {
	l.write(Event{
		Stage:        StageResponse,
		PromptTokens: usage.Prompt,
		OutputTokens: usage.Output,
		TotalTokens:  usage.Total,
	})
}

// RecordAPIError logs one failed attempt.
func (l *Ledger) RecordAPIError(attempt int, class string, err error) {
	l.write(Event{Stage: StageAPIError, Attempt: attempt, Class: class, Error: err.Error()})
}

// RecordSSLError logs a certificate failure. Not retried.
func (l *Ledger) RecordSSLError(err error) {
	l.write(Event{Stage: StageSSLError, Error: err.Error()})
}

// Summarize returns the current rollup.
func (l *Ledger) Summarize() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.summary
}

// Close closes the underlying file when the ledger owns one.
func (l *Ledger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
