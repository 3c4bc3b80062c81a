package permission

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Request is the JSON envelope sent to webhook and file channels.
type Request struct {
	RequestID string         `json:"request_id"`
	Timestamp string         `json:"timestamp"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
	Context   string         `json:"context,omitempty"`
}

// Response is the JSON envelope a channel backend answers with.
type Response struct {
	RequestID string `json:"request_id"`
	Decision  Action `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

// Channel asks a human (or an external policy service) about one tool call.
// Implementations block until answered, the context expires, or the channel
// fails; the engine maps failures and timeouts to a denial.
type Channel interface {
	Ask(ctx context.Context, req Request) (Action, error)
}

func newRequest(tool string, args map[string]any, contextNote string) Request {
	return Request{
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Tool:      tool,
		Args:      args,
		Context:   contextNote,
	}
}
