package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jaato-labs/jaato/pkg/httpclient"
)

// WebhookChannel POSTs the request to a configured URL, then long-polls
// <url>/<request_id> for the answer.
type WebhookChannel struct {
	url          string
	client       *httpclient.Client
	pollInterval time.Duration
}

// NewWebhookChannel builds a webhook channel against url.
func NewWebhookChannel(url string, opts ...httpclient.Option) *WebhookChannel {
	return &WebhookChannel{
		url:          url,
		client:       httpclient.New(opts...),
		pollInterval: 2 * time.Second,
	}
}

var _ Channel = (*WebhookChannel)(nil)

func (w *WebhookChannel) Ask(ctx context.Context, req Request) (Action, error) {
	if err := w.client.PostJSON(ctx, w.url, req, nil); err != nil {
		return "", fmt.Errorf("webhook post failed: %w", err)
	}

	pollURL := w.url + "/" + req.RequestID
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		var resp Response
		err := w.client.GetJSON(ctx, pollURL, &resp)
		switch {
		case err == nil:
			if resp.RequestID != "" && resp.RequestID != req.RequestID {
				return "", fmt.Errorf("webhook answered for wrong request: %s", resp.RequestID)
			}
			return resp.Decision, nil
		case errors.Is(err, httpclient.ErrNotReady):
			// keep polling
		default:
			return "", fmt.Errorf("webhook poll failed: %w", err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
