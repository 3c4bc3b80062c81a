package permission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookChannel_PostAndPoll(t *testing.T) {
	var mu sync.Mutex
	var received Request
	polls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("POST /ask", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /ask/{id}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		polls++
		if polls < 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(Response{RequestID: received.RequestID, Decision: ActionAlways})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL + "/ask")
	ch.pollInterval = 5 * time.Millisecond

	req := newRequest("run_shell", map[string]any{"cmd": "ls"}, "")
	action, err := ch.Ask(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ActionAlways, action)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "run_shell", received.Tool)
	assert.NotEmpty(t, received.RequestID)
	assert.NotEmpty(t, received.Timestamp)
}

func TestWebhookChannel_ContextCancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ask", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL + "/ask")
	ch.pollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := ch.Ask(ctx, newRequest("t", nil, ""))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFileChannel_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	ch, err := NewFileChannel(dir)
	require.NoError(t, err)

	req := newRequest("run_shell", map[string]any{"cmd": "ls"}, "")

	// approve from a second goroutine once the request file appears
	go func() {
		reqPath := filepath.Join(dir, req.RequestID+".request.json")
		for i := 0; i < 200; i++ {
			if _, err := os.Stat(reqPath); err == nil {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		resp, _ := json.Marshal(Response{RequestID: req.RequestID, Decision: ActionYes})
		os.WriteFile(filepath.Join(dir, req.RequestID+".response.json"), resp, 0o644)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	action, err := ch.Ask(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ActionYes, action)

	// both files are cleaned up afterwards
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), req.RequestID))
	}
}

func TestFileChannel_Timeout(t *testing.T) {
	ch, err := NewFileChannel(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = ch.Ask(ctx, newRequest("t", nil, ""))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
