package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileChannel drops a request JSON file into a directory and waits for a
// matching response file. An external approver (script, other terminal)
// writes `<request_id>.response.json` next to the request.
type FileChannel struct {
	dir string
}

// NewFileChannel builds a file channel rooted at dir, creating it if needed.
func NewFileChannel(dir string) (*FileChannel, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create permission dir: %w", err)
	}
	return &FileChannel{dir: dir}, nil
}

var _ Channel = (*FileChannel)(nil)

func (f *FileChannel) requestPath(id string) string {
	return filepath.Join(f.dir, id+".request.json")
}

func (f *FileChannel) responsePath(id string) string {
	return filepath.Join(f.dir, id+".response.json")
}

func (f *FileChannel) Ask(ctx context.Context, req Request) (Action, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(f.dir); err != nil {
		return "", fmt.Errorf("failed to watch permission dir: %w", err)
	}

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", err
	}
	reqPath := f.requestPath(req.RequestID)
	if err := os.WriteFile(reqPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write request file: %w", err)
	}
	defer os.Remove(reqPath)

	respPath := f.responsePath(req.RequestID)
	defer os.Remove(respPath)

	// The watcher can miss a response written between MkdirAll and Add, so
	// a slow poll backs it up.
	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()

	for {
		if action, ok, err := f.tryRead(respPath, req.RequestID); err != nil {
			return "", err
		} else if ok {
			return action, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-poll.C:
		case event := <-watcher.Events:
			if event.Name != respPath || !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
		case err := <-watcher.Errors:
			return "", fmt.Errorf("watcher failed: %w", err)
		}
	}
}

// tryRead attempts to parse the response file. A missing file or a file
// still being written (partial JSON) reports not-ready rather than failing.
func (f *FileChannel) tryRead(path, requestID string) (Action, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false, nil
	}
	if resp.RequestID != "" && resp.RequestID != requestID {
		return "", false, fmt.Errorf("response file answers wrong request: %s", resp.RequestID)
	}
	return resp.Decision, true, nil
}
