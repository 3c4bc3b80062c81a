package shell

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runTool(t *testing.T, args map[string]any) map[string]any {
	t.Helper()
	p := New()
	require.NoError(t, p.Initialize(context.Background(), nil))
	out, err := p.Executors()["run_shell"](context.Background(), args)
	require.NoError(t, err)
	return out.(map[string]any)
}

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	result := runTool(t, map[string]any{"command": "echo hello"})
	assert.Equal(t, "hello\n", result["output"])
	assert.Equal(t, 0, result["exit_code"])
	assert.NotContains(t, result, "truncated")
	assert.NotContains(t, result, "error")
}

func TestRun_FailureIsStructuredNotFatal(t *testing.T) {
	result := runTool(t, map[string]any{"command": "exit 3"})
	assert.Equal(t, 3, result["exit_code"])
	assert.Contains(t, result, "error")
}

func TestRun_StderrIsCombined(t *testing.T) {
	result := runTool(t, map[string]any{"command": "echo oops >&2"})
	assert.Equal(t, "oops\n", result["output"])
}

func TestRun_TruncatesLongOutput(t *testing.T) {
	result := runTool(t, map[string]any{"command": "yes x | head -c 60000"})
	out := result["output"].(string)
	assert.Len(t, out, maxOutputChars)
	assert.Equal(t, true, result["truncated"])
	assert.Contains(t, result["hint"], "narrow the command")
}

func TestRun_Timeout(t *testing.T) {
	result := runTool(t, map[string]any{
		"command":         "sleep 5",
		"timeout_seconds": 0.1,
	})
	assert.Equal(t, true, result["timed_out"])
	assert.Contains(t, result["error"], "timed out")
}

func TestRun_Workdir(t *testing.T) {
	dir := t.TempDir()
	result := runTool(t, map[string]any{"command": "pwd", "workdir": dir})
	assert.Equal(t, dir, strings.TrimSpace(result["output"].(string)))
}

func TestRun_MissingCommand(t *testing.T) {
	p := New()
	require.NoError(t, p.Initialize(context.Background(), nil))
	_, err := p.Executors()["run_shell"](context.Background(), map[string]any{})
	assert.Error(t, err)
}

func TestInitialize_Validation(t *testing.T) {
	assert.Error(t, New().Initialize(context.Background(), map[string]any{"timeout_seconds": "fast"}))
	assert.Error(t, New().Initialize(context.Background(), map[string]any{"timeout_seconds": -1}))
	assert.NoError(t, New().Initialize(context.Background(), map[string]any{"timeout_seconds": 30}))
}

func TestNeverAutoApproved(t *testing.T) {
	assert.Empty(t, New().AutoApprovedTools())
}
