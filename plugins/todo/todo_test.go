package todo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdate_StoresPlanAndSignalsUpdate(t *testing.T) {
	p := New().(*Plugin)
	exec := p.Executors()["update_todos"]

	out, err := exec(context.Background(), map[string]any{
		"todos": []any{
			map[string]any{"content": "read the file", "status": "completed"},
			map[string]any{"content": "fix the bug", "status": "in_progress"},
			map[string]any{"content": "add a test", "status": "pending"},
		},
	})
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, 3, m["count"])
	// the reserved key carries the plan to the orchestrator's hook
	plan, ok := m["_plan_update"].([]Item)
	require.True(t, ok)
	assert.Equal(t, "fix the bug", plan[1].Content)

	items := p.Items()
	require.Len(t, items, 3)
	assert.Equal(t, "completed", items[0].Status)
}

func TestUpdate_Validation(t *testing.T) {
	exec := New().Executors()["update_todos"]

	_, err := exec(context.Background(), map[string]any{})
	assert.Error(t, err)

	_, err = exec(context.Background(), map[string]any{"todos": []any{"not an object"}})
	assert.Error(t, err)

	_, err = exec(context.Background(), map[string]any{
		"todos": []any{map[string]any{"content": "x", "status": "done"}},
	})
	assert.Error(t, err)

	_, err = exec(context.Background(), map[string]any{
		"todos": []any{map[string]any{"status": "pending"}},
	})
	assert.Error(t, err)
}

func TestTodosCommand_Renders(t *testing.T) {
	p := New().(*Plugin)

	cmds := p.UserCommands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "todos", cmds[0].Name)

	out, err := cmds[0].Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "no todos", out)

	_, err = p.Executors()["update_todos"](context.Background(), map[string]any{
		"todos": []any{
			map[string]any{"content": "ship it", "status": "in_progress"},
		},
	})
	require.NoError(t, err)

	out, err = cmds[0].Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "[~] 1. ship it", out)
}

func TestAutoApproved(t *testing.T) {
	assert.Equal(t, []string{"update_todos"}, New().AutoApprovedTools())
}
