// Package shell runs commands on the host. It is never auto-approved;
// every call goes through the permission gate.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/jaato-labs/jaato/pkg/plugin"
	"github.com/jaato-labs/jaato/pkg/protocol"
)

const (
	// Name is the plugin's registry name.
	Name = "shell"

	toolName = "run_shell"

	// maxOutputChars bounds what a single command may feed back to the
	// model. Longer output is cut with a hint so the model can narrow
	// the command instead of retrying blindly.
	maxOutputChars = 50_000

	defaultTimeout = 60 * time.Second
)

// Plugin executes shell commands with a timeout and output cap.
type Plugin struct {
	plugin.Base
	workdir string
	timeout time.Duration
}

// New builds an unconfigured shell plugin.
func New() plugin.Plugin {
	return &Plugin{timeout: defaultTimeout}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Initialize(_ context.Context, config map[string]any) error {
	if v, ok := config["workdir"].(string); ok {
		p.workdir = v
	}
	switch v := config["timeout_seconds"].(type) {
	case nil:
	case int:
		p.timeout = time.Duration(v) * time.Second
	case float64:
		p.timeout = time.Duration(v * float64(time.Second))
	default:
		return fmt.Errorf("timeout_seconds must be a number, got %T", v)
	}
	if p.timeout <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	return nil
}

func (p *Plugin) ToolSchemas() []protocol.ToolSchema {
	return []protocol.ToolSchema{{
		Name:        toolName,
		Description: "Run a shell command and return its combined output. Output longer than 50000 characters is truncated.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The command to run with sh -c",
				},
				"workdir": map[string]any{
					"type":        "string",
					"description": "Working directory for the command",
				},
				"timeout_seconds": map[string]any{
					"type":        "number",
					"description": "Per-call timeout override in seconds",
				},
			},
			"required": []any{"command"},
		},
	}}
}

func (p *Plugin) Executors() map[string]plugin.Executor {
	return map[string]plugin.Executor{
		toolName: p.run,
	}
}

func (p *Plugin) SystemInstructions() string {
	return "You can run shell commands with the run_shell tool. Prefer narrow commands over broad ones; output is truncated at 50000 characters."
}

func (p *Plugin) run(ctx context.Context, args map[string]any) (any, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	timeout := p.timeout
	if v, ok := args["timeout_seconds"].(float64); ok && v > 0 {
		timeout = time.Duration(v * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workdir, _ := args["workdir"].(string); workdir != "" {
		cmd.Dir = workdir
	} else if p.workdir != "" {
		cmd.Dir = p.workdir
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := map[string]any{
		"command":          command,
		"duration_seconds": elapsed.Seconds(),
		"exit_code":        exitCode,
	}

	output := buf.String()
	if len(output) > maxOutputChars {
		result["output"] = output[:maxOutputChars]
		result["truncated"] = true
		result["hint"] = fmt.Sprintf("output was %d characters, showing the first %d; narrow the command to see more", len(output), maxOutputChars)
	} else {
		result["output"] = output
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		result["timed_out"] = true
		result["error"] = fmt.Sprintf("command timed out after %s", timeout)
	case runErr != nil:
		result["error"] = runErr.Error()
	}
	return result, nil
}

var _ plugin.Plugin = (*Plugin)(nil)
