// Package calc is a pure arithmetic plugin. It is side-effect free, so its
// tool is auto-approved.
package calc

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/jaato-labs/jaato/pkg/plugin"
	"github.com/jaato-labs/jaato/pkg/protocol"
)

const (
	// Name is the plugin's registry name.
	Name = "calc"

	toolName         = "calculate"
	defaultPrecision = 6
)

// Plugin evaluates arithmetic expressions.
type Plugin struct {
	plugin.Base
	precision int
}

// New builds an unconfigured calc plugin.
func New() plugin.Plugin {
	return &Plugin{precision: defaultPrecision}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Initialize(_ context.Context, config map[string]any) error {
	if v, ok := config["precision"]; ok {
		switch n := v.(type) {
		case int:
			p.precision = n
		case float64:
			p.precision = int(n)
		default:
			return fmt.Errorf("precision must be a number, got %T", v)
		}
		if p.precision < 0 || p.precision > 15 {
			return fmt.Errorf("precision out of range [0, 15]: %d", p.precision)
		}
	}
	return nil
}

func (p *Plugin) ToolSchemas() []protocol.ToolSchema {
	return []protocol.ToolSchema{{
		Name:        toolName,
		Description: "Evaluate an arithmetic expression. Supports + - * / % ^, parentheses, and functions like sqrt, log, sin.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "The expression to evaluate, e.g. \"sqrt(2) * (3 + 4)\"",
				},
			},
			"required": []any{"expression"},
		},
	}}
}

func (p *Plugin) Executors() map[string]plugin.Executor {
	return map[string]plugin.Executor{
		toolName: p.calculate,
	}
}

// AutoApprovedTools marks calculate as safe to run without asking.
func (p *Plugin) AutoApprovedTools() []string {
	return []string{toolName}
}

func (p *Plugin) calculate(_ context.Context, args map[string]any) (any, error) {
	expression, _ := args["expression"].(string)
	if expression == "" {
		return nil, fmt.Errorf("expression is required")
	}
	value, err := eval(expression)
	if err != nil {
		return nil, fmt.Errorf("cannot evaluate %q: %w", expression, err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("expression %q has no finite value", expression)
	}
	return map[string]any{
		"expression": expression,
		"result":     strconv.FormatFloat(value, 'f', -1, 64),
		"value":      round(value, p.precision),
	}, nil
}

func round(v float64, precision int) float64 {
	scale := math.Pow10(precision)
	return math.Round(v*scale) / scale
}

var _ plugin.Plugin = (*Plugin)(nil)
