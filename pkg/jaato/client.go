// Package jaato implements the orchestration loop: it turns a user prompt
// into a final answer by alternating model calls with gated, possibly
// parallel tool executions.
package jaato

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/jaato-labs/jaato/pkg/gc"
	"github.com/jaato-labs/jaato/pkg/ledger"
	"github.com/jaato-labs/jaato/pkg/permission"
	"github.com/jaato-labs/jaato/pkg/plugin"
	"github.com/jaato-labs/jaato/pkg/protocol"
	"github.com/jaato-labs/jaato/pkg/provider"
	"github.com/jaato-labs/jaato/pkg/tokens"
)

// Defaults for the loop bounds.
const (
	DefaultMaxToolIterations = 8
	DefaultMaxParallelTools  = 4
)

// ErrSessionBusy rejects overlapping SendMessage calls on one client.
var ErrSessionBusy = errors.New("a send is already in progress on this session")

// OutputMode distinguishes a new output block from streamed continuation.
type OutputMode string

const (
	OutputWrite  OutputMode = "write"
	OutputAppend OutputMode = "append"
)

// Hooks observe the loop. All are optional. Tool hooks fire from executor
// goroutines and must be safe for concurrent use.
type Hooks struct {
	OnTurnStart          func(turn int)
	OnTurnEnd            func(turn int, accounting protocol.TurnAccounting)
	OnToolStart          func(call protocol.FunctionCall)
	OnToolEnd            func(result protocol.ToolResult, duration time.Duration)
	OnPermissionDecision func(decision permission.Decision)
	OnPlanUpdate         func(plan any)
	OnGC                 func(summary string)
	OnOutput             func(source, text string, mode OutputMode)
}

// Config bounds the loop.
type Config struct {
	// MaxToolIterations caps model/tool round trips within one turn.
	MaxToolIterations int
	// MaxParallelTools caps concurrent executor fan-out.
	MaxParallelTools int
}

// Metrics records turn, tool and model-call measurements. The observability
// package's recorders satisfy it.
type Metrics interface {
	RecordTurn(ctx context.Context, duration time.Duration, tokens int, err error)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordModelCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
}

// Option configures a client.
type Option func(*Client)

// WithConfig overrides the loop bounds.
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		if cfg.MaxToolIterations > 0 {
			c.cfg.MaxToolIterations = cfg.MaxToolIterations
		}
		if cfg.MaxParallelTools > 0 {
			c.cfg.MaxParallelTools = cfg.MaxParallelTools
		}
	}
}

// WithHooks installs loop observers.
func WithHooks(hooks Hooks) Option {
	return func(c *Client) { c.hooks = hooks }
}

// WithGC installs a history collector checked at the start of each turn.
func WithGC(collector *gc.Collector) Option {
	return func(c *Client) { c.gc = collector }
}

// WithCounter installs a local token counter for pre-count ledger events.
func WithCounter(counter *tokens.Counter) Option {
	return func(c *Client) { c.counter = counter }
}

// WithObservability installs a tracer and metrics recorder; the model name
// labels model-call measurements. Without it the loop traces to a noop
// tracer and records nothing.
func WithObservability(tracer trace.Tracer, metrics Metrics, model string) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
		c.metrics = metrics
		c.model = model
	}
}

// Client drives one session's orchestration loop.
type Client struct {
	session      provider.ChatSession
	registry     *plugin.Registry
	permission   *permission.Engine
	caller       *ledger.Caller
	led          *ledger.Ledger
	gc           *gc.Collector
	counter      *tokens.Counter
	contextLimit int
	cfg          Config
	hooks        Hooks
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      Metrics
	model        string

	busy           atomic.Bool
	turnCount      int
	accounting     []protocol.TurnAccounting
	turnBoundaries []int // history length at each turn start
}

// New builds a client over an open chat session.
func New(session provider.ChatSession, reg *plugin.Registry, perm *permission.Engine, led *ledger.Ledger, contextLimit int, opts ...Option) *Client {
	c := &Client{
		session:      session,
		registry:     reg,
		permission:   perm,
		led:          led,
		caller:       ledger.NewCaller(led, ledger.DefaultPolicy()),
		contextLimit: contextLimit,
		cfg: Config{
			MaxToolIterations: DefaultMaxToolIterations,
			MaxParallelTools:  DefaultMaxParallelTools,
		},
		logger: slog.Default().With("component", "jaato"),
		tracer: noop.NewTracerProvider().Tracer("jaato"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage runs one full turn for a text prompt and returns the final
// model text. Overlapping calls on the same client fail with ErrSessionBusy.
func (c *Client) SendMessage(ctx context.Context, text string) (string, error) {
	return c.send(ctx, text, nil)
}

// SendMessageWithParts is the multimodal variant.
func (c *Client) SendMessageWithParts(ctx context.Context, parts []protocol.Part) (string, error) {
	return c.send(ctx, "", parts)
}

func (c *Client) send(ctx context.Context, text string, parts []protocol.Part) (final string, err error) {
	if !c.busy.CompareAndSwap(false, true) {
		return "", ErrSessionBusy
	}
	defer c.busy.Store(false)

	ctx, span := c.tracer.Start(ctx, "turn",
		trace.WithAttributes(attribute.Int("turn", c.turnCount)))

	// S0 PREPARE
	prompt := text
	var meta map[string]any
	if parts == nil {
		prompt, meta = c.registry.EnrichPrompt(text)
	}
	c.permission.SetAutoApproved(c.registry.AutoApprovedTools())
	gcEvent := c.collectIfNeeded()

	acct := protocol.TurnAccounting{StartTime: time.Now()}
	if len(meta) > 0 {
		acct.Metadata = map[string]any{"enrichment": meta}
	}
	if gcEvent != nil {
		if acct.Metadata == nil {
			acct.Metadata = make(map[string]any)
		}
		acct.Metadata["gc"] = gcEvent
	}
	c.turnBoundaries = append(c.turnBoundaries, len(c.session.History()))
	turn := c.turnCount
	if c.hooks.OnTurnStart != nil {
		c.hooks.OnTurnStart(turn)
	}

	defer func() {
		// S5 FINALIZE runs even on error so accounting stays consistent
		acct.EndTime = time.Now()
		acct.DurationSeconds = acct.EndTime.Sub(acct.StartTime).Seconds()
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)) {
			acct.Cancelled = true
		}
		c.accounting = append(c.accounting, acct)
		c.turnCount++
		c.notifyTurnComplete(acct)
		if c.hooks.OnTurnEnd != nil {
			c.hooks.OnTurnEnd(turn, acct)
		}
		if c.metrics != nil {
			c.metrics.RecordTurn(ctx, acct.EndTime.Sub(acct.StartTime), acct.Total, err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// S1 SEND
	if c.counter != nil && prompt != "" {
		c.led.RecordPreCount(c.counter.Count(prompt))
	}
	resp, err := c.callModel(ctx, "send_message", func(ctx context.Context) (*protocol.ProviderResponse, error) {
		if parts != nil {
			return c.session.SendMessageWithParts(ctx, parts, nil)
		}
		return c.session.SendMessage(ctx, prompt, nil)
	})
	if err != nil {
		return "", err
	}
	acct.Prompt += resp.Usage.Prompt
	acct.Output += resp.Usage.Output
	acct.Total += resp.Usage.Total

	// S2 DISPATCH .. S4 RETURN TO MODEL
	for iteration := 0; len(resp.FunctionCalls) > 0; iteration++ {
		if iteration >= c.cfg.MaxToolIterations {
			if acct.Metadata == nil {
				acct.Metadata = make(map[string]any)
			}
			acct.Metadata["max_iterations_reached"] = true
			c.logger.Warn("tool iteration cap hit", "iterations", iteration)
			note := fmt.Sprintf("\n\n[stopped after %d tool iterations]", iteration)
			c.emit("model", resp.Text+note, OutputWrite)
			return resp.Text + note, nil
		}

		results, execErr := c.executeCalls(ctx, resp.FunctionCalls, &acct)
		if execErr != nil {
			return "", execErr
		}

		resp, err = c.callModel(ctx, "send_tool_results", func(ctx context.Context) (*protocol.ProviderResponse, error) {
			return c.session.SendToolResults(ctx, results, nil)
		})
		if err != nil {
			return "", err
		}
		acct.Prompt += resp.Usage.Prompt
		acct.Output += resp.Usage.Output
		acct.Total += resp.Usage.Total
	}

	c.emit("model", resp.Text, OutputWrite)
	return resp.Text, nil
}

// callModel runs one ledger-audited provider call under a span and records
// its duration and token counts.
func (c *Client) callModel(ctx context.Context, op string, fn func(context.Context) (*protocol.ProviderResponse, error)) (*protocol.ProviderResponse, error) {
	ctx, span := c.tracer.Start(ctx, op)
	defer span.End()

	start := time.Now()
	resp, err := c.caller.Call(ctx, fn)
	if c.metrics != nil {
		var in, out int
		if resp != nil {
			in, out = resp.Usage.Prompt, resp.Usage.Output
		}
		c.metrics.RecordModelCall(ctx, c.model, time.Since(start), in, out, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

// executeCalls gates and runs one response's calls, preserving the order the
// model issued them in the returned slice regardless of completion order.
func (c *Client) executeCalls(ctx context.Context, calls []protocol.FunctionCall, acct *protocol.TurnAccounting) ([]protocol.ToolResult, error) {
	results := make([]protocol.ToolResult, len(calls))
	timings := make([]protocol.FunctionCallTiming, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxParallelTools)

	for i, call := range calls {
		g.Go(func() error {
			start := time.Now()
			results[i] = c.executeCall(gctx, call)
			elapsed := time.Since(start)
			timings[i] = protocol.FunctionCallTiming{
				Name:            call.Name,
				DurationSeconds: elapsed.Seconds(),
			}
			if c.metrics != nil {
				c.metrics.RecordToolExecution(gctx, call.Name, elapsed, toolError(results[i]))
			}
			if c.hooks.OnToolEnd != nil {
				c.hooks.OnToolEnd(results[i], elapsed)
			}
			return gctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		// cancelled mid-fan-out: discard partial results
		return nil, err
	}

	acct.FunctionCalls = append(acct.FunctionCalls, timings...)
	return results, nil
}

// executeCall gates one call and runs its executor. Executor failures and
// denials are structured results, never errors.
func (c *Client) executeCall(ctx context.Context, call protocol.FunctionCall) protocol.ToolResult {
	ctx, span := c.tracer.Start(ctx, "execute_tool",
		trace.WithAttributes(attribute.String("tool", call.Name)))
	defer span.End()

	if c.hooks.OnToolStart != nil {
		c.hooks.OnToolStart(call)
	}

	p, ok := c.registry.PluginForTool(call.Name)
	if !ok {
		return protocol.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Result:  "unknown tool",
			IsError: true,
		}
	}

	digest := protocol.ArgsDigest(call.Args)
	decision := c.permission.Ask(ctx, call.Name, call.Args, digest)
	if c.hooks.OnPermissionDecision != nil {
		c.hooks.OnPermissionDecision(decision)
	}

	if !decision.IsAllowed() {
		return withPermission(protocol.ToolResult{
			CallID: call.ID,
			Name:   call.Name,
			Result: map[string]any{"denied": true, "reason": decision.Reason},
		}, decision)
	}

	executor := p.Executors()[call.Name]
	value, err := executor(ctx, call.Args)
	if err != nil {
		return withPermission(protocol.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Result:  err.Error(),
			IsError: true,
		}, decision)
	}

	result := protocol.ToolResult{CallID: call.ID, Name: call.Name, Result: value}
	// executors may return a full ToolResult to carry attachments
	if tr, ok := value.(*protocol.ToolResult); ok {
		result.Result = tr.Result
		result.IsError = tr.IsError
		result.Attachments = tr.Attachments
	}
	if m, ok := result.Result.(map[string]any); ok {
		if plan, ok := m["_plan_update"]; ok && c.hooks.OnPlanUpdate != nil {
			c.hooks.OnPlanUpdate(plan)
		}
	}
	return withPermission(result, decision)
}

// withPermission attaches the gating decision under the reserved key.
func withPermission(r protocol.ToolResult, d permission.Decision) protocol.ToolResult {
	if m, ok := r.Result.(map[string]any); ok {
		m[protocol.PermissionMetadataKey] = d
		return r
	}
	r.Result = map[string]any{
		"result":                       r.Result,
		protocol.PermissionMetadataKey: d,
	}
	return r
}

// collectIfNeeded collapses history when the GC policy says so. The returned
// event goes into the turn's accounting metadata; nil means nothing was
// collected.
func (c *Client) collectIfNeeded() map[string]any {
	if c.gc == nil {
		return nil
	}
	history := c.session.History()
	if !c.gc.ShouldCollect(history, c.contextLimit, c.turnCount) {
		return nil
	}
	collapsed, summary := c.gc.Collect(history)
	if summary == "" {
		return nil
	}
	c.session.SetHistory(collapsed)
	c.logger.Info("history collapsed", "before", len(history), "after", len(collapsed))
	if c.hooks.OnGC != nil {
		c.hooks.OnGC(summary)
	}
	return map[string]any{
		"messages_before": len(history),
		"messages_after":  len(collapsed),
	}
}

// toolError turns an error-flagged result back into an error for recording.
func toolError(r protocol.ToolResult) error {
	if !r.IsError {
		return nil
	}
	return fmt.Errorf("%v", r.Result)
}

func (c *Client) notifyTurnComplete(acct protocol.TurnAccounting) {
	for _, name := range c.registry.Exposed() {
		p, ok := c.registry.Plugin(name)
		if !ok {
			continue
		}
		if observer, ok := p.(plugin.TurnObserver); ok {
			observer.OnTurnComplete(acct)
		}
	}
}

func (c *Client) emit(source, text string, mode OutputMode) {
	if c.hooks.OnOutput != nil && text != "" {
		c.hooks.OnOutput(source, text, mode)
	}
}

// Accounting returns a copy of the per-turn accounting rows.
func (c *Client) Accounting() []protocol.TurnAccounting {
	out := make([]protocol.TurnAccounting, len(c.accounting))
	copy(out, c.accounting)
	return out
}

// TurnCount returns completed turns.
func (c *Client) TurnCount() int {
	return c.turnCount
}

// History exposes the session's current history.
func (c *Client) History() []*protocol.Message {
	return c.session.History()
}

// RevertToTurn truncates history and accounting to the first n turns.
func (c *Client) RevertToTurn(n int) error {
	if c.busy.Load() {
		return ErrSessionBusy
	}
	if n < 0 || n > c.turnCount {
		return fmt.Errorf("turn %d out of range [0, %d]", n, c.turnCount)
	}
	if n == c.turnCount {
		return nil
	}
	if n >= len(c.turnBoundaries) {
		return fmt.Errorf("turn %d predates the restored history", n)
	}

	boundary := c.turnBoundaries[n]
	history := c.session.History()
	if boundary > len(history) {
		boundary = len(history)
	}
	c.session.SetHistory(history[:boundary])
	c.accounting = c.accounting[:n]
	c.turnBoundaries = c.turnBoundaries[:n]
	c.turnCount = n

	for _, name := range c.registry.Exposed() {
		p, ok := c.registry.Plugin(name)
		if !ok {
			continue
		}
		if observer, ok := p.(RevertObserver); ok {
			observer.OnRevert(n)
		}
	}
	return nil
}

// RestoreState replaces history and accounting wholesale, as when resuming
// a persisted conversation. Turn boundaries inside the restored prefix are
// unknown, so reverting to a turn before the restore point is rejected.
func (c *Client) RestoreState(history []*protocol.Message, accounting []protocol.TurnAccounting) error {
	if c.busy.Load() {
		return ErrSessionBusy
	}
	c.session.SetHistory(history)
	c.accounting = append([]protocol.TurnAccounting(nil), accounting...)
	c.turnCount = len(accounting)
	c.turnBoundaries = nil
	return nil
}

// RevertObserver is implemented by plugins that track history (session
// persistence) and need to know about reverts.
type RevertObserver interface {
	OnRevert(turn int)
}
