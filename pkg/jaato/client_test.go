package jaato

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jaato-labs/jaato/pkg/gc"
	"github.com/jaato-labs/jaato/pkg/ledger"
	"github.com/jaato-labs/jaato/pkg/permission"
	"github.com/jaato-labs/jaato/pkg/plugin"
	"github.com/jaato-labs/jaato/pkg/protocol"
)

// fakeSession scripts provider responses and records what was sent.
type fakeSession struct {
	mu        sync.Mutex
	responses []*protocol.ProviderResponse
	errs      []error
	history   []*protocol.Message
	sentTexts []string
	sentTools [][]protocol.ToolResult
}

func (s *fakeSession) next() (*protocol.ProviderResponse, error) {
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(s.responses) == 0 {
		return &protocol.ProviderResponse{Text: "default", FinishReason: protocol.FinishStop}, nil
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

func (s *fakeSession) SendMessage(ctx context.Context, text string, schema map[string]any) (*protocol.ProviderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentTexts = append(s.sentTexts, text)
	s.history = append(s.history, protocol.UserMessage(text))
	return s.next()
}

func (s *fakeSession) SendMessageWithParts(ctx context.Context, parts []protocol.Part, schema map[string]any) (*protocol.ProviderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, &protocol.Message{Role: protocol.RoleUser, Parts: parts})
	return s.next()
}

func (s *fakeSession) SendToolResults(ctx context.Context, results []protocol.ToolResult, schema map[string]any) (*protocol.ProviderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentTools = append(s.sentTools, results)
	msg := &protocol.Message{Role: protocol.RoleTool}
	for _, r := range results {
		msg.Parts = append(msg.Parts, protocol.ResponsePart(r))
	}
	s.history = append(s.history, msg)
	return s.next()
}

func (s *fakeSession) History() []*protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.CloneHistory(s.history)
}

func (s *fakeSession) SetHistory(history []*protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = protocol.CloneHistory(history)
}

func (s *fakeSession) LastUsage() protocol.TokenUsage { return protocol.TokenUsage{} }

// echoPlugin exposes tools that report their own name.
type echoPlugin struct {
	plugin.Base
	name      string
	tools     []string
	execDelay time.Duration
	execErr   map[string]error
	running   atomic.Int32
	maxSeen   atomic.Int32
}

func (p *echoPlugin) Name() string { return p.name }

func (p *echoPlugin) ToolSchemas() []protocol.ToolSchema {
	var out []protocol.ToolSchema
	for _, t := range p.tools {
		out = append(out, protocol.ToolSchema{Name: t})
	}
	return out
}

func (p *echoPlugin) Executors() map[string]plugin.Executor {
	out := make(map[string]plugin.Executor)
	for _, t := range p.tools {
		out[t] = func(ctx context.Context, args map[string]any) (any, error) {
			cur := p.running.Add(1)
			for {
				max := p.maxSeen.Load()
				if cur <= max || p.maxSeen.CompareAndSwap(max, cur) {
					break
				}
			}
			defer p.running.Add(-1)
			if p.execDelay > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(p.execDelay):
				}
			}
			if err := p.execErr[t]; err != nil {
				return nil, err
			}
			return map[string]any{"tool": t, "args": args}, nil
		}
	}
	return out
}

type fixture struct {
	client  *Client
	session *fakeSession
	reg     *plugin.Registry
	plug    *echoPlugin
}

func newFixture(t *testing.T, tools ...string) *fixture {
	t.Helper()
	session := &fakeSession{}
	reg := plugin.NewRegistry()
	plug := &echoPlugin{name: "test", tools: tools}
	require.NoError(t, reg.RegisterFactory("test", func() plugin.Plugin { return plug }))
	require.NoError(t, reg.ExposeTool(context.Background(), "test", nil))

	perm := permission.NewEngine(permission.Policy{Default: permission.DefaultAllow}, nil)
	led := ledger.NewWriter(nil)
	client := New(session, reg, perm, led, 1_000_000)
	return &fixture{client: client, session: session, reg: reg, plug: plug}
}

func call(id, name string, args map[string]any) protocol.FunctionCall {
	return protocol.FunctionCall{ID: id, Name: name, Args: args}
}

func toolResponse(calls ...protocol.FunctionCall) *protocol.ProviderResponse {
	return &protocol.ProviderResponse{
		FunctionCalls: calls,
		FinishReason:  protocol.FinishToolUse,
		Usage:         protocol.TokenUsage{Prompt: 10, Output: 5, Total: 15},
	}
}

func textResponse(text string) *protocol.ProviderResponse {
	return &protocol.ProviderResponse{
		Text:         text,
		FinishReason: protocol.FinishStop,
		Usage:        protocol.TokenUsage{Prompt: 20, Output: 10, Total: 30},
	}
}

func TestSendMessage_PlainText(t *testing.T) {
	f := newFixture(t)
	f.session.responses = []*protocol.ProviderResponse{textResponse("hello there")}

	out, err := f.client.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)
	assert.Equal(t, []string{"hi"}, f.session.sentTexts)

	acct := f.client.Accounting()
	require.Len(t, acct, 1)
	assert.Equal(t, 30, acct[0].Total)
	assert.Equal(t, acct[0].Prompt+acct[0].Output, acct[0].Total)
	assert.Equal(t, 1, f.client.TurnCount())
}

func TestSendMessage_ToolLoop(t *testing.T) {
	f := newFixture(t, "lookup")
	f.session.responses = []*protocol.ProviderResponse{
		toolResponse(call("c1", "lookup", map[string]any{"q": "x"})),
		textResponse("found it"),
	}

	out, err := f.client.SendMessage(context.Background(), "find x")
	require.NoError(t, err)
	assert.Equal(t, "found it", out)

	require.Len(t, f.session.sentTools, 1)
	results := f.session.sentTools[0]
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].CallID)
	assert.Equal(t, "lookup", results[0].Name)
	assert.False(t, results[0].IsError)

	m, ok := results[0].Result.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, m, protocol.PermissionMetadataKey)

	acct := f.client.Accounting()
	require.Len(t, acct, 1)
	require.Len(t, acct[0].FunctionCalls, 1)
	assert.Equal(t, "lookup", acct[0].FunctionCalls[0].Name)
	assert.Equal(t, 45, acct[0].Total)
}

func TestSendMessage_ResultsKeepIssueOrder(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	f.plug.execDelay = 10 * time.Millisecond
	f.session.responses = []*protocol.ProviderResponse{
		toolResponse(
			call("c1", "c", nil),
			call("c2", "a", nil),
			call("c3", "b", nil),
		),
		textResponse("done"),
	}

	_, err := f.client.SendMessage(context.Background(), "go")
	require.NoError(t, err)

	results := f.session.sentTools[0]
	require.Len(t, results, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{results[0].CallID, results[1].CallID, results[2].CallID})
	assert.Equal(t, []string{"c", "a", "b"}, []string{results[0].Name, results[1].Name, results[2].Name})
	assert.GreaterOrEqual(t, f.plug.maxSeen.Load(), int32(2), "calls should fan out in parallel")
}

func TestSendMessage_UnknownTool(t *testing.T) {
	f := newFixture(t)
	f.session.responses = []*protocol.ProviderResponse{
		toolResponse(call("c1", "ghost", nil)),
		textResponse("recovered"),
	}

	out, err := f.client.SendMessage(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)

	result := f.session.sentTools[0][0]
	assert.True(t, result.IsError)
	assert.Equal(t, "unknown tool", result.Result)
}

func TestSendMessage_ExecutorErrorFedBack(t *testing.T) {
	f := newFixture(t, "flaky")
	f.plug.execErr = map[string]error{"flaky": errors.New("disk on fire")}
	f.session.responses = []*protocol.ProviderResponse{
		toolResponse(call("c1", "flaky", nil)),
		textResponse("noted"),
	}

	out, err := f.client.SendMessage(context.Background(), "go")
	require.NoError(t, err, "executor failures must not surface as errors")
	assert.Equal(t, "noted", out)

	result := f.session.sentTools[0][0]
	assert.True(t, result.IsError)
	m := result.Result.(map[string]any)
	assert.Equal(t, "disk on fire", m["result"])
}

func TestSendMessage_DeniedToolBecomesStructuredResult(t *testing.T) {
	session := &fakeSession{}
	reg := plugin.NewRegistry()
	plug := &echoPlugin{name: "test", tools: []string{"danger"}}
	require.NoError(t, reg.RegisterFactory("test", func() plugin.Plugin { return plug }))
	require.NoError(t, reg.ExposeTool(context.Background(), "test", nil))

	perm := permission.NewEngine(permission.Policy{
		Default:   permission.DefaultAllow,
		Blacklist: []permission.Rule{{Tool: "danger"}},
	}, nil)

	var decisions []permission.Decision
	client := New(session, reg, perm, ledger.NewWriter(nil), 1_000_000, WithHooks(Hooks{
		OnPermissionDecision: func(d permission.Decision) { decisions = append(decisions, d) },
	}))

	session.responses = []*protocol.ProviderResponse{
		toolResponse(call("c1", "danger", map[string]any{"x": 1})),
		textResponse("ok"),
	}

	_, err := client.SendMessage(context.Background(), "go")
	require.NoError(t, err)

	result := session.sentTools[0][0]
	assert.False(t, result.IsError, "denial is not an error")
	m := result.Result.(map[string]any)
	assert.Equal(t, true, m["denied"])
	assert.Equal(t, "blacklisted", m["reason"])
	assert.Contains(t, m, protocol.PermissionMetadataKey)

	require.Len(t, decisions, 1)
	assert.Equal(t, permission.Denied, decisions[0].Decision)
}

func TestSendMessage_MaxIterations(t *testing.T) {
	f := newFixture(t, "loop")
	// model never stops asking for tools
	for i := 0; i < 20; i++ {
		f.session.responses = append(f.session.responses, toolResponse(call(fmt.Sprintf("c%d", i), "loop", nil)))
	}

	client := New(f.session, f.reg, permission.NewEngine(permission.Policy{Default: permission.DefaultAllow}, nil),
		ledger.NewWriter(nil), 1_000_000, WithConfig(Config{MaxToolIterations: 3}))

	out, err := client.SendMessage(context.Background(), "go")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped after 3 tool iterations")
	assert.Len(t, f.session.sentTools, 3)

	acct := client.Accounting()
	require.Len(t, acct, 1)
	assert.Equal(t, true, acct[0].Metadata["max_iterations_reached"])
}

func TestSendMessage_RejectsConcurrentEntry(t *testing.T) {
	f := newFixture(t, "slow")
	f.plug.execDelay = 100 * time.Millisecond
	f.session.responses = []*protocol.ProviderResponse{
		toolResponse(call("c1", "slow", nil)),
		textResponse("done"),
	}

	started := make(chan struct{})
	var firstErr, secondErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		_, firstErr = f.client.SendMessage(context.Background(), "one")
	}()
	<-started
	time.Sleep(20 * time.Millisecond)
	_, secondErr = f.client.SendMessage(context.Background(), "two")
	wg.Wait()

	require.NoError(t, firstErr)
	assert.ErrorIs(t, secondErr, ErrSessionBusy)
}

func TestSendMessage_CancellationMarksAccounting(t *testing.T) {
	f := newFixture(t, "slow")
	f.plug.execDelay = time.Second
	f.session.responses = []*protocol.ProviderResponse{
		toolResponse(call("c1", "slow", nil)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := f.client.SendMessage(ctx, "go")
	require.Error(t, err)

	acct := f.client.Accounting()
	require.Len(t, acct, 1)
	assert.True(t, acct[0].Cancelled)
	// partial results discarded
	assert.Empty(t, f.session.sentTools)
}

func TestRevertToTurn(t *testing.T) {
	f := newFixture(t)
	f.session.responses = []*protocol.ProviderResponse{
		textResponse("one"), textResponse("two"), textResponse("three"),
	}

	ctx := context.Background()
	for _, msg := range []string{"a", "b", "c"} {
		_, err := f.client.SendMessage(ctx, msg)
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.client.TurnCount())
	fullLen := len(f.session.History())

	require.NoError(t, f.client.RevertToTurn(1))
	assert.Equal(t, 1, f.client.TurnCount())
	assert.Len(t, f.client.Accounting(), 1)
	assert.Less(t, len(f.session.History()), fullLen)

	// reverting to the current turn is a no-op
	require.NoError(t, f.client.RevertToTurn(1))
	assert.Error(t, f.client.RevertToTurn(5))
	assert.Error(t, f.client.RevertToTurn(-1))
}

func TestGC_RunsBeforeSend(t *testing.T) {
	f := newFixture(t)
	// seed a long history
	var history []*protocol.Message
	for i := 0; i < 30; i++ {
		history = append(history, protocol.UserMessage("old question"), protocol.ModelMessage("old answer"))
	}
	f.session.SetHistory(history)
	f.session.responses = []*protocol.ProviderResponse{textResponse("fresh")}

	collector := gc.New(nil)
	collector.ContextThreshold = 0.0001

	var gcSummary string
	client := New(f.session, f.reg, permission.NewEngine(permission.Policy{Default: permission.DefaultAllow}, nil),
		ledger.NewWriter(nil), 1000, WithGC(collector), WithHooks(Hooks{
			OnGC: func(summary string) { gcSummary = summary },
		}))

	_, err := client.SendMessage(context.Background(), "new question")
	require.NoError(t, err)
	assert.NotEmpty(t, gcSummary)
	assert.Less(t, len(f.session.History()), 62)
}

func TestHooks_TurnAndOutput(t *testing.T) {
	f := newFixture(t)
	f.session.responses = []*protocol.ProviderResponse{textResponse("final words")}

	var events []string
	client := New(f.session, f.reg, permission.NewEngine(permission.Policy{Default: permission.DefaultAllow}, nil),
		ledger.NewWriter(nil), 1_000_000, WithHooks(Hooks{
			OnTurnStart: func(turn int) { events = append(events, fmt.Sprintf("start:%d", turn)) },
			OnTurnEnd:   func(turn int, a protocol.TurnAccounting) { events = append(events, fmt.Sprintf("end:%d", turn)) },
			OnOutput: func(source, text string, mode OutputMode) {
				events = append(events, fmt.Sprintf("out:%s:%s", source, mode))
			},
		}))

	_, err := client.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, []string{"start:0", "out:model:write", "end:0"}, events)
}

func TestGC_RecordedInTurnAccounting(t *testing.T) {
	f := newFixture(t)
	var history []*protocol.Message
	for i := 0; i < 30; i++ {
		history = append(history, protocol.UserMessage("old question"), protocol.ModelMessage("old answer"))
	}
	f.session.SetHistory(history)
	f.session.responses = []*protocol.ProviderResponse{textResponse("fresh")}

	collector := gc.New(nil)
	collector.ContextThreshold = 0.0001

	client := New(f.session, f.reg, permission.NewEngine(permission.Policy{Default: permission.DefaultAllow}, nil),
		ledger.NewWriter(nil), 1000, WithGC(collector))

	_, err := client.SendMessage(context.Background(), "new question")
	require.NoError(t, err)

	acct := client.Accounting()
	require.Len(t, acct, 1)
	event, ok := acct[0].Metadata["gc"].(map[string]any)
	require.True(t, ok, "turn accounting should carry the gc event, got %v", acct[0].Metadata)
	assert.Equal(t, 60, event["messages_before"])
	after, ok := event["messages_after"].(int)
	require.True(t, ok)
	assert.Less(t, after, 60)
}

// recordingMetrics captures measurements for assertions.
type recordingMetrics struct {
	mu         sync.Mutex
	turnTokens []int
	turnErrs   int
	tools      []string
	modelCalls int
	modelIn    int
	modelOut   int
}

func (m *recordingMetrics) RecordTurn(_ context.Context, _ time.Duration, tokens int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnTokens = append(m.turnTokens, tokens)
	if err != nil {
		m.turnErrs++
	}
}

func (m *recordingMetrics) RecordToolExecution(_ context.Context, tool string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools = append(m.tools, tool)
}

func (m *recordingMetrics) RecordModelCall(_ context.Context, model string, _ time.Duration, in, out int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelCalls++
	m.modelIn += in
	m.modelOut += out
}

func TestObservability_TurnToolAndModelCalls(t *testing.T) {
	f := newFixture(t, "lookup")
	f.session.responses = []*protocol.ProviderResponse{
		toolResponse(call("c1", "lookup", nil)),
		textResponse("found it"),
	}

	rec := &recordingMetrics{}
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	client := New(f.session, f.reg, permission.NewEngine(permission.Policy{Default: permission.DefaultAllow}, nil),
		ledger.NewWriter(nil), 1_000_000,
		WithObservability(tp.Tracer("test"), rec, "test-model"))

	_, err := client.SendMessage(context.Background(), "find it")
	require.NoError(t, err)

	assert.Equal(t, []int{45}, rec.turnTokens)
	assert.Zero(t, rec.turnErrs)
	assert.Equal(t, []string{"lookup"}, rec.tools)
	assert.Equal(t, 2, rec.modelCalls)
	assert.Equal(t, 30, rec.modelIn)
	assert.Equal(t, 15, rec.modelOut)

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.Contains(t, names, "turn")
	assert.Contains(t, names, "send_message")
	assert.Contains(t, names, "execute_tool")
	assert.Contains(t, names, "send_tool_results")
}
