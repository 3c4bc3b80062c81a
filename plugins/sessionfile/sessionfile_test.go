package sessionfile

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaato-labs/jaato/pkg/protocol"
)

type fakeHost struct {
	id          string
	description string
	history     []*protocol.Message
	accounting  []protocol.TurnAccounting
	userInputs  []string
	model       string
	createdAt   time.Time

	restoredID string
}

func (h *fakeHost) ID() string                               { return h.id }
func (h *fakeHost) Description() string                      { return h.description }
func (h *fakeHost) SetDescription(d string)                  { h.description = d }
func (h *fakeHost) History() []*protocol.Message             { return h.history }
func (h *fakeHost) Accounting() []protocol.TurnAccounting    { return h.accounting }
func (h *fakeHost) TurnCount() int                           { return len(h.accounting) }
func (h *fakeHost) UserInputs() []string                     { return h.userInputs }
func (h *fakeHost) Model() string                            { return h.model }
func (h *fakeHost) CreatedAt() time.Time                     { return h.createdAt }

func (h *fakeHost) Restore(id string, history []*protocol.Message, accounting []protocol.TurnAccounting, userInputs []string, description string) error {
	h.restoredID = id
	h.history = history
	h.accounting = accounting
	h.userInputs = userInputs
	h.description = description
	return nil
}

func newHost() *fakeHost {
	data := []byte{0x89, 0x50, 0x4e, 0x47}
	return &fakeHost{
		id:          "20250810_143000",
		description: "debugging a parser",
		history: []*protocol.Message{
			protocol.UserMessage("why does this fail"),
			{Role: protocol.RoleModel, Parts: []protocol.Part{
				protocol.TextPart("here is a diagram"),
				protocol.DataPart("image/png", data),
			}},
		},
		accounting: []protocol.TurnAccounting{{Total: 42}},
		userInputs: []string{"why does this fail"},
		model:      "gemini-2.5-flash",
		createdAt:  time.Date(2025, 8, 10, 14, 30, 0, 0, time.UTC),
	}
}

func newPlugin(t *testing.T, host Host) *Plugin {
	t.Helper()
	p := New().(*Plugin)
	require.NoError(t, p.Initialize(context.Background(), map[string]any{
		"host":     host,
		"dir":      t.TempDir(),
		"project":  "acme-dev",
		"location": "us-central1",
	}))
	return p
}

func TestSaveAndResume_RoundTrip(t *testing.T) {
	host := newHost()
	p := newPlugin(t, host)

	path, err := p.Save()
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, `"version": "2.0"`)
	assert.Contains(t, text, `"session_id": "20250810_143000"`)
	assert.Contains(t, text, `"type": "inline_data"`)
	assert.Contains(t, text, `"project": "acme-dev"`)

	restored := &fakeHost{id: "fresh", model: "gemini-2.5-flash"}
	p2 := New().(*Plugin)
	require.NoError(t, p2.Initialize(context.Background(), map[string]any{
		"host": Host(restored),
		"dir":  p.dir,
	}))
	require.NoError(t, p2.Resume("20250810_143000"))

	assert.Equal(t, "20250810_143000", restored.restoredID)
	assert.Equal(t, "debugging a parser", restored.description)
	require.Len(t, restored.history, 2)
	// inline data survives the base64 round trip
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, restored.history[1].Parts[1].InlineData.Data)
	assert.Equal(t, []string{"why does this fail"}, restored.userInputs)
}

func TestResume_RejectsWrongVersion(t *testing.T) {
	p := newPlugin(t, newHost())
	require.NoError(t, os.WriteFile(p.pathFor("old"), []byte(`{"version":"1.0","session_id":"old"}`), 0o644))
	assert.ErrorContains(t, p.Resume("old"), "version")
}

func TestHostAttachedAfterExposure(t *testing.T) {
	p := New().(*Plugin)
	require.NoError(t, p.Initialize(context.Background(), map[string]any{"dir": t.TempDir()}))

	// the tool is declared even before a session exists
	require.Len(t, p.ToolSchemas(), 1)

	_, err := p.Executors()["set_session_description"](context.Background(), map[string]any{"description": "x"})
	assert.ErrorIs(t, err, errNoHost)
	_, err = p.Save()
	assert.ErrorIs(t, err, errNoHost)
	assert.ErrorIs(t, p.Resume("whatever"), errNoHost)
	for _, cmd := range p.UserCommands() {
		if cmd.Name == "save" {
			_, err := cmd.Execute(context.Background(), nil)
			assert.ErrorIs(t, err, errNoHost)
		}
	}

	prompt, meta := p.EnrichPrompt("hi")
	assert.Equal(t, "hi", prompt)
	assert.Nil(t, meta)

	p.SetHost(newHost())
	path, err := p.Save()
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestSetDescription_Tool(t *testing.T) {
	host := newHost()
	host.description = ""
	p := newPlugin(t, host)

	out, err := p.Executors()["set_session_description"](context.Background(), map[string]any{
		"description": "  a long description that goes on\nsecond line ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, "a long description that goes on", out.(map[string]any)["description"])
	assert.Equal(t, "a long description that goes on", host.Description())

	_, err = p.Executors()["set_session_description"](context.Background(), map[string]any{})
	assert.Error(t, err)
}

func TestEnrichPrompt_AsksOnce(t *testing.T) {
	host := newHost()
	host.description = ""
	host.accounting = []protocol.TurnAccounting{{}, {}, {}}
	p := newPlugin(t, host)

	enriched, meta := p.EnrichPrompt("next question")
	assert.Contains(t, enriched, "set_session_description")
	assert.Equal(t, map[string]any{"description_requested": true}, meta)

	// asked already
	enriched, meta = p.EnrichPrompt("another")
	assert.Equal(t, "another", enriched)
	assert.Nil(t, meta)
}

func TestEnrichPrompt_SkipsEarlyOrDescribed(t *testing.T) {
	host := newHost()
	host.description = ""
	host.accounting = []protocol.TurnAccounting{{}}
	p := newPlugin(t, host)

	enriched, _ := p.EnrichPrompt("early")
	assert.Equal(t, "early", enriched)

	host.accounting = []protocol.TurnAccounting{{}, {}, {}}
	host.description = "already set"
	enriched, _ = p.EnrichPrompt("later")
	assert.Equal(t, "later", enriched)
}

func TestAutosave_OnTurnComplete(t *testing.T) {
	host := newHost()
	p := New().(*Plugin)
	require.NoError(t, p.Initialize(context.Background(), map[string]any{
		"host":     Host(host),
		"dir":      t.TempDir(),
		"autosave": true,
	}))

	p.OnTurnComplete(protocol.TurnAccounting{})
	_, err := os.Stat(p.pathFor(host.id))
	assert.NoError(t, err)
}

func TestCommands(t *testing.T) {
	host := newHost()
	p := newPlugin(t, host)

	byName := map[string]func(context.Context, []string) (string, error){}
	for _, cmd := range p.UserCommands() {
		byName[cmd.Name] = cmd.Execute
	}

	out, err := byName["save"](context.Background(), []string{"renamed", "session"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "saved "))
	assert.Equal(t, "renamed session", host.Description())

	out, err = byName["sessions"](context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "20250810_143000")
	assert.Contains(t, out, "renamed session")

	out, err = byName["resume"](context.Background(), []string{"20250810_143000"})
	require.NoError(t, err)
	assert.Contains(t, out, "resumed")

	_, err = byName["resume"](context.Background(), nil)
	assert.Error(t, err)

	completions := p.CommandCompletions("resume", nil)
	require.Len(t, completions, 1)
	assert.Equal(t, "20250810_143000", completions[0].Value)
}
