// Package sessionfile persists conversations as version-2 JSON files and
// restores them. It watches turn completion for autosave, asks the model
// for a one-line description once a conversation has a few turns, and
// contributes the /save, /resume and /sessions commands.
package sessionfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jaato-labs/jaato/pkg/plugin"
	"github.com/jaato-labs/jaato/pkg/protocol"
)

const (
	// Name is the plugin's registry name.
	Name = "sessionfile"

	toolName = "set_session_description"

	// descriptionAfterTurns is how many turns a conversation runs before
	// the plugin asks the model for a one-line description.
	descriptionAfterTurns = 3

	defaultDir = ".jaato/sessions"
)

// Host is the session surface the plugin persists. The runtime's Session
// satisfies it.
type Host interface {
	ID() string
	Description() string
	SetDescription(string)
	History() []*protocol.Message
	Accounting() []protocol.TurnAccounting
	TurnCount() int
	UserInputs() []string
	Model() string
	CreatedAt() time.Time
	Restore(id string, history []*protocol.Message, accounting []protocol.TurnAccounting, userInputs []string, description string) error
}

// errNoHost rejects session operations until SetHost has run.
var errNoHost = errors.New("no session attached")

// Plugin saves and restores session files.
type Plugin struct {
	plugin.Base

	host     Host
	dir      string
	project  string
	location string
	autosave bool
	asked    bool
	logger   *slog.Logger
}

// New builds an unconfigured sessionfile plugin.
func New() plugin.Plugin {
	return &Plugin{
		dir:    defaultDir,
		logger: slog.Default().With("component", "sessionfile"),
	}
}

func (p *Plugin) Name() string { return Name }

// Initialize reads config. All keys are optional: "host" (a Host), "dir",
// "project", "location" and "autosave". The host usually arrives via SetHost
// instead, since the plugin must be exposed before the session exists so
// set_session_description is declared to the model.
func (p *Plugin) Initialize(_ context.Context, config map[string]any) error {
	if host, ok := config["host"].(Host); ok && host != nil {
		p.host = host
	}
	if v, ok := config["dir"].(string); ok && v != "" {
		p.dir = v
	}
	p.project, _ = config["project"].(string)
	p.location, _ = config["location"].(string)
	p.autosave, _ = config["autosave"].(bool)
	return os.MkdirAll(p.dir, 0o755)
}

// SetHost attaches the live session after exposure.
func (p *Plugin) SetHost(h Host) {
	p.host = h
}

func (p *Plugin) ToolSchemas() []protocol.ToolSchema {
	return []protocol.ToolSchema{{
		Name:        toolName,
		Description: "Set a one-line description for this conversation, used when listing saved sessions.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"description": map[string]any{
					"type":        "string",
					"description": "One line, at most 80 characters",
				},
			},
			"required": []any{"description"},
		},
	}}
}

func (p *Plugin) Executors() map[string]plugin.Executor {
	return map[string]plugin.Executor{
		toolName: p.setDescription,
	}
}

// AutoApprovedTools marks the description write as safe.
func (p *Plugin) AutoApprovedTools() []string {
	return []string{toolName}
}

func (p *Plugin) setDescription(_ context.Context, args map[string]any) (any, error) {
	if p.host == nil {
		return nil, errNoHost
	}
	description, _ := args["description"].(string)
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("description is required")
	}
	if idx := strings.IndexByte(description, '\n'); idx >= 0 {
		description = description[:idx]
	}
	if len(description) > 80 {
		description = description[:80]
	}
	p.host.SetDescription(description)
	return map[string]any{"description": description}, nil
}

// EnrichPrompt asks for a description once the conversation has enough
// turns and none was set yet.
func (p *Plugin) EnrichPrompt(prompt string) (string, map[string]any) {
	if p.host == nil || p.asked {
		return prompt, nil
	}
	if p.host.Description() != "" || p.host.TurnCount() < descriptionAfterTurns {
		return prompt, nil
	}
	p.asked = true
	hint := "\n\n(Also call set_session_description with a one-line description of this conversation.)"
	return prompt + hint, map[string]any{"description_requested": true}
}

// OnTurnComplete autosaves after each turn when enabled.
func (p *Plugin) OnTurnComplete(protocol.TurnAccounting) {
	if !p.autosave || p.host == nil {
		return
	}
	if _, err := p.Save(); err != nil {
		p.logger.Warn("autosave failed", "error", err)
	}
}

// OnRevert re-saves after a revert so the file matches the live history.
func (p *Plugin) OnRevert(int) {
	if !p.autosave || p.host == nil {
		return
	}
	if _, err := p.Save(); err != nil {
		p.logger.Warn("save after revert failed", "error", err)
	}
}

func (p *Plugin) UserCommands() []plugin.UserCommand {
	return []plugin.UserCommand{
		{
			Name:        "save",
			Description: "Save this session to disk; optional argument sets the description",
			Execute: func(_ context.Context, args []string) (string, error) {
				if p.host == nil {
					return "", errNoHost
				}
				if len(args) > 0 {
					p.host.SetDescription(strings.Join(args, " "))
				}
				path, err := p.Save()
				if err != nil {
					return "", err
				}
				return "saved " + path, nil
			},
		},
		{
			Name:        "resume",
			Description: "Restore a saved session by id",
			Execute: func(_ context.Context, args []string) (string, error) {
				if len(args) != 1 {
					return "", fmt.Errorf("usage: /resume <session_id>")
				}
				if err := p.Resume(args[0]); err != nil {
					return "", err
				}
				return fmt.Sprintf("resumed %s (%d turns)", args[0], p.host.TurnCount()), nil
			},
		},
		{
			Name:        "sessions",
			Description: "List saved sessions",
			Execute: func(context.Context, []string) (string, error) {
				return p.listSessions()
			},
		},
	}
}

// CommandCompletions offers saved session ids for /resume.
func (p *Plugin) CommandCompletions(command string, _ []string) []plugin.Completion {
	if command != "resume" {
		return nil
	}
	files, err := p.scan()
	if err != nil {
		return nil
	}
	completions := make([]plugin.Completion, 0, len(files))
	for _, f := range files {
		completions = append(completions, plugin.Completion{
			Value:       f.SessionID,
			Description: f.Description,
		})
	}
	return completions
}

// Save writes the session file and returns its path.
func (p *Plugin) Save() (string, error) {
	if p.host == nil {
		return "", errNoHost
	}
	f := &File{
		Version:        Version,
		SessionID:      p.host.ID(),
		Description:    p.host.Description(),
		CreatedAt:      p.host.CreatedAt(),
		UpdatedAt:      time.Now().UTC(),
		TurnCount:      p.host.TurnCount(),
		TurnAccounting: p.host.Accounting(),
		UserInputs:     p.host.UserInputs(),
		Metadata:       map[string]any{},
		Connection: Connection{
			Project:  p.project,
			Location: p.location,
			Model:    p.host.Model(),
		},
		History: p.host.History(),
	}
	path := p.pathFor(f.SessionID)
	if err := writeFile(path, f); err != nil {
		return "", err
	}
	return path, nil
}

// Resume restores a saved session into the host.
func (p *Plugin) Resume(sessionID string) error {
	if p.host == nil {
		return errNoHost
	}
	f, err := readFile(p.pathFor(sessionID))
	if err != nil {
		return err
	}
	return p.host.Restore(f.SessionID, f.History, f.TurnAccounting, f.UserInputs, f.Description)
}

func (p *Plugin) pathFor(sessionID string) string {
	return filepath.Join(p.dir, sessionID+".json")
}

func (p *Plugin) scan() ([]*File, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}
	var files []*File
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		f, err := readFile(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			p.logger.Warn("skipping unreadable session file", "file", entry.Name(), "error", err)
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].SessionID > files[j].SessionID
	})
	return files, nil
}

func (p *Plugin) listSessions() (string, error) {
	files, err := p.scan()
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "no saved sessions", nil
	}
	var b strings.Builder
	for _, f := range files {
		desc := f.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(&b, "%s  %3d turns  %s\n", f.SessionID, f.TurnCount, desc)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

var (
	_ plugin.Plugin       = (*Plugin)(nil)
	_ plugin.Enricher     = (*Plugin)(nil)
	_ plugin.TurnObserver = (*Plugin)(nil)
)
