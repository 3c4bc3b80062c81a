package sessionfile

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jaato-labs/jaato/pkg/protocol"
)

// Version identifies the session file format.
const Version = "2.0"

// Connection records where a saved conversation ran.
type Connection struct {
	Project  string `json:"project,omitempty"`
	Location string `json:"location,omitempty"`
	Model    string `json:"model"`
}

// File is the on-disk session format. History parts carry an explicit
// "type" tag; binary inline data is base64 in the "data" field.
type File struct {
	Version        string                    `json:"version"`
	SessionID      string                    `json:"session_id"`
	Description    string                    `json:"description,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	TurnCount      int                       `json:"turn_count"`
	TurnAccounting []protocol.TurnAccounting `json:"turn_accounting"`
	UserInputs     []string                  `json:"user_inputs"`
	Metadata       map[string]any            `json:"metadata"`
	Connection     Connection                `json:"connection"`
	History        []*protocol.Message       `json:"history"`
}

// writeFile persists atomically: write to a temp file, then rename.
func writeFile(path string, f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session file: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

func readFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	f := &File{}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	if f.Version != Version {
		return nil, fmt.Errorf("unsupported session file version %q (want %s)", f.Version, Version)
	}
	return f, nil
}
