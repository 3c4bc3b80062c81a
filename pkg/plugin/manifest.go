package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes an installable plugin found by directory scan. The
// named factory must be compiled in; the manifest contributes metadata and
// default configuration.
type Manifest struct {
	Name        string         `yaml:"name"`
	Version     string         `yaml:"version,omitempty"`
	Description string         `yaml:"description,omitempty"`
	Config      map[string]any `yaml:"config,omitempty"`
}

const manifestSuffix = ".plugin.yaml"

func (m *Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: manifest has no name", ErrDiscoveryFailure)
	}
	return nil
}

// loadManifest parses one manifest file. The top-level `plugin:` key wraps
// the body.
func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailure, err)
	}

	var wrapper struct {
		Plugin Manifest `yaml:"plugin"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDiscoveryFailure, path, err)
	}
	if err := wrapper.Plugin.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &wrapper.Plugin, nil
}

// scanManifests finds manifests directly in dir and one level down
// (plugins-dir layout: one subdirectory per plugin).
func scanManifests(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read %s: %v", ErrDiscoveryFailure, dir, err)
	}

	var paths []string
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if !entry.IsDir() {
			if strings.HasSuffix(entry.Name(), manifestSuffix) {
				paths = append(paths, path)
			}
			continue
		}
		sub, err := os.ReadDir(path)
		if err != nil {
			continue
		}
		for _, f := range sub {
			if !f.IsDir() && strings.HasSuffix(f.Name(), manifestSuffix) {
				paths = append(paths, filepath.Join(path, f.Name()))
			}
		}
	}
	return paths, nil
}
