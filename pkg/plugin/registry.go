package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jaato-labs/jaato/pkg/protocol"
	"github.com/jaato-labs/jaato/pkg/registry"
)

// Registry tracks available plugin factories and the exposed (active) set.
// A discovered plugin is available but inert until ExposeTool constructs and
// initializes it.
type Registry struct {
	factories *registry.BaseRegistry[Factory]
	logger    *slog.Logger

	mu         sync.RWMutex
	exposed    map[string]Plugin
	order      []string // exposure order, drives deterministic aggregation
	manifests  map[string]*Manifest
	discovered map[string]bool // scanned dirs, makes discovery idempotent
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:  registry.NewBaseRegistry[Factory](),
		logger:     slog.Default().With("component", "plugin_registry"),
		exposed:    make(map[string]Plugin),
		manifests:  make(map[string]*Manifest),
		discovered: make(map[string]bool),
	}
}

// RegisterFactory makes a compiled-in plugin available under name.
func (r *Registry) RegisterFactory(name string, f Factory) error {
	if err := r.factories.Register(name, f); err != nil {
		return newError(name, "register", "factory registration rejected", err)
	}
	return nil
}

// Available lists every registered plugin name, sorted.
func (r *Registry) Available() []string {
	return r.factories.Names()
}

// Exposed lists currently exposed plugin names in exposure order.
func (r *Registry) Exposed() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// DiscoverDir scans dir for plugin manifests. A manifest whose name matches
// no compiled-in factory is logged and skipped, as is any unparsable
// manifest; the rest of discovery proceeds. Re-scanning a directory is a
// no-op.
func (r *Registry) DiscoverDir(dir string) error {
	r.mu.Lock()
	if r.discovered[dir] {
		r.mu.Unlock()
		return nil
	}
	r.discovered[dir] = true
	r.mu.Unlock()

	paths, err := scanManifests(dir)
	if err != nil {
		return err
	}

	for _, path := range paths {
		m, err := loadManifest(path)
		if err != nil {
			r.logger.Warn("skipping plugin manifest", "path", path, "error", err)
			continue
		}
		if _, ok := r.factories.Get(m.Name); !ok {
			r.logger.Warn("manifest names unknown plugin, skipping", "path", path, "plugin", m.Name)
			continue
		}
		r.mu.Lock()
		r.manifests[m.Name] = m
		r.mu.Unlock()
		r.logger.Debug("discovered plugin", "plugin", m.Name, "version", m.Version)
	}
	return nil
}

// ExposeTool constructs the named plugin, initializes it and adds it to the
// exposed set. config overrides the manifest's default config key by key.
func (r *Registry) ExposeTool(ctx context.Context, name string, config map[string]any) error {
	factory, ok := r.factories.Get(name)
	if !ok {
		return newError(name, "expose", "no such plugin", ErrPluginNotFound)
	}

	r.mu.Lock()
	if _, ok := r.exposed[name]; ok {
		r.mu.Unlock()
		return newError(name, "expose", "already exposed", ErrAlreadyExposed)
	}
	merged := mergeConfig(r.manifests[name], config)
	r.mu.Unlock()

	p := factory()
	if err := p.Initialize(ctx, merged); err != nil {
		return newError(name, "initialize", "plugin initialization failed", err)
	}

	r.mu.Lock()
	r.exposed[name] = p
	r.order = append(r.order, name)
	r.mu.Unlock()

	r.logger.Debug("plugin exposed", "plugin", name)
	return nil
}

// UnexposeTool shuts the plugin down and removes it from the exposed set.
func (r *Registry) UnexposeTool(ctx context.Context, name string) error {
	r.mu.Lock()
	p, ok := r.exposed[name]
	if !ok {
		r.mu.Unlock()
		return newError(name, "unexpose", "not exposed", ErrNotExposed)
	}
	delete(r.exposed, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if err := p.Shutdown(ctx); err != nil {
		return newError(name, "shutdown", "plugin shutdown failed", err)
	}
	return nil
}

// ExposeAll exposes every named plugin; individual failures are logged and
// skipped so one bad plugin doesn't block the rest.
func (r *Registry) ExposeAll(ctx context.Context, configs map[string]map[string]any) {
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.ExposeTool(ctx, name, configs[name]); err != nil {
			r.logger.Warn("failed to expose plugin", "plugin", name, "error", err)
		}
	}
}

// UnexposeAll shuts down every exposed plugin, last exposed first.
func (r *Registry) UnexposeAll(ctx context.Context) {
	for _, name := range reversed(r.Exposed()) {
		if err := r.UnexposeTool(ctx, name); err != nil {
			r.logger.Warn("failed to unexpose plugin", "plugin", name, "error", err)
		}
	}
}

// ToolSchemas concatenates schemas over the exposed set in exposure order,
// deduplicated by name (first wins).
func (r *Registry) ToolSchemas() []protocol.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var schemas []protocol.ToolSchema
	for _, name := range r.order {
		for _, s := range r.exposed[name].ToolSchemas() {
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			schemas = append(schemas, s)
		}
	}
	return schemas
}

// Executors merges executor maps over the exposed set. Two plugins claiming
// the same tool name is a configuration error.
func (r *Registry) Executors() (map[string]Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owners := make(map[string]string)
	merged := make(map[string]Executor)
	for _, name := range r.order {
		for tool, exec := range r.exposed[name].Executors() {
			if owner, ok := owners[tool]; ok {
				return nil, newError(name, "aggregate",
					fmt.Sprintf("tool %q already provided by plugin %q", tool, owner), ErrDuplicateTool)
			}
			owners[tool] = name
			merged[tool] = exec
		}
	}
	return merged, nil
}

// SystemInstructions concatenates plugin instructions in exposure order.
func (r *Registry) SystemInstructions() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var parts []string
	for _, name := range r.order {
		if instr := r.exposed[name].SystemInstructions(); instr != "" {
			parts = append(parts, instr)
		}
	}
	return strings.Join(parts, "\n\n")
}

// AutoApprovedTools unions the exposed plugins' auto-approved sets.
func (r *Registry) AutoApprovedTools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var tools []string
	for _, name := range r.order {
		for _, t := range r.exposed[name].AutoApprovedTools() {
			if !seen[t] {
				seen[t] = true
				tools = append(tools, t)
			}
		}
	}
	sort.Strings(tools)
	return tools
}

// UserCommands concatenates commands in exposure order.
func (r *Registry) UserCommands() []UserCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var cmds []UserCommand
	for _, name := range r.order {
		cmds = append(cmds, r.exposed[name].UserCommands()...)
	}
	return cmds
}

// CommandFor resolves a user command by name across the exposed set.
func (r *Registry) CommandFor(name string) (UserCommand, Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, pname := range r.order {
		p := r.exposed[pname]
		for _, cmd := range p.UserCommands() {
			if cmd.Name == name {
				return cmd, p, true
			}
		}
	}
	return UserCommand{}, nil, false
}

// PluginForTool resolves a tool name back to its owning exposed plugin.
func (r *Registry) PluginForTool(tool string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		p := r.exposed[name]
		if _, ok := p.Executors()[tool]; ok {
			return p, true
		}
	}
	return nil, false
}

// Plugin returns an exposed plugin by name.
func (r *Registry) Plugin(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.exposed[name]
	return p, ok
}

// EnrichPrompt threads the prompt through every exposed Enricher in order
// and returns the final prompt plus accumulated metadata.
func (r *Registry) EnrichPrompt(prompt string) (string, map[string]any) {
	r.mu.RLock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	exposed := make(map[string]Plugin, len(r.exposed))
	for k, v := range r.exposed {
		exposed[k] = v
	}
	r.mu.RUnlock()

	metadata := make(map[string]any)
	for _, name := range order {
		enricher, ok := exposed[name].(Enricher)
		if !ok {
			continue
		}
		var meta map[string]any
		prompt, meta = enricher.EnrichPrompt(prompt)
		for k, v := range meta {
			metadata[k] = v
		}
	}
	return prompt, metadata
}

func mergeConfig(m *Manifest, overrides map[string]any) map[string]any {
	merged := make(map[string]any)
	if m != nil {
		for k, v := range m.Config {
			merged[k] = v
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func reversed(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[len(names)-1-i] = n
	}
	return out
}
