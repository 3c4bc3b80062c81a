// Package runtime composes the pieces into a running system. A Runtime
// holds the shared, read-mostly parts: one initialized provider, one plugin
// registry, the permission policy and channel, one ledger. Sessions are
// created from a runtime and own their conversation state.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jaato-labs/jaato/pkg/config"
	"github.com/jaato-labs/jaato/pkg/ledger"
	"github.com/jaato-labs/jaato/pkg/observability"
	"github.com/jaato-labs/jaato/pkg/permission"
	"github.com/jaato-labs/jaato/pkg/plugin"
	"github.com/jaato-labs/jaato/pkg/provider"
)

// Option configures a runtime before initialization.
type Option func(*Runtime)

// WithProvider injects an already-built provider, bypassing the factory
// lookup. The runtime still initializes and connects it.
func WithProvider(p provider.Provider) Option {
	return func(r *Runtime) { r.provider = p }
}

// WithChannel overrides the permission channel selected by the config.
func WithChannel(ch permission.Channel) Option {
	return func(r *Runtime) { r.channel = ch }
}

// WithLedger injects a ledger, bypassing the config path. Useful when the
// caller wants an in-memory ledger.
func WithLedger(l *ledger.Ledger) Option {
	return func(r *Runtime) { r.ledger = l }
}

// Runtime is the shared composition root. Safe for use by many sessions.
type Runtime struct {
	cfg      *config.Config
	provider provider.Provider
	registry *plugin.Registry
	channel  permission.Channel
	ledger   *ledger.Ledger
	obs      *observability.Manager
	logger   *slog.Logger

	// promptOwner serializes permission prompts across all sessions.
	promptOwner *permission.Engine

	mu       sync.Mutex
	sessions []*Session
	closed   bool
}

// New builds and initializes a runtime from config: provider factory lookup,
// auth, connectivity probe, plugin discovery and exposure, ledger open.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		cfg:      cfg,
		registry: plugin.NewRegistry(),
		logger:   slog.Default().With("component", "runtime"),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.provider == nil {
		p, err := provider.NewProvider(cfg.Provider.Name)
		if err != nil {
			return nil, err
		}
		r.provider = p
	}
	if err := r.provider.Initialize(ctx, cfg.Provider.Auth); err != nil {
		return nil, err
	}
	if err := r.provider.Connect(cfg.Model); err != nil {
		return nil, err
	}

	if r.channel == nil {
		ch, err := buildChannel(cfg.Permission)
		if err != nil {
			return nil, err
		}
		r.channel = ch
	}
	r.promptOwner = permission.NewEngine(cfg.Permission.Policy(), r.channel)

	if r.ledger == nil {
		l, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		r.ledger = l
	}

	r.obs = observability.NewManager(observability.Config{
		Tracing: observability.TracerConfig{
			Enabled:     cfg.Observability.TracingEnabled,
			EndpointURL: cfg.Observability.OTLPEndpoint,
		},
		Metrics: observability.MetricsConfig{
			Enabled: cfg.Observability.MetricsEnabled,
			Addr:    cfg.Observability.MetricsAddr,
		},
	})
	if err := r.obs.Initialize(ctx); err != nil {
		return nil, err
	}

	if cfg.Plugins.Dir != "" {
		if err := r.registry.DiscoverDir(cfg.Plugins.Dir); err != nil {
			r.logger.Warn("plugin discovery failed", "dir", cfg.Plugins.Dir, "error", err)
		}
	}
	return r, nil
}

func buildChannel(cfg config.PermissionConfig) (permission.Channel, error) {
	switch cfg.Channel {
	case "console", "":
		return permission.NewConsoleChannel(), nil
	case "webhook":
		return permission.NewWebhookChannel(cfg.WebhookURL), nil
	case "file":
		return permission.NewFileChannel(cfg.FileDir)
	default:
		return nil, fmt.Errorf("unknown permission channel: %q", cfg.Channel)
	}
}

// Config returns the runtime's configuration.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Provider returns the shared, initialized provider.
func (r *Runtime) Provider() provider.Provider { return r.provider }

// Registry returns the shared plugin registry.
func (r *Runtime) Registry() *plugin.Registry { return r.registry }

// Ledger returns the shared token ledger.
func (r *Runtime) Ledger() *ledger.Ledger { return r.ledger }

// Observability returns the tracer/metrics manager.
func (r *Runtime) Observability() *observability.Manager { return r.obs }

// ExposePlugins registers the given factories and exposes them with the
// config's per-plugin settings. Factories the config does not mention are
// exposed with empty config.
func (r *Runtime) ExposePlugins(ctx context.Context, factories map[string]plugin.Factory) error {
	for name, f := range factories {
		if err := r.registry.RegisterFactory(name, f); err != nil {
			return err
		}
	}
	configs := r.cfg.Plugins.Expose
	if len(configs) == 0 {
		configs = make(map[string]map[string]any, len(factories))
		for name := range factories {
			configs[name] = nil
		}
	}
	r.registry.ExposeAll(ctx, configs)
	return nil
}

// Close shuts down sessions, plugins, provider, ledger and observability.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, len(r.sessions))
	copy(sessions, r.sessions)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.registry.UnexposeAll(ctx)
	if err := r.provider.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.ledger.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.obs.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
