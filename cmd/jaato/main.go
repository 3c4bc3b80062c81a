// Command jaato is an interactive agent console: a chat REPL whose model
// can call gated plugin tools.
//
// Usage:
//
//	jaato chat --config jaato.yaml
//	jaato chat --model gemini-2.5-pro --policy ask
//	jaato models --prefix gemini-2.5
//	jaato validate --config jaato.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/jaato-labs/jaato/pkg/config"
	"github.com/jaato-labs/jaato/pkg/provider"

	// the gemini provider registers itself on import
	_ "github.com/jaato-labs/jaato/pkg/provider/gemini"
)

// CLI defines the command-line interface.
type CLI struct {
	Chat     ChatCmd     `cmd:"" default:"1" help:"Start an interactive chat session."`
	Models   ModelsCmd   `cmd:"" help:"List models available to the configured credentials."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"warn"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("jaato %s\n", version)
	return nil
}

// ModelsCmd lists models reachable with the configured credentials.
type ModelsCmd struct {
	Prefix string `help:"Only list models with this prefix."`
}

func (c *ModelsCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	p, err := provider.NewProvider(cfg.Provider.Name)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := p.Initialize(ctx, cfg.Provider.Auth); err != nil {
		return err
	}
	defer p.Close()

	models, err := p.ListModels(ctx, c.Prefix)
	if err != nil {
		return err
	}
	for _, m := range models {
		fmt.Println(m)
	}
	return nil
}

// ValidateCmd checks a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required")
	}
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Println("configuration is valid")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	_ = config.LoadEnvFiles()
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func initLogger(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("jaato"),
		kong.Description("An agent console for tool-calling models."),
		kong.UsageOnError(),
	)

	initLogger(cli.LogLevel)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
