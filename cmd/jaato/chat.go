package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jaato-labs/jaato/pkg/jaato"
	"github.com/jaato-labs/jaato/pkg/plugin"
	"github.com/jaato-labs/jaato/pkg/protocol"
	"github.com/jaato-labs/jaato/pkg/runtime"
	"github.com/jaato-labs/jaato/plugins/calc"
	mcpplugin "github.com/jaato-labs/jaato/plugins/mcp"
	"github.com/jaato-labs/jaato/plugins/sessionfile"
	"github.com/jaato-labs/jaato/plugins/shell"
	"github.com/jaato-labs/jaato/plugins/todo"
)

// ChatCmd runs the interactive REPL.
type ChatCmd struct {
	Model       string `help:"Model name override."`
	Policy      string `help:"Permission default override (allow, deny, ask)."`
	PluginsDir  string `name:"plugins-dir" help:"Directory to scan for plugin manifests." type:"path"`
	Instruction string `help:"System instruction for the session."`
	Resume      string `help:"Session id to resume."`
}

func builtinFactories() map[string]plugin.Factory {
	return map[string]plugin.Factory{
		calc.Name:        calc.New,
		shell.Name:       shell.New,
		todo.Name:        todo.New,
		mcpplugin.Name:   mcpplugin.New,
		sessionfile.Name: sessionfile.New,
	}
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Model != "" {
		cfg.Model = c.Model
	}
	if c.Policy != "" {
		cfg.Permission.Default = c.Policy
	}
	if c.PluginsDir != "" {
		cfg.Plugins.Dir = c.PluginsDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	factories := builtinFactories()
	for name, f := range factories {
		if err := rt.Registry().RegisterFactory(name, f); err != nil {
			return err
		}
	}

	// all plugins are exposed before the session opens so their tools are
	// declared to the model; sessionfile gets its host right after
	configs := cfg.Plugins.Expose
	if len(configs) == 0 {
		configs = map[string]map[string]any{
			calc.Name:        nil,
			shell.Name:       nil,
			todo.Name:        nil,
			sessionfile.Name: {},
		}
	}
	if sfConfig, ok := configs[sessionfile.Name]; ok {
		if sfConfig == nil {
			sfConfig = map[string]any{}
		}
		if cfg.Sessions.Dir != "" {
			sfConfig["dir"] = cfg.Sessions.Dir
		}
		sfConfig["project"] = cfg.Provider.Auth.Project
		sfConfig["location"] = cfg.Provider.Auth.Location
		configs[sessionfile.Name] = sfConfig
	}
	rt.Registry().ExposeAll(ctx, configs)

	sess, err := rt.NewSession(ctx, runtime.SessionOptions{
		SystemInstruction: c.Instruction,
		Hooks: jaato.Hooks{
			OnOutput: func(_, text string, _ jaato.OutputMode) {
				fmt.Println(text)
			},
			OnToolStart: func(call protocol.FunctionCall) {
				fmt.Printf("[tool] %s\n", call.Name)
			},
			OnGC: func(string) {
				fmt.Println("[older turns compacted]")
			},
		},
	})
	if err != nil {
		return err
	}

	if pl, ok := rt.Registry().Plugin(sessionfile.Name); ok {
		if sf, ok := pl.(*sessionfile.Plugin); ok {
			sf.SetHost(sess)
		}
	}

	if c.Resume != "" {
		if out, err := runCommand(ctx, rt, "resume", []string{c.Resume}); err != nil {
			return err
		} else {
			fmt.Println(out)
		}
	}

	fmt.Printf("jaato chat on %s. Type /help for commands, /exit to quit.\n", cfg.Model)
	return repl(ctx, rt, sess)
}

func repl(ctx context.Context, rt *runtime.Runtime, sess *runtime.Session) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			done, err := handleCommand(ctx, rt, sess, line)
			if err != nil {
				fmt.Println("error:", err)
			}
			if done {
				return nil
			}
			continue
		}

		if _, err := sess.SendMessage(ctx, line); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Println("error:", err)
		}
	}
}

// handleCommand routes a "/command". Returns done=true when the REPL should
// exit.
func handleCommand(ctx context.Context, rt *runtime.Runtime, sess *runtime.Session, line string) (bool, error) {
	fields := strings.Fields(line)
	name := strings.TrimPrefix(fields[0], "/")
	args := fields[1:]

	switch name {
	case "exit", "quit":
		return true, nil

	case "help":
		fmt.Println(helpText(rt))
		return false, nil

	case "revert":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /revert <turn>")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return false, fmt.Errorf("turn must be a number")
		}
		if err := sess.RevertToTurn(n); err != nil {
			return false, err
		}
		fmt.Printf("reverted to turn %d\n", n)
		return false, nil

	case "usage":
		for i, row := range sess.Accounting() {
			fmt.Printf("turn %d: %d prompt + %d output = %d tokens\n", i, row.Prompt, row.Output, row.Total)
		}
		return false, nil
	}

	cmd, _, ok := rt.Registry().CommandFor(name)
	if !ok {
		return false, fmt.Errorf("unknown command /%s (see /help)", name)
	}
	out, err := cmd.Execute(ctx, args)
	if err != nil {
		return false, err
	}
	fmt.Println(out)
	if cmd.ShareWithModel && out != "" {
		if _, err := sess.SendMessage(ctx, out); err != nil {
			return false, err
		}
	}
	return false, nil
}

// runCommand dispatches a plugin-contributed user command.
func runCommand(ctx context.Context, rt *runtime.Runtime, name string, args []string) (string, error) {
	cmd, _, ok := rt.Registry().CommandFor(name)
	if !ok {
		return "", fmt.Errorf("unknown command /%s (see /help)", name)
	}
	return cmd.Execute(ctx, args)
}

func helpText(rt *runtime.Runtime) string {
	var b strings.Builder
	b.WriteString("commands:\n")
	b.WriteString("  /help            show this help\n")
	b.WriteString("  /usage           per-turn token usage\n")
	b.WriteString("  /revert <turn>   roll the conversation back\n")
	b.WriteString("  /exit            quit\n")
	for _, cmd := range rt.Registry().UserCommands() {
		fmt.Fprintf(&b, "  /%-15s %s\n", cmd.Name, cmd.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
