package permission

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/jaato-labs/jaato/pkg/protocol"
)

// argPreviewLimit bounds how much of the arguments is shown in the prompt.
const argPreviewLimit = 200

// ConsoleChannel prompts on the user's terminal.
type ConsoleChannel struct {
	in  io.Reader
	out io.Writer
}

// NewConsoleChannel prompts on stdin/stdout.
func NewConsoleChannel() *ConsoleChannel {
	return &ConsoleChannel{in: os.Stdin, out: os.Stdout}
}

var _ Channel = (*ConsoleChannel)(nil)

// Ask renders the tool name, a truncated argument preview and a menu, then
// reads one answer. The read runs in a goroutine so the context can still
// expire while the prompt sits unanswered.
func (c *ConsoleChannel) Ask(ctx context.Context, req Request) (Action, error) {
	if f, ok := c.in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal; configure a webhook or file channel")
	}

	fmt.Fprintf(c.out, "\nTool %q requests permission to run\n", req.Tool)
	if preview := previewArgs(req.Args); preview != "" {
		fmt.Fprintf(c.out, "  args: %s\n", preview)
	}
	fmt.Fprint(c.out, "  [y]es once / [n]o / [a]lways / ne[v]er > ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(c.in).ReadString('\n')
		ch <- answer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return "", ctx.Err()
	case a := <-ch:
		if a.err != nil {
			return "", fmt.Errorf("failed to read answer: %w", a.err)
		}
		return parseConsoleAnswer(a.line)
	}
}

func parseConsoleAnswer(line string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes", "once":
		return ActionYes, nil
	case "n", "no":
		return ActionNo, nil
	case "a", "always":
		return ActionAlways, nil
	case "v", "never":
		return ActionNever, nil
	}
	// anything unrecognized denies, the safe reading of a mistyped answer
	return ActionNo, nil
}

func previewArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	raw, err := protocol.CanonicalJSON(args)
	if err != nil {
		return ""
	}
	s := string(raw)
	if len(s) > argPreviewLimit {
		s = s[:argPreviewLimit] + "..."
	}
	return s
}
