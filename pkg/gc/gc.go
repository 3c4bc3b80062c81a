// Package gc collapses old conversation history when the context window
// fills up or a turn cap is reached, keeping recent messages verbatim and
// replacing the rest with a compact summary message.
package gc

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jaato-labs/jaato/pkg/protocol"
	"github.com/jaato-labs/jaato/pkg/tokens"
)

// Defaults, overridable via environment.
const (
	DefaultContextThreshold = 0.8
	DefaultKeepRecent       = 6
)

// Collector decides when to collapse history and performs the collapse.
type Collector struct {
	// ContextThreshold triggers collection when estimated history tokens
	// exceed this fraction of the model's context limit.
	ContextThreshold float64
	// TurnLimit triggers collection every TurnLimit turns; 0 disables.
	TurnLimit int
	// KeepRecent messages survive collection verbatim.
	KeepRecent int

	counter *tokens.Counter
}

// New builds a collector with defaults from the environment
// (JAATO_GC_CONTEXT_THRESHOLD, JAATO_GC_TURN_LIMIT). counter may be nil, in
// which case the chars/4 estimate is used.
func New(counter *tokens.Counter) *Collector {
	c := &Collector{
		ContextThreshold: DefaultContextThreshold,
		KeepRecent:       DefaultKeepRecent,
		counter:          counter,
	}
	if v := os.Getenv("JAATO_GC_CONTEXT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			c.ContextThreshold = f
		}
	}
	if v := os.Getenv("JAATO_GC_TURN_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.TurnLimit = n
		}
	}
	return c
}

// ShouldCollect reports whether history should be collapsed before the next
// model call.
func (c *Collector) ShouldCollect(history []*protocol.Message, contextLimit, turnCount int) bool {
	if len(history) <= c.KeepRecent {
		return false
	}
	if c.TurnLimit > 0 && turnCount > 0 && turnCount%c.TurnLimit == 0 {
		return true
	}
	if contextLimit <= 0 {
		return false
	}
	return float64(c.EstimateTokens(history)) >= c.ContextThreshold*float64(contextLimit)
}

// EstimateTokens approximates the token footprint of a history locally.
func (c *Collector) EstimateTokens(history []*protocol.Message) int {
	total := 0
	for _, msg := range history {
		for _, p := range msg.Parts {
			switch p.Type() {
			case protocol.PartTypeText:
				total += c.countText(*p.Text)
			case protocol.PartTypeFunctionCall:
				raw, _ := protocol.CanonicalJSON(p.FunctionCall.Args)
				total += c.countText(p.FunctionCall.Name) + c.countText(string(raw))
			case protocol.PartTypeFunctionResponse:
				total += c.countText(fmt.Sprintf("%v", p.FunctionResponse.Result))
			case protocol.PartTypeInlineData:
				// binary payloads bill roughly per 4 bytes
				total += len(p.InlineData.Data) / 4
			}
		}
	}
	return total
}

func (c *Collector) countText(text string) int {
	if c.counter != nil {
		return c.counter.Count(text)
	}
	return tokens.Estimate(text)
}

// Collect collapses everything but the most recent messages into a single
// summary message. Returns the new history and the summary text for the
// turn's GC event.
func (c *Collector) Collect(history []*protocol.Message) ([]*protocol.Message, string) {
	if len(history) <= c.KeepRecent {
		return history, ""
	}

	// keep a whole-turn boundary: never split a model call from its results
	cut := len(history) - c.KeepRecent
	for cut > 0 && history[cut].Role == protocol.RoleTool {
		cut--
	}
	if cut == 0 {
		return history, ""
	}

	summary := summarize(history[:cut])
	collapsed := make([]*protocol.Message, 0, len(history)-cut+1)
	collapsed = append(collapsed, protocol.UserMessage(summary))
	collapsed = append(collapsed, protocol.CloneHistory(history[cut:])...)
	return collapsed, summary
}

const summaryExcerptLimit = 160

// summarize produces a deterministic extractive digest of the collapsed
// prefix: user asks verbatim (truncated) and tool activity by name.
func summarize(prefix []*protocol.Message) string {
	var asks []string
	toolCalls := make(map[string]int)
	var toolOrder []string

	for _, msg := range prefix {
		switch msg.Role {
		case protocol.RoleUser:
			if text := strings.TrimSpace(msg.Text()); text != "" {
				asks = append(asks, truncate(text, summaryExcerptLimit))
			}
		case protocol.RoleModel:
			for _, call := range msg.FunctionCalls() {
				if toolCalls[call.Name] == 0 {
					toolOrder = append(toolOrder, call.Name)
				}
				toolCalls[call.Name]++
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Earlier conversation collapsed: %d messages]\n", len(prefix))
	if len(asks) > 0 {
		b.WriteString("User requests so far:\n")
		for _, ask := range asks {
			fmt.Fprintf(&b, "- %s\n", ask)
		}
	}
	if len(toolOrder) > 0 {
		b.WriteString("Tools used: ")
		for i, name := range toolOrder {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s (%dx)", name, toolCalls[name])
		}
		b.WriteString("\n")
	}
	b.WriteString("Continue the conversation with this context in mind.")
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
