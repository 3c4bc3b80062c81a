package provider

import "strings"

// contextLimits maps model ids to context window sizes. Exact match first,
// then longest prefix, then a conservative default.
var contextLimits = map[string]int{
	"gemini-2.5-pro":        1_048_576,
	"gemini-2.5-flash":      1_048_576,
	"gemini-2.5-flash-lite": 1_048_576,
	"gemini-2.0-flash":      1_048_576,
	"gemini-2.0-flash-lite": 1_048_576,
	"gemini-1.5-pro":        2_097_152,
	"gemini-1.5-flash":      1_048_576,
	"gemini-1.0-pro":        32_768,
}

// DefaultContextLimit is used when a model is not in the table at all.
const DefaultContextLimit = 32_768

// ContextLimitFor returns the context window for a model id.
func ContextLimitFor(model string) int {
	if limit, ok := contextLimits[model]; ok {
		return limit
	}

	best, bestLen := DefaultContextLimit, 0
	for prefix, limit := range contextLimits {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = limit, len(prefix)
		}
	}
	return best
}
