// Package protocol defines the provider-agnostic value types shared by the
// runtime: roles, message parts, function calls, tool results and token
// accounting. Every provider converter translates between these types and
// its SDK's native shapes; the orchestrator never sees an SDK type.
package protocol

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleTool  Role = "tool"
)

// FunctionCall is a model-emitted request to invoke a named tool.
// ID is runtime-generated when the backing SDK does not carry one; it
// correlates the call with its ToolResult.
type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Attachment embeds a binary payload in a tool result (multimodal output).
type Attachment struct {
	MIMEType    string `json:"mime_type"`
	Data        []byte `json:"data"`
	DisplayName string `json:"display_name,omitempty"`
}

// ToolResult is the outcome of one tool invocation.
// Result is an opaque JSON-compatible value; IsError marks executor
// failures, which are fed back to the model rather than raised.
type ToolResult struct {
	CallID      string       `json:"call_id"`
	Name        string       `json:"name"`
	Result      any          `json:"result"`
	IsError     bool         `json:"is_error"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Blob carries inline binary data inside a message part.
type Blob struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Part is a tagged union: exactly one of Text, FunctionCall,
// FunctionResponse or InlineData is set. Text uses a pointer so that an
// empty text part remains representable.
type Part struct {
	Text             *string
	FunctionCall     *FunctionCall
	FunctionResponse *ToolResult
	InlineData       *Blob
}

// Part variant tags used in the serialized form.
const (
	PartTypeText             = "text"
	PartTypeFunctionCall     = "function_call"
	PartTypeFunctionResponse = "function_response"
	PartTypeInlineData       = "inline_data"
	PartTypeUnknown          = "unknown"
)

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Text: &text}
}

// CallPart builds a function-call part.
func CallPart(call FunctionCall) Part {
	return Part{FunctionCall: &call}
}

// ResponsePart builds a function-response part.
func ResponsePart(result ToolResult) Part {
	return Part{FunctionResponse: &result}
}

// DataPart builds an inline-data part.
func DataPart(mimeType string, data []byte) Part {
	return Part{InlineData: &Blob{MIMEType: mimeType, Data: data}}
}

// Type returns the variant tag of the part.
func (p Part) Type() string {
	switch {
	case p.Text != nil:
		return PartTypeText
	case p.FunctionCall != nil:
		return PartTypeFunctionCall
	case p.FunctionResponse != nil:
		return PartTypeFunctionResponse
	case p.InlineData != nil:
		return PartTypeInlineData
	default:
		return PartTypeUnknown
	}
}

type partWire struct {
	Type             string        `json:"type"`
	Text             *string       `json:"text,omitempty"`
	FunctionCall     *FunctionCall `json:"function_call,omitempty"`
	FunctionResponse *ToolResult   `json:"function_response,omitempty"`
	MIMEType         string        `json:"mime_type,omitempty"`
	Data             []byte        `json:"data,omitempty"`
}

// MarshalJSON serializes the part with an explicit "type" tag so the
// union survives a round trip (binary data is base64 in "data").
func (p Part) MarshalJSON() ([]byte, error) {
	w := partWire{Type: p.Type()}
	switch w.Type {
	case PartTypeText:
		w.Text = p.Text
	case PartTypeFunctionCall:
		w.FunctionCall = p.FunctionCall
	case PartTypeFunctionResponse:
		w.FunctionResponse = p.FunctionResponse
	case PartTypeInlineData:
		w.MIMEType = p.InlineData.MIMEType
		w.Data = p.InlineData.Data
	}
	return json.Marshal(w)
}

// UnmarshalJSON restores a part from its tagged form. Unknown tags decode
// to an empty part rather than failing, so histories written by newer
// versions remain loadable.
func (p *Part) UnmarshalJSON(data []byte) error {
	var w partWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Part{}
	switch w.Type {
	case PartTypeText:
		if w.Text == nil {
			empty := ""
			w.Text = &empty
		}
		p.Text = w.Text
	case PartTypeFunctionCall:
		p.FunctionCall = w.FunctionCall
	case PartTypeFunctionResponse:
		p.FunctionResponse = w.FunctionResponse
	case PartTypeInlineData:
		p.InlineData = &Blob{MIMEType: w.MIMEType, Data: w.Data}
	}
	return nil
}

// Message is one history entry: a role plus ordered parts.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Text returns the concatenated text of all text parts.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Text != nil {
			b.WriteString(*p.Text)
		}
	}
	return b.String()
}

// FunctionCalls returns all function-call parts in order.
func (m *Message) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, p := range m.Parts {
		if p.FunctionCall != nil {
			calls = append(calls, *p.FunctionCall)
		}
	}
	return calls
}

// UserMessage builds a single-part user text message.
func UserMessage(text string) *Message {
	return &Message{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

// ModelMessage builds a single-part model text message.
func ModelMessage(text string) *Message {
	return &Message{Role: RoleModel, Parts: []Part{TextPart(text)}}
}

// ToolSchema declares one callable tool to the model. Parameters is a
// JSON-schema object. Names are globally unique within an exposed set.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// FinishReason classifies why the model stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "STOP"
	FinishMaxTokens FinishReason = "MAX_TOKENS"
	FinishToolUse   FinishReason = "TOOL_USE"
	FinishSafety    FinishReason = "SAFETY"
	FinishError     FinishReason = "ERROR"
	FinishUnknown   FinishReason = "UNKNOWN"
)

// TokenUsage is the token count for one provider call.
type TokenUsage struct {
	Prompt int `json:"prompt"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Add accumulates another usage into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Prompt += other.Prompt
	u.Output += other.Output
	u.Total += other.Total
}

// ProviderResponse is the provider-agnostic result of one model call.
type ProviderResponse struct {
	Text             string         `json:"text,omitempty"`
	FunctionCalls    []FunctionCall `json:"function_calls,omitempty"`
	Usage            TokenUsage     `json:"usage"`
	FinishReason     FinishReason   `json:"finish_reason"`
	StructuredOutput any            `json:"structured_output,omitempty"`
	Raw              any            `json:"-"`
}

// FunctionCallTiming records the wall-clock duration of one tool call
// inside a turn.
type FunctionCallTiming struct {
	Name            string  `json:"name"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// TurnAccounting aggregates tokens and latency for one user turn.
type TurnAccounting struct {
	Prompt          int                  `json:"prompt"`
	Output          int                  `json:"output"`
	Total           int                  `json:"total"`
	StartTime       time.Time            `json:"start_time"`
	EndTime         time.Time            `json:"end_time"`
	DurationSeconds float64              `json:"duration_seconds"`
	FunctionCalls   []FunctionCallTiming `json:"function_calls,omitempty"`
	Cancelled       bool                 `json:"cancelled,omitempty"`
	Metadata        map[string]any       `json:"metadata,omitempty"`
}

// PermissionMetadataKey is the key under which the orchestrator attaches
// the gating decision to a tool result, so the model and the user both
// see the outcome.
const PermissionMetadataKey = "_permission"

// CanonicalJSON renders v with sorted object keys, producing a stable
// byte sequence suitable for digests.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var b strings.Builder
	if err := writeCanonical(&b, generic); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kj, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(kj)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(raw)
	}
	return nil
}

// ArgsDigest computes a stable short digest of a tool call's arguments.
// The same args always hash to the same digest, which lets pending
// permission prompts for identical calls coalesce.
func ArgsDigest(args map[string]any) string {
	canonical, err := CanonicalJSON(args)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%x", sum[:16])
}
