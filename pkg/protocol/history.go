package protocol

import (
	"encoding/json"
	"fmt"
)

// SerializeHistory renders a history as stable JSON. Every part variant
// round-trips, including inline binary data (base64 in the "data" field).
func SerializeHistory(history []*Message) ([]byte, error) {
	if history == nil {
		history = []*Message{}
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize history: %w", err)
	}
	return data, nil
}

// DeserializeHistory restores a history serialized by SerializeHistory.
func DeserializeHistory(data []byte) ([]*Message, error) {
	var history []*Message
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("failed to deserialize history: %w", err)
	}
	return history, nil
}

// CloneHistory copies a history slice including each part's payload, so
// providers can hand out clones without callers mutating session state
// behind the session's back. Values nested inside call args and results
// stay shared.
func CloneHistory(history []*Message) []*Message {
	if history == nil {
		return nil
	}
	out := make([]*Message, len(history))
	for i, msg := range history {
		copied := &Message{Role: msg.Role, Parts: make([]Part, len(msg.Parts))}
		for j, part := range msg.Parts {
			copied.Parts[j] = clonePart(part)
		}
		out[i] = copied
	}
	return out
}

func clonePart(p Part) Part {
	var out Part
	switch {
	case p.Text != nil:
		text := *p.Text
		out.Text = &text
	case p.FunctionCall != nil:
		call := *p.FunctionCall
		if call.Args != nil {
			args := make(map[string]any, len(call.Args))
			for k, v := range call.Args {
				args[k] = v
			}
			call.Args = args
		}
		out.FunctionCall = &call
	case p.FunctionResponse != nil:
		result := *p.FunctionResponse
		result.Attachments = append([]Attachment(nil), p.FunctionResponse.Attachments...)
		out.FunctionResponse = &result
	case p.InlineData != nil:
		out.InlineData = &Blob{
			MIMEType: p.InlineData.MIMEType,
			Data:     append([]byte(nil), p.InlineData.Data...),
		}
	}
	return out
}
