package gemini

import (
	"google.golang.org/genai"

	"github.com/jaato-labs/jaato/pkg/protocol"
)

// toGenaiContent converts one message. Part order is preserved; parts that
// carry no payload are dropped.
func toGenaiContent(msg *protocol.Message) *genai.Content {
	if msg == nil {
		return nil
	}

	var parts []*genai.Part
	for _, p := range msg.Parts {
		switch p.Type() {
		case protocol.PartTypeText:
			parts = append(parts, &genai.Part{Text: *p.Text})
		case protocol.PartTypeFunctionCall:
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   p.FunctionCall.ID,
					Name: p.FunctionCall.Name,
					Args: p.FunctionCall.Args,
				},
			})
		case protocol.PartTypeFunctionResponse:
			parts = append(parts, toolResultToPart(*p.FunctionResponse))
		case protocol.PartTypeInlineData:
			parts = append(parts, &genai.Part{
				InlineData: &genai.Blob{
					MIMEType: p.InlineData.MIMEType,
					Data:     p.InlineData.Data,
				},
			})
		}
	}

	if len(parts) == 0 {
		return nil
	}

	role := genai.RoleUser
	if msg.Role == protocol.RoleModel {
		role = genai.RoleModel
	}

	return &genai.Content{Role: role, Parts: parts}
}

func toGenaiContents(history []*protocol.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range history {
		if c := toGenaiContent(msg); c != nil {
			contents = append(contents, c)
		}
	}
	return contents
}

// toolResultToPart maps a tool result to a functionResponse part. The result
// value is wrapped into the map shape the API expects; attachments ride along
// as inline data inside the response when present.
func toolResultToPart(r protocol.ToolResult) *genai.Part {
	response, ok := r.Result.(map[string]any)
	if !ok {
		response = map[string]any{"result": r.Result}
	}
	if r.IsError {
		response["is_error"] = true
	}

	part := &genai.Part{
		FunctionResponse: &genai.FunctionResponse{
			ID:       r.CallID,
			Name:     r.Name,
			Response: response,
		},
	}
	return part
}

// toGenaiTools converts tool schemas. Declarations are deduplicated by name,
// first occurrence wins so call IDs stay stable across exposure changes.
func toGenaiTools(schemas []protocol.ToolSchema) []*genai.Tool {
	if len(schemas) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(schemas))
	var decls []*genai.FunctionDeclaration
	for _, s := range schemas {
		if seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  toGenaiSchema(s.Parameters),
		})
	}

	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGenaiSchema converts a JSON schema map to the API's schema type.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(normalizeSchemaType(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		s.Required = append(s.Required, required...)
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}

// normalizeSchemaType maps lowercase JSON-schema type names to the API's
// uppercase enum values.
func normalizeSchemaType(t string) string {
	switch t {
	case "string":
		return "STRING"
	case "number":
		return "NUMBER"
	case "integer":
		return "INTEGER"
	case "boolean":
		return "BOOLEAN"
	case "array":
		return "ARRAY"
	case "object":
		return "OBJECT"
	}
	return t
}

// fromGenaiContent converts a response candidate's content back to a message.
func fromGenaiContent(content *genai.Content) *protocol.Message {
	if content == nil {
		return nil
	}

	role := protocol.RoleModel
	if content.Role == genai.RoleUser {
		role = protocol.RoleUser
	}

	msg := &protocol.Message{Role: role}
	for _, part := range content.Parts {
		if part == nil {
			continue
		}
		switch {
		case part.FunctionCall != nil:
			msg.Parts = append(msg.Parts, protocol.CallPart(protocol.FunctionCall{
				ID:   part.FunctionCall.ID,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			}))
		case part.InlineData != nil:
			msg.Parts = append(msg.Parts, protocol.DataPart(part.InlineData.MIMEType, part.InlineData.Data))
		default:
			if part.Thought {
				continue
			}
			msg.Parts = append(msg.Parts, protocol.TextPart(part.Text))
		}
	}
	return msg
}

// mapFinishReason converts the API finish reason to the runtime's enum.
func mapFinishReason(reason genai.FinishReason, hasCalls bool) protocol.FinishReason {
	if hasCalls {
		return protocol.FinishToolUse
	}
	switch reason {
	case genai.FinishReasonStop:
		return protocol.FinishStop
	case genai.FinishReasonMaxTokens:
		return protocol.FinishMaxTokens
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		return protocol.FinishSafety
	case genai.FinishReasonMalformedFunctionCall, genai.FinishReasonRecitation:
		return protocol.FinishError
	case "":
		return protocol.FinishUnknown
	default:
		return protocol.FinishUnknown
	}
}
