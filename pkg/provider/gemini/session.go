package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/jaato-labs/jaato/pkg/protocol"
	"github.com/jaato-labs/jaato/pkg/provider"
)

// chatSession owns one conversation's history. The SDK's chat helper runs
// automatic function calling, which the orchestrator must own, so the
// session drives Models.GenerateContent directly over an explicit history.
type chatSession struct {
	client    *genai.Client
	model     string
	config    *genai.GenerateContentConfig
	history   []*protocol.Message
	lastUsage protocol.TokenUsage
	logger    *slog.Logger
}

var _ provider.ChatSession = (*chatSession)(nil)

func (s *chatSession) SendMessage(ctx context.Context, text string, responseSchema map[string]any) (*protocol.ProviderResponse, error) {
	return s.send(ctx, protocol.UserMessage(text), responseSchema)
}

func (s *chatSession) SendMessageWithParts(ctx context.Context, parts []protocol.Part, responseSchema map[string]any) (*protocol.ProviderResponse, error) {
	return s.send(ctx, &protocol.Message{Role: protocol.RoleUser, Parts: parts}, responseSchema)
}

// SendToolResults posts tool outputs back in a single turn. Results keep the
// order the model issued the calls in; attachments follow their result as
// inline data in the same content.
func (s *chatSession) SendToolResults(ctx context.Context, results []protocol.ToolResult, responseSchema map[string]any) (*protocol.ProviderResponse, error) {
	msg := &protocol.Message{Role: protocol.RoleTool}
	for _, r := range results {
		msg.Parts = append(msg.Parts, protocol.ResponsePart(r))
		for _, att := range r.Attachments {
			msg.Parts = append(msg.Parts, protocol.DataPart(att.MIMEType, att.Data))
		}
	}
	return s.send(ctx, msg, responseSchema)
}

// send appends the outgoing message, calls the model, and appends the reply.
// On error the outgoing message stays appended so the session is left at the
// last consistent state.
func (s *chatSession) send(ctx context.Context, msg *protocol.Message, responseSchema map[string]any) (*protocol.ProviderResponse, error) {
	s.history = append(s.history, msg)

	config := s.config
	if responseSchema != nil {
		structured := *s.config
		structured.ResponseMIMEType = "application/json"
		structured.ResponseSchema = toGenaiSchema(responseSchema)
		// Tool declarations and constrained JSON output are mutually
		// exclusive on the API side.
		structured.Tools = nil
		config = &structured
	}

	genResp, err := s.client.Models.GenerateContent(ctx, s.model, toGenaiContents(s.history), config)
	if err != nil {
		return nil, provider.ClassifyError(err)
	}

	resp, reply, err := s.parseResponse(genResp, responseSchema != nil)
	if err != nil {
		return nil, err
	}

	s.history = append(s.history, reply)
	s.lastUsage = resp.Usage
	return resp, nil
}

func (s *chatSession) parseResponse(genResp *genai.GenerateContentResponse, structured bool) (*protocol.ProviderResponse, *protocol.Message, error) {
	if len(genResp.Candidates) == 0 {
		return nil, nil, fmt.Errorf("empty response from model")
	}
	candidate := genResp.Candidates[0]

	reply := fromGenaiContent(candidate.Content)
	if reply == nil {
		reply = &protocol.Message{Role: protocol.RoleModel}
	}

	resp := &protocol.ProviderResponse{
		Text: reply.Text(),
		Raw:  genResp,
	}

	// The SDK may return function calls without IDs; generate them here so
	// results can be correlated.
	for i, p := range reply.Parts {
		if p.FunctionCall == nil {
			continue
		}
		if p.FunctionCall.ID == "" {
			p.FunctionCall.ID = "call-" + uuid.NewString()[:8]
			reply.Parts[i] = p
		}
		resp.FunctionCalls = append(resp.FunctionCalls, *p.FunctionCall)
	}

	resp.FinishReason = mapFinishReason(candidate.FinishReason, len(resp.FunctionCalls) > 0)

	if genResp.UsageMetadata != nil {
		resp.Usage = protocol.TokenUsage{
			Prompt: int(genResp.UsageMetadata.PromptTokenCount),
			Output: int(genResp.UsageMetadata.CandidatesTokenCount),
			Total:  int(genResp.UsageMetadata.TotalTokenCount),
		}
	}

	// Structured output parses silently; on failure the raw text stands.
	if structured && resp.Text != "" {
		var parsed any
		if err := json.Unmarshal([]byte(resp.Text), &parsed); err == nil {
			resp.StructuredOutput = parsed
		} else if s.logger != nil {
			s.logger.Debug("structured output did not parse", "error", err)
		}
	}

	return resp, reply, nil
}

func (s *chatSession) History() []*protocol.Message {
	return protocol.CloneHistory(s.history)
}

func (s *chatSession) SetHistory(history []*protocol.Message) {
	s.history = protocol.CloneHistory(history)
}

func (s *chatSession) LastUsage() protocol.TokenUsage {
	return s.lastUsage
}
