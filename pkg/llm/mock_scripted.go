package llm

import (
	"context"
	"errors"
	"sync"
)

// ScriptedMockProvider is a mock provider that returns a pre-defined sequence
// of responses. Useful for testing multi-step interactions such as the
// model-call/tool-call loop: script a tool-call response followed by a final
// text response and the engine will drive one full round trip.
type ScriptedMockProvider struct {
	mu        sync.Mutex
	Responses []ChatResponse
	Err       error
	// CallCount tracks how many times Chat or ChatStream has been called.
	CallCount int
	// Requests records every request received, for assertions.
	Requests []ChatRequest
}

// NewScriptedMockProvider creates a ScriptedMockProvider from the given
// response sequence.
func NewScriptedMockProvider(responses ...ChatResponse) *ScriptedMockProvider {
	return &ScriptedMockProvider{Responses: responses}
}

// ScriptText builds a plain text response with finish reason stop.
func ScriptText(content string) ChatResponse {
	return ChatResponse{
		Content:      content,
		FinishReason: FinishStop,
		Usage:        Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
	}
}

// ScriptToolCall builds a response requesting a single tool call.
func ScriptToolCall(id, name, argsJSON string) ChatResponse {
	return ChatResponse{
		FinishReason: FinishToolCalls,
		ToolCalls: []ToolCall{{
			ID:   id,
			Type: ToolTypeFunction,
			Function: FunctionCall{
				Name:      name,
				Arguments: argsJSON,
			},
		}},
		Usage: Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
	}
}

// Chat pops the next scripted response or returns the configured error.
func (s *ScriptedMockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.CallCount++
	s.Requests = append(s.Requests, req)

	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.Responses) == 0 {
		return nil, errors.New("scripted mock: no more responses available")
	}

	resp := s.Responses[0]
	s.Responses = s.Responses[1:]
	return &resp, nil
}

// ChatStream replays the next scripted response as a chunk stream.
func (s *ScriptedMockProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	resp, err := s.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	return replayResponse(resp), nil
}

// AddResponse appends a response to the queue.
func (s *ScriptedMockProvider) AddResponse(resp ChatResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Responses = append(s.Responses, resp)
}

var _ Provider = (*ScriptedMockProvider)(nil)
