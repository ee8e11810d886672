// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"fmt"
)

// MockProvider returns a canned response without touching the network.
// Set ChatFunc to take full control of a call; otherwise Response (or Err)
// decides the outcome.
type MockProvider struct {
	Response string
	Err      error
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	switch {
	case m.ChatFunc != nil:
		return m.ChatFunc(ctx, req)
	case m.Err != nil:
		return nil, m.Err
	}
	resp := &ChatResponse{
		Content:      m.Response,
		FinishReason: FinishStop,
	}
	resp.Usage = Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}
	return resp, nil
}

func (m *MockProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	resp, err := m.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	return replayResponse(resp), nil
}

// FailingMockProvider fails every call, with Err when set and a generic
// error otherwise.
type FailingMockProvider struct {
	Err error
}

func (f *FailingMockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return nil, fmt.Errorf("mock error")
}

func (f *FailingMockProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	_, err := f.Chat(ctx, req)
	return nil, err
}

// replayResponse converts a complete response into a short chunk stream:
// one content chunk (if any) followed by the final chunk.
func replayResponse(resp *ChatResponse) <-chan StreamChunk {
	ch := make(chan StreamChunk, 2)
	if resp.Content != "" {
		ch <- StreamChunk{Content: resp.Content}
	}
	usage := resp.Usage
	ch <- StreamChunk{
		Done:      true,
		ToolCalls: resp.ToolCalls,
		Finish:    resp.FinishReason,
		Usage:     &usage,
	}
	close(ch)
	return ch
}

var (
	_ Provider = (*MockProvider)(nil)
	_ Provider = (*FailingMockProvider)(nil)
)
