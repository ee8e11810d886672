package llm

import (
	"context"
	"errors"
	"testing"
)

func TestScriptedMockSequence(t *testing.T) {
	provider := NewScriptedMockProvider(
		ScriptToolCall("call-1", "ping", "{}"),
		ScriptText("done"),
	)

	resp, err := provider.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("first chat: %v", err)
	}
	if resp.FinishReason != FinishToolCalls {
		t.Errorf("expected tool_calls finish, got %s", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "ping" {
		t.Errorf("unexpected tool calls: %+v", resp.ToolCalls)
	}

	resp, err = provider.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("second chat: %v", err)
	}
	if resp.Content != "done" || resp.FinishReason != FinishStop {
		t.Errorf("unexpected final response: %+v", resp)
	}

	if _, err := provider.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Error("exhausted script should error")
	}
	if provider.CallCount != 3 {
		t.Errorf("CallCount = %d, want 3", provider.CallCount)
	}
}

func TestScriptedMockStream(t *testing.T) {
	provider := NewScriptedMockProvider(ScriptText("hello"))

	stream, err := provider.ChatStream(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var content string
	var done bool
	for chunk := range stream {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		content += chunk.Content
		if chunk.Done {
			done = true
			if chunk.Finish != FinishStop {
				t.Errorf("finish = %s, want stop", chunk.Finish)
			}
		}
	}
	if content != "hello" || !done {
		t.Errorf("content=%q done=%v", content, done)
	}
}

func TestFailingMock(t *testing.T) {
	sentinel := errors.New("provider down")
	provider := &FailingMockProvider{Err: sentinel}

	if _, err := provider.Chat(context.Background(), ChatRequest{}); !errors.Is(err, sentinel) {
		t.Errorf("Chat error = %v", err)
	}
	if _, err := provider.ChatStream(context.Background(), ChatRequest{}); !errors.Is(err, sentinel) {
		t.Errorf("ChatStream error = %v", err)
	}
}

func TestOllamaFinish(t *testing.T) {
	if got := ollamaFinish(ollamaResponse{Message: Message{ToolCalls: []ToolCall{{}}}}); got != FinishToolCalls {
		t.Errorf("tool calls finish = %s", got)
	}
	if got := ollamaFinish(ollamaResponse{DoneReason: "length"}); got != FinishLength {
		t.Errorf("length finish = %s", got)
	}
	if got := ollamaFinish(ollamaResponse{DoneReason: "stop"}); got != FinishStop {
		t.Errorf("stop finish = %s", got)
	}
}
