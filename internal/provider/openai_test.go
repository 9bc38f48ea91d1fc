package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"zapbot/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenAI_ChatPlainText(t *testing.T) {
	var captured oaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "Olá!"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13},
		})
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "test-key", APIBase: srv.URL, Model: "gpt-4o-mini", Logger: discard()})
	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "system", Content: "Você é um atendente."},
			{Role: "user", Content: "oi"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Olá!" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.HasToolCalls() {
		t.Error("unexpected tool calls")
	}
	if resp.Usage.TotalTokens != 13 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if captured.Model != "gpt-4o-mini" || len(captured.Messages) != 2 {
		t.Errorf("request = %+v", captured)
	}
}

func TestOpenAI_ChatDecodesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{
						{
							"id":   "call_1",
							"type": "function",
							"function": map[string]any{
								"name":      "send_menu",
								"arguments": `{"title":"Planos","choices":["Básico","Pro"]}`,
							},
						},
						{
							// id omitted by a non-strict backend
							"type": "function",
							"function": map[string]any{
								"name":      "send_text",
								"arguments": "",
							},
						},
					},
				},
				"finish_reason": "tool_calls",
			}},
		})
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "k", APIBase: srv.URL, Logger: discard()})
	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "quero ver os planos"}},
		Tools:    []domain.ToolDefinition{{Name: "send_menu"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(resp.ToolCalls))
	}
	first := resp.ToolCalls[0]
	if first.Name != "send_menu" || first.Arguments["title"] != "Planos" {
		t.Errorf("first call = %+v", first)
	}
	second := resp.ToolCalls[1]
	if second.ID == "" || !strings.HasPrefix(second.ID, "call_") {
		t.Errorf("missing id not filled in: %q", second.ID)
	}
	if second.Arguments == nil {
		t.Error("empty arguments must decode to an empty map")
	}
}

func TestOpenAI_ChatEncodesToolResults(t *testing.T) {
	var captured oaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "feito"},
				"finish_reason": "stop",
			}},
		})
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "k", APIBase: srv.URL, Logger: discard()})
	_, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "user", Content: "oi"},
			{Role: "assistant", ToolCalls: []domain.ToolCall{
				{ID: "call_1", Name: "send_text", Arguments: map[string]any{"text": "olá"}},
			}},
			{Role: "tool", Content: "sent", ToolCallID: "call_1", ToolName: "send_text"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(captured.Messages) != 3 {
		t.Fatalf("messages = %d", len(captured.Messages))
	}
	asst := captured.Messages[1]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].Function.Name != "send_text" {
		t.Errorf("assistant msg = %+v", asst)
	}
	if !strings.Contains(asst.ToolCalls[0].Function.Arguments, `"text":"olá"`) {
		t.Errorf("arguments not re-serialized: %q", asst.ToolCalls[0].Function.Arguments)
	}
	toolMsg := captured.Messages[2]
	if toolMsg.ToolCallID != "call_1" || toolMsg.Name != "send_text" {
		t.Errorf("tool msg = %+v", toolMsg)
	}
}

func TestOpenAI_ChatAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "k", APIBase: srv.URL, Logger: discard()})
	_, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "oi"}},
	})
	if err == nil {
		t.Fatal("expected error on 400")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("error = %v", err)
	}
}

func TestOpenAI_ChatRetriesOn503(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "ok"},
				"finish_reason": "stop",
			}},
		})
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "k", APIBase: srv.URL, Logger: discard()})
	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "oi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want a retry after 503", calls)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestOpenAI_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "k", APIBase: srv.URL, Logger: discard()})
	if err := p.Healthy(context.Background()); err != nil {
		t.Fatal(err)
	}
}
