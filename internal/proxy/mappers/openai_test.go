package mappers

import (
	"encoding/json"
	"testing"
)

func TestCountTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"hello", 1},
		{"hello world", 2},
		{"  spaced   out\twords\nhere ", 4},
	}
	for _, tt := range tests {
		if got := CountTokens(tt.text); got != tt.want {
			t.Errorf("CountTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestOpenAIRequestAcceptsStringAndBlocks(t *testing.T) {
	body := []byte(`{
		"model": "kiro-pro",
		"messages": [
			{"role": "user", "content": "plain"},
			{"role": "user", "content": [{"type":"text","text":"block"}]}
		],
		"stream": true,
		"max_tokens": 512
	}`)
	var req OpenAIChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(req.Messages) != 2 || !req.Stream || *req.MaxTokens != 512 {
		t.Errorf("req = %+v", req)
	}
	if got := PromptText(req.Messages); got != "plain\nblock" {
		t.Errorf("PromptText = %q", got)
	}
}

func TestNewOpenAIResponseShape(t *testing.T) {
	resp := NewOpenAIResponse("kiro-pro", "two words", 3)
	if resp.Object != "chat.completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d", len(resp.Choices))
	}
	c := resp.Choices[0]
	if c.Message.Content != "two words" || *c.FinishReason != "stop" {
		t.Errorf("choice = %+v", c)
	}
	if resp.Usage.PromptTokens != 3 || resp.Usage.CompletionTokens != 2 || resp.Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIChunkSequence(t *testing.T) {
	id := NewCompletionID()

	var open openAIStreamChunk
	if err := json.Unmarshal(OpenAIOpenChunk(id, "kiro-pro"), &open); err != nil {
		t.Fatal(err)
	}
	if open.Object != "chat.completion.chunk" {
		t.Errorf("object = %q", open.Object)
	}
	if d := open.Choices[0].Delta; d.Role != "assistant" || d.Content != "" {
		t.Errorf("open delta = %+v, want empty assistant delta", d)
	}
	if open.Choices[0].FinishReason != nil {
		t.Error("open chunk must not carry finish_reason")
	}

	var delta openAIStreamChunk
	if err := json.Unmarshal(OpenAIDeltaChunk(id, "kiro-pro", "Hel"), &delta); err != nil {
		t.Fatal(err)
	}
	if delta.Choices[0].Delta.Content != "Hel" {
		t.Errorf("delta = %+v", delta.Choices[0].Delta)
	}

	var finish openAIStreamChunk
	if err := json.Unmarshal(OpenAIFinishChunk(id, "kiro-pro"), &finish); err != nil {
		t.Fatal(err)
	}
	if fr := finish.Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Errorf("finish_reason = %v, want stop", fr)
	}
}

func TestOpenAIErrorChunk(t *testing.T) {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(OpenAIErrorChunk("throttled"), &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Error.Message != "throttled" || parsed.Error.Type != "upstream_error" {
		t.Errorf("error chunk = %+v", parsed.Error)
	}
}
