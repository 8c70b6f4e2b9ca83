// Package mappers defines the two public request/response dialects and the
// converters between them and the Kiro upstream stream. Token counts are
// whitespace word counts, a deliberate approximation rather than a real
// tokenizer.
package mappers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"kiro-nexus/internal/kiro"
)

// Message is one chat turn. Content is either a plain string or an array of
// typed blocks, both accepted as-is; extraction happens in the request
// builder.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ToChat converts dialect messages into the upstream builder's shape.
func ToChat(messages []Message) []kiro.ChatMessage {
	out := make([]kiro.ChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, kiro.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// OpenAIChatRequest is the /v1/chat/completions request body.
type OpenAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type OpenAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

type OpenAIChoice struct {
	Index        int               `json:"index"`
	Message      *OpenAIMessageOut `json:"message,omitempty"`
	Delta        *OpenAIMessageOut `json:"delta,omitempty"`
	FinishReason *string           `json:"finish_reason"`
}

type OpenAIMessageOut struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIStreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
}

// CountTokens approximates a token count as whitespace-split words.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// PromptText flattens a message sequence into one string for input token
// counting.
func PromptText(messages []Message) string {
	var parts []string
	for _, m := range messages {
		parts = append(parts, kiro.ExtractText(m.Content))
	}
	return strings.Join(parts, "\n")
}

// NewCompletionID generates a chat completion id.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// NewOpenAIResponse builds the non-streaming completion body.
func NewOpenAIResponse(model, text string, promptTokens int) OpenAIChatResponse {
	completion := CountTokens(text)
	stop := "stop"
	return OpenAIChatResponse{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      &OpenAIMessageOut{Role: "assistant", Content: text},
			FinishReason: &stop,
		}},
		Usage: &OpenAIUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completion,
			TotalTokens:      promptTokens + completion,
		},
	}
}

// OpenAIOpenChunk is the first streaming chunk: an empty delta that opens the
// assistant turn.
func OpenAIOpenChunk(id, model string) []byte {
	return marshalChunk(id, model, &OpenAIMessageOut{Role: "assistant", Content: ""}, nil)
}

// OpenAIDeltaChunk carries one content delta.
func OpenAIDeltaChunk(id, model, text string) []byte {
	return marshalChunk(id, model, &OpenAIMessageOut{Content: text}, nil)
}

// OpenAIFinishChunk closes the turn with finish_reason "stop".
func OpenAIFinishChunk(id, model string) []byte {
	stop := "stop"
	return marshalChunk(id, model, &OpenAIMessageOut{}, &stop)
}

// OpenAIErrorChunk is the terminal frame emitted when the upstream stream
// reports an error mid-flight.
func OpenAIErrorChunk(message string) []byte {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "upstream_error",
		},
	})
	return b
}

func marshalChunk(id, model string, delta *OpenAIMessageOut, finish *string) []byte {
	chunk := openAIStreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []OpenAIChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
	b, _ := json.Marshal(chunk)
	return b
}
