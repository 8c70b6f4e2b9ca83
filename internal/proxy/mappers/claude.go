package mappers

import (
	"encoding/json"

	"github.com/google/uuid"

	"kiro-nexus/internal/kiro"
)

// ClaudeRequest is the /v1/messages request body. System accepts a plain
// string or an array of text blocks, same as message content.
type ClaudeRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      any       `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// ChatMessages prepends the system prompt (when present) as a system turn and
// converts the rest.
func (r *ClaudeRequest) ChatMessages() []kiro.ChatMessage {
	var out []kiro.ChatMessage
	if sys := kiro.ExtractText(r.System); sys != "" {
		out = append(out, kiro.ChatMessage{Role: "system", Content: sys})
	}
	for _, m := range r.Messages {
		out = append(out, kiro.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

type ClaudeResponse struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	Role         string               `json:"role"`
	Model        string               `json:"model"`
	Content      []ClaudeContentBlock `json:"content"`
	StopReason   string               `json:"stop_reason,omitempty"`
	StopSequence *string              `json:"stop_sequence"`
	Usage        ClaudeUsage          `json:"usage"`
}

type ClaudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type         string              `json:"type"`
	Message      *ClaudeResponse     `json:"message,omitempty"`
	Index        int                 `json:"index"`
	ContentBlock *ClaudeContentBlock `json:"content_block,omitempty"`
	Delta        *claudeDelta        `json:"delta,omitempty"`
	Usage        *ClaudeUsage        `json:"usage,omitempty"`
	Error        *claudeError        `json:"error,omitempty"`
}

type claudeDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewMessageID generates an Anthropic-style message id.
func NewMessageID() string {
	return "msg_" + uuid.NewString()
}

// NewClaudeResponse builds the non-streaming messages body.
func NewClaudeResponse(model, text string, inputTokens int) ClaudeResponse {
	return ClaudeResponse{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    []ClaudeContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage: ClaudeUsage{
			InputTokens:  inputTokens,
			OutputTokens: CountTokens(text),
		},
	}
}

// ClaudeEvent is one named SSE event: the event line's name plus its JSON
// data payload.
type ClaudeEvent struct {
	Name string
	Data []byte
}

func claudeEvent(name string, ev claudeStreamEvent) ClaudeEvent {
	ev.Type = name
	b, _ := json.Marshal(ev)
	return ClaudeEvent{Name: name, Data: b}
}

// ClaudeMessageStart opens the streaming response.
func ClaudeMessageStart(id, model string, inputTokens int) ClaudeEvent {
	return claudeEvent("message_start", claudeStreamEvent{
		Message: &ClaudeResponse{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Model:   model,
			Content: []ClaudeContentBlock{},
			Usage:   ClaudeUsage{InputTokens: inputTokens},
		},
	})
}

// ClaudeBlockStart opens the single text content block.
func ClaudeBlockStart() ClaudeEvent {
	return claudeEvent("content_block_start", claudeStreamEvent{
		ContentBlock: &ClaudeContentBlock{Type: "text", Text: ""},
	})
}

// ClaudeBlockDelta carries one text delta.
func ClaudeBlockDelta(text string) ClaudeEvent {
	return claudeEvent("content_block_delta", claudeStreamEvent{
		Delta: &claudeDelta{Type: "text_delta", Text: text},
	})
}

// ClaudeBlockStop closes the content block.
func ClaudeBlockStop() ClaudeEvent {
	return claudeEvent("content_block_stop", claudeStreamEvent{})
}

// ClaudeMessageDelta carries the stop reason and output token count.
func ClaudeMessageDelta(outputTokens int) ClaudeEvent {
	return claudeEvent("message_delta", claudeStreamEvent{
		Delta: &claudeDelta{StopReason: "end_turn"},
		Usage: &ClaudeUsage{OutputTokens: outputTokens},
	})
}

// ClaudeMessageStop ends the stream.
func ClaudeMessageStop() ClaudeEvent {
	return claudeEvent("message_stop", claudeStreamEvent{})
}

// ClaudeErrorEvent is the terminal error frame for a failed stream.
func ClaudeErrorEvent(message string) ClaudeEvent {
	return claudeEvent("error", claudeStreamEvent{
		Error: &claudeError{Type: "api_error", Message: message},
	})
}
