package kiro

import (
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// modelAliases maps public model names to CodeWhisperer model ids. Unknown
// names pass through unchanged so new upstream models work without a release.
var modelAliases = map[string]string{
	"kiro-pro":                   "claude-sonnet-4.5",
	"kiro-flash":                 "claude-haiku-4.5",
	"claude-sonnet-4-5":          "claude-sonnet-4.5",
	"claude-sonnet-4-5-20250929": "claude-sonnet-4.5",
	"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
}

// ResolveModel maps a public model name to its upstream id.
func ResolveModel(model string) string {
	if upstream, ok := modelAliases[model]; ok {
		return upstream
	}
	return model
}

// PublicModels lists the model ids the gateway advertises.
func PublicModels() []string {
	return []string{"kiro-pro", "kiro-flash"}
}

// systemAck is the synthetic assistant reply paired with leading system
// messages when they are folded into the history.
const systemAck = "OK"

// ChatMessage is a dialect-neutral chat turn. Content is either a plain
// string or a decoded []any of typed blocks, exactly as the dialect handlers
// received it.
type ChatMessage struct {
	Role    string
	Content any
}

// Image is one inline image attached to the live turn.
type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

// ImageSource carries the raw image bytes; encoding/json base64s them.
type ImageSource struct {
	Bytes []byte `json:"bytes"`
}

// UserInputMessage is a live or historical user turn.
type UserInputMessage struct {
	Content string                  `json:"content"`
	Images  []Image                 `json:"images,omitempty"`
	Context UserInputMessageContext `json:"userInputMessageContext"`
}

// UserInputMessageContext carries the IDE agent mode marker.
type UserInputMessageContext struct {
	AgentTaskType string `json:"agentTaskType"`
}

// AssistantResponseMessage is a historical assistant turn.
type AssistantResponseMessage struct {
	Content string `json:"content"`
}

// HistoryTurn is one entry of the conversation history; exactly one side set.
type HistoryTurn struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// CurrentMessage wraps the live turn.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// ConversationState is the upstream conversation shape. ConversationID and
// ContinuationID are fresh per call and never reused.
type ConversationState struct {
	ConversationID  string         `json:"conversationId"`
	ContinuationID  string         `json:"continuationId"`
	History         []HistoryTurn  `json:"history,omitempty"`
	CurrentMessage  CurrentMessage `json:"currentMessage"`
	ChatTriggerType string         `json:"chatTriggerType"`
}

// ModelConfiguration selects the upstream model and output budget.
type ModelConfiguration struct {
	ModelID   string `json:"modelId"`
	MaxTokens int    `json:"maxTokens"`
}

// UpstreamRequest is the generateAssistantResponse request body.
type UpstreamRequest struct {
	ConversationState  ConversationState  `json:"conversationState"`
	ModelConfiguration ModelConfiguration `json:"modelConfiguration"`
	ProfileArn         string             `json:"profileArn"`
}

// BuildRequest converts a caller's message sequence into the upstream
// conversation-state shape:
//   - leading system messages are newline-joined into one synthetic history
//     turn acknowledged by a fixed assistant reply,
//   - the middle of the sequence becomes alternating history turns, with
//     consecutive user messages newline-joined,
//   - the final message becomes the live turn and is not part of history;
//     inline base64 image blocks on it are decoded and attached.
func BuildRequest(messages []ChatMessage, model string, maxTokens int) *UpstreamRequest {
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var history []HistoryTurn
	var systemParts []string

	i := 0
	for ; i < len(messages) && messages[i].Role == "system"; i++ {
		if text := ExtractText(messages[i].Content); text != "" {
			systemParts = append(systemParts, text)
		}
	}
	if len(systemParts) > 0 {
		history = append(history,
			HistoryTurn{UserInputMessage: &UserInputMessage{
				Content: strings.Join(systemParts, "\n"),
				Context: UserInputMessageContext{AgentTaskType: "vibe"},
			}},
			HistoryTurn{AssistantResponseMessage: &AssistantResponseMessage{Content: systemAck}},
		)
	}

	var live ChatMessage
	rest := messages[i:]
	if len(rest) > 0 {
		live = rest[len(rest)-1]
		rest = rest[:len(rest)-1]
	}

	var pendingUser []string
	flushUser := func() {
		if len(pendingUser) == 0 {
			return
		}
		history = append(history, HistoryTurn{UserInputMessage: &UserInputMessage{
			Content: strings.Join(pendingUser, "\n"),
			Context: UserInputMessageContext{AgentTaskType: "vibe"},
		}})
		pendingUser = nil
	}
	for _, msg := range rest {
		text := ExtractText(msg.Content)
		if msg.Role == "assistant" {
			flushUser()
			history = append(history, HistoryTurn{
				AssistantResponseMessage: &AssistantResponseMessage{Content: text},
			})
			continue
		}
		// User and stray system turns in the middle collapse into the
		// pending user turn.
		pendingUser = append(pendingUser, text)
	}
	flushUser()

	return &UpstreamRequest{
		ConversationState: ConversationState{
			ConversationID: uuid.NewString(),
			ContinuationID: uuid.NewString(),
			History:        history,
			CurrentMessage: CurrentMessage{UserInputMessage: UserInputMessage{
				Content: ExtractText(live.Content),
				Images:  ExtractImages(live.Content),
				Context: UserInputMessageContext{AgentTaskType: "vibe"},
			}},
			ChatTriggerType: "MANUAL",
		},
		ModelConfiguration: ModelConfiguration{
			ModelID:   ResolveModel(model),
			MaxTokens: maxTokens,
		},
	}
}

// ExtractText pulls the text out of a message content value, which is either
// a plain string or a sequence of typed blocks. Only text-typed blocks
// contribute, joined by newline.
func ExtractText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, block := range c {
			b, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := b["type"].(string); t == "text" {
				if text, ok := b["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// ExtractImages decodes inline base64 data-URI image blocks from a structured
// content value. Blocks that fail to decode are skipped.
func ExtractImages(content any) []Image {
	blocks, ok := content.([]any)
	if !ok {
		return nil
	}
	var images []Image
	for _, block := range blocks {
		b, ok := block.(map[string]any)
		if !ok {
			continue
		}
		t, _ := b["type"].(string)
		if t != "image" && t != "image_url" {
			continue
		}
		uri := imageURI(b)
		format, data, ok := parseDataURI(uri)
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			continue
		}
		images = append(images, Image{Format: format, Source: ImageSource{Bytes: raw}})
	}
	return images
}

// imageURI digs the data URI out of either dialect's image block shape.
func imageURI(block map[string]any) string {
	if img, ok := block["image_url"].(map[string]any); ok {
		u, _ := img["url"].(string)
		return u
	}
	if src, ok := block["source"].(map[string]any); ok {
		// Anthropic shape: {"source":{"type":"base64","media_type":"image/png","data":...}}
		mediaType, _ := src["media_type"].(string)
		data, _ := src["data"].(string)
		if mediaType != "" && data != "" {
			return "data:" + mediaType + ";base64," + data
		}
	}
	u, _ := block["url"].(string)
	return u
}

// parseDataURI splits "data:image/png;base64,AAAA" into ("png", "AAAA").
func parseDataURI(uri string) (format, data string, ok bool) {
	if !strings.HasPrefix(uri, "data:image/") {
		return "", "", false
	}
	rest := strings.TrimPrefix(uri, "data:image/")
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", "", false
	}
	return rest[:sep], rest[sep+len(";base64,"):], true
}
