// Package handlers implements the gateway's HTTP surface: the OpenAI and
// Anthropic chat dialects and the management API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"kiro-nexus/internal/kiro"
	"kiro-nexus/internal/manager"
)

// writeOpenAIError writes the OpenAI-style error envelope.
func writeOpenAIError(w http.ResponseWriter, message, errType string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}

// writeClaudeError writes the Anthropic-style error envelope.
func writeClaudeError(w http.ResponseWriter, message, errType string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
}

// writeManagementJSON writes a management API response body.
func writeManagementJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeManagementError writes the {success: false, error} envelope.
func writeManagementError(w http.ResponseWriter, message string, status int) {
	writeManagementJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// selectStatus maps an account-selection failure to an HTTP status and a
// human message.
func selectStatus(err error) (int, string) {
	if errors.Is(err, manager.ErrNoCapacity) {
		return http.StatusServiceUnavailable, "No active account available"
	}
	return http.StatusServiceUnavailable, fmt.Sprintf("Account unavailable: %v", err)
}

// drainEvents reads the whole upstream stream and returns the concatenated
// content, or the first error event's text.
func drainEvents(body io.Reader) (string, string) {
	var dec kiro.FrameDecoder
	var content string
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range dec.Write(buf[:n]) {
				if ev.ErrorText != "" {
					return content, ev.ErrorText
				}
				content += ev.Content
			}
		}
		if err != nil {
			return content, ""
		}
	}
}
