package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"kiro-nexus/internal/kiro"
	"kiro-nexus/internal/logging"
	"kiro-nexus/internal/manager"
	"kiro-nexus/internal/proxy/mappers"
	"kiro-nexus/internal/proxy/monitor"
)

// ClaudeMessagesHandler handles POST /v1/messages.
func ClaudeMessagesHandler(mgr *manager.Manager, client *kiro.Client, mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ctx := logging.WithRequestID(r.Context(), logging.NewRequestID())

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeClaudeError(w, "Failed to read request body", "invalid_request_error", http.StatusBadRequest)
			return
		}
		var req mappers.ClaudeRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeClaudeError(w, "Invalid request body: "+err.Error(), "invalid_request_error", http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 {
			writeClaudeError(w, "messages must not be empty", "invalid_request_error", http.StatusBadRequest)
			return
		}
		logging.Debugf(ctx, "📥 /v1/messages model=%s stream=%v", req.Model, req.Stream)

		acct, err := mgr.SelectAccountForRequest(ctx)
		if err != nil {
			status, msg := selectStatus(err)
			writeClaudeError(w, msg, "overloaded_error", status)
			recordChat(mon, r, status, started, req.Model, "", msg, 0, 0)
			return
		}

		messages := req.ChatMessages()
		upstreamReq := kiro.BuildRequest(messages, req.Model, req.MaxTokens)

		resp, err := client.GenerateAssistantResponse(ctx, acct.Credentials.AccessToken, acct.MachineID, upstreamReq)
		if err != nil {
			log.Printf("❌ Upstream call failed for %s: %v", acct.Email, err)
			msg := "Upstream error: " + err.Error()
			writeClaudeError(w, msg, "api_error", http.StatusInternalServerError)
			recordChat(mon, r, http.StatusInternalServerError, started, req.Model, acct.Email, msg, 0, 0)
			return
		}
		defer resp.Body.Close()

		inputTokens := 0
		for _, m := range messages {
			inputTokens += mappers.CountTokens(kiro.ExtractText(m.Content))
		}

		if req.Stream {
			streamClaude(w, resp.Body, req.Model, inputTokens, func(status int, errText string, outTokens int) {
				recordChat(mon, r, status, started, req.Model, acct.Email, errText, inputTokens, outTokens)
			})
			return
		}

		content, errText := drainEvents(resp.Body)
		if errText != "" {
			log.Printf("❌ Upstream stream error for %s: %s", acct.Email, errText)
			writeClaudeError(w, errText, "api_error", http.StatusInternalServerError)
			recordChat(mon, r, http.StatusInternalServerError, started, req.Model, acct.Email, errText, inputTokens, 0)
			return
		}

		out := mappers.NewClaudeResponse(req.Model, content, inputTokens)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
		recordChat(mon, r, http.StatusOK, started, req.Model, acct.Email, "", inputTokens, out.Usage.OutputTokens)
	}
}

// streamClaude relays the upstream event stream as named Anthropic SSE
// events. On an upstream error event it emits one terminal error event and
// stops.
func streamClaude(w http.ResponseWriter, upstream io.Reader, model string, inputTokens int, record func(status int, errText string, outTokens int)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeClaudeError(w, "Streaming not supported", "api_error", http.StatusInternalServerError)
		record(http.StatusInternalServerError, "streaming not supported", 0)
		return
	}
	setSSEHeaders(w)

	emit := func(ev mappers.ClaudeEvent) {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
		flusher.Flush()
	}

	emit(mappers.ClaudeMessageStart(mappers.NewMessageID(), model, inputTokens))
	emit(mappers.ClaudeBlockStart())

	var dec kiro.FrameDecoder
	var outText string
	buf := make([]byte, 32*1024)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			for _, ev := range dec.Write(buf[:n]) {
				if ev.ErrorText != "" {
					emit(mappers.ClaudeErrorEvent(ev.ErrorText))
					record(http.StatusBadGateway, ev.ErrorText, mappers.CountTokens(outText))
					return
				}
				if ev.Content == "" {
					continue
				}
				outText += ev.Content
				emit(mappers.ClaudeBlockDelta(ev.Content))
			}
		}
		if err != nil {
			break
		}
	}

	outTokens := mappers.CountTokens(outText)
	emit(mappers.ClaudeBlockStop())
	emit(mappers.ClaudeMessageDelta(outTokens))
	emit(mappers.ClaudeMessageStop())
	record(http.StatusOK, "", outTokens)
}
