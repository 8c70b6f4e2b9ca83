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
	"kiro-nexus/internal/store"
	"kiro-nexus/internal/util"
)

// OpenAIChatHandler handles POST /v1/chat/completions.
func OpenAIChatHandler(mgr *manager.Manager, client *kiro.Client, mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := logging.NewRequestID()
		ctx := logging.WithRequestID(r.Context(), requestID)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeOpenAIError(w, "Failed to read request body", "invalid_request_error", http.StatusBadRequest)
			return
		}
		var req mappers.OpenAIChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeOpenAIError(w, "Invalid request body: "+err.Error(), "invalid_request_error", http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 {
			writeOpenAIError(w, "messages must not be empty", "invalid_request_error", http.StatusBadRequest)
			return
		}
		logging.Debugf(ctx, "📥 /v1/chat/completions model=%s stream=%v", req.Model, req.Stream)

		acct, err := mgr.SelectAccountForRequest(ctx)
		if err != nil {
			status, msg := selectStatus(err)
			writeOpenAIError(w, msg, "server_error", status)
			recordChat(mon, r, status, started, req.Model, "", msg, 0, 0)
			return
		}

		maxTokens := 0
		if req.MaxTokens != nil {
			maxTokens = *req.MaxTokens
		}
		upstreamReq := kiro.BuildRequest(mappers.ToChat(req.Messages), req.Model, maxTokens)

		resp, err := client.GenerateAssistantResponse(ctx, acct.Credentials.AccessToken, acct.MachineID, upstreamReq)
		if err != nil {
			log.Printf("❌ Upstream call failed for %s: %v", acct.Email, err)
			msg := "Upstream error: " + err.Error()
			writeOpenAIError(w, msg, "server_error", http.StatusInternalServerError)
			recordChat(mon, r, http.StatusInternalServerError, started, req.Model, acct.Email, msg, 0, 0)
			return
		}
		defer resp.Body.Close()

		promptTokens := mappers.CountTokens(mappers.PromptText(req.Messages))
		if req.Stream {
			streamOpenAI(w, resp.Body, req.Model, promptTokens, func(status int, errText string, outTokens int) {
				recordChat(mon, r, status, started, req.Model, acct.Email, errText, promptTokens, outTokens)
			})
			return
		}

		content, errText := drainEvents(resp.Body)
		if errText != "" {
			log.Printf("❌ Upstream stream error for %s: %s", acct.Email, errText)
			writeOpenAIError(w, errText, "server_error", http.StatusInternalServerError)
			recordChat(mon, r, http.StatusInternalServerError, started, req.Model, acct.Email, errText, promptTokens, 0)
			return
		}

		out := mappers.NewOpenAIResponse(req.Model, content, promptTokens)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
		recordChat(mon, r, http.StatusOK, started, req.Model, acct.Email, "", promptTokens, out.Usage.CompletionTokens)
	}
}

// streamOpenAI relays the upstream event stream as OpenAI SSE chunks. On an
// upstream error event it emits one terminal error frame and stops without
// the [DONE] marker.
func streamOpenAI(w http.ResponseWriter, upstream io.Reader, model string, promptTokens int, record func(status int, errText string, outTokens int)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, "Streaming not supported", "server_error", http.StatusInternalServerError)
		record(http.StatusInternalServerError, "streaming not supported", 0)
		return
	}
	setSSEHeaders(w)

	id := mappers.NewCompletionID()
	fmt.Fprintf(w, "data: %s\n\n", mappers.OpenAIOpenChunk(id, model))
	flusher.Flush()

	var dec kiro.FrameDecoder
	var outText string
	buf := make([]byte, 32*1024)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			for _, ev := range dec.Write(buf[:n]) {
				if ev.ErrorText != "" {
					fmt.Fprintf(w, "data: %s\n\n", mappers.OpenAIErrorChunk(ev.ErrorText))
					flusher.Flush()
					record(http.StatusBadGateway, ev.ErrorText, mappers.CountTokens(outText))
					return
				}
				if ev.Content == "" {
					continue
				}
				outText += ev.Content
				fmt.Fprintf(w, "data: %s\n\n", mappers.OpenAIDeltaChunk(id, model, ev.Content))
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}

	fmt.Fprintf(w, "data: %s\n\n", mappers.OpenAIFinishChunk(id, model))
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
	record(http.StatusOK, "", mappers.CountTokens(outText))
}

func recordChat(mon *monitor.Monitor, r *http.Request, status int, started time.Time, model, email, errText string, inTokens, outTokens int) {
	if mon == nil {
		return
	}
	mon.Record(store.RequestLog{
		Method:       r.Method,
		URL:          r.URL.Path,
		Status:       status,
		Duration:     time.Since(started).Milliseconds(),
		Model:        model,
		AccountEmail: email,
		Error:        util.TruncateLog(errText, util.DefaultLogMaxLen),
		InputTokens:  inTokens,
		OutputTokens: outTokens,
	})
}
