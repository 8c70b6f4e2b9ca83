package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"kiro-nexus/internal/account"
	"kiro-nexus/internal/kiro"
	"kiro-nexus/internal/manager"
	"kiro-nexus/internal/proxy/monitor"
	"kiro-nexus/internal/scheduler"
	"kiro-nexus/internal/store"
)

func newTestManager(t *testing.T, accounts ...*account.Account) *manager.Manager {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr := manager.New(fs, kiro.NewRefresher(), nil)
	if len(accounts) > 0 {
		doc := account.NewDocument()
		doc.Accounts = accounts
		if err := mgr.SaveAccounts(doc); err != nil {
			t.Fatal(err)
		}
	}
	return mgr
}

func activeAccount(email string) *account.Account {
	return &account.Account{
		ID:    "id-" + email,
		Email: email,
		Idp:   account.IdpGithub,
		Credentials: account.Credentials{
			AccessToken:  "tok",
			RefreshToken: "rt",
			ExpiresAt:    account.NowMillis() + 7200_000,
		},
		Status:    account.StatusActive,
		MachineID: "machine-1",
		Usage:     account.Usage{Current: 10, Limit: 100},
	}
}

// frameServer returns an upstream double that streams the given payloads as
// binary frames.
func frameServer(t *testing.T, payloads ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range payloads {
			w.Write(kiro.EncodeFrame(nil, []byte(p)))
		}
	}))
}

func TestOpenAIChatNoActiveAccount503(t *testing.T) {
	mgr := newTestManager(t)
	h := OpenAIChatHandler(mgr, kiro.NewClient(), nil)

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"kiro-pro","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Type != "server_error" {
		t.Errorf("error.type = %q, want server_error", body.Error.Type)
	}
}

func TestOpenAIChatMalformedBody400(t *testing.T) {
	mgr := newTestManager(t, activeAccount("a@x.com"))
	h := OpenAIChatHandler(mgr, kiro.NewClient(), nil)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{not json`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestOpenAIChatNonStreaming(t *testing.T) {
	srv := frameServer(t, `{"content":"Hello"}`, `{"content":" world"}`)
	defer srv.Close()
	client := kiro.NewClient()
	client.Endpoint = srv.URL

	mgr := newTestManager(t, activeAccount("a@x.com"))
	h := OpenAIChatHandler(mgr, client, nil)

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"kiro-pro","messages":[{"role":"user","content":"say hello world"}]}`))
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "Hello world" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 3 || resp.Usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIChatStreamingSequence(t *testing.T) {
	srv := frameServer(t, `{"content":"Hel"}`, `{"content":"lo"}`)
	defer srv.Close()
	client := kiro.NewClient()
	client.Endpoint = srv.URL

	mgr := newTestManager(t, activeAccount("a@x.com"))
	h := OpenAIChatHandler(mgr, client, nil)

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"kiro-pro","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var lines []string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, "data: ") {
			lines = append(lines, strings.TrimPrefix(line, "data: "))
		}
	}
	// Open chunk, two deltas, finish chunk, [DONE].
	if len(lines) != 5 {
		t.Fatalf("got %d data lines: %v", len(lines), lines)
	}
	if lines[4] != "[DONE]" {
		t.Errorf("terminator = %q", lines[4])
	}

	type chunk struct {
		Choices []struct {
			Delta struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	var open, d1, d2, fin chunk
	for i, dst := range []*chunk{&open, &d1, &d2, &fin} {
		if err := json.Unmarshal([]byte(lines[i]), dst); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
	}
	if open.Choices[0].Delta.Role != "assistant" || open.Choices[0].Delta.Content != "" {
		t.Errorf("open chunk delta = %+v", open.Choices[0].Delta)
	}
	if d1.Choices[0].Delta.Content != "Hel" || d2.Choices[0].Delta.Content != "lo" {
		t.Errorf("deltas = %q %q", d1.Choices[0].Delta.Content, d2.Choices[0].Delta.Content)
	}
	if fr := fin.Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Errorf("finish_reason = %v", fr)
	}
}

func TestOpenAIChatStreamingErrorFrame(t *testing.T) {
	srv := frameServer(t, `{"content":"par"}`, `{"error":{"message":"throttled"}}`, `{"content":"never"}`)
	defer srv.Close()
	client := kiro.NewClient()
	client.Endpoint = srv.URL

	db, err := store.OpenDB("file::memory:")
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	mon := monitor.New(db)
	mgr := newTestManager(t, activeAccount("a@x.com"))
	h := OpenAIChatHandler(mgr, client, mon)

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"kiro-pro","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "throttled") {
		t.Error("error frame not emitted")
	}
	if strings.Contains(body, "[DONE]") {
		t.Error("stream must end after the error frame, not finish normally")
	}
	if strings.Contains(body, "never") {
		t.Error("content after the error must not be emitted")
	}
	if c := mon.Counters(); c.Errors != 1 || c.Success != 0 {
		t.Errorf("counters = %+v, want the errored stream tallied as a failure", c)
	}
}

func TestClaudeMessagesStreamingErrorTalliedAsFailure(t *testing.T) {
	srv := frameServer(t, `{"error":"throttled"}`)
	defer srv.Close()
	client := kiro.NewClient()
	client.Endpoint = srv.URL

	db, err := store.OpenDB("file::memory:")
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	mon := monitor.New(db)
	mgr := newTestManager(t, activeAccount("a@x.com"))
	h := ClaudeMessagesHandler(mgr, client, mon)

	req := httptest.NewRequest("POST", "/v1/messages",
		strings.NewReader(`{"model":"kiro-pro","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h(rec, req)

	if !strings.Contains(rec.Body.String(), "event: error") {
		t.Error("terminal error event not emitted")
	}
	if c := mon.Counters(); c.Errors != 1 || c.Success != 0 {
		t.Errorf("counters = %+v, want the errored stream tallied as a failure", c)
	}
}

func TestClaudeMessagesNonStreaming(t *testing.T) {
	srv := frameServer(t, `{"content":"Hi there"}`)
	defer srv.Close()
	client := kiro.NewClient()
	client.Endpoint = srv.URL

	mgr := newTestManager(t, activeAccount("a@x.com"))
	h := ClaudeMessagesHandler(mgr, client, nil)

	req := httptest.NewRequest("POST", "/v1/messages",
		strings.NewReader(`{"model":"kiro-pro","max_tokens":100,"system":"Be terse","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != "message" || resp.StopReason != "end_turn" {
		t.Errorf("envelope = %s/%s", resp.Type, resp.StopReason)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "Hi there" {
		t.Errorf("content = %+v", resp.Content)
	}
	// "Be terse" + "hi" = 3 words in, "Hi there" = 2 words out.
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestClaudeMessagesStreamingEventOrder(t *testing.T) {
	srv := frameServer(t, `{"content":"Hel"}`, `{"content":"lo"}`)
	defer srv.Close()
	client := kiro.NewClient()
	client.Endpoint = srv.URL

	mgr := newTestManager(t, activeAccount("a@x.com"))
	h := ClaudeMessagesHandler(mgr, client, nil)

	req := httptest.NewRequest("POST", "/v1/messages",
		strings.NewReader(`{"model":"kiro-pro","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h(rec, req)

	var names []string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	want := []string{
		"message_start", "content_block_start", "content_block_delta",
		"content_block_delta", "content_block_stop", "message_delta", "message_stop",
	}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestClaudeMessagesNoActiveAccount(t *testing.T) {
	mgr := newTestManager(t)
	h := ClaudeMessagesHandler(mgr, kiro.NewClient(), nil)

	req := httptest.NewRequest("POST", "/v1/messages",
		strings.NewReader(`{"model":"kiro-pro","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"type":"error"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestModelsHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	ModelsHandler()(rec, httptest.NewRequest("GET", "/v1/models", nil))

	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Object != "list" || len(body.Data) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Data[0].ID != "kiro-pro" || body.Data[1].ID != "kiro-flash" {
		t.Errorf("models = %+v", body.Data)
	}
}

func TestTriggerHandlerUnknownJob404(t *testing.T) {
	mgr := newTestManager(t)
	sched := scheduler.New(mgr)

	r := chi.NewRouter()
	r.Post("/api/scheduler/trigger/{job}", TriggerHandler(sched))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/api/scheduler/trigger/defrag", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/api/scheduler/trigger/status_check", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestAccountManagementFlow(t *testing.T) {
	mgr := newTestManager(t)

	r := chi.NewRouter()
	r.Get("/api/accounts", ListAccountsHandler(mgr))
	r.Post("/api/accounts/import", ImportAccountsHandler(mgr))
	r.Put("/api/accounts/{id}", UpdateAccountHandler(mgr))
	r.Post("/api/accounts/{id}/set-current", SetCurrentAccountHandler(mgr))
	r.Post("/api/accounts/{id}/machine-id", RegenerateMachineIDHandler(mgr))
	r.Delete("/api/accounts/{id}", DeleteAccountHandler(mgr))

	// Import one account.
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/api/accounts/import", strings.NewReader(
		`{"accounts":[{"id":"acc-1","email":"a@x.com","idp":"Github","credentials":{"refreshToken":"r1","expiresAt":9999999999999}}]}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("import status = %d: %s", rec.Code, rec.Body.String())
	}

	// List decorates isCurrent after set-current.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/api/accounts/acc-1/set-current", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("set-current status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/accounts", nil))
	var list struct {
		Accounts []struct {
			ID        string `json:"id"`
			IsCurrent bool   `json:"isCurrent"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Accounts) != 1 || !list.Accounts[0].IsCurrent {
		t.Errorf("list = %+v", list.Accounts)
	}

	// Machine id regen.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/api/accounts/acc-1/machine-id", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("machine-id status = %d", rec.Code)
	}

	// Unknown account on update is a 404 with the management envelope.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/accounts/nope", strings.NewReader(`{}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("update unknown status = %d", rec.Code)
	}
	var env struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil || env.Success {
		t.Errorf("envelope = %s", rec.Body.String())
	}

	// Delete.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/accounts/acc-1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
}

func TestUpdateSettingsReconfiguresSchedule(t *testing.T) {
	mgr := newTestManager(t)
	sched := scheduler.New(mgr)
	defer sched.Stop()

	r := chi.NewRouter()
	r.Get("/api/settings", GetSettingsHandler(mgr))
	r.Put("/api/settings", UpdateSettingsHandler(mgr, sched))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/settings",
		strings.NewReader(`{"autoSwitch":{"enabled":true,"switchThresholdPct":80}}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/settings", nil))
	var got struct {
		Settings struct {
			AutoSwitch struct {
				Enabled            bool    `json:"enabled"`
				SwitchThresholdPct float64 `json:"switchThresholdPct"`
			} `json:"autoSwitch"`
		} `json:"settings"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if !got.Settings.AutoSwitch.Enabled || got.Settings.AutoSwitch.SwitchThresholdPct != 80 {
		t.Errorf("settings = %+v", got.Settings.AutoSwitch)
	}
}
