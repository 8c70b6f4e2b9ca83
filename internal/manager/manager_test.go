package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"kiro-nexus/internal/account"
	"kiro-nexus/internal/kiro"
	"kiro-nexus/internal/store"
)

type memStore struct {
	docs    map[string][]byte
	backups []string
	saves   int
}

func newMemStore() *memStore {
	return &memStore{docs: map[string][]byte{}}
}

func (s *memStore) Load(key string) ([]byte, error) {
	blob, ok := s.docs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return blob, nil
}

func (s *memStore) Save(key string, blob []byte) error {
	s.docs[key] = blob
	s.saves++
	return nil
}

func (s *memStore) Backup(key string) error {
	s.backups = append(s.backups, key)
	delete(s.docs, key)
	return nil
}

type fakeRefresher struct {
	calls []string
	fail  map[string]string
}

func (r *fakeRefresher) Refresh(ctx context.Context, a *account.Account) (bool, string) {
	r.calls = append(r.calls, a.Email)
	if reason, ok := r.fail[a.Email]; ok {
		return false, reason
	}
	a.Credentials.AccessToken = "fresh-" + a.Email
	a.Credentials.ExpiresAt = account.NowMillis() + 3600_000
	if a.Status == account.StatusExpired {
		a.Status = account.StatusActive
		a.StatusReason = ""
	}
	return true, ""
}

type fakeUsage struct {
	info *kiro.UsageInfo
	err  error
}

func (u *fakeUsage) FetchUsage(ctx context.Context, token string, idp account.Idp) (*kiro.UsageInfo, error) {
	return u.info, u.err
}

func testAccount(email string, expiresAt int64) *account.Account {
	return &account.Account{
		ID:    "id-" + email,
		Email: email,
		Idp:   account.IdpGithub,
		Credentials: account.Credentials{
			AccessToken:  "tok-" + email,
			RefreshToken: "rt-" + email,
			ExpiresAt:    expiresAt,
		},
		Status: account.StatusActive,
		Usage:  account.Usage{Current: 10, Limit: 100},
	}
}

func seed(t *testing.T, s *memStore, accounts ...*account.Account) {
	t.Helper()
	doc := account.NewDocument()
	doc.Accounts = accounts
	blob, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	s.docs["accounts"] = blob
}

func TestLoadAccountsMissingYieldsEmpty(t *testing.T) {
	m := New(newMemStore(), &fakeRefresher{}, nil)
	doc, err := m.LoadAccounts()
	if err != nil {
		t.Fatalf("LoadAccounts failed: %v", err)
	}
	if len(doc.Accounts) != 0 {
		t.Errorf("expected empty pool, got %d", len(doc.Accounts))
	}
}

func TestLoadAccountsCorruptBacksUpAndStartsFresh(t *testing.T) {
	s := newMemStore()
	s.docs["accounts"] = []byte("{not json")

	m := New(s, &fakeRefresher{}, nil)
	doc, err := m.LoadAccounts()
	if err != nil {
		t.Fatalf("LoadAccounts failed: %v", err)
	}
	if len(doc.Accounts) != 0 {
		t.Errorf("expected empty pool after corruption, got %d", len(doc.Accounts))
	}
	if len(s.backups) != 1 || s.backups[0] != "accounts" {
		t.Errorf("backups = %v, want [accounts]", s.backups)
	}
}

func TestImportAndExportRoundTrip(t *testing.T) {
	s := newMemStore()
	m := New(s, &fakeRefresher{}, nil)

	data := []byte(`{"accounts":[
		{"email":"a@x.com","idp":"Github","credentials":{"refreshToken":"r1"}},
		{"email":"b@x.com","idp":"BuilderId","credentials":{"refreshToken":"r2"}}
	]}`)
	n, err := m.ImportAccounts(data)
	if err != nil {
		t.Fatalf("ImportAccounts failed: %v", err)
	}
	if n != 2 {
		t.Errorf("imported = %d, want 2", n)
	}

	// Re-import of the same email+idp replaces rather than duplicates.
	if _, err := m.ImportAccounts(data); err != nil {
		t.Fatal(err)
	}
	doc, _ := m.LoadAccounts()
	if len(doc.Accounts) != 2 {
		t.Errorf("pool size after re-import = %d, want 2", len(doc.Accounts))
	}
	for _, a := range doc.Accounts {
		if a.ID == "" || a.MachineID == "" {
			t.Errorf("account %s missing generated ids", a.Email)
		}
	}

	out, err := m.ExportAccounts()
	if err != nil {
		t.Fatal(err)
	}
	var exported account.Document
	if err := json.Unmarshal(out, &exported); err != nil {
		t.Fatalf("export is not a document: %v", err)
	}
	if len(exported.Accounts) != 2 || exported.ExportedAt == 0 {
		t.Errorf("export = %d accounts, exportedAt %d", len(exported.Accounts), exported.ExportedAt)
	}
}

func TestImportReDerivesStatusOnMerge(t *testing.T) {
	now := account.NowMillis()
	s := newMemStore()
	seed(t, s, testAccount("a@x.com", now+7200_000))
	m := New(s, &fakeRefresher{}, nil)

	// Same (email, idp) as the seeded entry, but with a stale token and a
	// status claim the credentials no longer support.
	blob := fmt.Sprintf(`{"accounts":[
		{"email":"a@x.com","idp":"Github","status":"active",
		 "credentials":{"refreshToken":"r1","expiresAt":%d}}
	]}`, now-1000)
	if _, err := m.ImportAccounts([]byte(blob)); err != nil {
		t.Fatal(err)
	}

	doc, _ := m.LoadAccounts()
	if len(doc.Accounts) != 1 {
		t.Fatalf("pool size = %d, want 1", len(doc.Accounts))
	}
	if doc.Accounts[0].Status != account.StatusExpired {
		t.Errorf("merged status = %q, want expired", doc.Accounts[0].Status)
	}
	if _, err := m.SelectAccountForRequest(context.Background()); err == nil {
		t.Error("selection must not hand out the merged expired account")
	}
}

func TestImportMergePreservesExistingFields(t *testing.T) {
	now := account.NowMillis()
	existing := testAccount("a@x.com", now+7200_000)
	existing.MachineID = "machine-keep"
	existing.Subscription = account.Subscription{Type: "Pro"}

	s := newMemStore()
	seed(t, s, existing)
	m := New(s, &fakeRefresher{}, nil)

	blob := fmt.Sprintf(`{"accounts":[
		{"email":"a@x.com","idp":"Github",
		 "credentials":{"refreshToken":"r2","expiresAt":%d}}
	]}`, now+7200_000)
	if _, err := m.ImportAccounts([]byte(blob)); err != nil {
		t.Fatal(err)
	}

	doc, _ := m.LoadAccounts()
	a := doc.Accounts[0]
	if a.MachineID != "machine-keep" {
		t.Errorf("machineId = %q, want machine-keep", a.MachineID)
	}
	if a.Usage.Current != 10 || a.Usage.Limit != 100 {
		t.Errorf("usage = %+v, want the seeded values kept", a.Usage)
	}
	if a.Subscription.Type != "Pro" {
		t.Errorf("subscription = %+v", a.Subscription)
	}
	if a.Credentials.RefreshToken != "r2" {
		t.Errorf("refreshToken = %q, want the imported value", a.Credentials.RefreshToken)
	}
}

func TestUpdateAccountPatchKeepsID(t *testing.T) {
	s := newMemStore()
	seed(t, s, testAccount("a@x.com", account.NowMillis()+7200_000))
	m := New(s, &fakeRefresher{}, nil)

	a, err := m.UpdateAccount("id-a@x.com", []byte(`{"id":"evil","email":"renamed@x.com"}`))
	if err != nil {
		t.Fatalf("UpdateAccount failed: %v", err)
	}
	if a.ID != "id-a@x.com" {
		t.Errorf("id = %q, patch must not change it", a.ID)
	}
	if a.Email != "renamed@x.com" {
		t.Errorf("email = %q, want renamed@x.com", a.Email)
	}
	if a.Credentials.RefreshToken != "rt-a@x.com" {
		t.Errorf("unpatched field was lost: %q", a.Credentials.RefreshToken)
	}
}

func TestDeleteAccountUnknown(t *testing.T) {
	m := New(newMemStore(), &fakeRefresher{}, nil)
	if err := m.DeleteAccount("nope"); err == nil {
		t.Fatal("expected error for unknown account")
	}
}

func TestRefreshPassWindowAndTallies(t *testing.T) {
	now := account.NowMillis()
	s := newMemStore()
	seed(t, s,
		testAccount("soon@x.com", now+60_000),   // inside window, refreshed
		testAccount("fine@x.com", now+7200_000), // outside window, skipped
		testAccount("broken@x.com", now-1000),   // expired, refresh fails
	)
	r := &fakeRefresher{fail: map[string]string{"broken@x.com": "HTTP 400: invalid_grant"}}
	m := New(s, r, nil)

	savesBefore := s.saves
	sum, err := m.RunRefreshPass(context.Background())
	if err != nil {
		t.Fatalf("RunRefreshPass failed: %v", err)
	}
	if sum.Refreshed != 1 || sum.Failed != 1 || sum.Skipped != 1 {
		t.Errorf("summary = %+v, want 1/1/1", sum)
	}
	if got := s.saves - savesBefore; got != 1 {
		t.Errorf("pool saved %d times during pass, want exactly 1", got)
	}
	// A failing account must not stop the rest of the pass.
	if len(r.calls) != 2 {
		t.Errorf("refresh calls = %v, want soon and broken", r.calls)
	}
}

func TestRefreshPassUpdatesUsage(t *testing.T) {
	now := account.NowMillis()
	s := newMemStore()
	seed(t, s, testAccount("a@x.com", now+1000))
	u := &fakeUsage{info: &kiro.UsageInfo{
		Usage:        account.Usage{Current: 99, Limit: 100},
		Subscription: account.Subscription{Type: "Kiro Pro"},
	}}
	m := New(s, &fakeRefresher{}, u)

	if _, err := m.RunRefreshPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	doc, _ := m.LoadAccounts()
	a := doc.Accounts[0]
	if a.Usage.Current != 99 || a.Subscription.Type != "Kiro Pro" {
		t.Errorf("usage not updated: %+v", a.Usage)
	}
}

func TestRefreshPassUsageFailureIsBestEffort(t *testing.T) {
	now := account.NowMillis()
	s := newMemStore()
	seed(t, s, testAccount("a@x.com", now+1000))
	m := New(s, &fakeRefresher{}, &fakeUsage{err: errors.New("portal down")})

	sum, err := m.RunRefreshPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Refreshed != 1 {
		t.Errorf("refreshed = %d, usage failure must not fail the refresh", sum.Refreshed)
	}
}

func TestSwitchPassPersistsOnlyOnChange(t *testing.T) {
	now := account.NowMillis()
	busy := testAccount("busy@x.com", now+7200_000)
	busy.Usage = account.Usage{Current: 95, Limit: 100}
	idle := testAccount("idle@x.com", now+7200_000)
	idle.Usage = account.Usage{Current: 5, Limit: 100}

	s := newMemStore()
	seed(t, s, busy, idle)
	m := New(s, &fakeRefresher{}, nil)

	cfg, _ := m.LoadSettings()
	cfg.AutoSwitch.Enabled = true
	cfg.AutoSwitch.CurrentAccountID = busy.ID
	if err := m.SaveSettings(cfg); err != nil {
		t.Fatal(err)
	}

	if err := m.RunSwitchPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	cfg, _ = m.LoadSettings()
	if cfg.AutoSwitch.CurrentAccountID != idle.ID {
		t.Errorf("current = %q, want %q", cfg.AutoSwitch.CurrentAccountID, idle.ID)
	}

	savesBefore := s.saves
	if err := m.RunSwitchPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.saves != savesBefore {
		t.Error("no-op switch pass must not persist")
	}
}

func TestStatusPassPersistsOnlyOnChange(t *testing.T) {
	now := account.NowMillis()
	stale := testAccount("stale@x.com", now-1000)

	s := newMemStore()
	seed(t, s, stale)
	m := New(s, &fakeRefresher{}, nil)

	if err := m.RunStatusPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	doc, _ := m.LoadAccounts()
	if doc.Accounts[0].Status != account.StatusExpired {
		t.Errorf("status = %q, want expired", doc.Accounts[0].Status)
	}

	savesBefore := s.saves
	if err := m.RunStatusPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.saves != savesBefore {
		t.Error("second pass with unchanged pool must not persist")
	}
}

func TestSelectAccountForRequest(t *testing.T) {
	now := account.NowMillis()
	s := newMemStore()
	seed(t, s, testAccount("a@x.com", now+7200_000))
	m := New(s, &fakeRefresher{}, nil)

	a, err := m.SelectAccountForRequest(context.Background())
	if err != nil {
		t.Fatalf("SelectAccountForRequest failed: %v", err)
	}
	if a.Email != "a@x.com" {
		t.Errorf("selected %q", a.Email)
	}
}

func TestSelectAccountForRequestRefreshesExpiring(t *testing.T) {
	now := account.NowMillis()
	s := newMemStore()
	seed(t, s, testAccount("a@x.com", now+10_000))
	r := &fakeRefresher{}
	m := New(s, r, nil)

	a, err := m.SelectAccountForRequest(context.Background())
	if err != nil {
		t.Fatalf("SelectAccountForRequest failed: %v", err)
	}
	if len(r.calls) != 1 {
		t.Fatalf("refresh calls = %v, want one", r.calls)
	}
	if a.Credentials.AccessToken != "fresh-a@x.com" {
		t.Errorf("access token = %q, want refreshed one", a.Credentials.AccessToken)
	}
	// The refreshed credentials must be persisted, not just returned.
	doc, _ := m.LoadAccounts()
	if doc.Accounts[0].Credentials.AccessToken != "fresh-a@x.com" {
		t.Error("refreshed token was not persisted")
	}
}

func TestSelectAccountForRequestNoCapacity(t *testing.T) {
	now := account.NowMillis()
	dead := testAccount("dead@x.com", now+7200_000)
	dead.Status = account.StatusExhausted

	s := newMemStore()
	seed(t, s, dead)
	m := New(s, &fakeRefresher{}, nil)

	if _, err := m.SelectAccountForRequest(context.Background()); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
}

func TestSetCurrentValidatesAccount(t *testing.T) {
	s := newMemStore()
	seed(t, s, testAccount("a@x.com", account.NowMillis()+7200_000))
	m := New(s, &fakeRefresher{}, nil)

	if err := m.SetCurrent("missing"); err == nil {
		t.Fatal("expected error for unknown account")
	}
	if err := m.SetCurrent("id-a@x.com"); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}
	cfg, _ := m.LoadSettings()
	if cfg.AutoSwitch.CurrentAccountID != "id-a@x.com" {
		t.Errorf("current = %q", cfg.AutoSwitch.CurrentAccountID)
	}
}

func TestStats(t *testing.T) {
	now := account.NowMillis()
	active := testAccount("a@x.com", now+7200_000)
	expired := testAccount("b@x.com", now+7200_000)
	expired.Status = account.StatusExpired

	s := newMemStore()
	seed(t, s, active, expired)
	m := New(s, &fakeRefresher{}, nil)

	st, err := m.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 2 || st.Active != 1 || st.Expired != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.UsedTotal != 20 || st.Limit != 200 {
		t.Errorf("usage totals = %.0f/%.0f", st.UsedTotal, st.Limit)
	}
	if st.ByIdp[string(account.IdpGithub)] != 2 {
		t.Errorf("byIdp = %v", st.ByIdp)
	}
	if st.CurrentAccountID != "" {
		t.Errorf("current = %q", st.CurrentAccountID)
	}
}

func TestUpdateSettingsMergesAndPersists(t *testing.T) {
	m := New(newMemStore(), &fakeRefresher{}, nil)

	merged, err := m.UpdateSettings([]byte(`{"autoSwitch":{"enabled":true,"switchThresholdPct":75}}`))
	if err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if !merged.AutoSwitch.Enabled || merged.AutoSwitch.SwitchThresholdPct != 75 {
		t.Errorf("merged = %+v", merged.AutoSwitch)
	}
	// Untouched sections keep their defaults.
	if merged.AutoRefresh.IntervalSec != 3600 {
		t.Errorf("autoRefresh.intervalSec = %d", merged.AutoRefresh.IntervalSec)
	}

	reloaded, _ := m.LoadSettings()
	if !reloaded.AutoSwitch.Enabled {
		t.Error("settings change was not persisted")
	}
}
