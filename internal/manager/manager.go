// Package manager owns the persisted account pool and settings documents and
// implements every operation the API and the scheduler perform on them. All
// mutations are load-modify-save over the whole document; a process-wide mutex
// serializes them so two in-process writers cannot clobber each other.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"kiro-nexus/internal/account"
	"kiro-nexus/internal/kiro"
	"kiro-nexus/internal/settings"
	"kiro-nexus/internal/store"
)

const (
	accountsKey = "accounts"
	settingsKey = "settings"
)

// ErrNoCapacity means no account in the pool is currently usable. Callers
// should surface it as a retryable 503, not a crash.
var ErrNoCapacity = errors.New("no active account available")

// TokenRefresher refreshes one account's credentials in place.
type TokenRefresher interface {
	Refresh(ctx context.Context, a *account.Account) (bool, string)
}

// UsageFetcher retrieves an account's credit usage from the Kiro portal.
type UsageFetcher interface {
	FetchUsage(ctx context.Context, accessToken string, idp account.Idp) (*kiro.UsageInfo, error)
}

// Manager coordinates the account pool, its settings, and the maintenance
// operations over both.
type Manager struct {
	store     store.DocumentStore
	refresher TokenRefresher
	usage     UsageFetcher
	mu        sync.Mutex
}

// New builds a manager over the given document store.
func New(s store.DocumentStore, r TokenRefresher, u UsageFetcher) *Manager {
	return &Manager{store: s, refresher: r, usage: u}
}

// LoadAccounts reads the accounts document. A missing document yields an
// empty one; an unreadable document is backed up and replaced with an empty
// one so a corrupt file never takes the service down.
func (m *Manager) LoadAccounts() (*account.Document, error) {
	blob, err := m.store.Load(accountsKey)
	if errors.Is(err, store.ErrNotFound) {
		return account.NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	var doc account.Document
	if err := json.Unmarshal(blob, &doc); err != nil {
		log.Printf("⚠️ Accounts document is corrupt, starting fresh: %v", err)
		if b, ok := m.store.(store.Backupper); ok {
			if berr := b.Backup(accountsKey); berr != nil {
				log.Printf("⚠️ Failed to back up corrupt accounts document: %v", berr)
			}
		}
		return account.NewDocument(), nil
	}
	if doc.Accounts == nil {
		doc.Accounts = []*account.Account{}
	}
	return &doc, nil
}

// SaveAccounts persists the accounts document, stamping ExportedAt.
func (m *Manager) SaveAccounts(doc *account.Document) error {
	doc.ExportedAt = account.NowMillis()
	blob, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}
	if err := m.store.Save(accountsKey, blob); err != nil {
		return fmt.Errorf("save accounts: %w", err)
	}
	return nil
}

// LoadSettings reads the settings document and merges it over the defaults,
// so a partial or missing document always yields a complete configuration.
func (m *Manager) LoadSettings() (settings.Settings, error) {
	blob, err := m.store.Load(settingsKey)
	if errors.Is(err, store.ErrNotFound) {
		return settings.Defaults(), nil
	}
	if err != nil {
		return settings.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	merged, err := settings.Merge(settings.Defaults(), blob)
	if err != nil {
		log.Printf("⚠️ Settings document is malformed, using defaults: %v", err)
		return settings.Defaults(), nil
	}
	return merged, nil
}

// SaveSettings persists the settings document.
func (m *Manager) SaveSettings(s settings.Settings) error {
	blob, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := m.store.Save(settingsKey, blob); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// UpdateSettings merges a JSON patch over the stored settings and persists
// the result. Returns the merged settings.
func (m *Manager) UpdateSettings(patch []byte) (settings.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.LoadSettings()
	if err != nil {
		return settings.Settings{}, err
	}
	merged, err := settings.Merge(current, patch)
	if err != nil {
		return settings.Settings{}, fmt.Errorf("merge settings: %w", err)
	}
	if err := m.SaveSettings(merged); err != nil {
		return settings.Settings{}, err
	}
	return merged, nil
}

// ListAccounts returns the pool with IsCurrent decorated from settings.
func (m *Manager) ListAccounts() ([]*account.Account, error) {
	doc, err := m.LoadAccounts()
	if err != nil {
		return nil, err
	}
	cfg, err := m.LoadSettings()
	if err != nil {
		return nil, err
	}
	for _, a := range doc.Accounts {
		a.IsCurrent = a.ID == cfg.AutoSwitch.CurrentAccountID
	}
	return doc.Accounts, nil
}

// GetAccount returns one account by id, IsCurrent decorated.
func (m *Manager) GetAccount(id string) (*account.Account, error) {
	accounts, err := m.ListAccounts()
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", id)
}

// importPayload accepts both the exported document shape and a bare array.
type importPayload struct {
	Accounts []*account.Account `json:"accounts"`
}

// ImportAccounts merges accounts from an exported JSON document (or a bare
// account array) into the pool and returns how many were imported.
func (m *Manager) ImportAccounts(data []byte) (int, error) {
	var payload importPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Accounts == nil {
		var bare []*account.Account
		if err := json.Unmarshal(data, &bare); err != nil {
			return 0, fmt.Errorf("import data is not an accounts document")
		}
		payload.Accounts = bare
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.LoadAccounts()
	if err != nil {
		return 0, err
	}
	for _, a := range payload.Accounts {
		stored := doc.Upsert(a)
		account.ApplyStatus(stored)
	}
	if err := m.SaveAccounts(doc); err != nil {
		return 0, err
	}
	log.Printf("📦 Imported %d accounts (pool size now %d)", len(payload.Accounts), len(doc.Accounts))
	return len(payload.Accounts), nil
}

// ExportAccounts returns the accounts document as JSON with a fresh
// ExportedAt stamp.
func (m *Manager) ExportAccounts() ([]byte, error) {
	doc, err := m.LoadAccounts()
	if err != nil {
		return nil, err
	}
	doc.ExportedAt = account.NowMillis()
	return json.MarshalIndent(doc, "", "  ")
}

// UpdateAccount applies a JSON patch to one account. Fields present in the
// patch overwrite; the id is never changed. Status is re-derived afterwards.
func (m *Manager) UpdateAccount(id string, patch []byte) (*account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.LoadAccounts()
	if err != nil {
		return nil, err
	}
	a := doc.FindByID(id)
	if a == nil {
		return nil, fmt.Errorf("account not found: %s", id)
	}
	if err := json.Unmarshal(patch, a); err != nil {
		return nil, fmt.Errorf("malformed account patch: %w", err)
	}
	a.ID = id
	account.ApplyStatus(a)
	if err := m.SaveAccounts(doc); err != nil {
		return nil, err
	}
	return a, nil
}

// DeleteAccount removes one account from the pool.
func (m *Manager) DeleteAccount(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.LoadAccounts()
	if err != nil {
		return err
	}
	if !doc.Remove(id) {
		return fmt.Errorf("account not found: %s", id)
	}
	return m.SaveAccounts(doc)
}

// RegenerateMachineID assigns the account a fresh machine identifier.
func (m *Manager) RegenerateMachineID(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.LoadAccounts()
	if err != nil {
		return "", err
	}
	a := doc.FindByID(id)
	if a == nil {
		return "", fmt.Errorf("account not found: %s", id)
	}
	a.MachineID = account.NewMachineID()
	if err := m.SaveAccounts(doc); err != nil {
		return "", err
	}
	log.Printf("🔑 Regenerated machine id for %s", a.Email)
	return a.MachineID, nil
}

// SetCurrent promotes the given account to the manually selected current one.
func (m *Manager) SetCurrent(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.LoadAccounts()
	if err != nil {
		return err
	}
	if doc.FindByID(id) == nil {
		return fmt.Errorf("account not found: %s", id)
	}
	cfg, err := m.LoadSettings()
	if err != nil {
		return err
	}
	cfg.AutoSwitch.CurrentAccountID = id
	return m.SaveSettings(cfg)
}

// RefreshAccount refreshes a single account's token on demand and persists
// the result.
func (m *Manager) RefreshAccount(ctx context.Context, id string) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.LoadAccounts()
	if err != nil {
		return false, "", err
	}
	a := doc.FindByID(id)
	if a == nil {
		return false, "", fmt.Errorf("account not found: %s", id)
	}
	ok, reason := m.refreshOne(ctx, a)
	if err := m.SaveAccounts(doc); err != nil {
		return ok, reason, err
	}
	return ok, reason, nil
}

// refreshOne refreshes one account's token, then best-effort updates its
// usage and re-derives status. A usage fetch failure never fails the refresh.
func (m *Manager) refreshOne(ctx context.Context, a *account.Account) (bool, string) {
	ok, reason := m.refresher.Refresh(ctx, a)
	if !ok {
		log.Printf("❌ Refresh failed for %s: %s", a.Email, reason)
		account.ApplyStatus(a)
		return false, reason
	}

	if m.usage != nil && a.Credentials.AccessToken != "" {
		if info, err := m.usage.FetchUsage(ctx, a.Credentials.AccessToken, a.Idp); err != nil {
			log.Printf("⚠️ Usage fetch failed for %s: %v", a.Email, err)
		} else {
			a.Usage = info.Usage
			a.Subscription = info.Subscription
		}
	}
	account.ApplyStatus(a)
	return true, ""
}

// RefreshSummary tallies one refresh pass over the pool.
type RefreshSummary struct {
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RunRefreshPass walks the whole pool in order, refreshing every account
// whose token expires within the configured window, regardless of its status.
// The pool is persisted once at the end.
func (m *Manager) RunRefreshPass(ctx context.Context) (RefreshSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.LoadSettings()
	if err != nil {
		return RefreshSummary{}, err
	}
	doc, err := m.LoadAccounts()
	if err != nil {
		return RefreshSummary{}, err
	}

	windowSec := cfg.AutoRefresh.MinValidTimeSec
	if cfg.AutoRefresh.RefreshBeforeExpirySec > windowSec {
		windowSec = cfg.AutoRefresh.RefreshBeforeExpirySec
	}
	windowMs := int64(windowSec) * 1000
	now := account.NowMillis()

	var sum RefreshSummary
	for _, a := range doc.Accounts {
		remaining := a.Credentials.ExpiresAt - now
		if remaining < 0 {
			remaining = 0
		}
		if remaining >= windowMs {
			sum.Skipped++
			continue
		}
		if ok, _ := m.refreshOne(ctx, a); ok {
			sum.Refreshed++
		} else {
			sum.Failed++
		}
	}

	if err := m.SaveAccounts(doc); err != nil {
		return sum, err
	}
	log.Printf("🔄 Refresh pass: %d refreshed, %d failed, %d skipped", sum.Refreshed, sum.Failed, sum.Skipped)
	return sum, nil
}

// RunSwitchPass rotates the current account if its usage crossed the
// threshold. Settings are persisted only when the pointer actually moved.
func (m *Manager) RunSwitchPass(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.LoadSettings()
	if err != nil {
		return err
	}
	if !cfg.AutoSwitch.Enabled {
		return nil
	}
	doc, err := m.LoadAccounts()
	if err != nil {
		return err
	}

	newID, switched := account.ConsiderRotation(doc.Accounts, cfg.AutoSwitch.CurrentAccountID, cfg.AutoSwitch.SwitchThresholdPct)
	if !switched {
		return nil
	}
	log.Printf("🔀 Switching current account %s -> %s", cfg.AutoSwitch.CurrentAccountID, newID)
	cfg.AutoSwitch.CurrentAccountID = newID
	return m.SaveSettings(cfg)
}

// RunStatusPass re-derives status for the whole pool, persisting only if any
// account changed.
func (m *Manager) RunStatusPass(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.LoadAccounts()
	if err != nil {
		return err
	}
	changed := false
	for _, a := range doc.Accounts {
		if account.ApplyStatus(a) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return m.SaveAccounts(doc)
}

// SelectAccountForRequest picks the account to serve an inbound chat request.
// If the chosen account's token is already expired or about to expire it is
// refreshed synchronously first. Returns ErrNoCapacity when the pool has no
// usable account.
func (m *Manager) SelectAccountForRequest(ctx context.Context) (*account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.LoadSettings()
	if err != nil {
		return nil, err
	}
	doc, err := m.LoadAccounts()
	if err != nil {
		return nil, err
	}

	a := account.SelectForUse(doc.Accounts, cfg.AutoSwitch.CurrentAccountID)
	if a == nil {
		return nil, ErrNoCapacity
	}

	windowMs := int64(cfg.AutoRefresh.MinValidTimeSec) * 1000
	if a.Credentials.ExpiresAt-account.NowMillis() < windowMs {
		log.Printf("⚠️ Token for %s is expiring, refreshing before use", a.Email)
		ok, reason := m.refreshOne(ctx, a)
		if err := m.SaveAccounts(doc); err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("refresh before use failed: %s", reason)
		}
	}
	if a.Credentials.AccessToken == "" {
		return nil, ErrNoCapacity
	}

	copied := *a
	return &copied, nil
}

// PoolStats summarizes the pool for the dashboard.
type PoolStats struct {
	Total            int            `json:"total"`
	Active           int            `json:"active"`
	Expired          int            `json:"expired"`
	Exhausted        int            `json:"exhausted"`
	Invalid          int            `json:"invalid"`
	ByIdp            map[string]int `json:"byIdp"`
	CurrentAccountID string         `json:"currentAccountId,omitempty"`
	UsedTotal        float64        `json:"usedTotal"`
	Limit            float64        `json:"limitTotal"`
}

// Stats computes pool-wide counts and combined credit usage.
func (m *Manager) Stats() (PoolStats, error) {
	doc, err := m.LoadAccounts()
	if err != nil {
		return PoolStats{}, err
	}
	var s PoolStats
	s.Total = len(doc.Accounts)
	s.ByIdp = make(map[string]int)
	if cfg, err := m.LoadSettings(); err == nil {
		s.CurrentAccountID = cfg.AutoSwitch.CurrentAccountID
	}
	for _, a := range doc.Accounts {
		s.ByIdp[string(a.Idp)]++
		switch a.Status {
		case account.StatusActive:
			s.Active++
		case account.StatusExpired:
			s.Expired++
		case account.StatusExhausted:
			s.Exhausted++
		case account.StatusInvalid:
			s.Invalid++
		}
		s.UsedTotal += a.Usage.Current + a.Usage.FreeTrialCurrent
		s.Limit += a.Usage.Limit + a.Usage.FreeTrialLimit
	}
	return s, nil
}
