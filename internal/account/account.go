// Package account holds the in-memory model of the Kiro account pool:
// credentials, usage, subscription state and the derived health status.
package account

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Idp identifies how the account authenticates against Kiro.
// Github and Google accounts refresh via the Kiro Auth Service;
// BuilderId (and any IdC variant) refreshes via AWS OIDC.
type Idp string

const (
	IdpBuilderID Idp = "BuilderId"
	IdpGithub    Idp = "Github"
	IdpGoogle    Idp = "Google"
)

// Status is the derived health state of an account.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusExhausted Status = "exhausted"
	StatusInvalid   Status = "invalid"
)

// Credentials holds the OAuth material for one account.
// ExpiresAt is epoch milliseconds, matching the exported account format.
type Credentials struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Region       string `json:"region,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
}

// Bonus is one active promotional credit grant reported by the Kiro portal.
type Bonus struct {
	Code      string  `json:"code,omitempty"`
	Name      string  `json:"name,omitempty"`
	Current   float64 `json:"current"`
	Limit     float64 `json:"limit"`
	ExpiresAt string  `json:"expiresAt,omitempty"`
}

// Usage mirrors the credit breakdown returned by GetUserUsageAndLimits.
type Usage struct {
	Current          float64 `json:"current"`
	Limit            float64 `json:"limit"`
	FreeTrialCurrent float64 `json:"freeTrialCurrent,omitempty"`
	FreeTrialLimit   float64 `json:"freeTrialLimit,omitempty"`
	FreeTrialExpiry  string  `json:"freeTrialExpiry,omitempty"`
	Bonuses          []Bonus `json:"bonuses,omitempty"`
	NextDateReset    string  `json:"nextDateReset,omitempty"`
}

// Subscription describes the account's Kiro plan.
type Subscription struct {
	Type              string `json:"type,omitempty"`
	DaysRemaining     int    `json:"daysRemaining,omitempty"`
	UpgradeCapability string `json:"upgradeCapability,omitempty"`
	OverageCapability string `json:"overageCapability,omitempty"`
}

// Account is one managed Kiro account.
type Account struct {
	ID              string       `json:"id"`
	Email           string       `json:"email"`
	Idp             Idp          `json:"idp"`
	Credentials     Credentials  `json:"credentials"`
	Status          Status       `json:"status,omitempty"`
	StatusReason    string       `json:"statusReason,omitempty"`
	Usage           Usage        `json:"usage"`
	Subscription    Subscription `json:"subscription"`
	MachineID       string       `json:"machineId,omitempty"`
	LastCheckedAt   int64        `json:"lastCheckedAt,omitempty"`
	LastRefreshedAt int64        `json:"lastRefreshedAt,omitempty"`

	// IsCurrent is decorated onto list responses; never persisted as truth.
	IsCurrent bool `json:"isCurrent,omitempty"`
}

// IsSocial reports whether the account refreshes via the Kiro Auth Service
// rather than AWS OIDC.
func (a *Account) IsSocial() bool {
	return a.Credentials.AuthMethod == "social" || a.Idp == IdpGithub || a.Idp == IdpGoogle
}

// Document is the persisted accounts file: the pool plus export metadata.
type Document struct {
	Version    string     `json:"version"`
	ExportedAt int64      `json:"exportedAt"`
	Accounts   []*Account `json:"accounts"`
	Groups     []any      `json:"groups"`
	Tags       []any      `json:"tags"`
}

const documentVersion = "1.3.1"

// NewDocument returns an empty accounts document.
func NewDocument() *Document {
	return &Document{
		Version:    documentVersion,
		ExportedAt: NowMillis(),
		Accounts:   []*Account{},
		Groups:     []any{},
		Tags:       []any{},
	}
}

// FindByID returns the account with the given id, or nil.
func (d *Document) FindByID(id string) *Account {
	for _, a := range d.Accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// find returns the account matching the import merge key (email, idp), or nil.
func (d *Document) find(email string, idp Idp) *Account {
	for _, a := range d.Accounts {
		if a.Email == email && a.Idp == idp {
			return a
		}
	}
	return nil
}

// Upsert merges an imported account into the pool. Accounts are keyed by
// (email, idp); an existing entry keeps its pool position, its id, and any
// fields the import left empty (machine id, usage, subscription, timestamps).
// Returns the pointer stored in the document.
func (d *Document) Upsert(incoming *Account) *Account {
	if incoming.ID == "" {
		incoming.ID = uuid.NewString()
	}
	existing := d.find(incoming.Email, incoming.Idp)
	if existing == nil {
		if incoming.MachineID == "" {
			incoming.MachineID = NewMachineID()
		}
		d.Accounts = append(d.Accounts, incoming)
		return incoming
	}
	incoming.ID = existing.ID
	if incoming.MachineID == "" {
		incoming.MachineID = existing.MachineID
	}
	if incoming.Usage.Current == 0 && incoming.Usage.Limit == 0 && len(incoming.Usage.Bonuses) == 0 {
		incoming.Usage = existing.Usage
	}
	if incoming.Subscription == (Subscription{}) {
		incoming.Subscription = existing.Subscription
	}
	if incoming.LastCheckedAt == 0 {
		incoming.LastCheckedAt = existing.LastCheckedAt
	}
	if incoming.LastRefreshedAt == 0 {
		incoming.LastRefreshedAt = existing.LastRefreshedAt
	}
	*existing = *incoming
	return existing
}

// Remove deletes the account with the given id. Returns false if absent.
func (d *Document) Remove(id string) bool {
	for i, a := range d.Accounts {
		if a.ID == id {
			d.Accounts = append(d.Accounts[:i], d.Accounts[i+1:]...)
			return true
		}
	}
	return false
}

// NewMachineID generates a 32-char hex machine identifier, the same shape the
// Kiro IDE produces (a UUID with the dashes stripped).
func NewMachineID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NowMillis returns the current time as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
