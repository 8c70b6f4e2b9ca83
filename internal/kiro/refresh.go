package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"kiro-nexus/internal/account"
)

// SocialAuthBaseURL is the Kiro Auth Service used by Github/Google logins.
const SocialAuthBaseURL = "https://prod.us-east-1.auth.desktop.kiro.dev"

const refreshTimeout = 30 * time.Second

// Refresher executes one of the two token refresh protocols. Social accounts
// (Github/Google, or authMethod "social") post the refresh token to the Kiro
// Auth Service; everything else goes through the regional AWS OIDC token
// endpoint and needs a registered clientId/clientSecret pair.
//
// Refresh never retries; retry policy belongs to the scheduler.
type Refresher struct {
	// SocialBaseURL and OIDCBaseURL override the production endpoints;
	// tests point them at httptest servers. An empty OIDCBaseURL selects
	// the regional endpoint per account.
	SocialBaseURL string
	OIDCBaseURL   string

	client *http.Client
}

// NewRefresher builds a Refresher with the 30s protocol timeout.
func NewRefresher() *Refresher {
	return &Refresher{
		SocialBaseURL: SocialAuthBaseURL,
		client:        &http.Client{Timeout: refreshTimeout},
	}
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// Refresh refreshes the account's access token in place, returning whether it
// succeeded and a human-readable message. On success the credentials and
// lastCheckedAt/lastRefreshedAt are updated and an expired status is reset to
// active; the caller persists.
func (r *Refresher) Refresh(ctx context.Context, a *account.Account) (bool, string) {
	creds := &a.Credentials
	if creds.RefreshToken == "" {
		return false, "No refresh token available"
	}

	var (
		resp *refreshResponse
		err  error
	)
	if a.IsSocial() {
		log.Printf("🔄 Refreshing social token for %s (idp: %s)", a.Email, a.Idp)
		resp, err = r.refreshSocial(ctx, creds.RefreshToken)
	} else {
		if creds.ClientID == "" || creds.ClientSecret == "" {
			return false, "Missing OIDC credentials (clientId/clientSecret)"
		}
		region := creds.Region
		if region == "" {
			region = "us-east-1"
		}
		log.Printf("🔄 Refreshing OIDC token for %s (region: %s)", a.Email, region)
		resp, err = r.refreshOIDC(ctx, creds, region)
	}
	a.LastCheckedAt = account.NowMillis()

	if err != nil {
		if isTimeout(err) {
			return false, "Request timeout"
		}
		return false, err.Error()
	}

	creds.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		creds.RefreshToken = resp.RefreshToken
	}
	expiresIn := resp.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	creds.ExpiresAt = account.NowMillis() + expiresIn*1000
	a.LastRefreshedAt = account.NowMillis()
	if a.Status == account.StatusExpired {
		a.Status = account.StatusActive
		a.StatusReason = ""
	}
	log.Printf("✅ Token refreshed successfully for %s", a.Email)
	return true, "Token refreshed successfully"
}

func (r *Refresher) refreshSocial(ctx context.Context, refreshToken string) (*refreshResponse, error) {
	body := map[string]string{"refreshToken": refreshToken}
	return r.post(ctx, r.SocialBaseURL+"/refreshToken", body, map[string]string{
		"User-Agent": "kiro-nexus/1.0.0",
	})
}

func (r *Refresher) refreshOIDC(ctx context.Context, creds *account.Credentials, region string) (*refreshResponse, error) {
	base := r.OIDCBaseURL
	if base == "" {
		base = fmt.Sprintf("https://oidc.%s.amazonaws.com", region)
	}
	// AWS OIDC takes JSON with camelCase field names, not a form body.
	body := map[string]string{
		"clientId":     creds.ClientID,
		"clientSecret": creds.ClientSecret,
		"refreshToken": creds.RefreshToken,
		"grantType":    "refresh_token",
	}
	return r.post(ctx, base+"/token", body, nil)
}

func (r *Refresher) post(ctx context.Context, url string, body any, headers map[string]string) (*refreshResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, refreshErrorText(raw))
	}

	var out refreshResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("malformed refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return nil, errors.New("refresh response missing accessToken")
	}
	return &out, nil
}

// refreshErrorText prefers the OAuth error_description over the raw body.
func refreshErrorText(raw []byte) string {
	var e struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.ErrorDescription != "" {
			return e.ErrorDescription
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return string(raw)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
