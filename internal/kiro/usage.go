package kiro

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"kiro-nexus/internal/account"
)

// PortalBaseURL is the Kiro web portal's Smithy RPC endpoint. Requests and
// responses are CBOR-encoded (smithy-protocol: rpc-v2-cbor).
const PortalBaseURL = "https://app.kiro.dev/service/KiroWebPortalService/operation"

// UsageInfo is the normalized result of GetUserUsageAndLimits.
type UsageInfo struct {
	Usage        account.Usage
	Subscription account.Subscription
}

// PortalClient calls the Kiro web portal.
type PortalClient struct {
	BaseURL string

	client  *http.Client
	decMode cbor.DecMode
}

// NewPortalClient builds a portal client with the 30s call timeout.
func NewPortalClient() *PortalClient {
	// Decode CBOR maps as map[string]any so the breakdown parsing can walk
	// them like decoded JSON.
	dm, _ := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any{}),
	}.DecMode()
	return &PortalClient{
		BaseURL: PortalBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		decMode: dm,
	}
}

// FetchUsage retrieves the account's credit usage and subscription from the
// portal. Returns nil (with the error) on any failure; callers treat usage as
// best-effort and never fail a refresh over it.
func (c *PortalClient) FetchUsage(ctx context.Context, accessToken string, idp account.Idp) (*UsageInfo, error) {
	raw, err := c.call(ctx, "GetUserUsageAndLimits", map[string]any{
		"isEmailRequired": true,
		"origin":          "KIRO_IDE",
	}, accessToken, idp)
	if err != nil {
		return nil, err
	}
	return parseUsage(raw), nil
}

func (c *PortalClient) call(ctx context.Context, operation string, body map[string]any, accessToken string, idp account.Idp) (map[string]any, error) {
	payload, err := cbor.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/%s", c.BaseURL, operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/cbor")
	req.Header.Set("Content-Type", "application/cbor")
	req.Header.Set("smithy-protocol", "rpc-v2-cbor")
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("x-amz-user-agent", "aws-sdk-js/1.0.0 kiro-nexus/1.0.0")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Cookie", fmt.Sprintf("Idp=%s; AccessToken=%s", idp, accessToken))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e map[string]any
		if c.decMode.Unmarshal(raw, &e) == nil {
			if msg, ok := e["message"].(string); ok && msg != "" {
				return nil, fmt.Errorf("portal error: %s", msg)
			}
		}
		return nil, fmt.Errorf("portal HTTP %d", resp.StatusCode)
	}

	var out map[string]any
	if err := c.decMode.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode portal response: %w", err)
	}
	return out, nil
}

// parseUsage extracts the CREDIT breakdown, active free trial, active bonuses
// and subscription details from the portal response.
func parseUsage(data map[string]any) *UsageInfo {
	info := &UsageInfo{}

	breakdowns, _ := data["usageBreakdownList"].([]any)
	for _, item := range breakdowns {
		b, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if str(b, "resourceType") != "CREDIT" && str(b, "displayName") != "Credits" {
			continue
		}
		info.Usage.Limit = num(b, "usageLimitWithPrecision", "usageLimit")
		info.Usage.Current = num(b, "currentUsageWithPrecision", "currentUsage")

		if trial, ok := b["freeTrialInfo"].(map[string]any); ok && str(trial, "freeTrialStatus") == "ACTIVE" {
			info.Usage.FreeTrialLimit = num(trial, "usageLimitWithPrecision", "usageLimit")
			info.Usage.FreeTrialCurrent = num(trial, "currentUsageWithPrecision", "currentUsage")
			info.Usage.FreeTrialExpiry = str(trial, "freeTrialExpiry")
		}

		bonuses, _ := b["bonuses"].([]any)
		for _, raw := range bonuses {
			bonus, ok := raw.(map[string]any)
			if !ok || str(bonus, "status") != "ACTIVE" {
				continue
			}
			info.Usage.Bonuses = append(info.Usage.Bonuses, account.Bonus{
				Code:      str(bonus, "bonusCode"),
				Name:      str(bonus, "displayName"),
				Current:   num(bonus, "currentUsageWithPrecision", "currentUsage"),
				Limit:     num(bonus, "usageLimitWithPrecision", "usageLimit"),
				ExpiresAt: str(bonus, "expiresAt"),
			})
		}
		break
	}

	if sub, ok := data["subscriptionInfo"].(map[string]any); ok {
		info.Subscription.Type = str(sub, "subscriptionTitle")
		if info.Subscription.Type == "" {
			info.Subscription.Type = str(sub, "type")
		}
		if info.Subscription.Type == "" {
			info.Subscription.Type = "Unknown"
		}
		info.Subscription.UpgradeCapability = str(sub, "upgradeCapability")
		info.Subscription.OverageCapability = str(sub, "overageCapability")
	}

	if reset := str(data, "nextDateReset"); reset != "" {
		info.Usage.NextDateReset = reset
		if t, err := time.Parse(time.RFC3339, reset); err == nil {
			days := int(time.Until(t).Hours() / 24)
			if days < 0 {
				days = 0
			}
			info.Subscription.DaysRemaining = days
		}
	}
	return info
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// num reads the first present numeric field, tolerating the integer types the
// CBOR decoder produces.
func num(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int64:
			return float64(v)
		case uint64:
			return float64(v)
		case int:
			return float64(v)
		}
	}
	return 0
}
