package account

import "log"

// EvaluateStatus derives an account's health status from its credentials and
// usage alone. The checks run in strict priority order: a missing refresh
// token always wins over expiry, which wins over exhaustion.
func EvaluateStatus(creds Credentials, usage Usage) (Status, string) {
	if creds.RefreshToken == "" {
		return StatusInvalid, "No refresh token"
	}
	if creds.ExpiresAt != 0 && creds.ExpiresAt < NowMillis() {
		return StatusExpired, "Token expired"
	}
	combinedLimit := usage.Limit + usage.FreeTrialLimit
	if combinedLimit > 0 && usage.Current+usage.FreeTrialCurrent >= combinedLimit {
		return StatusExhausted, "Usage limit exceeded"
	}
	return StatusActive, ""
}

// ApplyStatus re-derives the account's status and writes it back when it
// differs, logging the transition. Returns whether a change occurred so
// callers can batch a single persistence write per pass.
func ApplyStatus(a *Account) bool {
	status, reason := EvaluateStatus(a.Credentials, a.Usage)
	if status == a.Status && reason == a.StatusReason {
		return false
	}
	log.Printf("🩺 Account %s status: %s -> %s (%s)", a.Email, a.Status, status, reason)
	a.Status = status
	a.StatusReason = reason
	return true
}
