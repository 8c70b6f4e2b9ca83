package account

// UsagePercent returns the account's base usage percentage. Accounts with no
// reported limit count as 0% so fresh imports sort first.
func UsagePercent(a *Account) float64 {
	if a.Usage.Limit <= 0 {
		return 0
	}
	return a.Usage.Current / a.Usage.Limit * 100
}

// SelectForUse picks the account to serve a new request. The configured
// current account wins while it is still active; otherwise the active account
// with the lowest usage percentage is chosen, ties broken by pool order.
// Returns nil when no account is active — callers must treat that as a
// retryable no-capacity condition.
func SelectForUse(pool []*Account, currentID string) *Account {
	if currentID != "" {
		if cur := findByID(pool, currentID); cur != nil && cur.Status == StatusActive {
			return cur
		}
	}
	return lowestUsageActive(pool)
}

// ConsiderRotation decides whether the current-account pointer should move.
// It only switches once the current account's usage has crossed the threshold,
// and only onto an active account that is itself still below the threshold —
// the two-sided check keeps the pointer from thrashing between accounts that
// are all over the line. Returns the new current id and whether to switch.
func ConsiderRotation(pool []*Account, currentID string, thresholdPct float64) (string, bool) {
	if cur := findByID(pool, currentID); cur != nil && UsagePercent(cur) < thresholdPct {
		return "", false
	}
	best := lowestUsageActive(pool)
	if best == nil || best.ID == currentID {
		return "", false
	}
	if UsagePercent(best) >= thresholdPct {
		return "", false
	}
	return best.ID, true
}

func findByID(pool []*Account, id string) *Account {
	for _, a := range pool {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func lowestUsageActive(pool []*Account) *Account {
	var best *Account
	for _, a := range pool {
		if a.Status != StatusActive {
			continue
		}
		if best == nil || UsagePercent(a) < UsagePercent(best) {
			best = a
		}
	}
	return best
}
