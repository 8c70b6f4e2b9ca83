// Package settings defines the runtime maintenance settings document and its
// defaults merge. The merge is deliberately typed and field-by-field rather
// than a generic map update: unknown keys in saved data are ignored, missing
// keys fall back to defaults, and nesting merges exactly one level deep.
package settings

import "encoding/json"

// AutoRefresh controls the scheduled token refresh task.
type AutoRefresh struct {
	Enabled                bool `json:"enabled"`
	IntervalSec            int  `json:"intervalSec"`
	RefreshBeforeExpirySec int  `json:"refreshBeforeExpirySec"`
	MinValidTimeSec        int  `json:"minValidTimeSec"`
}

// AutoSwitch controls usage-based rotation of the current account.
type AutoSwitch struct {
	Enabled            bool    `json:"enabled"`
	CheckIntervalSec   int     `json:"checkIntervalSec"`
	SwitchThresholdPct float64 `json:"switchThresholdPct"`
	CurrentAccountID   string  `json:"currentAccountId,omitempty"`
}

// StatusCheck controls the scheduled pool-wide status evaluation.
type StatusCheck struct {
	Enabled     bool `json:"enabled"`
	IntervalSec int  `json:"intervalSec"`
}

// Settings is the process-wide maintenance configuration, persisted as a
// single document.
type Settings struct {
	AutoRefresh AutoRefresh `json:"autoRefresh"`
	AutoSwitch  AutoSwitch  `json:"autoSwitch"`
	StatusCheck StatusCheck `json:"statusCheck"`
}

// Defaults returns the built-in settings: hourly refresh five minutes before
// expiry, rotation check every 30 minutes at a 90% threshold, status sweep
// every 10 minutes.
func Defaults() Settings {
	return Settings{
		AutoRefresh: AutoRefresh{
			Enabled:                true,
			IntervalSec:            3600,
			RefreshBeforeExpirySec: 300,
			MinValidTimeSec:        300,
		},
		AutoSwitch: AutoSwitch{
			Enabled:            false,
			CheckIntervalSec:   1800,
			SwitchThresholdPct: 90,
		},
		StatusCheck: StatusCheck{
			Enabled:     true,
			IntervalSec: 600,
		},
	}
}

// patch mirrors Settings with every leaf optional, so FromJSON can tell
// "absent" apart from zero values.
type patch struct {
	AutoRefresh *struct {
		Enabled                *bool `json:"enabled"`
		IntervalSec            *int  `json:"intervalSec"`
		RefreshBeforeExpirySec *int  `json:"refreshBeforeExpirySec"`
		MinValidTimeSec        *int  `json:"minValidTimeSec"`
	} `json:"autoRefresh"`
	AutoSwitch *struct {
		Enabled            *bool    `json:"enabled"`
		CheckIntervalSec   *int     `json:"checkIntervalSec"`
		SwitchThresholdPct *float64 `json:"switchThresholdPct"`
		CurrentAccountID   *string  `json:"currentAccountId"`
	} `json:"autoSwitch"`
	StatusCheck *struct {
		Enabled     *bool `json:"enabled"`
		IntervalSec *int  `json:"intervalSec"`
	} `json:"statusCheck"`
}

// FromJSON decodes a saved settings blob over the defaults.
func FromJSON(data []byte) (Settings, error) {
	return Merge(Defaults(), data)
}

// Merge applies a JSON settings blob on top of base. Unknown top-level keys
// are dropped; present leaves overwrite, absent leaves keep the base value.
func Merge(base Settings, data []byte) (Settings, error) {
	var p patch
	if err := json.Unmarshal(data, &p); err != nil {
		return base, err
	}
	s := base
	if p.AutoRefresh != nil {
		applyBool(&s.AutoRefresh.Enabled, p.AutoRefresh.Enabled)
		applyInt(&s.AutoRefresh.IntervalSec, p.AutoRefresh.IntervalSec)
		applyInt(&s.AutoRefresh.RefreshBeforeExpirySec, p.AutoRefresh.RefreshBeforeExpirySec)
		applyInt(&s.AutoRefresh.MinValidTimeSec, p.AutoRefresh.MinValidTimeSec)
	}
	if p.AutoSwitch != nil {
		applyBool(&s.AutoSwitch.Enabled, p.AutoSwitch.Enabled)
		applyInt(&s.AutoSwitch.CheckIntervalSec, p.AutoSwitch.CheckIntervalSec)
		if p.AutoSwitch.SwitchThresholdPct != nil {
			s.AutoSwitch.SwitchThresholdPct = *p.AutoSwitch.SwitchThresholdPct
		}
		if p.AutoSwitch.CurrentAccountID != nil {
			s.AutoSwitch.CurrentAccountID = *p.AutoSwitch.CurrentAccountID
		}
	}
	if p.StatusCheck != nil {
		applyBool(&s.StatusCheck.Enabled, p.StatusCheck.Enabled)
		applyInt(&s.StatusCheck.IntervalSec, p.StatusCheck.IntervalSec)
	}
	return s, nil
}

func applyBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func applyInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
