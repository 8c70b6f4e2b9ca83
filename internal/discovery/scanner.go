package discovery

import (
	"log"
	"path/filepath"

	"kiro-nexus/internal/account"
)

// ScanResult holds everything found across all sources.
type ScanResult struct {
	Credentials []Credential `json:"credentials"`
	Errors      []ScanError  `json:"errors,omitempty"`
}

// ScanError records a source that existed but could not be read.
type ScanError struct {
	Source string `json:"source"`
	Path   string `json:"path"`
	Error  string `json:"error"`
}

// ScanAll scans every known source for usable credentials.
func ScanAll() *ScanResult {
	result := &ScanResult{
		Credentials: make([]Credential, 0),
		Errors:      make([]ScanError, 0),
	}

	for _, source := range Sources {
		creds, errs := scanSource(source)
		result.Credentials = append(result.Credentials, creds...)
		result.Errors = append(result.Errors, errs...)
	}

	log.Printf("🔍 Discovery: found %d credentials from %d sources", len(result.Credentials), len(Sources))
	return result
}

func scanSource(source Source) ([]Credential, []ScanError) {
	var credentials []Credential
	var errors []ScanError

	for _, pattern := range source.ConfigPaths {
		matches, err := filepath.Glob(expandPath(pattern))
		if err != nil {
			errors = append(errors, ScanError{Source: source.Name, Path: pattern, Error: err.Error()})
			continue
		}
		for _, path := range matches {
			cred, err := source.Parser(path)
			if err != nil {
				errors = append(errors, ScanError{Source: source.Name, Path: path, Error: err.Error()})
				continue
			}
			if cred != nil && cred.RefreshToken != "" {
				log.Printf("🔍 Found credentials from %s: %s", source.Name, path)
				credentials = append(credentials, *cred)
			}
		}
	}

	return credentials, errors
}

// ToAccount converts a discovered credential into a pool account. The caller
// still upserts it, so re-importing the same cache file updates in place.
func (c Credential) ToAccount() *account.Account {
	return &account.Account{
		Email: c.Email,
		Idp:   account.Idp(c.Idp),
		Credentials: account.Credentials{
			AccessToken:  c.AccessToken,
			RefreshToken: c.RefreshToken,
			ExpiresAt:    c.ExpiresAt,
		},
	}
}

// MaskToken shortens a token for display.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// MaskCredential returns a copy safe to send over the management API.
func MaskCredential(cred Credential) Credential {
	masked := cred
	masked.AccessToken = MaskToken(cred.AccessToken)
	masked.RefreshToken = MaskToken(cred.RefreshToken)
	return masked
}
