package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kiro-nexus/internal/account"
)

// Credential is an OAuth credential discovered in a local Kiro installation.
type Credential struct {
	Source       string `json:"source"`
	Email        string `json:"email"`
	Idp          string `json:"idp"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // epoch milliseconds
	ConfigPath   string `json:"config_path"`
}

// Source defines a credential location to scan.
type Source struct {
	Name        string
	Description string
	ConfigPaths []string // glob patterns, ~ expanded
	Parser      func(path string) (*Credential, error)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Sources lists all known Kiro credential locations.
var Sources = []Source{
	{
		Name:        "kiro-ide",
		Description: "Kiro IDE token cache",
		ConfigPaths: []string{
			"~/.aws/sso/cache/kiro-auth-token.json",
		},
		Parser: parseKiroCache,
	},
	{
		Name:        "kiro-export",
		Description: "Exported account documents",
		ConfigPaths: []string{
			"~/.config/kiro-nexus/import/*.json",
		},
		Parser: parseKiroCache,
	},
}

// kiroCacheFile is the shape the Kiro IDE writes to its token cache. The
// expiresAt field is an RFC3339 timestamp, unlike the gateway's own epoch
// millisecond convention.
type kiroCacheFile struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
	AuthMethod   string `json:"authMethod"`
	Provider     string `json:"provider"`
	Email        string `json:"email"`
}

func parseKiroCache(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file kiroCacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	cred := &Credential{
		Source:       "kiro-ide",
		Email:        file.Email,
		Idp:          idpFor(file.AuthMethod, file.Provider),
		AccessToken:  file.AccessToken,
		RefreshToken: file.RefreshToken,
		ConfigPath:   path,
	}
	if t, err := time.Parse(time.RFC3339, file.ExpiresAt); err == nil {
		cred.ExpiresAt = t.UnixMilli()
	}
	return cred, nil
}

// idpFor maps the IDE's authMethod/provider pair onto the gateway's identity
// provider labels. IdC logins carry no provider and refresh through the SSO
// OIDC flow, social logins through the desktop auth service.
func idpFor(authMethod, provider string) string {
	if authMethod == "idc" || authMethod == "iam-identity-center" {
		return string(account.IdpBuilderID)
	}
	switch strings.ToLower(provider) {
	case "google":
		return string(account.IdpGoogle)
	default:
		return string(account.IdpGithub)
	}
}
