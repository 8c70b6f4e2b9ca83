package handlers

import (
	"encoding/json"
	"net/http"

	"kiro-nexus/internal/account"
	"kiro-nexus/internal/discovery"
	"kiro-nexus/internal/manager"
)

// DiscoveryScanHandler scans local Kiro installations for credentials and
// returns them masked.
func DiscoveryScanHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := discovery.ScanAll()
		masked := make([]discovery.Credential, len(result.Credentials))
		for i, cred := range result.Credentials {
			masked[i] = discovery.MaskCredential(cred)
		}
		writeManagementJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"credentials": masked,
			"errors":      result.Errors,
		})
	}
}

// DiscoveryCheckHandler reports which local credential and data files exist.
func DiscoveryCheckHandler(dataPaths ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeManagementJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"report":  discovery.CheckEnvironment(dataPaths...),
		})
	}
}

// DiscoveryImportHandler re-scans and imports every discovered credential
// into the pool.
func DiscoveryImportHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := discovery.ScanAll()
		if len(result.Credentials) == 0 {
			writeManagementError(w, "No credentials found", http.StatusNotFound)
			return
		}

		accounts := make([]*account.Account, len(result.Credentials))
		for i, cred := range result.Credentials {
			accounts[i] = cred.ToAccount()
		}
		payload, err := json.Marshal(map[string]any{"accounts": accounts})
		if err != nil {
			writeManagementError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		count, err := mgr.ImportAccounts(payload)
		if err != nil {
			writeManagementError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeManagementJSON(w, http.StatusOK, map[string]any{"success": true, "imported": count})
	}
}
