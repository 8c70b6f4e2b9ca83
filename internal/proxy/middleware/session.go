package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const sessionCookie = "kiro_nexus_session"

const sessionTTL = 24 * time.Hour

// Sessions issues and verifies the admin session cookie. The cookie value is
// "expiry:hmac(expiry)" signed with a per-process random key, so sessions do
// not survive a restart.
type Sessions struct {
	password string
	key      []byte
}

// NewSessions builds the session gate. An empty password disables the gate
// entirely, matching a single-operator localhost deployment.
func NewSessions(password string) *Sessions {
	key := make([]byte, 32)
	rand.Read(key)
	return &Sessions{password: password, key: key}
}

// Enabled reports whether an admin password is configured.
func (s *Sessions) Enabled() bool {
	return s.password != ""
}

func (s *Sessions) sign(expiry int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%d", expiry)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Sessions) valid(cookie string) bool {
	parts := strings.SplitN(cookie, ":", 2)
	if len(parts) != 2 {
		return false
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || expiry < time.Now().Unix() {
		return false
	}
	return hmac.Equal([]byte(s.sign(expiry)), []byte(parts[1]))
}

func (s *Sessions) authed(r *http.Request) bool {
	if !s.Enabled() {
		return true
	}
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	return s.valid(c.Value)
}

// Require guards the management API. Unauthenticated requests get the
// management error envelope.
func (s *Sessions) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authed(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"error":   "Not authenticated",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoginHandler checks the password and sets the session cookie.
func (s *Sessions) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeSessionJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Malformed request"})
			return
		}
		if !s.Enabled() || body.Password != s.password {
			writeSessionJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "Invalid password"})
			return
		}
		expiry := time.Now().Add(sessionTTL).Unix()
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    fmt.Sprintf("%d:%s", expiry, s.sign(expiry)),
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Expires:  time.Unix(expiry, 0),
		})
		writeSessionJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// LogoutHandler clears the session cookie.
func (s *Sessions) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			MaxAge:   -1,
		})
		writeSessionJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// CheckHandler reports whether the caller holds a valid session.
func (s *Sessions) CheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeSessionJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"authenticated": s.authed(r),
			"required":      s.Enabled(),
		})
	}
}

func writeSessionJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
