// Package logging provides request ID propagation and verbose-mode gating
// for the gateway's log lines.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strings"
	"sync"
)

type contextKey string

const requestIDKey contextKey = "requestId"

// NewRequestID creates an 8-character hex request ID.
func NewRequestID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID retrieves the request ID from the context, or "" if absent.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

var (
	verboseOnce sync.Once
	verbose     bool
)

// IsVerbose reports whether KIRO_NEXUS_VERBOSE debug logging is on.
func IsVerbose() bool {
	verboseOnce.Do(func() {
		v := os.Getenv("KIRO_NEXUS_VERBOSE")
		verbose = v == "1" || strings.EqualFold(v, "true")
	})
	return verbose
}

// Debugf logs only in verbose mode, prefixing the request ID when present.
func Debugf(ctx context.Context, format string, args ...any) {
	if !IsVerbose() {
		return
	}
	if id := RequestID(ctx); id != "" {
		format = "[" + id + "] " + format
	}
	log.Printf(format, args...)
}
