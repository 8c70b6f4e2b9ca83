package util

import "fmt"

// DefaultLogMaxLen caps upstream error text stored in the request log. Full
// payloads never need to land in the log table.
const DefaultLogMaxLen = 1024

// TruncateLog shortens long strings for logging and log storage.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes truncates a byte slice with the default cap.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}
