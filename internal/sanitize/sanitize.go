// Package sanitize redacts secrets from strings, maps, errors, and zap log
// records before they leave the process.
//
// Webhook and bot-token URL segments are replaced with a fixed marker,
// and any field whose name matches a sensitivity list has its entire value
// replaced, recursively through maps and slices.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// Redaction markers substituted for secret material: "<REDACTED>" inside
// URLs, "***REDACTED***" for whole sensitive field values.
const (
	URLMarker   = "<REDACTED>"
	ValueMarker = "***REDACTED***"
)

// sensitiveFields is the fixed field-name sensitivity list.
// Matching is case-insensitive and matches on substring, not just exact
// field name, so "webhook_url" and "auth_token" are both caught.
var sensitiveFields = []string{
	"token", "key", "secret", "password", "auth", "webhook", "credential", "bearer",
}

// urlPatterns matches known secret-bearing URL shapes. Each pattern must
// have exactly one capture group: the segment to keep, immediately
// followed by the secret segment to redact.
var urlPatterns = []*regexp.Regexp{
	// Discord-style webhook: .../api/webhooks/<id>/<token>
	regexp.MustCompile(`(?i)(/api/webhooks/\d+/)[A-Za-z0-9_\-]+`),
	// Telegram-style bot token: .../bot<id>:<token>/...
	regexp.MustCompile(`(?i)(/bot\d+:)[A-Za-z0-9_\-]+`),
	// Generic API-key query parameter: ?api_key=... or &api_key=...
	regexp.MustCompile(`(?i)([?&]api_key=)[^&\s]+`),
}

// SanitizeString redacts every known secret pattern inside s, leaving the
// rest of the string untouched.
func SanitizeString(s string) string {
	for _, p := range urlPatterns {
		s = p.ReplaceAllString(s, "${1}"+URLMarker)
	}
	return s
}

// isSensitiveField reports whether name matches the sensitivity list.
func isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveFields {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// SanitizeValue recursively redacts a value of arbitrary shape: strings are
// pattern-sanitized, map values under a sensitive key are fully replaced,
// and slices/maps are walked recursively. All other types pass through
// unchanged. Idempotent, never panics, and preserves container shape
// (length, key set).
func SanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return SanitizeString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			if isSensitiveField(k) {
				out[k] = ValueMarker
			} else {
				out[k] = SanitizeValue(vv)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = SanitizeValue(vv)
		}
		return out
	default:
		return v
	}
}

// SanitizeFields returns a redacted copy of a flat map of structured log
// fields, honoring the sensitivity list and recursing through nested
// maps/slices. The input map is left unchanged. The zap Core (see
// zapcore.go) does not use it; it sanitizes zap fields directly.
func SanitizeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if isSensitiveField(k) {
			out[k] = ValueMarker
			continue
		}
		out[k] = SanitizeValue(v)
	}
	return out
}

// SanitizeError formats err as "<Type>: <sanitized message>".
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T: %s", err, SanitizeString(err.Error()))
}
