// Package audit prepares stream event payloads for durable audit storage.
// Render payloads are stored verbatim for replay; the audit copy is
// scrubbed so secrets and oversized blobs never reach the database.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxStringLength is the longest string stored verbatim in an audit
// payload. Longer strings keep a prefix plus a digest of the original.
const MaxStringLength = 4096

// sensitiveKeyParts are matched as case-insensitive substrings of map
// keys. Any hit redacts the whole value.
var sensitiveKeyParts = []string{
	"token",
	"api_key",
	"secret",
	"password",
	"authorization",
	"cookie",
}

// Sanitize returns a deep copy of value safe for audit storage. Maps
// with sensitive keys are redacted, oversized strings truncated with a
// SHA-256 digest of the original, and raw bytes dropped. Unknown types
// are stringified.
func Sanitize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		redacted := make(map[string]any, len(v))
		for key, nested := range v {
			if isSensitiveKey(key) {
				redacted[key] = "[REDACTED]"
				continue
			}
			redacted[key] = Sanitize(nested)
		}
		return redacted

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Sanitize(item)
		}
		return out

	case []byte:
		return "[BINARY_OMITTED]"

	case string:
		if len(v) > MaxStringLength {
			return truncateString(v)
		}
		return v

	case nil, bool, int, int32, int64, float32, float64:
		return v

	default:
		return fmt.Sprintf("%v", v)
	}
}

// Wrap nests a sanitized payload under the audit document's payload key.
func Wrap(payload map[string]any) map[string]any {
	sanitized, _ := Sanitize(payload).(map[string]any)
	return map[string]any{"payload": sanitized}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// truncateString keeps the first MaxStringLength bytes (backing off to
// a rune boundary) and records a digest so the original stays provable.
func truncateString(v string) map[string]any {
	digest := sha256.Sum256([]byte(v))

	cut := v[:MaxStringLength]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}

	return map[string]any{
		"value":           cut,
		"truncated":       true,
		"sha256":          hex.EncodeToString(digest[:]),
		"original_length": len(v),
	}
}
