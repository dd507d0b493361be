package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// secretKeys are argument names whose values are always digested, whatever
// their size. Plugins can extend the set per call by prefixing a key with
// "secret_".
var secretKeys = map[string]bool{
	"secret":        true,
	"password":      true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"private_key":   true,
}

// SanitizeArgs replaces oversized strings, binary blobs, and secret-marked
// fields with their SHA-256 digests so raw media and credentials never reach
// the audit log.
func SanitizeArgs(args map[string]any, maxFieldLen int) map[string]any {
	return sanitizeMap(args, maxFieldLen)
}

func sanitizeMap(m map[string]any, maxLen int) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = sanitizeValue(k, v, maxLen)
	}
	return out
}

func sanitizeValue(key string, v any, maxLen int) any {
	if isSecretKey(key) {
		return digestOf(rawBytes(v))
	}
	switch typed := v.(type) {
	case string:
		if len(typed) > maxLen {
			return digestOf([]byte(typed))
		}
		return typed
	case []byte:
		return digestOf(typed)
	case map[string]any:
		return sanitizeMap(typed, maxLen)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = sanitizeValue("", item, maxLen)
		}
		return out
	default:
		return v
	}
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	return secretKeys[lower] || strings.HasPrefix(lower, "secret_")
}

func rawBytes(v any) []byte {
	switch typed := v.(type) {
	case string:
		return []byte(typed)
	case []byte:
		return typed
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return []byte(fmt.Sprintf("%v", v))
		}
		return encoded
	}
}

func digestOf(data []byte) map[string]any {
	sum := sha256.Sum256(data)
	return map[string]any{
		"sha256": hex.EncodeToString(sum[:]),
		"bytes":  len(data),
	}
}
