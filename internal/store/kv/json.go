package kv

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeValue unmarshals a stored value into v, tolerating drivers that
// auto-serialize: the raw bytes may be a JSON document, or a JSON string
// that itself contains a JSON document (double-encoded historical data).
func DecodeValue(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty value")
	}
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	var inner string
	if err := json.Unmarshal([]byte(raw), &inner); err == nil {
		if err := json.Unmarshal([]byte(inner), v); err == nil {
			return nil
		}
	}
	return fmt.Errorf("decode value %q: not valid JSON for %T", truncate(raw, 64), v)
}

// EncodeValue marshals v for storage.
func EncodeValue(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return string(b), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
