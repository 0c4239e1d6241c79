package audit

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Redacted replaces scrubbed values.
const Redacted = "[REDACTED]"

var sensitiveKeys = []string{
	"password", "passwd", "secret", "token", "authorization", "cookie",
	"api_key", "apikey", "credential", "private_key", "session",
}

var (
	jwtPattern    = regexp.MustCompile(`^eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*$`)
	bearerPattern = regexp.MustCompile(`(?i)^(bearer|basic)\s+\S+`)
)

func sensitiveKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func sensitiveValue(v string) bool {
	v = strings.TrimSpace(v)
	return jwtPattern.MatchString(v) || bearerPattern.MatchString(v)
}

// Redact returns a deep copy of details with secrets replaced. Keys naming
// credentials are scrubbed whatever their value; string values shaped like
// bearer tokens or JWTs are scrubbed under any key.
func Redact(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if sensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Redact(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	case string:
		if sensitiveValue(val) {
			return Redacted
		}
		return val
	case json.RawMessage:
		return RedactJSON(val)
	default:
		return v
	}
}

// RedactJSON scrubs a JSON document. Undecodable input is dropped entirely.
func RedactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return json.RawMessage(`"` + Redacted + `"`)
	}
	clean, err := json.Marshal(redactValue(doc))
	if err != nil {
		return json.RawMessage(`"` + Redacted + `"`)
	}
	return clean
}
