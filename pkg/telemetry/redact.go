package telemetry

import (
	"regexp"
	"strings"
)

// Redacted replaces every scrubbed value.
const Redacted = "[REDACTED]"

var sensitiveKeys = []string{
	"value",
	"cookie",
	"cookies",
	"password",
	"passwd",
	"token",
	"secret",
	"api_key",
	"apikey",
	"auth",
	"authorization",
	"credential",
	"credentials",
	"private_key",
	"session",
	"jwt",
	"bearer",
	"encrypted_value",
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(authorization:\s*)(bearer\s+)?[^\s,;]+`),
	regexp.MustCompile(`(?i)((?:set-)?cookie:\s*)[^\r\n]+`),
	regexp.MustCompile(`(?i)((?:password|passwd|token|secret|api_key|apikey|session|jwt)["']?\s*[=:]\s*["']?)[^\s"',;&]+`),
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`),
	regexp.MustCompile(`()eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+`),
}

// IsSensitiveKey reports whether a map key names a secret-bearing field.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if k == s || strings.HasSuffix(k, "_"+s) {
			return true
		}
	}
	return false
}

// RedactString scrubs credential-looking fragments from free text.
func RedactString(s string) string {
	for _, p := range sensitivePatterns {
		s = p.ReplaceAllString(s, "${1}"+Redacted)
	}
	return s
}

// RedactMap returns a copy of m with sensitive keys masked and string values scrubbed.
// Nested maps and slices are walked.
func RedactMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return RedactString(val)
	case map[string]interface{}:
		return RedactMap(val)
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, s := range val {
			m[k] = s
		}
		return RedactMap(m)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i := range val {
			out[i] = redactValue(val[i])
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i := range val {
			out[i] = RedactString(val[i])
		}
		return out
	case error:
		return RedactString(val.Error())
	default:
		return v
	}
}
