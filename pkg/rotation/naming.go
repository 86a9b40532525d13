package rotation

import (
	"context"
	"strings"
	"time"
)

// Secret name suffixes for cookie metadata.
const (
	SuffixExtractedAt = "_EXTRACTED_AT"
	SuffixExpiresAt   = "_EXPIRES_AT"
)

// SecretName returns COOKIE_{DOMAIN}_{TYPE} for a cookie.
func SecretName(domain, cookieName string) string {
	d := sanitizeSecretPart(strings.TrimPrefix(domain, "."))
	n := sanitizeSecretPart(cookieName)
	if d == "" {
		return "COOKIE_" + n
	}
	return "COOKIE_" + d + "_" + n
}

func sanitizeSecretPart(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// FormatTimestamp renders sidecar timestamps.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

type runIDKey struct{}

// WithRunID stores the run identifier in ctx.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run identifier stored in ctx, if any.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
