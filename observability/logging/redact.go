package logging

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// RedactedValue replaces sensitive values in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"component": {},
	"module":    {},
	"error":     {},
	"reason":    {},
	"pid":       {},
	"vault":     {},
	"strategy":  {},
	"height":    {},
}

var dsnPassword = regexp.MustCompile(`(?i)(password=)(\S+)`)

// IsAllowlisted reports whether the key is logged verbatim.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskDSN strips credentials from a database DSN while keeping the driver,
// host and database readable. URL DSNs lose their password; key=value DSNs
// lose the password pair's value.
func MaskDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if parsed, err := url.Parse(trimmed); err == nil && parsed.Scheme != "" && parsed.User != nil {
		return parsed.Redacted()
	}
	return dsnPassword.ReplaceAllString(trimmed, "${1}"+RedactedValue)
}

// MaskField returns an attribute safe to log. Allowlisted keys pass through,
// DSN-like keys are scrubbed of credentials and anything else is redacted.
func MaskField(key, value string) slog.Attr {
	switch {
	case strings.TrimSpace(value) == "" || IsAllowlisted(key):
		return slog.String(key, value)
	case strings.Contains(strings.ToLower(key), "dsn"):
		return slog.String(key, MaskDSN(value))
	default:
		return slog.String(key, RedactedValue)
	}
}
