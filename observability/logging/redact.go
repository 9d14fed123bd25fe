package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces credentials in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys never reach a log sink in clear text, whatever group they are
// nested in.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"hmac_secret":   {},
	"secret":        {},
	"token":         {},
	"password":      {},
	"otlp_headers":  {},
}

// IsSensitive reports whether values logged under key are masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskBearer hides the credential of an Authorization header and keeps the
// scheme.
func MaskBearer(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	scheme, _, found := strings.Cut(header, " ")
	if !found {
		return RedactedValue
	}
	return scheme + " " + RedactedValue
}

// redact masks string values of sensitive keys. Authorization headers keep
// their scheme so logs still tell bearer from basic credentials.
func redact(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) || attr.Value.Kind() != slog.KindString {
		return attr
	}
	value := attr.Value.String()
	if strings.EqualFold(attr.Key, "authorization") {
		return slog.String(attr.Key, MaskBearer(value))
	}
	if value == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
