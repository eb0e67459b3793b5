package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys stakingd logs in the clear. Anything else passed through MaskField is
// masked.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"addr":      {},
	"route":     {},
	"driver":    {},
	"symbol":    {},
	"authority": {},
	"vault":     {},
	"module":    {},
	"listen":    {},
	"data_dir":  {},
}

// Keys that carry daemon credentials. The JSON handler masks these on every
// log line, whether or not the caller went through MaskField.
var secretKeys = map[string]struct{}{
	"hmac_secret":   {},
	"secret":        {},
	"passphrase":    {},
	"private_key":   {},
	"authorization": {},
	"bearer":        {},
	"dsn":           {},
	"password":      {},
}

func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")
}

// IsAllowlisted reports whether the provided key is exempt from MaskField
// redaction. Secret keys are never allowlisted.
func IsAllowlisted(key string) bool {
	normalized := normalizeKey(key)
	if _, secret := secretKeys[normalized]; secret {
		return false
	}
	_, ok := redactionAllowlist[normalized]
	return ok
}

// IsSecret reports whether the key names one of the daemon's credentials:
// the JWT HMAC secret, the keystore passphrase or a database DSN.
func IsSecret(key string) bool {
	normalized := normalizeKey(key)
	if _, ok := secretKeys[normalized]; ok {
		return true
	}
	return strings.HasSuffix(normalized, "_secret") || strings.HasSuffix(normalized, "_passphrase")
}

// RedactionAllowlist returns a sorted copy of the log keys that are allowed to be emitted
// without redaction.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// scrubSecret masks attributes named after a credential. Groups are walked so
// nested attrs such as auth.hmac_secret are caught too.
func scrubSecret(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup {
		members := attr.Value.Group()
		scrubbed := make([]any, 0, len(members))
		for _, member := range members {
			scrubbed = append(scrubbed, scrubSecret(member))
		}
		return slog.Group(attr.Key, scrubbed...)
	}
	if IsSecret(attr.Key) {
		return slog.String(attr.Key, MaskValue(attr.Value.String()))
	}
	return attr
}
