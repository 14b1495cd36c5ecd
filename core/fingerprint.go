package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DefaultFingerprintFields are hashed when an incoming alert carries no fingerprint
var DefaultFingerprintFields = []string{"name"}

// FingerprintConfig defines how missing alert fingerprints are generated
type FingerprintConfig struct {
	Fields []string `json:"fields,omitempty" mapstructure:"fields"`
}

// GenerateFingerprint derives a stable fingerprint from the configured attribute paths.
// Missing attributes hash as empty strings.
func GenerateFingerprint(alert *Alert, cfg FingerprintConfig) string {
	fields := cfg.Fields
	if len(fields) == 0 {
		fields = DefaultFingerprintFields
	}

	parts := make([]string, len(fields))
	for i, field := range fields {
		v, _ := ResolveString(alert, field)
		parts[i] = field + "=" + v
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// EnsureFingerprint sets the fingerprint when the alert has none
func EnsureFingerprint(alert *Alert, cfg FingerprintConfig) {
	if alert.Fingerprint == "" {
		alert.Fingerprint = GenerateFingerprint(alert, cfg)
	}
}
