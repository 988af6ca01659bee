package providers

import (
	"sort"
	"strings"
)

var sensitiveMarkers = []string{
	"SECRET",
	"TOKEN",
	"PASSWORD",
	"ACCESS_KEY",
	"CLIENT_SECRET",
	"PRIVATE_KEY",
	"CREDENTIALS",
}

// IsSensitive reports whether an environment variable holds a credential.
func IsSensitive(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// Redact returns env as sorted KEY=VALUE lines with credential values masked.
func Redact(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		v := env[k]
		if IsSensitive(k) && v != "" {
			v = "********"
		}
		lines = append(lines, k+"="+v)
	}
	return lines
}
