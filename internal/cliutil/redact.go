package cliutil

import (
	"regexp"
	"strings"
)

const redacted = "[redacted]"

// secretFields are the names whose values never reach user-facing output.
// "key" is the HMAC key field of a connection file.
var secretFields = []string{
	"key",
	"signature_key",
	"KERNELSUP_KEY",
	"JPY_SESSION_KEY",
	"API_KEY",
	"ACCESS_TOKEN",
	"REFRESH_TOKEN",
	"CLIENT_SECRET",
}

var (
	envReference = regexp.MustCompile(`\$\{[^}]+\}`)
	secretValue  = compileSecretValue(secretFields)
)

// compileSecretValue matches `name=value`, `name: value` and JSON
// `"name": "value"` forms. Groups: 1 prefix, 2 name and separator, 3 the
// opening quote, 4 the value, 5 the closing quote.
func compileSecretValue(fields []string) *regexp.Regexp {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = regexp.QuoteMeta(f)
	}
	return regexp.MustCompile(`(?i)(^|[^A-Za-z0-9_])((?:` + strings.Join(names, "|") + `)["']?\s*[:=]\s*)(["']?)([^"'\s,}]+)(["']?)`)
}

// RedactSecrets masks ${VAR} references and the values of known secret
// fields.
func RedactSecrets(s string) string {
	if s == "" {
		return s
	}
	s = envReference.ReplaceAllLiteralString(s, "${"+redacted+"}")
	return secretValue.ReplaceAllString(s, "${1}${2}${3}"+redacted+"${5}")
}
