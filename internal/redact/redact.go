// Package redact masks credentials and personal data before they reach logs.
package redact

import "strings"

// Email keeps the first two characters of the local part and the domain.
func Email(s string) string {
	local, domain, ok := strings.Cut(s, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***"
	}
	if len(local) > 2 {
		local = local[:2] + "***"
	} else {
		local = "***"
	}
	return local + "@" + domain
}

// Token reports only whether a token is present.
func Token(s string) string {
	if s == "" {
		return ""
	}
	return "[REDACTED_TOKEN]"
}

func Password() string { return "[REDACTED_PASSWORD]" }
