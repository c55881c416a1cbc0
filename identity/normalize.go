package identity

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeEmail canonicalizes an email address for lookups: NFKC, trimmed,
// case folded. Both the client and the development service apply it so that
// "Alice@Example.com" and "alice@example.com" name one account.
func NormalizeEmail(email string) string {
	// Casers are stateful and must not be shared between goroutines.
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(email)))
}
