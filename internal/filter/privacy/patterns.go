package privacy

import (
	"regexp"
	"strings"
)

// Category names a class of sensitive data.
type Category string

const (
	CategoryCreditCard Category = "credit_card"
	CategorySSN        Category = "ssn"
	CategoryEmail      Category = "email"
	CategoryPhone      Category = "phone"
	CategoryAPIKey     Category = "api_key"
	CategoryPassword   Category = "password"
	CategoryToken      Category = "token"
)

type pattern struct {
	category    Category
	expr        *regexp.Regexp
	replacement string
}

// patterns are evaluated in priority order. A byte claimed by an earlier
// category is never reassigned to a later one.
var patterns = []pattern{
	newPattern(CategoryCreditCard, `\b(?:\d{4}[-\s]?){3}\d{4}\b`),
	newPattern(CategorySSN, `\b\d{3}-\d{2}-\d{4}\b`),
	newPattern(CategoryEmail, `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`),
	newPattern(CategoryPhone, `\b\d{3}-\d{3}-\d{4}\b`),
	newPattern(CategoryAPIKey, `[A-Za-z0-9]{32,}`),
	newPattern(CategoryPassword, `(?i)password[:\s=]+[^\s]+`),
	newPattern(CategoryToken, `(?i)token[:\s=]+[^\s]+`),
}

// placeholderExpr matches a placeholder with or without the brackets that
// sanitization strips. Its bytes are claimed before any pattern runs.
var placeholderExpr = func() *regexp.Regexp {
	names := make([]string, len(patterns))
	for i, p := range patterns {
		names[i] = upper(string(p.category))
	}
	return regexp.MustCompile(`\[?REDACTED_(?:` + strings.Join(names, "|") + `)\]?`)
}()

func newPattern(c Category, expr string) pattern {
	return pattern{
		category:    c,
		expr:        regexp.MustCompile(expr),
		replacement: Placeholder(c),
	}
}

// Placeholder returns the replacement text for a category, e.g. [REDACTED_EMAIL].
func Placeholder(c Category) string {
	return "[REDACTED_" + upper(string(c)) + "]"
}

func upper(s string) string {
	b := []byte(s)
	for i, ch := range b {
		if ch >= 'a' && ch <= 'z' {
			b[i] = ch - 'a' + 'A'
		}
	}
	return string(b)
}
