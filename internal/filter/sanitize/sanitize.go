// Package sanitize strips markup and unsafe characters from free-text chat content.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	scriptBlock  = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	scriptScheme = regexp.MustCompile(`(?i)javascript:`)
	// Anything outside letters, digits, underscore, whitespace and . , ! ? - ( ) ' "
	disallowed = regexp.MustCompile(`[^\p{L}\p{N}_\s.,!?\-()'"]+`)
)

// Sanitize applies, in order: script block removal, javascript: scheme removal,
// character allow-listing and whitespace trimming.
//
// The retained set contains none of < > : / so a second pass cannot find anything
// the first pass left behind; Sanitize is idempotent.
func Sanitize(content string) string {
	content = scriptBlock.ReplaceAllString(content, "")
	content = scriptScheme.ReplaceAllString(content, "")
	content = disallowed.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}
