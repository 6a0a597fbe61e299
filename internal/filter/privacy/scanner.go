// Package privacy detects and redacts sensitive data in chat content.
package privacy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/af-corp/gaianet-gateway/internal/config"
	"github.com/af-corp/gaianet-gateway/internal/filter"
	"github.com/af-corp/gaianet-gateway/internal/types"
)

// Match is a single detection. Offsets are byte positions into the scanned text.
type Match struct {
	Category Category
	Start    int
	End      int
}

func (m Match) overlaps(o Match) bool {
	return m.Start < o.End && o.Start < m.End
}

// Scanner finds sensitive data and rewrites it to placeholders.
type Scanner struct {
	enabled bool
	policy  string
}

// NewScanner creates a scanner from the privacy configuration.
func NewScanner(cfg config.PrivacyConfig) *Scanner {
	policy := cfg.InboundPolicy
	if policy == "" {
		policy = config.InboundReject
	}
	return &Scanner{enabled: cfg.Enabled, policy: policy}
}

// Scan returns the non-overlapping matches in text ordered by start offset.
// Existing placeholders are never matched, so redacted text rescans clean.
func (s *Scanner) Scan(text string) []Match {
	return scan(text)
}

func scan(text string) []Match {
	var claimed []Match
	for _, idx := range placeholderExpr.FindAllStringIndex(text, -1) {
		claimed = append(claimed, Match{Start: idx[0], End: idx[1]})
	}
	reserved := len(claimed)
	for _, p := range patterns {
		for _, idx := range p.expr.FindAllStringIndex(text, -1) {
			m := Match{Category: p.category, Start: idx[0], End: idx[1]}
			if !overlapsAny(m, claimed) {
				claimed = append(claimed, m)
			}
		}
	}
	accepted := claimed[reserved:]
	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Start < accepted[j].Start })
	return accepted
}

func overlapsAny(m Match, accepted []Match) bool {
	for _, a := range accepted {
		if m.overlaps(a) {
			return true
		}
	}
	return false
}

// Redact replaces every match with its category placeholder. Text with no
// matches is returned unchanged.
func (s *Scanner) Redact(text string) string {
	return redact(text, scan(text))
}

func redact(text string, matches []Match) string {
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, m := range matches {
		b.WriteString(text[pos:m.Start])
		b.WriteString(Placeholder(m.Category))
		pos = m.End
	}
	b.WriteString(text[pos:])
	return b.String()
}

// Categories returns the distinct categories present in matches, in priority order.
func Categories(matches []Match) []Category {
	seen := make(map[Category]bool, len(matches))
	for _, m := range matches {
		seen[m.Category] = true
	}
	var out []Category
	for _, p := range patterns {
		if seen[p.category] {
			out = append(out, p.category)
		}
	}
	return out
}

// CheckMessages returns a privacy_violation error naming the offending
// message indices and categories. The matched text is never included.
func (s *Scanner) CheckMessages(contents []string) error {
	var violations []string
	for i, c := range contents {
		cats := Categories(scan(c))
		if len(cats) == 0 {
			continue
		}
		violations = append(violations, fmt.Sprintf("messages[%d]: %s", i, joinCategories(cats)))
	}
	if len(violations) == 0 {
		return nil
	}
	return types.NewError(types.KindPrivacyViolation, "sensitive data detected: %s", strings.Join(violations, "; "))
}

func joinCategories(cats []Category) string {
	s := make([]string, len(cats))
	for i, c := range cats {
		s[i] = string(c)
	}
	return strings.Join(s, ", ")
}

// Name implements filter.Filter.
func (s *Scanner) Name() string { return "privacy" }

// Enabled implements filter.Filter.
func (s *Scanner) Enabled() bool { return s.enabled }

// ScanRequest implements filter.Filter. Under the reject policy any detection
// blocks the request; under the redact policy the request is rewritten.
func (s *Scanner) ScanRequest(_ context.Context, req *types.ChatRequest) filter.Result {
	res := filter.Result{Action: filter.ActionPass, FilterName: s.Name()}

	var all []Match
	for _, m := range req.Messages {
		all = append(all, scan(m.Content)...)
	}
	if len(all) == 0 {
		return res
	}
	res.Detections = len(all)
	for _, c := range Categories(all) {
		res.Categories = append(res.Categories, string(c))
	}

	if s.policy == config.InboundRedact {
		msgs := make([]types.ChatMessage, len(req.Messages))
		for i, m := range req.Messages {
			msgs[i] = types.ChatMessage{Role: m.Role, Content: s.Redact(m.Content)}
		}
		res.Action = filter.ActionRedact
		res.Request = req.WithMessages(msgs)
		return res
	}

	err := s.CheckMessages(req.Contents())
	res.Action = filter.ActionBlock
	res.Kind = types.KindPrivacyViolation
	res.Message = types.PublicMessage(err)
	return res
}
