package filter

import (
	"context"

	"github.com/af-corp/gaianet-gateway/internal/types"
)

// Action represents the filter decision.
type Action string

const (
	ActionPass   Action = "pass"
	ActionRedact Action = "redact"
	ActionBlock  Action = "block"
)

// Result is returned by each filter.
type Result struct {
	Action     Action
	FilterName string
	// Kind is the failure kind reported to the caller when Action is ActionBlock.
	Kind       types.Kind
	Message    string
	Detections int
	Categories []string
	// Request replaces the scanned request when Action is ActionRedact.
	Request *types.ChatRequest
}

// Filter is the interface all inbound content filters implement.
type Filter interface {
	Name() string
	Enabled() bool
	ScanRequest(ctx context.Context, req *types.ChatRequest) Result
}

// Chain runs filters in order, stopping on the first Block.
type Chain struct {
	filters []Filter
}

// NewChain creates a filter chain from the given filters. Nil filters are skipped.
func NewChain(filters ...Filter) *Chain {
	c := &Chain{}
	for _, f := range filters {
		if f != nil {
			c.filters = append(c.filters, f)
		}
	}
	return c
}

// Run executes all enabled filters in order. It returns the request as rewritten
// by redacting filters, all results, and a pointer to the first blocking result
// (nil if no filter blocked).
func (c *Chain) Run(ctx context.Context, req *types.ChatRequest) (*types.ChatRequest, []Result, *Result) {
	var results []Result
	for _, f := range c.filters {
		if !f.Enabled() {
			continue
		}
		r := f.ScanRequest(ctx, req)
		results = append(results, r)
		switch r.Action {
		case ActionBlock:
			if r.Kind == "" {
				r.Kind = types.KindPolicyDenied
			}
			return req, results, &r
		case ActionRedact:
			if r.Request != nil {
				req = r.Request
			}
		}
	}
	return req, results, nil
}
