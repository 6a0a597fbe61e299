// Package ratelimit implements per-client sliding-window admission with a block list.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Blocked   bool
	Reason    string
}

// BlockEntry records a blocked client.
type BlockEntry struct {
	ClientID  string    `json:"client_id"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	// ExpiresAt is zero for blocks that last until an administrator lifts them.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the block has lapsed at now.
func (b BlockEntry) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && !now.Before(b.ExpiresAt)
}

// Gate is the admission contract shared by the memory and redis backends.
type Gate interface {
	Check(ctx context.Context, clientID string) (Decision, error)
	Unblock(ctx context.Context, clientID string) error
	Blocks(ctx context.Context) ([]BlockEntry, error)
}

// BlockHook is called once when a client becomes blocked.
type BlockHook func(BlockEntry)

// ExceededReason is the block reason recorded when a client exhausts its window.
func ExceededReason(limit int, window time.Duration) string {
	return fmt.Sprintf("rate limit exceeded: %d/%ds", limit, int64(window/time.Second))
}
