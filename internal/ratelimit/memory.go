package ratelimit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	blocks  map[string]BlockEntry
}

// MemoryGate keeps windows and blocks in process memory. Clients are spread
// over lock-protected shards; the purge, check and append for one client run
// under a single shard lock.
type MemoryGate struct {
	limit         int
	window        time.Duration
	blockDuration time.Duration
	shards        [shardCount]*shard
	now           func() time.Time
	onBlock       BlockHook
}

// Option configures a MemoryGate.
type Option func(*MemoryGate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *MemoryGate) { g.now = now }
}

// WithBlockHook registers a callback invoked after a client is blocked.
func WithBlockHook(h BlockHook) Option {
	return func(g *MemoryGate) { g.onBlock = h }
}

// NewMemoryGate creates an in-memory gate. A blockDuration of zero keeps blocks
// until Unblock is called.
func NewMemoryGate(limit int, window, blockDuration time.Duration, opts ...Option) *MemoryGate {
	g := &MemoryGate{
		limit:         limit,
		window:        window,
		blockDuration: blockDuration,
		now:           time.Now,
	}
	for i := range g.shards {
		g.shards[i] = &shard{
			windows: make(map[string][]time.Time),
			blocks:  make(map[string]BlockEntry),
		}
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *MemoryGate) shardFor(clientID string) *shard {
	return g.shards[xxhash.Sum64String(clientID)%shardCount]
}

// Admit records a request for clientID and reports whether it may proceed.
func (g *MemoryGate) Admit(clientID string) bool {
	return g.check(clientID).Allowed
}

// IsBlocked reports whether clientID is currently blocked. It does not touch the window.
func (g *MemoryGate) IsBlocked(clientID string) bool {
	s := g.shardFor(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, blocked := g.activeBlock(s, clientID, g.now())
	return blocked
}

// Check implements Gate.
func (g *MemoryGate) Check(_ context.Context, clientID string) (Decision, error) {
	return g.check(clientID), nil
}

func (g *MemoryGate) check(clientID string) Decision {
	now := g.now()
	s := g.shardFor(clientID)

	s.mu.Lock()
	if b, blocked := g.activeBlock(s, clientID, now); blocked {
		s.mu.Unlock()
		return Decision{Limit: g.limit, Blocked: true, Reason: b.Reason, ResetAt: b.ExpiresAt}
	}

	ts := purge(s.windows[clientID], now.Add(-g.window))
	if len(ts) >= g.limit {
		entry := BlockEntry{
			ClientID:  clientID,
			Reason:    ExceededReason(g.limit, g.window),
			BlockedAt: now,
		}
		if g.blockDuration > 0 {
			entry.ExpiresAt = now.Add(g.blockDuration)
		}
		s.blocks[clientID] = entry
		s.windows[clientID] = ts
		s.mu.Unlock()

		slog.Warn("client blocked", "client_id", clientID, "reason", entry.Reason)
		if g.onBlock != nil {
			g.onBlock(entry)
		}
		return Decision{Limit: g.limit, Blocked: true, Reason: entry.Reason, ResetAt: entry.ExpiresAt}
	}

	ts = append(ts, now)
	s.windows[clientID] = ts
	s.mu.Unlock()

	return Decision{
		Allowed:   true,
		Limit:     g.limit,
		Remaining: g.limit - len(ts),
		ResetAt:   ts[0].Add(g.window),
	}
}

// activeBlock returns the block for clientID, dropping it if it has expired.
// Callers hold s.mu.
func (g *MemoryGate) activeBlock(s *shard, clientID string, now time.Time) (BlockEntry, bool) {
	b, ok := s.blocks[clientID]
	if !ok {
		return BlockEntry{}, false
	}
	if b.Expired(now) {
		delete(s.blocks, clientID)
		return BlockEntry{}, false
	}
	return b, true
}

// purge drops timestamps older than cutoff. ts is ordered oldest first.
func purge(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// Unblock lifts a block and clears the client's window.
func (g *MemoryGate) Unblock(_ context.Context, clientID string) error {
	s := g.shardFor(clientID)
	s.mu.Lock()
	delete(s.blocks, clientID)
	delete(s.windows, clientID)
	s.mu.Unlock()
	return nil
}

// Restore loads previously recorded blocks, skipping expired ones.
func (g *MemoryGate) Restore(entries []BlockEntry) int {
	now := g.now()
	n := 0
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		s := g.shardFor(e.ClientID)
		s.mu.Lock()
		s.blocks[e.ClientID] = e
		s.mu.Unlock()
		n++
	}
	return n
}

// Blocks returns the active blocks ordered by block time.
func (g *MemoryGate) Blocks(_ context.Context) ([]BlockEntry, error) {
	now := g.now()
	var out []BlockEntry
	for _, s := range g.shards {
		s.mu.Lock()
		for id, b := range s.blocks {
			if b.Expired(now) {
				delete(s.blocks, id)
				continue
			}
			out = append(out, b)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockedAt.Equal(out[j].BlockedAt) {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].BlockedAt.Before(out[j].BlockedAt)
	})
	return out, nil
}

// Sweep removes windows with no timestamps inside the window and expired blocks.
func (g *MemoryGate) Sweep(now time.Time) (windows, blocks int) {
	cutoff := now.Add(-g.window)
	for _, s := range g.shards {
		s.mu.Lock()
		for id, ts := range s.windows {
			ts = purge(ts, cutoff)
			if len(ts) == 0 {
				delete(s.windows, id)
				windows++
				continue
			}
			s.windows[id] = ts
		}
		for id, b := range s.blocks {
			if b.Expired(now) {
				delete(s.blocks, id)
				blocks++
			}
		}
		s.mu.Unlock()
	}
	return windows, blocks
}

// Run sweeps on every interval tick until ctx is cancelled.
func (g *MemoryGate) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w, b := g.Sweep(g.now())
			if w > 0 || b > 0 {
				slog.Debug("rate gate sweep", "windows_removed", w, "blocks_expired", b)
			}
		}
	}
}
