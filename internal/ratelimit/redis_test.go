package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// unreachableClient points at a port nothing listens on.
func unreachableClient() redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestRedisGate_FailClosed(t *testing.T) {
	rdb := unreachableClient()
	defer rdb.Close()

	g := NewRedisGate(rdb, 10, time.Minute, 0, false, nil)
	d, err := g.Check(context.Background(), "c1")
	if err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
	if d.Allowed {
		t.Error("fail-closed gate must deny on redis errors")
	}
}

func TestRedisGate_FailOpen(t *testing.T) {
	rdb := unreachableClient()
	defer rdb.Close()

	g := NewRedisGate(rdb, 10, time.Minute, 0, true, nil)
	d, err := g.Check(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed || d.Remaining != 10 {
		t.Errorf("expected fail-open admission, got %+v", d)
	}
}

// newMiniGate returns a gate backed by an in-process redis and driven by clock.
func newMiniGate(t *testing.T, limit int, window, blockDuration time.Duration, hook BlockHook) (*RedisGate, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := newFakeClock()
	m.SetTime(clock.Now())
	g := NewRedisGate(rdb, limit, window, blockDuration, false, hook)
	g.now = clock.Now
	return g, m, clock
}

func mustCheck(t *testing.T, g *RedisGate, clientID string) Decision {
	t.Helper()
	d, err := g.Check(context.Background(), clientID)
	if err != nil {
		t.Fatalf("Check(%s): %v", clientID, err)
	}
	return d
}

func TestRedisGate_LimitThenBlock(t *testing.T) {
	var hooked []BlockEntry
	g, _, clock := newMiniGate(t, 2, time.Minute, 0, func(e BlockEntry) {
		hooked = append(hooked, e)
	})

	for i, wantRemaining := range []int{1, 0} {
		d := mustCheck(t, g, "c1")
		if !d.Allowed || d.Remaining != wantRemaining {
			t.Fatalf("request %d: expected allowed with %d remaining, got %+v", i+1, wantRemaining, d)
		}
		if !d.ResetAt.Equal(clock.Now().Add(time.Minute)) {
			t.Errorf("request %d: reset %v, want oldest entry plus window", i+1, d.ResetAt)
		}
	}

	d := mustCheck(t, g, "c1")
	if d.Allowed || !d.Blocked {
		t.Fatalf("third request should block, got %+v", d)
	}
	if d.Reason != "rate limit exceeded: 2/60s" {
		t.Errorf("unexpected reason %q", d.Reason)
	}
	if !d.ResetAt.IsZero() {
		t.Errorf("permanent block should have no reset, got %v", d.ResetAt)
	}

	d = mustCheck(t, g, "c1")
	if !d.Blocked || d.Reason != "rate limit exceeded: 2/60s" {
		t.Errorf("blocked client should stay blocked with its reason, got %+v", d)
	}
	if len(hooked) != 1 || hooked[0].ClientID != "c1" || !hooked[0].BlockedAt.Equal(clock.Now()) {
		t.Errorf("expected one hook call for c1, got %+v", hooked)
	}

	if d := mustCheck(t, g, "c2"); !d.Allowed {
		t.Errorf("other clients are unaffected, got %+v", d)
	}
}

func TestRedisGate_SameInstantCountedTwice(t *testing.T) {
	g, m, _ := newMiniGate(t, 3, time.Minute, 0, nil)

	mustCheck(t, g, "c1")
	d := mustCheck(t, g, "c1")
	if d.Remaining != 1 {
		t.Errorf("expected 1 remaining after two requests in the same microsecond, got %+v", d)
	}
	members, err := m.ZMembers(windowKey("c1"))
	if err != nil {
		t.Fatalf("read window: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("expected 2 window members, got %v", members)
	}
}

func TestRedisGate_ZeroLimitDeniesEverything(t *testing.T) {
	g, _, _ := newMiniGate(t, 0, time.Minute, 0, nil)
	if d := mustCheck(t, g, "c1"); d.Allowed || !d.Blocked {
		t.Errorf("limit 0 must deny the first request, got %+v", d)
	}
}

func TestRedisGate_WindowSlides(t *testing.T) {
	g, _, clock := newMiniGate(t, 2, time.Minute, 0, nil)

	mustCheck(t, g, "c1")
	clock.Advance(40 * time.Second)
	mustCheck(t, g, "c1")
	clock.Advance(21 * time.Second)

	d := mustCheck(t, g, "c1")
	if !d.Allowed {
		t.Fatalf("oldest request left the window, expected admission, got %+v", d)
	}
	if d.Remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", d.Remaining)
	}
	if d := mustCheck(t, g, "c1"); !d.Blocked {
		t.Errorf("expected block once the slid window is full, got %+v", d)
	}
}

func TestRedisGate_TimedBlockExpires(t *testing.T) {
	g, m, clock := newMiniGate(t, 1, time.Minute, 10*time.Minute, nil)
	ctx := context.Background()

	mustCheck(t, g, "c1")
	d := mustCheck(t, g, "c1")
	if !d.Blocked || !d.ResetAt.Equal(clock.Now().Add(10*time.Minute)) {
		t.Fatalf("expected a 10m block, got %+v", d)
	}

	clock.Advance(10*time.Minute + time.Second)
	m.FastForward(10*time.Minute + time.Second)

	blocks, err := g.Blocks(ctx)
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	if len(blocks) != 0 {
		t.Errorf("expired block should be pruned, got %+v", blocks)
	}
	if member, _ := m.IsMember(blocksSetKey, "c1"); member {
		t.Error("expired id left in the blocks set")
	}
	if d := mustCheck(t, g, "c1"); !d.Allowed {
		t.Errorf("expected admission after block expiry, got %+v", d)
	}
}

func TestRedisGate_UnblockClearsWindow(t *testing.T) {
	g, m, _ := newMiniGate(t, 1, time.Hour, 0, nil)
	ctx := context.Background()

	mustCheck(t, g, "c1")
	mustCheck(t, g, "c1")
	blocks, err := g.Blocks(ctx)
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0].ClientID != "c1" {
		t.Fatalf("expected c1 listed, got %+v", blocks)
	}

	if err := g.Unblock(ctx, "c1"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if m.Exists(windowKey("c1")) || m.Exists(blockKey("c1")) {
		t.Error("unblock should delete the window and block keys")
	}
	if d := mustCheck(t, g, "c1"); !d.Allowed {
		t.Errorf("unblocked client starts with an empty window, got %+v", d)
	}
	if blocks, _ := g.Blocks(ctx); len(blocks) != 0 {
		t.Errorf("expected no blocks after unblock, got %+v", blocks)
	}
}

func TestRedisGate_Restore(t *testing.T) {
	g, _, clock := newMiniGate(t, 10, time.Minute, 0, nil)
	ctx := context.Background()

	n, err := g.Restore(ctx, []BlockEntry{
		{ClientID: "kept", Reason: "r1", BlockedAt: clock.Now().Add(-time.Hour)},
		{ClientID: "timed", Reason: "r2", BlockedAt: clock.Now().Add(-time.Minute), ExpiresAt: clock.Now().Add(time.Hour)},
		{ClientID: "gone", Reason: "r3", BlockedAt: clock.Now().Add(-time.Hour), ExpiresAt: clock.Now().Add(-time.Minute)},
	})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 restored blocks, got %d", n)
	}

	blocks, err := g.Blocks(ctx)
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	if len(blocks) != 2 || blocks[0].ClientID != "kept" || blocks[1].ClientID != "timed" {
		t.Fatalf("unexpected blocks: %+v", blocks)
	}
	if !blocks[1].ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Errorf("restored expiry %v, want %v", blocks[1].ExpiresAt, clock.Now().Add(time.Hour))
	}

	d := mustCheck(t, g, "timed")
	if !d.Blocked || d.Reason != "r2" {
		t.Errorf("restored block should deny with its reason, got %+v", d)
	}
	if d := mustCheck(t, g, "gone"); !d.Allowed {
		t.Errorf("expired entry must not be restored, got %+v", d)
	}
}

func TestRedisKeys(t *testing.T) {
	if got := windowKey("10.0.0.1"); got != "gaiagate:rl:win:10.0.0.1" {
		t.Errorf("unexpected window key %q", got)
	}
	if got := blockKey("10.0.0.1"); got != "gaiagate:rl:block:10.0.0.1" {
		t.Errorf("unexpected block key %q", got)
	}
}

func TestParseMicros(t *testing.T) {
	tests := []struct {
		in   any
		want int64
	}{
		{int64(42), 42},
		{"1735732800000000", 1735732800000000},
		{"0", 0},
		{"bad", 0},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := parseMicros(tt.in); got != tt.want {
			t.Errorf("parseMicros(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

var (
	_ Gate = (*MemoryGate)(nil)
	_ Gate = (*RedisGate)(nil)
)
