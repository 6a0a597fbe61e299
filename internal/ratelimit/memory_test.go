package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemoryGate_LimitThenBlock(t *testing.T) {
	clock := newFakeClock()
	g := NewMemoryGate(2, 60*time.Second, 0, WithClock(clock.Now))

	if !g.Admit("c1") {
		t.Fatal("first request should be admitted")
	}
	if !g.Admit("c1") {
		t.Fatal("second request should be admitted")
	}
	if g.Admit("c1") {
		t.Fatal("third request should be denied")
	}
	if !g.IsBlocked("c1") {
		t.Fatal("client should be blocked after exceeding the limit")
	}

	// A block outlives the window when no block duration is configured.
	clock.Advance(2 * time.Hour)
	if g.Admit("c1") {
		t.Error("blocked client must stay denied")
	}
	if g.IsBlocked("c2") {
		t.Error("other clients are unaffected")
	}
	if !g.Admit("c2") {
		t.Error("other client should be admitted")
	}
}

func TestMemoryGate_BlockReason(t *testing.T) {
	g := NewMemoryGate(2, 60*time.Second, 0)
	g.Admit("c1")
	g.Admit("c1")
	d, err := g.Check(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed || !d.Blocked {
		t.Fatalf("expected blocked decision, got %+v", d)
	}
	if d.Reason != "rate limit exceeded: 2/60s" {
		t.Errorf("unexpected reason %q", d.Reason)
	}
}

func TestMemoryGate_WindowSlides(t *testing.T) {
	clock := newFakeClock()
	g := NewMemoryGate(2, time.Minute, 0, WithClock(clock.Now))

	g.Admit("c1")
	clock.Advance(30 * time.Second)
	g.Admit("c1")

	// The first timestamp leaves the window; one slot frees up before the limit is hit.
	clock.Advance(31 * time.Second)
	if !g.Admit("c1") {
		t.Fatal("expected admission after oldest timestamp expired")
	}
	if g.IsBlocked("c1") {
		t.Error("client should not be blocked")
	}
}

func TestMemoryGate_Remaining(t *testing.T) {
	clock := newFakeClock()
	g := NewMemoryGate(3, time.Minute, 0, WithClock(clock.Now))
	ctx := context.Background()

	for want := 2; want >= 0; want-- {
		d, _ := g.Check(ctx, "c1")
		if !d.Allowed {
			t.Fatalf("expected allowed, remaining %d", want)
		}
		if d.Remaining != want {
			t.Errorf("expected remaining=%d, got %d", want, d.Remaining)
		}
		if !d.ResetAt.Equal(clock.Now().Add(time.Minute)) {
			t.Errorf("unexpected reset time %v", d.ResetAt)
		}
	}
}

func TestMemoryGate_ZeroLimitDeniesAll(t *testing.T) {
	g := NewMemoryGate(0, time.Minute, 0)
	if g.Admit("c1") {
		t.Error("limit 0 must deny every request")
	}
}

func TestMemoryGate_BlockedDoesNotMutateWindow(t *testing.T) {
	clock := newFakeClock()
	g := NewMemoryGate(1, time.Minute, time.Minute, WithClock(clock.Now))
	g.Admit("c1")
	g.Admit("c1") // blocks

	s := g.shardFor("c1")
	before := len(s.windows["c1"])
	for i := 0; i < 5; i++ {
		g.Admit("c1")
	}
	if after := len(s.windows["c1"]); after != before {
		t.Errorf("window changed while blocked: %d -> %d", before, after)
	}
}

func TestMemoryGate_BlockExpires(t *testing.T) {
	clock := newFakeClock()
	g := NewMemoryGate(1, time.Minute, 10*time.Minute, WithClock(clock.Now))
	g.Admit("c1")
	g.Admit("c1")

	d, _ := g.Check(context.Background(), "c1")
	if !d.ResetAt.Equal(clock.Now().Add(10 * time.Minute)) {
		t.Errorf("expected reset at block expiry, got %v", d.ResetAt)
	}

	clock.Advance(10 * time.Minute)
	if g.IsBlocked("c1") {
		t.Fatal("block should have expired")
	}
	if !g.Admit("c1") {
		t.Error("expected admission after block expiry")
	}
}

func TestMemoryGate_Unblock(t *testing.T) {
	g := NewMemoryGate(1, time.Hour, 0)
	ctx := context.Background()
	g.Admit("c1")
	g.Admit("c1")
	if !g.IsBlocked("c1") {
		t.Fatal("expected block")
	}
	if err := g.Unblock(ctx, "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.IsBlocked("c1") {
		t.Fatal("expected unblocked")
	}
	if !g.Admit("c1") {
		t.Error("unblocked client starts with an empty window")
	}
}

func TestMemoryGate_BlockHookAndList(t *testing.T) {
	clock := newFakeClock()
	var hooked []BlockEntry
	g := NewMemoryGate(1, time.Minute, 0, WithClock(clock.Now), WithBlockHook(func(e BlockEntry) {
		hooked = append(hooked, e)
	}))

	g.Admit("b")
	g.Admit("b")
	clock.Advance(time.Second)
	g.Admit("a")
	g.Admit("a")
	g.Admit("a") // already blocked, no second hook call

	if len(hooked) != 2 {
		t.Fatalf("expected 2 hook calls, got %d", len(hooked))
	}
	blocks, err := g.Blocks(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 2 || blocks[0].ClientID != "b" || blocks[1].ClientID != "a" {
		t.Errorf("unexpected block order: %+v", blocks)
	}
	if !blocks[0].ExpiresAt.IsZero() {
		t.Error("permanent block should have zero expiry")
	}
}

func TestMemoryGate_Restore(t *testing.T) {
	clock := newFakeClock()
	g := NewMemoryGate(10, time.Minute, 0, WithClock(clock.Now))
	n := g.Restore([]BlockEntry{
		{ClientID: "kept", Reason: "r", BlockedAt: clock.Now().Add(-time.Hour)},
		{ClientID: "gone", Reason: "r", BlockedAt: clock.Now().Add(-time.Hour), ExpiresAt: clock.Now().Add(-time.Minute)},
	})
	if n != 1 {
		t.Errorf("expected 1 restored block, got %d", n)
	}
	if !g.IsBlocked("kept") || g.IsBlocked("gone") {
		t.Error("restore applied the wrong blocks")
	}
}

func TestMemoryGate_Sweep(t *testing.T) {
	clock := newFakeClock()
	g := NewMemoryGate(1, time.Minute, 5*time.Minute, WithClock(clock.Now))
	g.Admit("idle")
	g.Admit("blocked")
	g.Admit("blocked")

	clock.Advance(2 * time.Minute)
	g.Admit("active")

	windows, blocks := g.Sweep(clock.Now())
	if windows != 2 {
		t.Errorf("expected 2 stale windows removed, got %d", windows)
	}
	if blocks != 0 {
		t.Errorf("expected no expired blocks yet, got %d", blocks)
	}

	clock.Advance(5 * time.Minute)
	_, blocks = g.Sweep(clock.Now())
	if blocks != 1 {
		t.Errorf("expected 1 expired block, got %d", blocks)
	}
}

func TestMemoryGate_RunStopsOnCancel(t *testing.T) {
	g := NewMemoryGate(1, time.Millisecond, 0)
	g.Admit("c1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		s := g.shardFor("c1")
		s.mu.Lock()
		_, present := s.windows["c1"]
		s.mu.Unlock()
		if !present {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweep never removed the stale window")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMemoryGate_ConcurrentAdmissionsNeverExceedLimit(t *testing.T) {
	const limit = 50
	g := NewMemoryGate(limit, time.Hour, 0)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Admit("shared") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != limit {
		t.Errorf("expected exactly %d admissions, got %d", limit, got)
	}
	if !g.IsBlocked("shared") {
		t.Error("expected shared client to be blocked")
	}
}

func TestMemoryGate_ManyClients(t *testing.T) {
	g := NewMemoryGate(1, time.Hour, 0)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if !g.Admit(id) {
				t.Errorf("first request for %s denied", id)
			}
		}(fmt.Sprintf("client-%d", i))
	}
	wg.Wait()
}

func TestExceededReason(t *testing.T) {
	if got := ExceededReason(100, time.Hour); got != "rate limit exceeded: 100/3600s" {
		t.Errorf("unexpected reason %q", got)
	}
}
