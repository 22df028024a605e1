package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLockout(t *testing.T) (*Lockout, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLockout("test", LockoutConfig{
		MaxFailures: 3,
		Window:      time.Minute,
		BlockFor:    5 * time.Minute,
		MaxBlockFor: 15 * time.Minute,
	})
	l.now = clock.now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLockoutBlocksAfterMaxFailures(t *testing.T) {
	l, clock := newTestLockout(t)

	for i := 0; i < 2; i++ {
		if l.Failure("192.0.2.1") {
			t.Fatalf("failure %d blocked early", i+1)
		}
	}
	if !l.Failure("192.0.2.1") {
		t.Fatal("third failure did not block")
	}

	blocked, remaining := l.Blocked("192.0.2.1")
	if !blocked || remaining != 5*time.Minute {
		t.Fatalf("Blocked() = %v, %v, want true, 5m", blocked, remaining)
	}
	if blocked, _ := l.Blocked("192.0.2.2"); blocked {
		t.Error("unrelated key blocked")
	}

	clock.advance(5 * time.Minute)
	if blocked, _ := l.Blocked("192.0.2.1"); blocked {
		t.Error("block did not expire")
	}
}

func TestLockoutFailuresOutsideWindowAreForgotten(t *testing.T) {
	l, clock := newTestLockout(t)

	l.Failure("k")
	l.Failure("k")
	clock.advance(2 * time.Minute)
	if l.Failure("k") {
		t.Fatal("stale failures counted toward the block")
	}
}

func TestLockoutProgressiveBlock(t *testing.T) {
	l, clock := newTestLockout(t)

	want := []time.Duration{5 * time.Minute, 10 * time.Minute, 15 * time.Minute, 15 * time.Minute}
	for i, w := range want {
		for j := 0; j < 3; j++ {
			l.Failure("k")
		}
		_, remaining := l.Blocked("k")
		if remaining != w {
			t.Fatalf("offence %d: block = %v, want %v", i+1, remaining, w)
		}
		clock.advance(remaining)
	}
}

func TestLockoutSuccessResetsFailures(t *testing.T) {
	l, _ := newTestLockout(t)

	l.Failure("k")
	l.Failure("k")
	l.Success("k")
	if l.Failure("k") {
		t.Fatal("failures not cleared by Success")
	}
}

func TestLockoutEntriesAndUnblock(t *testing.T) {
	l, clock := newTestLockout(t)

	for i := 0; i < 3; i++ {
		l.Failure("a")
	}
	clock.advance(time.Second)
	for i := 0; i < 3; i++ {
		l.Failure("b")
	}

	entries := l.Entries()
	if len(entries) != 2 || entries[0].Key != "a" || entries[1].Key != "b" {
		t.Fatalf("Entries() = %+v, want a then b", entries)
	}

	if !l.Unblock("a") {
		t.Fatal("Unblock(a) = false")
	}
	if l.Unblock("a") {
		t.Error("second Unblock(a) = true")
	}
	if l.Unblock("unknown") {
		t.Error("Unblock(unknown) = true")
	}
	if blocked, _ := l.Blocked("a"); blocked {
		t.Error("a still blocked")
	}
}

func TestLockoutCleanup(t *testing.T) {
	l, clock := newTestLockout(t)

	l.Failure("idle")
	for i := 0; i < 3; i++ {
		l.Failure("blocked")
	}
	clock.advance(2 * time.Minute)
	l.Cleanup()

	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}
	if blocked, _ := l.Blocked("blocked"); !blocked {
		t.Error("active block was cleaned up")
	}
}
