package session

import (
	"testing"
	"time"
)

func TestAudioLimiter_SteadyOverRateKeepsFractionalRefill(t *testing.T) {
	now := time.Unix(0, 0)
	l := newAudioLimiter(func() time.Time { return now }, 100, 0, 1)

	// 200 chunks/s for five seconds against a 100/s limit: the burst of 100
	// plus 500 refilled tokens should pass, not just the burst.
	accepted := 0
	for i := 0; i < 1000; i++ {
		if l.allow(320) {
			accepted++
		}
		now = now.Add(5 * time.Millisecond)
	}
	if accepted < 590 || accepted > 600 {
		t.Fatalf("accepted=%d, want about 600", accepted)
	}
}

func TestAudioLimiter_ByteBudget(t *testing.T) {
	now := time.Unix(0, 0)
	l := newAudioLimiter(func() time.Time { return now }, 0, 1000, 1)

	if !l.allow(600) {
		t.Fatalf("first chunk should pass")
	}
	if l.allow(600) {
		t.Fatalf("second chunk should exceed the byte budget")
	}
	now = now.Add(250 * time.Millisecond)
	if !l.allow(600) {
		t.Fatalf("chunk should pass after refill")
	}
}

func TestAudioLimiter_NilAllowsEverything(t *testing.T) {
	var l *audioLimiter
	if newAudioLimiter(nil, 0, 0, 0) != nil {
		t.Fatalf("expected nil limiter when no caps are set")
	}
	if !l.allow(1 << 20) {
		t.Fatalf("nil limiter should allow")
	}
}

func TestBucket_LongIdleRefillsToMax(t *testing.T) {
	b := newBucket(1_000_000, 2)
	b.tokens = 0
	b.refill(1000 * time.Hour)
	if b.tokens != b.max || b.credit != 0 {
		t.Fatalf("tokens=%d credit=%d", b.tokens, b.credit)
	}
}
