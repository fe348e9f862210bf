package session

import "time"

// bucket is a token bucket refilled continuously at rate tokens per second,
// holding at most rate*burst tokens.
type bucket struct {
	rate   int64
	max    int64
	tokens int64
	// credit is refill below one whole token, in token-nanoseconds.
	credit int64
}

func newBucket(rate int64, burstSeconds int64) bucket {
	if rate <= 0 {
		return bucket{}
	}
	return bucket{rate: rate, max: rate * burstSeconds, tokens: rate * burstSeconds}
}

func (b *bucket) enabled() bool { return b.rate > 0 }

func (b *bucket) refill(elapsed time.Duration) {
	if !b.enabled() {
		return
	}
	if b.tokens >= b.max {
		b.credit = 0
		return
	}
	// Anything past a full refill is irrelevant and would overflow the product.
	elapsed = min(elapsed, time.Duration(b.max/b.rate+1)*time.Second)
	total := elapsed.Nanoseconds()*b.rate + b.credit
	b.tokens += total / int64(time.Second)
	b.credit = total % int64(time.Second)
	if b.tokens >= b.max {
		b.tokens = b.max
		b.credit = 0
	}
}

// audioLimiter caps inbound audio by chunks per second and bytes per second.
// A nil limiter allows everything. Callers serialize access.
type audioLimiter struct {
	now    func() time.Time
	last   time.Time
	chunks bucket
	bytes  bucket
}

func newAudioLimiter(now func() time.Time, chunksPerSecond int, bytesPerSecond int64, burstSeconds int) *audioLimiter {
	if chunksPerSecond <= 0 && bytesPerSecond <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	return &audioLimiter{
		now:    now,
		last:   now(),
		chunks: newBucket(int64(chunksPerSecond), int64(burstSeconds)),
		bytes:  newBucket(bytesPerSecond, int64(burstSeconds)),
	}
}

func (l *audioLimiter) allow(n int) bool {
	if l == nil {
		return true
	}
	now := l.now()
	if elapsed := now.Sub(l.last); elapsed > 0 {
		l.chunks.refill(elapsed)
		l.bytes.refill(elapsed)
		l.last = now
	}

	size := int64(max(n, 0))
	if l.chunks.enabled() && l.chunks.tokens < 1 {
		return false
	}
	if l.bytes.enabled() && l.bytes.tokens < size {
		return false
	}
	if l.chunks.enabled() {
		l.chunks.tokens--
	}
	if l.bytes.enabled() {
		l.bytes.tokens -= size
	}
	return true
}
