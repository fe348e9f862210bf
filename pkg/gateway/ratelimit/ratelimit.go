// Package ratelimit keeps per-principal request budgets and concurrency
// caps in memory. It is single-process only.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests int
	// MaxConcurrentStreams caps open session streams per principal. Streams
	// do not count against MaxConcurrentRequests.
	MaxConcurrentStreams int

	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	tokens   float64
	last     time.Time
	lastSeen time.Time

	requests chan struct{}
	streams  chan struct{}
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{cfg: cfg, entries: make(map[string]*entry)}
}

func PrincipalKeyFromAPIKey(apiKey string) string {
	return "k_" + shortHash(apiKey)
}

func PrincipalKeyFromIP(ip string) string {
	return "ip_" + shortHash(ip)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

// Permit is a held concurrency slot. Release is idempotent.
type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AcquireRequest spends one token and takes a request slot.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	e := l.entry(principal, now)
	if ok, retryAfter := e.take(now, l.cfg.RPS, l.cfg.Burst); !ok {
		return Decision{RetryAfter: retryAfter}
	}
	return acquire(e.requests, l.cfg.MaxConcurrentRequests)
}

// AcquireStream spends one token and takes a stream slot. The permit is held
// for the lifetime of the stream.
func (l *Limiter) AcquireStream(principal string, now time.Time) Decision {
	e := l.entry(principal, now)
	if ok, retryAfter := e.take(now, l.cfg.RPS, l.cfg.Burst); !ok {
		return Decision{RetryAfter: retryAfter}
	}
	return acquire(e.streams, l.cfg.MaxConcurrentStreams)
}

// Len reports the number of tracked principals.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func acquire(sem chan struct{}, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	select {
	case sem <- struct{}{}:
		return Decision{Allowed: true, Permit: &Permit{release: func() { <-sem }}}
	default:
		return Decision{RetryAfter: 1}
	}
}

func (l *Limiter) entry(principal string, now time.Time) *entry {
	if principal == "" {
		principal = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[principal]; ok {
		e.lastSeen = now
		return e
	}
	if len(l.entries) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}
	e := &entry{
		tokens:   float64(l.cfg.Burst),
		last:     now,
		lastSeen: now,
		requests: make(chan struct{}, max(1, l.cfg.MaxConcurrentRequests)),
		streams:  make(chan struct{}, max(1, l.cfg.MaxConcurrentStreams)),
	}
	l.entries[principal] = e
	return e
}

// evictLocked drops expired entries, then the least recently seen one if the
// map is still full. Entries holding permits keep their channels alive through
// the permits themselves.
func (l *Limiter) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) > l.cfg.EntryTTL {
			delete(l.entries, k)
			continue
		}
		if oldestKey == "" || e.lastSeen.Before(oldest) {
			oldestKey, oldest = k, e.lastSeen
		}
	}
	if len(l.entries) >= l.cfg.MaxEntries && oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}

func (e *entry) take(now time.Time, rps float64, burst int) (bool, int) {
	if rps <= 0 || burst <= 0 {
		return true, 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if elapsed := now.Sub(e.last).Seconds(); elapsed > 0 {
		e.tokens = math.Min(float64(burst), e.tokens+elapsed*rps)
		e.last = now
	}
	if e.tokens >= 1 {
		e.tokens--
		return true, 0
	}
	retryAfter := int(math.Ceil((1 - e.tokens) / rps))
	return false, max(1, retryAfter)
}
