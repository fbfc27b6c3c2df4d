package queue

import (
	"sync"
	"time"
)

// Breaker is a simple consecutive-failure circuit breaker. It opens after
// threshold failures in a row and allows a single trial call once the
// cooldown has elapsed; a success closes it, a failure re-opens it.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
	probing   bool // a half-open trial is in flight
	now       func() time.Time
}

// NewBreaker returns a closed breaker.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call to the guarded dependency may proceed. Once
// the cooldown has elapsed it admits exactly one trial; further callers are
// rejected until that trial reports via RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true
	}
	if b.now().After(b.openUntil) && !b.probing {
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess resets the failure count, closing the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a failure and (re)starts the cooldown if the
// threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
	}
}

// Open reports whether the breaker is currently rejecting calls. Unlike
// Allow, it never consumes the half-open trial.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return false
	}
	return b.probing || !b.now().After(b.openUntil)
}
