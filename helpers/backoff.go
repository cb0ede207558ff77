package helpers

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/temoto/atomic_clock"
)

const DefaultCapExponent = 6

// Backoff computes retry delays as min(Base*2^min(attempt, CapExponent), Max)
// plus a bounded random addend. The deterministic part is non-decreasing in
// attempt count; jitter spreads devices that lost connectivity together.
// Failure() increments the attempt counter, Reset() returns to Base.
// Safe for concurrent use.
type Backoff struct {
	attempt int64 // atomic align
	last    atomic_clock.Clock

	Base        time.Duration
	Max         time.Duration
	CapExponent uint
	Jitter      time.Duration // max random addend, 0 disables
}

func (b *Backoff) Attempt() int { return int(atomic.LoadInt64(&b.attempt)) }

func (b *Backoff) Failure() {
	atomic.AddInt64(&b.attempt, 1)
	b.last.SetNow()
}

func (b *Backoff) Reset() {
	atomic.StoreInt64(&b.attempt, 0)
	b.last.SetNow()
}

// Delay returns the full wait for the current attempt count.
func (b *Backoff) Delay() time.Duration {
	d := b.delayBase()
	if b.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(b.Jitter)))
	}
	return d
}

// DelayBefore returns Delay() minus time already elapsed since the last
// Failure/Reset, so callers that do slow work between attempts do not
// over-wait.
func (b *Backoff) DelayBefore() time.Duration {
	d := b.Delay()
	if b.last.IsZero() {
		return d
	}
	since := atomic_clock.Since(&b.last)
	if since >= d {
		return 0
	}
	return d - since
}

func (b *Backoff) delayBase() time.Duration {
	n := atomic.LoadInt64(&b.attempt)
	capExp := b.CapExponent
	if capExp == 0 {
		capExp = DefaultCapExponent
	}
	if n > int64(capExp) {
		n = int64(capExp)
	}
	d := b.Base << uint(n)
	// shifted past Max or wrapped
	if d > b.Max || d < b.Base {
		d = b.Max
	}
	return d
}
