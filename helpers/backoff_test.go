package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffMonotonicCap(t *testing.T) {
	t.Parallel()
	b := &Backoff{Base: 100 * time.Millisecond, Max: 3 * time.Second, CapExponent: 4}

	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.Delay()
		assert.GreaterOrEqual(t, d, prev, "attempt=%d", i)
		assert.LessOrEqual(t, d, b.Max)
		prev = d
		b.Failure()
	}
	assert.Equal(t, 100*16*time.Millisecond, b.Delay(), "capped at 2^CapExponent before Max")

	b.Reset()
	assert.Equal(t, b.Base, b.Delay(), "reset returns to base delay")
}

func TestBackoffJitterBounded(t *testing.T) {
	t.Parallel()
	b := &Backoff{Base: time.Second, Max: time.Minute, Jitter: 250 * time.Millisecond}
	for i := 0; i < 100; i++ {
		d := b.Delay()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, time.Second+250*time.Millisecond)
	}
}

func TestBackoffDelayBefore(t *testing.T) {
	t.Parallel()
	b := &Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	b.Failure()
	assert.LessOrEqual(t, b.DelayBefore(), b.Delay())
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, time.Duration(0), b.DelayBefore(), "elapsed work covers the whole delay")
}

func TestBackoffMaxWins(t *testing.T) {
	t.Parallel()
	b := &Backoff{Base: time.Second, Max: 3 * time.Second, CapExponent: 10}
	for i := 0; i < 12; i++ {
		b.Failure()
	}
	assert.Equal(t, 3*time.Second, b.Delay())
}
