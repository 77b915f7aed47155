// Package ratelimit implements the lazy-refill, atomic token bucket shared
// by local rate limiting and LLM token accounting (spec.md §4.3). All state
// lives in atomics updated via CAS loops; acquire never blocks.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Bucket is a lock-free token bucket. The zero value is not usable; use New.
type Bucket struct {
	capacity       uint64
	refillAmount   uint64
	refillInterval time.Duration

	available  atomic.Uint64
	nextRefill atomic.Int64 // unix nanos
	dropped    atomic.Uint64
}

// New returns a Bucket starting full, refilling refillAmount every
// refillInterval up to capacity.
func New(capacity, refillAmount uint64, refillInterval time.Duration) *Bucket {
	b := &Bucket{
		capacity:       capacity,
		refillAmount:   refillAmount,
		refillInterval: refillInterval,
	}
	b.available.Store(capacity)
	b.nextRefill.Store(time.Now().Add(refillInterval).UnixNano())
	return b
}

// refill performs lazy catch-up: on acquire, compute how many whole
// intervals have elapsed since nextRefill, advance nextRefill by that many
// intervals, and cap available at capacity.
func (b *Bucket) refill(now time.Time) {
	nowNanos := now.UnixNano()
	for {
		next := b.nextRefill.Load()
		if nowNanos < next {
			return
		}
		elapsed := nowNanos - next
		intervals := elapsed/int64(b.refillInterval) + 1
		newNext := next + intervals*int64(b.refillInterval)
		if !b.nextRefill.CompareAndSwap(next, newNext) {
			continue // another goroutine refilled concurrently; re-read
		}
		added := uint64(intervals) * b.refillAmount
		for {
			cur := b.available.Load()
			newVal := cur + added
			if newVal > b.capacity || newVal < cur { // overflow guard
				newVal = b.capacity
			}
			if b.available.CompareAndSwap(cur, newVal) {
				return
			}
		}
	}
}

// Verdict is the result of a failed TryAcquire.
type Verdict struct {
	Capacity      uint64
	Available     uint64
	TimeUntilNext time.Duration
}

// TryAcquire atomically attempts to consume n tokens. n == 0 or n >
// capacity is rejected immediately without touching state, per spec.md
// §4.3. Returns (true, Verdict{}) on success, or (false, verdict) carrying
// capacity/available/time-until-next-refill on failure.
func (b *Bucket) TryAcquire(n uint64) (bool, Verdict) {
	if n == 0 || n > b.capacity {
		return false, Verdict{Capacity: b.capacity, Available: b.available.Load(), TimeUntilNext: b.timeUntilNext()}
	}
	b.refill(time.Now())
	for {
		cur := b.available.Load()
		if cur < n {
			b.dropped.Add(1)
			return false, Verdict{Capacity: b.capacity, Available: cur, TimeUntilNext: b.timeUntilNext()}
		}
		if b.available.CompareAndSwap(cur, cur-n) {
			return true, Verdict{}
		}
	}
}

func (b *Bucket) timeUntilNext() time.Duration {
	d := time.Duration(b.nextRefill.Load() - time.Now().UnixNano())
	if d < 0 {
		return 0
	}
	return d
}

// Amend adjusts available by a signed delta, clamped to [0, capacity],
// never blocking. Used for post-hoc reconciliation (LLM token accounting
// and local rate-limit "tokens" type reconciliation).
func (b *Bucket) Amend(delta int64) {
	for {
		cur := b.available.Load()
		next := int64(cur) + delta
		if next < 0 {
			next = 0
		}
		if uint64(next) > b.capacity {
			next = int64(b.capacity)
		}
		if b.available.CompareAndSwap(cur, uint64(next)) {
			return
		}
	}
}

// Available returns the current token count, for observability.
func (b *Bucket) Available() uint64 { return b.available.Load() }

// Capacity returns the configured capacity.
func (b *Bucket) Capacity() uint64 { return b.capacity }

// Dropped returns the count of rejected TryAcquire calls, for observability.
func (b *Bucket) Dropped() uint64 { return b.dropped.Load() }
