package sync

import "sync/atomic"

// Budget caps the number of entities delivered during the process lifetime.
// It is shared by every Loop the supervisor starts, so restarts do not reset it.
// A nil *Budget is unlimited.
type Budget struct {
	limit int64
	used  atomic.Int64
}

// NewBudget returns a budget allowing limit deliveries
func NewBudget(limit int) *Budget {
	return &Budget{limit: int64(limit)}
}

// Allow returns how many of n entities may still be delivered
func (b *Budget) Allow(n int) int {
	if b == nil {
		return n
	}
	return int(min(int64(n), b.Remaining()))
}

// Consume records n delivered entities
func (b *Budget) Consume(n int) {
	if b == nil || n <= 0 {
		return
	}
	b.used.Add(int64(n))
}

// Remaining returns the unused allowance, never negative
func (b *Budget) Remaining() int64 {
	if b == nil {
		return -1
	}
	return max(b.limit-b.used.Load(), 0)
}

// Exhausted reports whether nothing more may be delivered
func (b *Budget) Exhausted() bool {
	return b != nil && b.Remaining() == 0
}
