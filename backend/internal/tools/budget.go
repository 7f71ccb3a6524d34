package tools

import "sync/atomic"

// RetryBudget caps how many retries one fan-out may spend in total. Every
// concurrent call of the fan-out draws from the same budget, so a single
// flaky upstream cannot multiply the turn's worst-case latency by the full
// retry allowance per call.
type RetryBudget struct {
	remaining atomic.Int64
}

// NewRetryBudget returns a budget allowing n retries.
func NewRetryBudget(n int) *RetryBudget {
	b := &RetryBudget{}
	b.remaining.Store(int64(n))
	return b
}

// Take consumes one retry from the budget. It reports false when the
// budget is spent.
func (b *RetryBudget) Take() bool {
	for {
		cur := b.remaining.Load()
		if cur <= 0 {
			return false
		}
		if b.remaining.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Remaining returns how many retries are left.
func (b *RetryBudget) Remaining() int {
	return int(b.remaining.Load())
}
