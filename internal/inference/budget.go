package inference

import (
	"sync"
	"time"
)

// Budget defaults.
const (
	DefaultMaxTokens     = 100_000
	DefaultMaxEmbeddings = 1_000
	DefaultBudgetTimeout = 30 * time.Second
)

// Budget is a per-session cap on inference usage. Once the budget is
// exceeded it stays exceeded for the lifetime of the session: callers must
// obtain a fresh Budget to continue. All check-then-update operations are
// atomic with respect to a single session.
type Budget struct {
	mu             sync.Mutex
	maxTokens      int
	maxEmbeddings  int
	timeout        time.Duration
	usedTokens     int
	usedEmbeddings int
	exceeded       bool
}

// NewBudget creates a budget with the given caps. Non-positive caps fall
// back to the defaults.
func NewBudget(maxTokens, maxEmbeddings int, timeout time.Duration) *Budget {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if maxEmbeddings <= 0 {
		maxEmbeddings = DefaultMaxEmbeddings
	}
	if timeout <= 0 {
		timeout = DefaultBudgetTimeout
	}
	return &Budget{
		maxTokens:     maxTokens,
		maxEmbeddings: maxEmbeddings,
		timeout:       timeout,
	}
}

// Timeout returns the per-call timeout for budgeted operations.
func (b *Budget) Timeout() time.Duration {
	return b.timeout
}

// Exceeded reports whether the budget has been exhausted. Sticky: once true
// it never resets within the session.
func (b *Budget) Exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded
}

// ChargeTokens reserves n tokens. Returns ErrBudgetExceeded (and marks the
// budget exceeded) if the reservation would overrun the cap or the budget is
// already exceeded.
func (b *Budget) ChargeTokens(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exceeded {
		return ErrBudgetExceeded
	}
	if b.usedTokens+n > b.maxTokens {
		b.exceeded = true
		return ErrBudgetExceeded
	}
	b.usedTokens += n
	return nil
}

// ChargeEmbeddings reserves n embedding calls. Same semantics as ChargeTokens.
func (b *Budget) ChargeEmbeddings(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exceeded {
		return ErrBudgetExceeded
	}
	if b.usedEmbeddings+n > b.maxEmbeddings {
		b.exceeded = true
		return ErrBudgetExceeded
	}
	b.usedEmbeddings += n
	return nil
}

// RefundTokens returns n unused tokens to the budget, e.g. after a canceled
// request. A refund never clears the exceeded flag.
func (b *Budget) RefundTokens(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.usedTokens -= n
	if b.usedTokens < 0 {
		b.usedTokens = 0
	}
}

// RefundEmbeddings returns n unused embedding reservations to the budget.
// A refund never clears the exceeded flag.
func (b *Budget) RefundEmbeddings(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.usedEmbeddings -= n
	if b.usedEmbeddings < 0 {
		b.usedEmbeddings = 0
	}
}

// Usage returns the current token and embedding consumption.
func (b *Budget) Usage() (tokens, embeddings int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usedTokens, b.usedEmbeddings
}
