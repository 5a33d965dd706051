package inference

import (
	"context"

	"github.com/google/uuid"
)

// tokensFor is the coarse token estimate used to reserve translation budget
// before a call is dispatched: one token per four bytes, minimum one.
func tokensFor(text string) int {
	return len(text)/4 + 1
}

// Lease runs a Client's calls off the caller's path on a shared Pool,
// metered by a sticky Budget. Each call reserves its budget up front,
// submits the work as a pool task, and refunds the reservation if the task
// is canceled before completing. Lease itself satisfies Client, so anything
// that embeds or translates can be handed a leased client transparently.
type Lease struct {
	client Client
	pool   *Pool
	budget *Budget
}

// NewLease wraps client with pooled, budgeted dispatch. A nil pool or
// budget falls back to a fresh default one.
func NewLease(client Client, pool *Pool, budget *Budget) *Lease {
	if pool == nil {
		pool = NewPool(0, 0)
	}
	if budget == nil {
		budget = NewBudget(0, 0, 0)
	}
	return &Lease{client: client, pool: pool, budget: budget}
}

// Name returns the underlying provider identifier.
func (l *Lease) Name() string { return l.client.Name() }

// Budget returns the budget metering this lease.
func (l *Lease) Budget() *Budget { return l.budget }

// Embed reserves one embedding per input text, then runs the provider call
// on the pool. A canceled or timed-out call refunds the reservation.
func (l *Lease) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	n := len(texts)
	if err := l.budget.ChargeEmbeddings(n); err != nil {
		return nil, err
	}
	out, err := l.dispatch(ctx, "embed", func(ctx context.Context) (any, error) {
		return l.client.Embed(ctx, texts)
	}, func() { l.budget.RefundEmbeddings(n) })
	if err != nil {
		return nil, err
	}
	return out.([][]float32), nil
}

// Translate reserves tokens proportional to the input length, then runs the
// provider call on the pool. A canceled or timed-out call refunds the
// reservation.
func (l *Lease) Translate(ctx context.Context, text, sourceLocale, targetLocale string) (string, error) {
	cost := tokensFor(text)
	if err := l.budget.ChargeTokens(cost); err != nil {
		return "", err
	}
	out, err := l.dispatch(ctx, "translate", func(ctx context.Context) (any, error) {
		return l.client.Translate(ctx, text, sourceLocale, targetLocale)
	}, func() { l.budget.RefundTokens(cost) })
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// dispatch submits fn to the pool under the budget's per-call timeout and
// waits for the result. When the wait ends on context expiry the in-flight
// request is canceled by id, which runs the refund hook exactly once.
func (l *Lease) dispatch(ctx context.Context, op string, fn TaskFunc, refund func()) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, l.budget.Timeout())
	defer cancel()

	fut, err := l.pool.Submit(ctx, op+"-"+uuid.NewString(), fn, WithCancelHook(refund))
	if err != nil {
		refund()
		return nil, err
	}

	out, err := fut.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		l.pool.Cancel(fut.ID())
	}
	return out, err
}
