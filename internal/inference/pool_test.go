package inference

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSubmitAndWait(t *testing.T) {
	p := NewPool(2, 8)
	defer p.Close()

	fut, err := p.Submit(context.Background(), "req-1", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)

	result, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, "req-1", fut.ID())
	assert.Equal(t, 0, p.Pending())
}

func TestPoolDuplicateRequestID(t *testing.T) {
	p := NewPool(1, 8)
	defer p.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	_, err := p.Submit(context.Background(), "req-dup", func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	_, err = p.Submit(context.Background(), "req-dup", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
	close(release)
}

func TestPoolCancelRunsHookAndFreesBudget(t *testing.T) {
	p := NewPool(1, 8)
	defer p.Close()

	b := NewBudget(100, 10, time.Second)
	require.NoError(t, b.ChargeEmbeddings(1))

	started := make(chan struct{})
	fut, err := p.Submit(context.Background(), "req-cancel",
		func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
		WithCancelHook(func() { b.RefundEmbeddings(1) }),
	)
	require.NoError(t, err)
	<-started

	assert.True(t, p.Cancel("req-cancel"))
	assert.False(t, p.Cancel("req-cancel"), "second cancel is a no-op")

	_, err = fut.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)

	_, embeddings := b.Usage()
	assert.Equal(t, 0, embeddings, "budget slot freed on cancel")
}

func TestPoolCancelBeforeStart(t *testing.T) {
	p := NewPool(1, 8)
	defer p.Close()

	var ran atomic.Bool

	// Occupy the single worker so the second task stays queued.
	release := make(chan struct{})
	started := make(chan struct{})
	_, err := p.Submit(context.Background(), "req-blocker", func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	fut, err := p.Submit(context.Background(), "req-queued", func(ctx context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	require.NoError(t, err)

	require.True(t, p.Cancel("req-queued"))
	close(release)

	_, err = fut.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)
	p.Close()
	assert.False(t, ran.Load(), "canceled task must not execute")
}

func TestPoolClosedRejectsSubmissions(t *testing.T) {
	p := NewPool(1, 1)
	p.Close()

	_, err := p.Submit(context.Background(), "req-late", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolSubmitRacingCloseNeverPanics(t *testing.T) {
	// Submissions that pass the closed check while Close runs must either
	// enqueue cleanly or fail with ErrPoolClosed; a send on the closed task
	// channel would panic.
	for round := 0; round < 20; round++ {
		p := NewPool(2, 1)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				fut, err := p.Submit(context.Background(), fmt.Sprintf("req-race-%d", i),
					func(ctx context.Context) (any, error) { return i, nil })
				if err != nil {
					assert.ErrorIs(t, err, ErrPoolClosed)
					return
				}
				_, _ = fut.Wait(context.Background())
			}(i)
		}

		p.Close()
		wg.Wait()
	}
}
