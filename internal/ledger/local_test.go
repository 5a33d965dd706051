package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/riskevent"
)

func testLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir() + "/ledger.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLocalClaimFirstWins(t *testing.T) {
	l := testLocal(t)
	ctx := context.Background()

	claimed, err := l.Claim(ctx, "acme", "int_1", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = l.Claim(ctx, "acme", "int_2", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	assert.False(t, claimed, "the second claim on the same key loses")
}

func TestLocalClaimConcurrent(t *testing.T) {
	l := testLocal(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wins := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := l.Claim(ctx, "acme", "int_1", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
			if err == nil && claimed {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent claim wins")
}

func TestLocalSyncResult(t *testing.T) {
	l := testLocal(t)
	ctx := context.Background()

	claimed, err := l.Claim(ctx, "acme", "int_1", "cccccccccccccccccccccccccccccccc")
	require.NoError(t, err)
	require.True(t, claimed)

	err = l.SyncResult(ctx, "acme", "cccccccccccccccccccccccccccccccc", map[string]any{"done": true})
	assert.NoError(t, err)
}

func TestLocalAppendEvent(t *testing.T) {
	l := testLocal(t)
	ctx := context.Background()

	ev := riskevent.NewEvent("acme", riskevent.TypeInjectionAttempt)
	require.NoError(t, l.AppendEvent(ctx, ev))
	// Replaying the same event id is a no-op, not an error.
	require.NoError(t, l.AppendEvent(ctx, ev))
}

func TestLocalEscalate(t *testing.T) {
	l := testLocal(t)
	ctx := context.Background()

	taskID, err := l.Escalate(ctx, &EscalationRequest{
		IntentID:        "int_1",
		TenantID:        "acme",
		CanonicalAction: "payments.transfer",
		RiskLane:        "RED",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)

	pending, err := l.PendingEscalations(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "payments.transfer", pending[0].CanonicalAction)
}
