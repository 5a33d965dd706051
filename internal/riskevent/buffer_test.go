package riskevent

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/testutil"
)

func testBuffer(t *testing.T, capacity int) *Buffer {
	t.Helper()
	b, err := NewBuffer(filepath.Join(t.TempDir(), "events.db"), capacity)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBufferPushAndList(t *testing.T) {
	b := testBuffer(t, 10)
	ctx := context.Background()

	first := NewEvent("tenant-a", TypeInjectionAttempt).WithDetail("score", 90)
	second := NewEvent("tenant-a", TypeExecutionBlocked).WithLane("BLOCKED")
	require.NoError(t, b.Push(ctx, first))
	require.NoError(t, b.Push(ctx, second))

	events, err := b.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first.EventID, events[0].EventID, "FIFO order")
	assert.Equal(t, second.EventID, events[1].EventID)
	assert.Equal(t, TypeInjectionAttempt, events[0].EventType)
	assert.Equal(t, "BLOCKED", events[1].RiskLane)
}

func TestBufferEvictsOldestAtCapacity(t *testing.T) {
	b := testBuffer(t, 3)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ev := NewEvent("tenant-a", TypeValidationFailed).WithDetail("n", i)
		ids = append(ids, ev.EventID)
		require.NoError(t, b.Push(ctx, ev))
	}

	n, err := b.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "never exceeds capacity")

	events, err := b.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, ids[2], events[0].EventID, "oldest two evicted")
	assert.Equal(t, ids[4], events[2].EventID, "newest kept")
}

func TestBufferRemove(t *testing.T) {
	b := testBuffer(t, 10)
	ctx := context.Background()

	keep := NewEvent("tenant-a", TypeQuotaExceeded)
	drop := NewEvent("tenant-a", TypeSuspiciousActivity)
	require.NoError(t, b.Push(ctx, keep))
	require.NoError(t, b.Push(ctx, drop))

	require.NoError(t, b.Remove(ctx, []string{drop.EventID}))
	require.NoError(t, b.Remove(ctx, nil), "empty removal is a no-op")

	events, err := b.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, keep.EventID, events[0].EventID)
}

func TestBufferSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.db")
	ctx := context.Background()

	b, err := NewBuffer(path, 10)
	require.NoError(t, err)
	ev := NewEvent("tenant-a", TypeTranslationFailed)
	require.NoError(t, b.Push(ctx, ev))
	require.NoError(t, b.Close())

	reopened, err := NewBuffer(path, 10)
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.EventID, events[0].EventID)
}

func TestBufferListByTenant(t *testing.T) {
	b := testBuffer(t, 10)
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, NewEvent("tenant-a", TypeInjectionAttempt)))
	require.NoError(t, b.Push(ctx, NewEvent("tenant-b", TypeInjectionAttempt)))
	require.NoError(t, b.Push(ctx, NewEvent("tenant-a", TypeExecutionBlocked)))

	events, err := b.ListByTenant(ctx, "tenant-a", 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, "tenant-a", ev.TenantID)
	}
}

func TestSignerRoundTrip(t *testing.T) {
	signer, err := NewSigner(testutil.SigningKey)
	require.NoError(t, err)

	ev := NewEvent("tenant-a", TypeUnauthorizedAction).WithBlockedAction("payments.transfer")
	require.NoError(t, signer.SignEvent(ev))
	require.NotEmpty(t, ev.Signature)
	assert.Contains(t, ev.Signature, "hmac-sha256:")

	ok, err := signer.VerifyEvent(ev)
	require.NoError(t, err)
	assert.True(t, ok)

	ev.Details["tampered"] = true
	ok, err = signer.VerifyEvent(ev)
	require.NoError(t, err)
	assert.False(t, ok, "tampered event must fail verification")
}

func TestSignerRejectsShortKey(t *testing.T) {
	_, err := NewSigner("too-short")
	assert.Error(t, err)
}

func TestSignerHexKey(t *testing.T) {
	hexKey := ""
	for i := 0; i < 64; i++ {
		hexKey += fmt.Sprintf("%x", i%16)
	}
	signer, err := NewSigner(hexKey)
	require.NoError(t, err)

	sig, err := signer.Sign([]byte("payload"))
	require.NoError(t, err)
	assert.True(t, signer.Verify([]byte("payload"), sig))
	assert.False(t, signer.Verify([]byte("other"), sig))
}
