package riskevent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/testutil"
)

// fakeRemote is a scriptable Appender: failUntil controls how many appends
// fail before the remote "comes back".
type fakeRemote struct {
	appended  []*Event
	failUntil int
	calls     int
}

func (r *fakeRemote) AppendEvent(ctx context.Context, ev *Event) error {
	r.calls++
	if r.calls <= r.failUntil {
		return errors.New("ledger unreachable")
	}
	r.appended = append(r.appended, ev)
	return nil
}

func testLogger(t *testing.T, remote Appender) *Logger {
	t.Helper()
	buffer, err := NewBuffer(filepath.Join(t.TempDir(), "events.db"), 10)
	require.NoError(t, err)
	t.Cleanup(func() { buffer.Close() })
	signer, err := NewSigner(testutil.SigningKey)
	require.NoError(t, err)
	return NewLogger(remote, buffer, signer)
}

func TestLoggerRemoteFirst(t *testing.T) {
	remote := &fakeRemote{}
	l := testLogger(t, remote)
	ctx := context.Background()

	ev := NewEvent("tenant-a", TypeInjectionAttempt)
	require.NoError(t, l.Log(ctx, ev))

	require.Len(t, remote.appended, 1)
	assert.NotEmpty(t, remote.appended[0].Signature, "events ship signed")

	buffered, err := l.Buffered(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, buffered, "nothing buffered when remote succeeds")
}

func TestLoggerBuffersOnRemoteFailure(t *testing.T) {
	remote := &fakeRemote{failUntil: 1}
	l := testLogger(t, remote)
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, NewEvent("tenant-a", TypeExecutionBlocked)))

	buffered, err := l.Buffered(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, buffered)
	assert.Empty(t, remote.appended)
}

func TestLoggerOfflineMode(t *testing.T) {
	l := testLogger(t, nil)
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, NewEvent("tenant-a", TypeQuotaExceeded)))
	buffered, err := l.Buffered(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, buffered)

	_, err = l.Sync(ctx)
	assert.Error(t, err, "sync without a remote is an error")
}

func TestSyncDeliversAndClearsBuffer(t *testing.T) {
	// Fail the first three appends so three events buffer, then recover.
	remote := &fakeRemote{failUntil: 3}
	l := testLogger(t, remote)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Log(ctx, NewEvent("tenant-a", TypeValidationFailed)))
	}
	buffered, _ := l.Buffered(ctx)
	require.Equal(t, 3, buffered)

	n, err := l.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	buffered, _ = l.Buffered(ctx)
	assert.Equal(t, 0, buffered)
	assert.Len(t, remote.appended, 3)
}

func TestSyncKeepsFailedRemainder(t *testing.T) {
	// Buffer three events offline, then let exactly one append succeed
	// before the remote fails again: one delivered, two remain.
	succeeded := 0
	scripted := appenderFunc(func(ctx context.Context, ev *Event) error {
		if succeeded == 0 {
			succeeded++
			return nil
		}
		return errors.New("ledger flapped")
	})

	l := testLogger(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Log(ctx, NewEvent("tenant-a", TypeSuspiciousActivity)))
	}

	l.remote = scripted
	n, err := l.Sync(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, n)

	buffered, _ := l.Buffered(ctx)
	assert.Equal(t, 2, buffered, "failed remainder stays buffered")
}

type appenderFunc func(ctx context.Context, ev *Event) error

func (f appenderFunc) AppendEvent(ctx context.Context, ev *Event) error { return f(ctx, ev) }

func TestSyncEmptyBufferIsNoop(t *testing.T) {
	remote := &fakeRemote{}
	l := testLogger(t, remote)

	n, err := l.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, remote.calls)
}
