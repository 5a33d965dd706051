package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/riskevent"
)

func TestClaim(t *testing.T) {
	claims := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/receipts/claim", r.URL.Path)
		var req struct {
			IdempotencyKey string `json:"idempotency_key"`
			TenantID       string `json:"tenant_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.TenantID)

		firstClaim := !claims[req.IdempotencyKey]
		claims[req.IdempotencyKey] = true
		json.NewEncoder(w).Encode(map[string]bool{"claimed": firstClaim})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	claimed, err := c.Claim(ctx, "tenant-a", "int-1", "aabbccdd00112233")
	require.NoError(t, err)
	assert.True(t, claimed, "first claim wins")

	claimed, err = c.Claim(ctx, "tenant-a", "int-2", "aabbccdd00112233")
	require.NoError(t, err)
	assert.False(t, claimed, "second claim of the same key loses")
}

func TestClaimUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	_, err := c.Claim(context.Background(), "tenant-a", "int-1", "aabbccdd00112233")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAppendEvent(t *testing.T) {
	var received riskevent.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/events", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ev := riskevent.NewEvent("tenant-a", riskevent.TypeExecutionBlocked)
	require.NoError(t, c.AppendEvent(context.Background(), ev))
	assert.Equal(t, ev.EventID, received.EventID)
}

func TestAppendEventServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.AppendEvent(context.Background(), riskevent.NewEvent("tenant-a", riskevent.TypeQuotaExceeded))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestSyncResult(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sync", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.SyncResult(context.Background(), "tenant-a", "aabbccdd00112233", map[string]any{"status": "completed"})
	require.NoError(t, err)
	assert.Equal(t, "aabbccdd00112233", got["idempotency_key"])
}

func TestEscalate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/escalations", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"task_id": "task-99"})
	}))
	defer srv.Close()

	c := NewClient("http://127.0.0.1:1", WithEscalationURL(srv.URL))
	taskID, err := c.Escalate(context.Background(), &EscalationRequest{
		IntentID:        "int-1",
		TenantID:        "tenant-a",
		CanonicalAction: "payments.transfer",
		RiskLane:        "RED",
	})
	require.NoError(t, err)
	assert.Equal(t, "task-99", taskID)
}

func TestEscalateDefaultsPendingTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	taskID, err := c.Escalate(context.Background(), &EscalationRequest{IntentID: "int-1", TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Equal(t, "pending", taskID)
}
