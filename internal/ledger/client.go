// Package ledger is the HTTP client for the remote governance services: the
// append-only audit ledger, the idempotency receipt claimer, the result sync
// endpoint, and the human-escalation queue. Only the JSON contract is owned
// here; the services themselves are external.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/wardenlabs/warden/internal/otel"
	"github.com/wardenlabs/warden/internal/riskevent"
)

var tracer = wardenotel.Tracer("github.com/wardenlabs/warden/internal/ledger")

// Timeouts for remote calls. Claims sit on the execution path and must fail
// fast; event appends and escalations can afford a little more.
const (
	TimeoutClaim  = 5 * time.Second
	TimeoutAppend = 10 * time.Second
	TimeoutSync   = 10 * time.Second
)

// ErrUnavailable wraps transport-level failures so callers can distinguish
// "ledger said no" from "ledger unreachable".
var ErrUnavailable = errors.New("ledger unavailable")

// Client talks to the remote ledger over HTTP JSON.
type Client struct {
	baseURL       string
	escalationURL string
	httpClient    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (tests, custom
// transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithEscalationURL points escalations at a separate service. Defaults to
// the ledger base URL.
func WithEscalationURL(url string) Option {
	return func(c *Client) { c.escalationURL = url }
}

// NewClient creates a ledger client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:       baseURL,
		escalationURL: baseURL,
		httpClient:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type claimRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	TenantID       string `json:"tenant_id"`
	IntentID       string `json:"intent_id"`
}

type claimResponse struct {
	Claimed bool `json:"claimed"`
}

// Claim attempts to claim an idempotency key. Returns true when this call
// won the claim (first execution), false when the key was already claimed.
// The remote endpoint is the single source of truth: the claim is atomic
// against concurrent claims of the same key.
func (c *Client) Claim(ctx context.Context, tenantID, intentID, idempotencyKey string) (bool, error) {
	ctx, span := tracer.Start(ctx, "ledger.claim",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("intent_id", intentID),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutClaim)
	defer cancel()

	var resp claimResponse
	err := c.postJSON(ctx, c.baseURL+"/v1/receipts/claim", claimRequest{
		IdempotencyKey: idempotencyKey,
		TenantID:       tenantID,
		IntentID:       intentID,
	}, &resp)
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	span.SetAttributes(attribute.Bool("receipt.claimed", resp.Claimed))
	return resp.Claimed, nil
}

// AppendEvent appends one risk event to the remote audit ledger.
func (c *Client) AppendEvent(ctx context.Context, ev *riskevent.Event) error {
	ctx, span := tracer.Start(ctx, "ledger.append_event",
		trace.WithAttributes(attribute.String("event.id", ev.EventID)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutAppend)
	defer cancel()

	if err := c.postJSON(ctx, c.baseURL+"/v1/events", ev, nil); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

type syncRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	TenantID       string         `json:"tenant_id"`
	Result         map[string]any `json:"result,omitempty"`
}

// SyncResult notifies the remote sync endpoint of a completed execution.
// Callers fire-and-forget this; an error return is informational only.
func (c *Client) SyncResult(ctx context.Context, tenantID, idempotencyKey string, result map[string]any) error {
	ctx, span := tracer.Start(ctx, "ledger.sync_result")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutSync)
	defer cancel()

	err := c.postJSON(ctx, c.baseURL+"/v1/sync", syncRequest{
		IdempotencyKey: idempotencyKey,
		TenantID:       tenantID,
		Result:         result,
	}, nil)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

type escalateRequest struct {
	IntentID        string         `json:"intent_id"`
	TenantID        string         `json:"tenant_id"`
	CanonicalAction string         `json:"canonical_action"`
	RiskLane        string         `json:"risk_lane"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	TraceID         string         `json:"trace_id,omitempty"`
}

type escalateResponse struct {
	TaskID string `json:"task_id"`
}

// EscalationRequest carries the fields the human-approval queue needs.
type EscalationRequest struct {
	IntentID        string
	TenantID        string
	CanonicalAction string
	RiskLane        string
	Parameters      map[string]any
	TraceID         string
}

// Escalate routes a RED-lane intent to the human-approval queue and returns
// the pending task id.
func (c *Client) Escalate(ctx context.Context, req *EscalationRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "ledger.escalate",
		trace.WithAttributes(
			attribute.String("intent_id", req.IntentID),
			attribute.String("action", req.CanonicalAction),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutAppend)
	defer cancel()

	var resp escalateResponse
	err := c.postJSON(ctx, c.escalationURL+"/v1/escalations", escalateRequest{
		IntentID:        req.IntentID,
		TenantID:        req.TenantID,
		CanonicalAction: req.CanonicalAction,
		RiskLane:        req.RiskLane,
		Parameters:      req.Parameters,
		TraceID:         req.TraceID,
	}, &resp)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if resp.TaskID == "" {
		resp.TaskID = "pending"
	}

	span.SetAttributes(attribute.String("escalation.task_id", resp.TaskID))
	return resp.TaskID, nil
}

// postJSON sends a JSON POST and decodes the response into out (if non-nil).
// Non-2xx statuses are errors; transport failures wrap ErrUnavailable.
func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger returned %d: %s", resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
