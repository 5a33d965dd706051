package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/wardenlabs/warden/internal/exec"
	"github.com/wardenlabs/warden/internal/intent"
	"github.com/wardenlabs/warden/internal/memstore"
	"github.com/wardenlabs/warden/internal/retrieval"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{
			"executor": "ok",
		}
		if s.memoryStore == nil {
			components["memory_store"] = "disabled"
		} else {
			components["memory_store"] = "ok"
		}
		if s.retriever == nil {
			components["retrieval"] = "disabled"
		} else {
			components["retrieval"] = "ok"
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

// executeRequest is the caller-facing intent shape. Server-generated fields
// (intent_id, trace_id, created_at) are filled here; a caller-supplied
// idempotency key is honored, otherwise one is generated.
type executeRequest struct {
	IdempotencyKey  string         `json:"idempotency_key"`
	CanonicalAction string         `json:"canonical_action"`
	CanonicalObject string         `json:"canonical_object"`
	Parameters      map[string]any `json:"parameters"`
	RiskLane        string         `json:"risk_lane"`
	SourceEventID   string         `json:"source_event_id"`
	UserConfirmed   bool           `json:"user_confirmed"`
	Locale          string         `json:"locale"`
	TargetLocale    string         `json:"target_locale"`
	Confidence      float64        `json:"confidence"`
}

func (req *executeRequest) toIntent(tenantID string) *intent.ExecutionIntent {
	in := intent.New(tenantID, req.CanonicalAction)
	if req.IdempotencyKey != "" {
		in.IdempotencyKey = req.IdempotencyKey
	}
	in.CanonicalObject = req.CanonicalObject
	if req.Parameters != nil {
		in.Parameters = req.Parameters
	}
	in.RiskLane = intent.Lane(req.RiskLane)
	in.SourceEventID = req.SourceEventID
	in.UserConfirmed = req.UserConfirmed
	in.Locale = req.Locale
	in.TargetLocale = req.TargetLocale
	in.Confidence = req.Confidence
	return in
}

// statusForResult maps an execution outcome to an HTTP status.
func statusForResult(res *exec.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Blocked:
		return http.StatusForbidden
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	in := req.toIntent(TenantIDFromContext(r.Context()))
	res := s.adapter.Execute(r.Context(), in)
	writeJSON(w, statusForResult(res), res)
}

type executeBatchRequest struct {
	Intents []executeRequest `json:"intents"`
}

func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req executeBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if len(req.Intents) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "intents is required")
		return
	}
	tenantID := TenantIDFromContext(r.Context())
	intents := make([]*intent.ExecutionIntent, 0, len(req.Intents))
	for i := range req.Intents {
		intents = append(intents, req.Intents[i].toIntent(tenantID))
	}
	results := s.adapter.ExecuteBatch(r.Context(), intents)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"halted":  len(results) < len(intents),
	})
}

type memoryWriteRequest struct {
	Tier           string     `json:"tier"`
	Content        string     `json:"content"`
	Locale         string     `json:"locale"`
	ProvenanceRefs []string   `json:"provenance_refs"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

func (s *Server) handleMemoryWrite(w http.ResponseWriter, r *http.Request) {
	if s.memoryStore == nil {
		writeError(w, http.StatusNotImplemented, "memory_disabled", "memory store is not configured")
		return
	}
	var req memoryWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}
	item := &memstore.Item{
		TenantID:       TenantIDFromContext(r.Context()),
		Tier:           memstore.Tier(req.Tier),
		Locale:         req.Locale,
		Content:        req.Content,
		ProvenanceRefs: req.ProvenanceRefs,
		ExpiresAt:      req.ExpiresAt,
	}
	if s.embedder != nil {
		vecs, err := s.embedder.Embed(r.Context(), []string{req.Content})
		if err != nil || len(vecs) == 0 {
			// The item stays keyword-searchable without a vector.
			log.Warn().Err(err).Msg("memory_embed_failed")
		} else {
			item.Embedding = vecs[0]
		}
	}
	if err := s.memoryStore.Write(r.Context(), item); err != nil {
		if errors.Is(err, memstore.ErrInvalidTier) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		log.Error().Err(err).Msg("memory_write_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         item.ID,
		"tier":       item.Tier,
		"created_at": item.CreatedAt,
		"expires_at": item.ExpiresAt,
	})
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if s.retriever == nil {
		writeError(w, http.StatusNotImplemented, "retrieval_disabled", "retrieval engine is not configured")
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "q is required")
		return
	}
	var opts []retrieval.SearchOption
	if v := r.URL.Query().Get("top_k"); v != "" {
		k, err := strconv.Atoi(v)
		if err != nil || k < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "top_k must be a positive integer")
			return
		}
		opts = append(opts, retrieval.WithTopK(k))
	}
	if v := r.URL.Query().Get("min_similarity"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "min_similarity must be a number")
			return
		}
		opts = append(opts, retrieval.WithMinSimilarity(f))
	}
	tenantID := TenantIDFromContext(r.Context())

	// grounded=true swaps plain hybrid search for the composed grounding
	// pass: dedup by content hash, composite re-rank, per-tier diversity cap.
	if r.URL.Query().Get("grounded") == "true" {
		perTier := retrieval.DefaultPerTierCap
		if v := r.URL.Query().Get("per_tier"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "invalid_request", "per_tier must be a positive integer")
				return
			}
			perTier = n
		}
		scored, err := s.retriever.Ground(r.Context(), tenantID, q, perTier, opts...)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", tenantID).Msg("memory_ground_error")
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		out := make([]map[string]interface{}, 0, len(scored))
		for _, sc := range scored {
			out = append(out, map[string]interface{}{
				"item":  sc.Item,
				"score": sc.Score,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"query":    q,
			"grounded": true,
			"results":  out,
			"count":    len(out),
		})
		return
	}

	results, err := s.retriever.HybridSearch(r.Context(), tenantID, q, opts...)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("memory_search_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   q,
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	if s.memoryStore == nil {
		writeError(w, http.StatusNotImplemented, "memory_disabled", "memory store is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	item, err := s.memoryStore.Get(r.Context(), TenantIDFromContext(r.Context()), id)
	if err != nil {
		if errors.Is(err, memstore.ErrItemNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "memory item not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	if s.memoryStore == nil {
		writeError(w, http.StatusNotImplemented, "memory_disabled", "memory store is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.memoryStore.Delete(r.Context(), TenantIDFromContext(r.Context()), id); err != nil {
		if errors.Is(err, memstore.ErrItemNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "memory item not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleEventsList(w http.ResponseWriter, r *http.Request) {
	if s.eventSource == nil {
		writeError(w, http.StatusNotImplemented, "events_disabled", "event buffer is not configured")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	tenantID := TenantIDFromContext(r.Context())
	events, err := s.eventSource.ListByTenant(r.Context(), tenantID, limit)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("events_list_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleEventsSync(w http.ResponseWriter, r *http.Request) {
	synced, err := s.events.Sync(r.Context())
	if err != nil {
		log.Warn().Err(err).Int("synced", synced).Msg("event_sync_partial")
	}
	buffered, berr := s.events.Buffered(r.Context())
	if berr != nil {
		writeError(w, http.StatusInternalServerError, "internal", berr.Error())
		return
	}
	resp := map[string]interface{}{
		"synced":   synced,
		"buffered": buffered,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
