package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/exec"
	"github.com/wardenlabs/warden/internal/inference"
	"github.com/wardenlabs/warden/internal/injection"
	"github.com/wardenlabs/warden/internal/intent"
	"github.com/wardenlabs/warden/internal/ledger"
	"github.com/wardenlabs/warden/internal/memstore"
	"github.com/wardenlabs/warden/internal/policy"
	"github.com/wardenlabs/warden/internal/retrieval"
	"github.com/wardenlabs/warden/internal/riskevent"
	"github.com/wardenlabs/warden/internal/translation"
)

// appRuntime bundles the wired subsystems every command needs: the governed
// execution adapter, the tiered memory store with its retrieval engine, and
// the risk-event pipeline.
type appRuntime struct {
	cfg       *config.Config
	store     *memstore.Store
	buffer    *riskevent.Buffer
	events    *riskevent.Logger
	adapter   *exec.Adapter
	retriever *retrieval.Engine
	client    inference.Client
	infer     *inference.Lease // pooled, budgeted inference for embeds and translation
	local     *ledger.Local    // nil when a remote ledger is configured

	closers []func() error
}

// Close releases resources in reverse acquisition order.
func (rt *appRuntime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			log.Debug().Err(err).Msg("runtime_close_error")
		}
	}
}

// buildRuntime loads config and wires the full governance stack. Without a
// remote ledger URL, receipts and escalations land in the local ledger
// database.
func buildRuntime(ctx context.Context) (*appRuntime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	rt := &appRuntime{cfg: cfg}

	signer, err := riskevent.NewSigner(cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("event signer: %w", err)
	}

	rt.buffer, err = riskevent.NewBuffer(cfg.EventsDBPath(), cfg.EventBufferSize)
	if err != nil {
		return nil, fmt.Errorf("event buffer: %w", err)
	}
	rt.closers = append(rt.closers, rt.buffer.Close)

	var appender riskevent.Appender
	var execLedger exec.Ledger
	if cfg.LedgerURL != "" {
		var opts []ledger.Option
		if cfg.EscalationURL != "" {
			opts = append(opts, ledger.WithEscalationURL(cfg.EscalationURL))
		}
		remote := ledger.NewClient(cfg.LedgerURL, opts...)
		appender = remote
		execLedger = remote
	} else {
		local, err := ledger.NewLocal(cfg.LedgerDBPath())
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("local ledger: %w", err)
		}
		rt.local = local
		rt.closers = append(rt.closers, local.Close)
		appender = local
		execLedger = local
	}
	rt.events = riskevent.NewLogger(appender, rt.buffer, signer)

	if cfg.InferenceAPIKey != "" {
		if cfg.InferenceBaseURL != "" {
			rt.client = inference.NewOpenAIClientWithBaseURL(cfg.InferenceAPIKey, cfg.InferenceBaseURL)
		} else {
			rt.client = inference.NewOpenAIClient(cfg.InferenceAPIKey)
		}
	} else {
		rt.client = inference.NewLocalClient()
	}

	// All embedding and translation calls run off-path on a shared worker
	// pool, metered by one sticky per-process budget.
	pool := inference.NewPool(0, 0)
	rt.closers = append(rt.closers, func() error { pool.Close(); return nil })
	budget := inference.NewBudget(0, 0, 0)
	rt.infer = inference.NewLease(rt.client, pool, budget)

	rt.store, err = memstore.NewStore(cfg.MemoryDBPath(), cfg.MemoryKey, cfg.MemoryKeyVersion)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("memory store: %w", err)
	}
	rt.closers = append(rt.closers, rt.store.Close)

	rt.retriever = retrieval.NewEngine(rt.store, rt.client,
		retrieval.WithBudget(budget))

	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy())
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	registry := exec.NewRegistry()
	registerBuiltins(registry, rt)

	rt.adapter = exec.NewAdapter(registry, execLedger, rt.events,
		exec.WithDetector(injection.MustNewDetector(injection.WithThreshold(cfg.InjectionThreshold))),
		exec.WithVerifier(translation.NewVerifier(rt.infer, translation.WithThreshold(cfg.SimilarityThreshold))),
		exec.WithPolicyEngine(engine),
		exec.WithEnabled(cfg.Enabled),
	)
	return rt, nil
}

// registerBuiltins wires the executors warden ships with. echo.reply is a
// pipeline check; the memory.* actions put memory writes and searches under
// the same governance as any other action.
func registerBuiltins(registry *exec.Registry, rt *appRuntime) {
	registry.MustRegister("echo.reply", func(ctx context.Context, in *intent.ExecutionIntent) (map[string]any, error) {
		return map[string]any{"echo": in.Parameters}, nil
	})

	registry.MustRegister("memory.remember", func(ctx context.Context, in *intent.ExecutionIntent) (map[string]any, error) {
		params := in.StringParameters()
		content := params["content"]
		if content == "" {
			return nil, fmt.Errorf("content parameter is required")
		}
		item := &memstore.Item{
			TenantID: in.TenantID,
			Tier:     memstore.Tier(params["tier"]),
			Locale:   params["locale"],
			Content:  content,
		}
		if ref := params["provenance_ref"]; ref != "" {
			item.ProvenanceRefs = []string{ref}
		}
		if vecs, err := rt.infer.Embed(ctx, []string{content}); err == nil && len(vecs) == 1 {
			item.Embedding = vecs[0]
		}
		if err := rt.store.Write(ctx, item); err != nil {
			return nil, err
		}
		return map[string]any{"id": item.ID, "tier": string(item.Tier)}, nil
	})

	registry.MustRegister("memory.search", func(ctx context.Context, in *intent.ExecutionIntent) (map[string]any, error) {
		params := in.StringParameters()
		query := params["query"]
		if query == "" {
			return nil, fmt.Errorf("query parameter is required")
		}
		if params["grounded"] == "true" {
			scored, err := rt.retriever.Ground(ctx, in.TenantID, query, retrieval.DefaultPerTierCap)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(scored))
			for _, sc := range scored {
				out = append(out, map[string]any{
					"id":      sc.Item.ID,
					"tier":    string(sc.Item.Tier),
					"content": sc.Item.Content,
					"score":   sc.Score,
				})
			}
			return map[string]any{"results": out, "count": len(out), "grounded": true}, nil
		}
		results, err := rt.retriever.HybridSearch(ctx, in.TenantID, query)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(results))
		for _, res := range results {
			out = append(out, map[string]any{
				"id":      res.Item.ID,
				"tier":    string(res.Item.Tier),
				"content": res.Item.Content,
				"score":   res.Score,
			})
		}
		return map[string]any{"results": out, "count": len(out)}, nil
	})
}

// parseAPIKeys returns a map of key -> tenant_id from WARDEN_API_KEYS
// (comma-separated; each entry key or key:tenant_id).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tenantID := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			tenantID = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = tenantID
	}
	return m
}
