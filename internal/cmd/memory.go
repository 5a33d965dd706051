package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/memstore"
	"github.com/wardenlabs/warden/internal/retrieval"
)

var (
	memoryTenant        string
	memoryTier          string
	memoryLocale        string
	memoryProvenance    []string
	memoryTopK          int
	memoryMinSimilarity float64
	memoryGrounded      bool
	memoryPerTierCap    int
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Write, search, and compact the tiered memory store",
}

var memoryRememberCmd = &cobra.Command{
	Use:   "remember <content>",
	Short: "Write one memory item",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemoryRemember,
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memory with the hybrid keyword/similarity ranker",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemorySearch,
}

var memoryCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Delete expired working-tier memory items",
	RunE:  runMemoryCompact,
}

func init() {
	memoryCmd.PersistentFlags().StringVar(&memoryTenant, "tenant", "default", "tenant id")
	memoryRememberCmd.Flags().StringVar(&memoryTier, "tier", string(memstore.TierWorking), "memory tier (core, working, episodic, semantic, procedural)")
	memoryRememberCmd.Flags().StringVar(&memoryLocale, "locale", "en", "content locale")
	memoryRememberCmd.Flags().StringArrayVar(&memoryProvenance, "provenance", nil, "provenance reference (repeatable)")
	memorySearchCmd.Flags().IntVar(&memoryTopK, "top-k", retrieval.DefaultTopK, "number of results")
	memorySearchCmd.Flags().Float64Var(&memoryMinSimilarity, "min-similarity", retrieval.DefaultMinSimilarity, "minimum blended score")
	memorySearchCmd.Flags().BoolVar(&memoryGrounded, "grounded", false, "deduplicate and re-rank results with a per-tier diversity cap")
	memorySearchCmd.Flags().IntVar(&memoryPerTierCap, "per-tier", retrieval.DefaultPerTierCap, "max grounded results per tier (with --grounded)")

	memoryCmd.AddCommand(memoryRememberCmd)
	memoryCmd.AddCommand(memorySearchCmd)
	memoryCmd.AddCommand(memoryCompactCmd)
	rootCmd.AddCommand(memoryCmd)
}

func runMemoryRemember(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory.remember")
	defer span.End()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	item := &memstore.Item{
		TenantID:       memoryTenant,
		Tier:           memstore.Tier(memoryTier),
		Locale:         memoryLocale,
		Content:        args[0],
		ProvenanceRefs: memoryProvenance,
	}
	if vecs, err := rt.infer.Embed(ctx, []string{item.Content}); err == nil && len(vecs) == 1 {
		item.Embedding = vecs[0]
	} else if err != nil {
		log.Warn().Err(err).Msg("memory_embed_failed")
	}
	if err := rt.store.Write(ctx, item); err != nil {
		return fmt.Errorf("writing memory: %w", err)
	}

	out := map[string]interface{}{
		"id":         item.ID,
		"tier":       item.Tier,
		"created_at": item.CreatedAt,
	}
	if item.ExpiresAt != nil {
		out["expires_at"] = item.ExpiresAt
	}
	return printJSON(cmd, out)
}

func runMemorySearch(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory.search")
	defer span.End()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	opts := []retrieval.SearchOption{
		retrieval.WithTopK(memoryTopK),
		retrieval.WithMinSimilarity(memoryMinSimilarity),
	}

	if memoryGrounded {
		scored, err := rt.retriever.Ground(ctx, memoryTenant, args[0], memoryPerTierCap, opts...)
		if err != nil {
			return fmt.Errorf("grounding memory: %w", err)
		}
		out := make([]map[string]interface{}, 0, len(scored))
		for _, sc := range scored {
			out = append(out, map[string]interface{}{
				"id":      sc.Item.ID,
				"tier":    string(sc.Item.Tier),
				"content": sc.Item.Content,
				"score":   sc.Score,
			})
		}
		return printJSON(cmd, map[string]interface{}{
			"query":    args[0],
			"grounded": true,
			"results":  out,
			"count":    len(out),
		})
	}

	results, err := rt.retriever.HybridSearch(ctx, memoryTenant, args[0], opts...)
	if err != nil {
		return fmt.Errorf("searching memory: %w", err)
	}
	return printJSON(cmd, map[string]interface{}{
		"query":   args[0],
		"results": results,
		"count":   len(results),
	})
}

func runMemoryCompact(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory.compact")
	defer span.End()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	deleted, err := rt.store.Compact(ctx)
	if err != nil {
		return fmt.Errorf("compacting memory: %w", err)
	}
	return printJSON(cmd, map[string]interface{}{"deleted": deleted})
}

func printJSON(cmd *cobra.Command, data interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
