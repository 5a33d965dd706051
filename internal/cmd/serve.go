package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/server"
)

var (
	servePort            int
	serveRateRPS         float64
	serveRateBurst       int
	serveCompactSchedule string
	serveSyncSchedule    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Warden API server with scheduled compaction and event sync",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	serveCmd.Flags().Float64Var(&serveRateRPS, "rate-rps", 20, "per-tenant request rate limit (requests per second)")
	serveCmd.Flags().IntVar(&serveRateBurst, "rate-burst", 40, "per-tenant request burst")
	serveCmd.Flags().StringVar(&serveCompactSchedule, "compact-schedule", "@hourly", "cron schedule for memory compaction")
	serveCmd.Flags().StringVar(&serveSyncSchedule, "sync-schedule", "@every 1m", "cron schedule for risk-event sync")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	apiKeys := parseAPIKeys(os.Getenv("WARDEN_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("WARDEN_API_KEYS not set — all API endpoints will return 401. Set for production.")
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(serveCompactSchedule, func() {
		cctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		deleted, err := rt.store.Compact(cctx)
		if err != nil {
			log.Error().Err(err).Msg("memory_compaction_failed")
			return
		}
		log.Info().Int64("deleted", deleted).Msg("memory_compacted")
	}); err != nil {
		return fmt.Errorf("registering compaction schedule %q: %w", serveCompactSchedule, err)
	}
	if _, err := scheduler.AddFunc(serveSyncSchedule, func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		synced, err := rt.events.Sync(sctx)
		if err != nil {
			log.Warn().Err(err).Int("synced", synced).Msg("event_sync_partial")
			return
		}
		if synced > 0 {
			log.Info().Int("synced", synced).Msg("events_synced")
		}
	}); err != nil {
		return fmt.Errorf("registering sync schedule %q: %w", serveSyncSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.NewServer(rt.adapter, rt.events, apiKeys,
		server.WithMemoryStore(rt.store),
		server.WithRetriever(rt.retriever),
		server.WithEmbedder(rt.infer),
		server.WithEventSource(rt.buffer),
		server.WithRateLimit(serveRateRPS, serveRateBurst),
		server.WithCORSOrigins([]string{"*"}),
	)

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("cron_entries", len(scheduler.Entries())).
		Bool("remote_ledger", rt.local == nil).
		Bool("enabled", rt.cfg.Enabled).
		Msg("warden_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
