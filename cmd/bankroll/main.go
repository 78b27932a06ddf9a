package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"Bankroll/internal/audit"
	"Bankroll/internal/core"
	"Bankroll/internal/game"
	"Bankroll/internal/ledger"
	"Bankroll/internal/observability"
	"Bankroll/internal/persistence"
	"Bankroll/internal/pool"
	"Bankroll/internal/query"
	"Bankroll/internal/server"
	"Bankroll/internal/stream"
	"Bankroll/internal/token"
)

func main() {
	log := observability.NewLogger("main")
	log.Info().Msg("bankroll starting")

	cfg := LoadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Restore state ---
	book := ledger.NewBook()
	pl := pool.New(cfg.Engine.FeeBPS, cfg.Engine.FeeCollector)
	chain := audit.NewChain()
	if err := persistence.Restore(ctx, db, book, pl, chain); err != nil {
		log.Fatal().Err(err).Msg("restore state")
	}
	nextSeq, _ := chain.Tip()
	log.Info().
		Int64("next_sequence", nextSeq).
		Uint64("reserve", pl.Reserve()).
		Msg("state restored")

	// --- Token boundary ---
	var tokenClient token.Client
	switch cfg.TokenMode {
	case "http":
		tokenClient = token.NewHTTPClient(cfg.TokenBaseURL, cfg.Engine.TokenAccount, cfg.TokenTimeout)
		log.Info().Str("base_url", cfg.TokenBaseURL).Msg("token client: http")
	case "memory":
		// In-process stub. Accounts start empty, so deposits are
		// rejected until funds are minted; for wiring checks only.
		tokenClient = token.NewMemoryService(cfg.Engine.TokenAccount)
		log.Warn().Msg("token client: in-memory (development only)")
	default:
		log.Fatal().Str("mode", cfg.TokenMode).Msg("unknown token mode")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	persistChan := make(chan core.StateUpdate, cfg.PersistChanSize)
	publishChan := make(chan core.StateUpdate, cfg.PublishChanSize)

	// --- Engine ---
	engine := core.NewEngine(
		cfg.Engine,
		book, pl, chain,
		tokenClient,
		game.CryptoSource{},
		persistChan, publishChan,
		metrics,
		observability.NewLogger("engine"),
	)

	// --- NATS ---
	nc, js, err := stream.Connect(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := stream.EnsureStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure nats stream")
	}
	log.Info().Msg("nats connected")

	// --- Servers ---
	queries := query.NewQueryService(db)
	api := server.NewHTTPServer(engine, queries, healthChecker, metrics, observability.NewLogger("http"))
	httpServer := server.NewServer(cfg.HTTPAddr, api.Router())
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	// --- Goroutines ---
	errChan := make(chan error, 8)

	// The workers drain their channels to completion when those close;
	// ctx only cuts them short, so it stays live until they are done.
	workerDone := make(chan struct{})
	worker := persistence.NewWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	go func() {
		defer close(workerDone)
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	publisherDone := make(chan struct{})
	publisher := stream.NewPublisher(js, publishChan)
	go func() {
		defer close(publisherDone)
		if err := publisher.Run(ctx); err != nil && ctx.Err() == nil {
			errChan <- fmt.Errorf("audit publisher: %w", err)
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc server listening")
		errChan <- grpcServer.Serve()
	}()

	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// Periodic reconciliation against the token service. Sweeps only
	// run here; the admin endpoint triggers the same path on demand.
	// Own cancel so the loop stops emitting before the channels close.
	loopCtx, loopCancel := context.WithCancel(ctx)
	defer loopCancel()
	go runReconcileLoop(loopCtx, engine, cfg.ReconcileInterval, observability.NewLogger("reconcile"))

	// Channel gauges for backpressure dashboards.
	go runChannelGauges(loopCtx, metrics, persistChan, publishChan)

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("bankroll ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	grpcServer.SetServing(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop everything that emits updates first, then close the
	// channels and let the workers drain and flush before the root
	// context is cancelled.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	grpcServer.GracefulStop()
	loopCancel()

	close(persistChan)
	close(publishChan)

	for _, done := range []<-chan struct{}{workerDone, publisherDone} {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			log.Error().Msg("worker drain timed out")
		}
	}
	cancel()

	metricsShutdown, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	_ = metricsServer.Shutdown(metricsShutdown)

	log.Info().Msg("bankroll shutdown complete")
}

// runReconcileLoop cross-checks internal claims against the external
// token balance on a fixed interval and sweeps floating residue.
func runReconcileLoop(ctx context.Context, engine *core.Engine, interval time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := engine.Reconcile(ctx)
			switch {
			case err != nil:
				log.Error().Err(err).Msg("reconciliation failed")
			case report.Contended:
				log.Debug().Msg("reconciliation contended, skipped")
			case report.Swept > 0:
				log.Info().
					Uint64("swept", report.Swept).
					Uint64("residual", report.Residual).
					Msg("floating funds swept")
			}
		}
	}
}

func runChannelGauges(ctx context.Context, metrics *observability.Metrics, persistChan, publishChan chan core.StateUpdate) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
			metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
		}
	}
}
