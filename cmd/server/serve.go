package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/config"
	"github.com/nicktill/healthobs/pkg/engine"
	"github.com/nicktill/healthobs/pkg/ingest"
	"github.com/nicktill/healthobs/pkg/server"
	"github.com/nicktill/healthobs/pkg/stats"
	"github.com/nicktill/healthobs/pkg/storage/badger"
)

const (
	serverReadTimeout  = 10 * time.Second
	backgroundStopWait = 5 * time.Second
)

type serveOptions struct {
	prewarm     []string
	prewarmDays int
}

func newServeCommand(a *app) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.prewarm, "prewarm", nil, "metrics whose recent daily statistics are computed at startup")
	cmd.Flags().IntVar(&opts.prewarmDays, "prewarm-days", 0, "days to prewarm (default refresh.prewarm_days)")
	return cmd
}

func (a *app) serve(opts *serveOptions) error {
	logger := a.logger
	cfg := a.cfg
	logger.Info("starting healthobs", zap.String("port", cfg.Server.Port))

	store, db, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ecfg, err := engine.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	ecfg.Registerer = reg
	ecfg.Logger = logger

	eng, err := engine.New(store, ecfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	importer := ingest.NewImporter(store, eng, ingest.Config{Logger: logger})

	h := server.NewHandler(eng, ingest.NewHandler(importer, logger), server.Options{
		Gatherer:       reg,
		Storage:        server.NewStorageMonitor(store, 0),
		RequestTimeout: cfg.Server.RequestTimeout,
		Port:           cfg.Server.Port,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	if db != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runBadgerGC(ctx, db, cfg.Storage.GCInterval, logger)
		}()
	}

	days := opts.prewarmDays
	if days <= 0 {
		days = cfg.Refresh.PrewarmDays
	}
	if len(opts.prewarm) > 0 && days > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prewarm(ctx, eng, opts.prewarm, days, logger)
		}()
	}

	// No WriteTimeout: handlers bound their own work and subscriptions outlive a request
	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     h.Router(),
		ReadTimeout: serverReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", "http://localhost:"+cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
			cancel()
			wg.Wait()
			return err
		}
	}

	// Cancel first so background loops stop before we wait on them
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown warning", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("background tasks stopped")
	case <-time.After(backgroundStopWait):
		logger.Warn("some background tasks did not stop in time")
	}

	logger.Info("healthobs exited cleanly")
	return nil
}

// prewarm computes daily statistics for the last days of each metric at background priority
func prewarm(ctx context.Context, eng *engine.Engine, metrics []string, days int, logger *zap.Logger) {
	end := stats.Date(time.Now().UTC()).AddDate(0, 0, 1)
	start := end.AddDate(0, 0, -days)
	for _, metric := range metrics {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		n, err := eng.Prewarm(ctx, metric, nil, start, end)
		if err != nil {
			logger.Warn("prewarm failed", zap.String("metric", metric), zap.Error(err))
			continue
		}
		logger.Info("prewarmed daily statistics",
			zap.String("metric", metric),
			zap.Int("periods", n),
			zap.Duration("took", time.Since(started).Round(time.Millisecond)))
	}
}

// runBadgerGC runs value log garbage collection periodically to reclaim disk space
func runBadgerGC(ctx context.Context, db *badger.Storage, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = config.BadgerGCInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Badger reclaims one file per call; repeat until nothing is left
			runs := 0
			for {
				err := db.RunGC(config.BadgerDiscardRatio)
				if errors.Is(err, badgerdb.ErrNoRewrite) {
					break
				}
				if err != nil {
					logger.Warn("badger gc failed", zap.Error(err))
					break
				}
				runs++
			}
			if runs > 0 {
				logger.Info("badger gc reclaimed value log files", zap.Int("files", runs))
			}
		case <-ctx.Done():
			return
		}
	}
}
