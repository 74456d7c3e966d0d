// mktsd ingests market snapshots into the coordinated local/remote store.
// One-shot by default; -daemon loops with a fixed sleep between cycles.
//
// Configuration comes from an optional YAML file plus environment variables
// (MKTS_DB_PATH, MKTS_DB_URL, MKTS_DB_TOKEN, MKTS_API_BASE_URL, ...); flags
// override both.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/OrthelT/mkts-north/internal/config"
	"github.com/OrthelT/mkts-north/internal/fetch"
	"github.com/OrthelT/mkts-north/internal/metrics"
	"github.com/OrthelT/mkts-north/internal/pipeline"
	"github.com/OrthelT/mkts-north/internal/store"
	"github.com/OrthelT/mkts-north/internal/upsert"
)

func main() {
	var (
		configPath  = flag.String("config", "", "YAML config path (optional)")
		history     = flag.Bool("history", false, "include per-type history fetch")
		daemon      = flag.Bool("daemon", false, "run forever, sleeping between cycles")
		force       = flag.Bool("force", false, "run even when the store was updated recently")
		interval    = flag.Duration("interval", time.Hour, "daemon sleep between cycles")
		metricsAddr = flag.String("metrics", "", "serve /metrics and /debug/pprof on this address")
		devLogs     = flag.Bool("dev-logs", false, "human-readable console logging")
	)
	flag.Parse()

	log, err := newLogger(*devLogs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	m := metrics.New()
	m.Serve(cfg.MetricsAddr, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		if err := runCycle(ctx, cfg, *history || cfg.IncludeHistory, *force, m, log); err != nil {
			log.Error("cycle failed", zap.Error(err))
			if !*daemon {
				os.Exit(1)
			}
		}
		if !*daemon {
			return
		}
		log.Info("sleeping until next cycle", zap.Duration("interval", *interval))
		select {
		case <-ctx.Done():
			log.Info("shutdown requested")
			return
		case <-time.After(*interval):
		}
	}
}

// runCycle opens a fresh store pair, runs one ingestion cycle, and disposes
// the pair on every exit path.
func runCycle(ctx context.Context, cfg config.Config, history, force bool, m *metrics.Metrics, log *zap.Logger) error {
	pair, err := store.OpenPair(store.Config{
		LocalPath: cfg.Database.LocalPath,
		RemoteURL: cfg.Database.RemoteURL,
		AuthToken: cfg.Database.AuthToken,
	}, m, log)
	if err != nil {
		return err
	}
	defer pair.Close()

	// Catch the replica up before reading the watchlist from it.
	if err := pair.Sync(ctx); err != nil {
		log.Warn("initial sync failed, proceeding on local data", zap.Error(err))
	}

	due, err := pipeline.ShouldRun(ctx, pair, cfg.Database.MaxAge, force)
	if err != nil {
		return err
	}
	if !due {
		log.Info("store updated recently, skipping cycle",
			zap.Duration("max_age", cfg.Database.MaxAge))
		return nil
	}

	client := fetch.NewClient(fetch.ClientOptions{
		UserAgent: cfg.API.UserAgent,
		Metrics:   m,
	}, log)

	p := &pipeline.Pipeline{
		Store:  pair,
		Engine: upsert.NewEngine(pair.Remote, m, log),
		Orders: fetch.NewPaginated(client, fetch.PaginatedOptions{
			RetryDelay:  cfg.Fetch.PageRetryDelay,
			MaxFailures: cfg.Fetch.PageMaxFailures,
		}, log),
		History: fetch.NewRateLimited(client, fetch.RateLimitedOptions{
			Budget:      fetch.Budget{Requests: cfg.Fetch.RatePermits, Interval: cfg.Fetch.RateInterval},
			MaxInFlight: cfg.Fetch.MaxInFlight,
			Retry: fetch.RetryPolicy{
				InitialInterval: 500 * time.Millisecond,
				Multiplier:      2.0,
				MaxInterval:     30 * time.Second,
				MaxElapsed:      cfg.Fetch.RetryBudget,
			},
		}, log),
		API:            cfg.API,
		IncludeHistory: history,
		WatermarkTable: cfg.Database.WatermarkTable,
		Log:            log,
	}

	report, err := p.Run(ctx)
	if err != nil {
		return err
	}
	for rel, res := range report.Results {
		log.Info("relation applied",
			zap.String("relation", rel),
			zap.Int("inserted", res.Inserted),
			zap.Int("updated", res.Updated),
			zap.Int("skipped", res.Skipped),
			zap.Int("deleted", res.Deleted),
			zap.Int("final_count", res.FinalCount))
	}
	return nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
