// Package pipeline is the thin orchestrator of one ingestion cycle: fetch
// raw snapshots, shape them into batches, apply them to the remote store,
// and gate any derived-stat computation behind replica freshness.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OrthelT/mkts-north/internal/config"
	"github.com/OrthelT/mkts-north/internal/fetch"
	"github.com/OrthelT/mkts-north/internal/store"
	"github.com/OrthelT/mkts-north/internal/upsert"
)

// Pipeline wires the fetchers, engine, and store pair for one cycle.
// All collaborators are injected; nothing here holds global state.
type Pipeline struct {
	Store   *store.Pair
	Engine  *upsert.Engine
	Orders  *fetch.PaginatedFetcher
	History *fetch.RateLimitedFetcher
	API     config.API

	// IncludeHistory toggles the per-key history stage.
	IncludeHistory bool

	// Shaper overrides. Nil fields fall back to the default schema mapping.
	OrdersShaper  func([]fetch.Record, time.Time) (upsert.Batch, error)
	HistoryShaper func(map[int64]fetch.Result, time.Time) (upsert.Batch, error)

	// WatermarkTable gates derived-stat computation.
	WatermarkTable string

	// ComputeStats, when set, runs after a successful apply with a validated
	// replica. The dashboard-side math itself lives elsewhere.
	ComputeStats func(ctx context.Context, pair *store.Pair) error

	Log *zap.Logger
}

// CycleReport summarizes one ingestion cycle: per-relation apply results and
// per-key fetch failures. Failures are reported, never silently dropped.
type CycleReport struct {
	CycleID    string
	Started    time.Time
	Elapsed    time.Duration
	Results    map[string]upsert.Result
	FailedKeys map[int64]error
}

// ShouldRun reports whether a new cycle is due: always when forced or the age
// gate is disabled, otherwise when the orders relation was last applied more
// than maxAge ago (or never).
func ShouldRun(ctx context.Context, pair *store.Pair, maxAge time.Duration, force bool) (bool, error) {
	if force || maxAge <= 0 {
		return true, nil
	}
	return pair.NeedsUpdate(ctx, OrdersRelation().Name, maxAge)
}

// Run executes one ingestion cycle. The first relation-level failure stops
// the cycle: at most one successful apply per relation per cycle, never a
// partially applied relation.
func (p *Pipeline) Run(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{
		CycleID:    uuid.NewString(),
		Started:    time.Now(),
		Results:    make(map[string]upsert.Result),
		FailedKeys: make(map[int64]error),
	}
	log := p.Log.With(zap.String("cycle_id", report.CycleID))
	log.Info("cycle started")
	defer func() { report.Elapsed = time.Since(report.Started) }()

	rawOrders, err := p.Orders.Fetch(ctx, p.API.OrdersURL())
	if err != nil {
		return report, fmt.Errorf("orders fetch: %w", err)
	}
	shapeOrders := p.OrdersShaper
	if shapeOrders == nil {
		shapeOrders = ShapeOrders
	}
	ordersBatch, err := shapeOrders(rawOrders, report.Started)
	if err != nil {
		return report, err
	}
	if err := p.apply(ctx, log, report, OrdersRelation(), ordersBatch); err != nil {
		return report, err
	}

	if p.IncludeHistory {
		keys, err := p.Store.Watchlist(ctx)
		if err != nil {
			return report, err
		}
		log.Info("fetching history", zap.Int("watchlist", len(keys)))
		results := p.History.Fetch(ctx, keys, func(key int64) string {
			return p.API.HistoryURL(key)
		})
		for key, res := range results {
			if res.Err != nil {
				report.FailedKeys[key] = res.Err
			}
		}
		shapeHistory := p.HistoryShaper
		if shapeHistory == nil {
			shapeHistory = ShapeHistory
		}
		historyBatch, err := shapeHistory(results, report.Started)
		if err != nil {
			return report, err
		}
		if err := p.apply(ctx, log, report, HistoryRelation(), historyBatch); err != nil {
			return report, err
		}
	}

	if p.ComputeStats != nil {
		table := p.WatermarkTable
		if table == "" {
			table = StatsRelation().Name
		}
		if err := p.Store.EnsureFresh(ctx, table); err != nil {
			return report, err
		}
		if err := p.ComputeStats(ctx, p.Store); err != nil {
			return report, fmt.Errorf("derived stats: %w", err)
		}
	}

	log.Info("cycle complete",
		zap.Duration("elapsed", time.Since(report.Started)),
		zap.Int("failed_keys", len(report.FailedKeys)))
	return report, nil
}

func (p *Pipeline) apply(ctx context.Context, log *zap.Logger, report *CycleReport,
	rel upsert.RelationDescriptor, batch upsert.Batch) error {

	res, err := p.Engine.Upsert(ctx, rel, batch)
	if err != nil {
		log.Error("apply failed, stopping cycle",
			zap.String("relation", rel.Name),
			zap.Error(err))
		return err
	}
	report.Results[rel.Name] = res
	if err := p.Store.LogUpdate(ctx, rel.Name); err != nil {
		// The apply committed; a missing log entry only skews staleness
		// bookkeeping, so record and continue.
		log.Warn("update log write failed", zap.String("relation", rel.Name), zap.Error(err))
	}
	return nil
}
