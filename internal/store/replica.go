// Package store owns the two coordinated copies of the market database: a
// fast file-backed local replica and the authoritative remote store. Reads
// run against the local copy; writes go to the remote; Sync pulls committed
// remote changes down. Freshness validation gates every read-derived
// computation, because a stale local copy is silently wrong without it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/OrthelT/mkts-north/internal/metrics"
)

var tableRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Syncer pulls committed remote changes into the local replica. The embedded
// replica connector implements it in production; tests substitute fakes.
type Syncer interface {
	// Sync blocks until the pull completes and reports frames replicated.
	Sync() (int, error)
}

// Pair bundles the local and remote handles for one ingestion cycle. Create
// one at cycle start, Close it at cycle end.
type Pair struct {
	Local  *sql.DB
	Remote *sql.DB

	syncer  Syncer
	metrics *metrics.Metrics
	log     *zap.Logger

	closers []func() error
}

// NewPair assembles a Pair from pre-opened handles. syncer may be nil when no
// replication transport exists (tests, local-only runs); Sync then fails.
func NewPair(local, remote *sql.DB, syncer Syncer, m *metrics.Metrics, log *zap.Logger) *Pair {
	return &Pair{Local: local, Remote: remote, syncer: syncer, metrics: m, log: log}
}

func (p *Pair) Close() error {
	var firstErr error
	for _, c := range p.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.Local != nil {
		if err := p.Local.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.Remote != nil {
		if err := p.Remote.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Sync pulls committed remote changes into the local replica. Blocking,
// best-effort: the caller decides whether a failure is fatal.
func (p *Pair) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.syncer == nil {
		err := &SyncError{Err: fmt.Errorf("no replication transport configured")}
		p.metrics.ObserveSync(err)
		return err
	}
	start := time.Now()
	frames, err := p.syncer.Sync()
	p.metrics.ObserveSync(err)
	if err != nil {
		return &SyncError{Err: err}
	}
	p.log.Info("replica synced",
		zap.Int("frames", frames),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// ValidateFreshness reads the designated table's watermark from both copies
// and reports whether the local replica may be trusted: true iff
// local >= remote. A missing remote watermark counts as fresh (nothing to
// catch up to); a missing local one does not.
func (p *Pair) ValidateFreshness(ctx context.Context, watermarkTable string) (bool, error) {
	local, localOK, err := p.watermark(ctx, p.Local, watermarkTable)
	if err != nil {
		return false, err
	}
	remote, remoteOK, err := p.watermark(ctx, p.Remote, watermarkTable)
	if err != nil {
		return false, err
	}
	p.log.Debug("freshness check",
		zap.String("table", watermarkTable),
		zap.Time("local", local),
		zap.Time("remote", remote))
	if !remoteOK {
		return true, nil
	}
	if !localOK {
		return false, nil
	}
	return !local.Before(remote), nil
}

// EnsureFresh validates the replica and, on staleness, syncs once and
// re-validates. A second failure is fatal for the cycle.
func (p *Pair) EnsureFresh(ctx context.Context, watermarkTable string) error {
	fresh, err := p.ValidateFreshness(ctx, watermarkTable)
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}
	p.log.Warn("local replica stale, resyncing", zap.String("table", watermarkTable))
	if err := p.Sync(ctx); err != nil {
		return err
	}
	fresh, err = p.ValidateFreshness(ctx, watermarkTable)
	if err != nil {
		return err
	}
	if !fresh {
		local, _, _ := p.watermark(ctx, p.Local, watermarkTable)
		remote, _, _ := p.watermark(ctx, p.Remote, watermarkTable)
		return &StalenessError{Table: watermarkTable, Local: local, Remote: remote}
	}
	return nil
}

// watermark reads MAX(last_update) from one handle. ok is false when the
// table is empty or the column is all NULL.
func (p *Pair) watermark(ctx context.Context, db *sql.DB, table string) (time.Time, bool, error) {
	if !tableRe.MatchString(table) {
		return time.Time{}, false, fmt.Errorf("invalid watermark table %q", table)
	}
	var raw any
	err := db.QueryRowContext(ctx, "SELECT MAX(last_update) FROM "+table).Scan(&raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read watermark from %s: %w", table, err)
	}
	if raw == nil {
		return time.Time{}, false, nil
	}
	t, err := parseWatermark(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("table %s: %w", table, err)
	}
	return t, true, nil
}

// Watchlist reads the tracked type IDs from the local replica.
func (p *Pair) Watchlist(ctx context.Context) ([]int64, error) {
	rows, err := p.Local.QueryContext(ctx, "SELECT type_id FROM watchlist ORDER BY type_id")
	if err != nil {
		return nil, fmt.Errorf("read watchlist: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("read watchlist: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
