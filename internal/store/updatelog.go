package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// The updatelog table records when each relation last changed. One row per
// relation: LogUpdate replaces any prior entry.

// LogUpdate stamps table with the current UTC time on the remote store.
func (p *Pair) LogUpdate(ctx context.Context, table string) error {
	return logUpdate(ctx, p.Remote, table, time.Now().UTC())
}

func logUpdate(ctx context.Context, db *sql.DB, table string, at time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update log: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM updatelog WHERE table_name = ?", table); err != nil {
		return fmt.Errorf("update log: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO updatelog (table_name, timestamp) VALUES (?, ?)",
		table, at.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("update log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update log: %w", err)
	}
	committed = true
	return nil
}

// LastUpdated reads table's most recent update time from the remote store.
// ok is false when the relation has never been logged.
func (p *Pair) LastUpdated(ctx context.Context, table string) (time.Time, bool, error) {
	var raw any
	err := p.Remote.QueryRowContext(ctx,
		"SELECT MAX(timestamp) FROM updatelog WHERE table_name = ?", table).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || raw == nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("update log: %w", err)
	}
	t, err := parseWatermark(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("update log: %w", err)
	}
	return t, true, nil
}

// NeedsUpdate reports whether table's last logged update is older than
// maxAge. A relation never logged always needs an update.
func (p *Pair) NeedsUpdate(ctx context.Context, table string, maxAge time.Duration) (bool, error) {
	t, ok, err := p.LastUpdated(ctx, table)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return time.Since(t) > maxAge, nil
}
