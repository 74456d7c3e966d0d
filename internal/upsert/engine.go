package upsert

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/OrthelT/mkts-north/internal/metrics"
)

const (
	// The store bounds parameters per statement. The budget is expressed in
	// bytes and divided by a conservative per-parameter cost, then capped at
	// a preferred chunk length.
	maxParameterBytes = 256 * 1024
	bytesPerParameter = 8
	maxParameters     = maxParameterBytes / bytesPerParameter

	preferredChunk = 2000
)

// Result reports what one apply did to its relation.
type Result struct {
	Inserted   int
	Updated    int
	Skipped    int
	Deleted    int
	FinalCount int
}

// Engine applies batches to relations on a single store handle. Each apply
// runs in its own transaction: all-or-nothing per relation per cycle. The
// engine never overlaps two write transactions on the same relation; callers
// apply relations sequentially within a cycle.
type Engine struct {
	db      *sql.DB
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewEngine(db *sql.DB, m *metrics.Metrics, log *zap.Logger) *Engine {
	return &Engine{db: db, metrics: m, log: log}
}

func chunkSize(columnCount int) int {
	if columnCount <= 0 {
		return preferredChunk
	}
	size := maxParameters / columnCount
	if size > preferredChunk {
		size = preferredChunk
	}
	if size < 1 {
		size = 1
	}
	return size
}

// Upsert reconciles batch with the relation's existing rows under the
// descriptor's strategy. An empty batch is a no-op. A violated row-count
// postcondition rolls the transaction back and returns an IntegrityError;
// store faults roll back and return a TransientError.
func (e *Engine) Upsert(ctx context.Context, rel RelationDescriptor, batch Batch) (Result, error) {
	if err := rel.Validate(); err != nil {
		return Result{}, err
	}
	if batch.Len() == 0 {
		e.log.Info("empty batch, nothing to apply", zap.String("relation", rel.Name))
		return Result{}, nil
	}
	if err := batch.validateAgainst(rel); err != nil {
		return Result{}, err
	}

	chunk := chunkSize(len(batch.Columns))
	e.log.Info("applying batch",
		zap.String("relation", rel.Name),
		zap.String("strategy", string(rel.Strategy)),
		zap.Int("rows", batch.Len()),
		zap.Int("columns", len(batch.Columns)),
		zap.Int("chunk_size", chunk))

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, &TransientError{Relation: rel.Name, Op: "begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var res Result
	switch rel.Strategy {
	case WipeReplace:
		res, err = e.wipeReplace(ctx, tx, rel, batch, chunk)
	case MergeUpsert:
		res, err = e.mergeUpsert(ctx, tx, rel, batch, chunk)
	}
	if err != nil {
		return Result{}, err
	}

	if err := tx.Commit(); err != nil {
		return Result{}, &TransientError{Relation: rel.Name, Op: "commit", Err: err}
	}
	committed = true

	e.metrics.ObserveUpsert(rel.Name, res.Inserted, res.Updated, res.Skipped, res.Deleted)
	e.log.Info("batch applied",
		zap.String("relation", rel.Name),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
		zap.Int("deleted", res.Deleted),
		zap.Int("final_count", res.FinalCount))
	return res, nil
}

func (e *Engine) wipeReplace(ctx context.Context, tx *sql.Tx, rel RelationDescriptor, batch Batch, chunk int) (Result, error) {
	wiped, err := tx.ExecContext(ctx, "DELETE FROM "+rel.Name)
	if err != nil {
		return Result{}, &TransientError{Relation: rel.Name, Op: "wipe", Err: err}
	}
	deleted, _ := wiped.RowsAffected()

	for start := 0; start < batch.Len(); start += chunk {
		end := min(start+chunk, batch.Len())
		stmt, args := buildInsert(rel.Name, batch.Columns, batch.Rows[start:end], "")
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return Result{}, &TransientError{Relation: rel.Name, Op: "insert", Err: err}
		}
	}

	count, err := countRows(ctx, tx, rel.Name)
	if err != nil {
		return Result{}, &TransientError{Relation: rel.Name, Op: "count", Err: err}
	}
	if count != batch.Len() {
		return Result{}, &IntegrityError{Relation: rel.Name, Expected: batch.Len(), Got: count, Exact: true}
	}
	return Result{Inserted: batch.Len(), Deleted: int(deleted), FinalCount: count}, nil
}

func (e *Engine) mergeUpsert(ctx context.Context, tx *sql.Tx, rel RelationDescriptor, batch Batch, chunk int) (Result, error) {
	existing, err := e.existingKeys(ctx, tx, rel)
	if err != nil {
		return Result{}, err
	}

	incoming := make(map[string]struct{}, batch.Len())
	for _, r := range batch.Rows {
		incoming[pkKey(r, rel.PrimaryKey)] = struct{}{}
	}

	deleted := 0
	if len(rel.PrimaryKey) == 1 {
		deleted, err = e.pruneStale(ctx, tx, rel, existing, incoming, chunk)
		if err != nil {
			return Result{}, err
		}
	} else {
		// Known limitation carried from the schema's design: composite-key
		// relations are never pruned, so rows absent from the batch survive.
		e.log.Warn("stale-row pruning skipped: composite primary key",
			zap.String("relation", rel.Name),
			zap.Strings("primary_key", rel.PrimaryKey))
	}

	inserted := 0
	for key := range incoming {
		if _, ok := existing[key]; !ok {
			inserted++
		}
	}

	affected := 0
	for start := 0; start < batch.Len(); start += chunk {
		end := min(start+chunk, batch.Len())
		stmt, args := buildInsert(rel.Name, batch.Columns, batch.Rows[start:end], upsertClause(rel, batch.Columns))
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return Result{}, &TransientError{Relation: rel.Name, Op: "upsert", Err: err}
		}
		n, _ := res.RowsAffected()
		affected += int(n)
	}

	distinct := batch.DistinctPKCount(rel.PrimaryKey)
	updated := affected - inserted
	if updated < 0 {
		updated = 0
	}
	skipped := distinct - inserted - updated
	if skipped < 0 {
		skipped = 0
	}

	count, err := countRows(ctx, tx, rel.Name)
	if err != nil {
		return Result{}, &TransientError{Relation: rel.Name, Op: "count", Err: err}
	}
	if count < distinct {
		return Result{}, &IntegrityError{Relation: rel.Name, Expected: distinct, Got: count}
	}
	return Result{Inserted: inserted, Updated: updated, Skipped: skipped, Deleted: deleted, FinalCount: count}, nil
}

// existingKeys loads the relation's current primary-key tuples, keyed the
// same way batch keys are, with the raw scanned value retained for pruning.
func (e *Engine) existingKeys(ctx context.Context, tx *sql.Tx, rel RelationDescriptor) (map[string][]any, error) {
	stmt := "SELECT " + strings.Join(rel.PrimaryKey, ", ") + " FROM " + rel.Name
	rows, err := tx.QueryContext(ctx, stmt)
	if err != nil {
		return nil, &TransientError{Relation: rel.Name, Op: "scan keys", Err: err}
	}
	defer rows.Close()

	keys := make(map[string][]any)
	for rows.Next() {
		vals := make([]any, len(rel.PrimaryKey))
		ptrs := make([]any, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &TransientError{Relation: rel.Name, Op: "scan keys", Err: err}
		}
		parts := make([]string, len(vals))
		for i, v := range vals {
			if bs, ok := v.([]byte); ok {
				v = string(bs)
				vals[i] = v
			}
			parts[i] = fmt.Sprint(v)
		}
		keys[strings.Join(parts, "\x1f")] = vals
	}
	if err := rows.Err(); err != nil {
		return nil, &TransientError{Relation: rel.Name, Op: "scan keys", Err: err}
	}
	return keys, nil
}

// pruneStale deletes rows whose single-column key is absent from the batch.
// Deletes go out in IN-list chunks so no statement exceeds the parameter
// bound.
func (e *Engine) pruneStale(ctx context.Context, tx *sql.Tx, rel RelationDescriptor,
	existing map[string][]any, incoming map[string]struct{}, chunk int) (int, error) {

	var stale []any
	for key, vals := range existing {
		if _, ok := incoming[key]; !ok {
			stale = append(stale, vals[0])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	deleted := 0
	pk := rel.PrimaryKey[0]
	for start := 0; start < len(stale); start += chunk {
		end := min(start+chunk, len(stale))
		part := stale[start:end]
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
			rel.Name, pk, placeholders(len(part)))
		res, err := tx.ExecContext(ctx, stmt, part...)
		if err != nil {
			return 0, &TransientError{Relation: rel.Name, Op: "prune", Err: err}
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}
	e.log.Info("pruned stale rows", zap.String("relation", rel.Name), zap.Int("deleted", deleted))
	return deleted, nil
}

func countRows(ctx context.Context, tx *sql.Tx, table string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// buildInsert renders a multi-row parameterized INSERT, optionally followed
// by an ON CONFLICT clause, and collects the bound arguments in column order.
func buildInsert(table string, columns []string, rows []Record, conflictClause string) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES ")

	rowPlaceholder := "(" + placeholders(len(columns)) + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(rowPlaceholder)
		for _, col := range columns {
			args = append(args, r[col])
		}
	}
	if conflictClause != "" {
		sb.WriteString(" ")
		sb.WriteString(conflictClause)
	}
	return sb.String(), args
}

// upsertClause renders the ON CONFLICT arm for a merge-upsert: update every
// non-key column, but only when at least one non-volatile column actually
// differs from the stored value. Pure timestamp churn must not count as a
// change.
func upsertClause(rel RelationDescriptor, columns []string) string {
	var setCols, changedCols []string
	for _, col := range columns {
		if rel.isPK(col) {
			continue
		}
		setCols = append(setCols, fmt.Sprintf("%s = excluded.%s", col, col))
		if !rel.isVolatile(col) {
			changedCols = append(changedCols, fmt.Sprintf("%s.%s IS NOT excluded.%s", rel.Name, col, col))
		}
	}
	conflictTarget := strings.Join(rel.PrimaryKey, ", ")
	if len(setCols) == 0 {
		return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", conflictTarget)
	}
	clause := fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", conflictTarget, strings.Join(setCols, ", "))
	if len(changedCols) > 0 {
		clause += " WHERE " + strings.Join(changedCols, " OR ")
	}
	return clause
}
