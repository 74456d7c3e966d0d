package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/OrthelT/mkts-north/internal/config"
	"github.com/OrthelT/mkts-north/internal/fetch"
	"github.com/OrthelT/mkts-north/internal/store"
	"github.com/OrthelT/mkts-north/internal/upsert"
)

const pipelineSchema = `
	CREATE TABLE marketorders (
		order_id      INTEGER PRIMARY KEY,
		type_id       INTEGER,
		is_buy_order  BOOLEAN,
		price         REAL,
		duration      INTEGER,
		issued        TEXT,
		min_volume    INTEGER,
		range         TEXT,
		volume_remain INTEGER,
		volume_total  INTEGER,
		timestamp     TEXT
	);
	CREATE TABLE market_history (
		date        TEXT,
		type_id     TEXT,
		average     REAL,
		highest     REAL,
		lowest      REAL,
		volume      INTEGER,
		order_count INTEGER,
		timestamp   TEXT,
		PRIMARY KEY (date, type_id)
	);
	CREATE TABLE marketstats (
		type_id     INTEGER PRIMARY KEY,
		total_value REAL,
		last_update TEXT
	);
	CREATE TABLE doctrines (
		id         INTEGER PRIMARY KEY,
		name       TEXT,
		updated_at TEXT
	);
	CREATE TABLE updatelog (
		table_name TEXT PRIMARY KEY,
		timestamp  TEXT
	);
	CREATE TABLE watchlist (
		type_id INTEGER PRIMARY KEY
	);
`

type copySyncer struct{ fn func() (int, error) }

func (s copySyncer) Sync() (int, error) { return s.fn() }

func openPipelinePair(t *testing.T, syncer store.Syncer) *store.Pair {
	t.Helper()
	dir := t.TempDir()
	local, err := sql.Open("sqlite3", filepath.Join(dir, "local.db"))
	require.NoError(t, err)
	remote, err := sql.Open("sqlite3", filepath.Join(dir, "remote.db"))
	require.NoError(t, err)
	_, err = local.Exec(pipelineSchema)
	require.NoError(t, err)
	_, err = remote.Exec(pipelineSchema)
	require.NoError(t, err)

	p := store.NewPair(local, remote, syncer, nil, zap.NewNop())
	t.Cleanup(func() { p.Close() })
	return p
}

func rawOrder(orderID, typeID int64, price float64) fetch.Record {
	return fetch.Record{
		"order_id": orderID, "type_id": typeID, "is_buy_order": false,
		"price": price, "duration": 90, "issued": "2026-08-28T00:00:00Z",
		"min_volume": 1, "range": "region", "volume_remain": 10, "volume_total": 10,
	}
}

// marketServer speaks just enough of the upstream API for a full cycle: a
// paginated collection endpoint and a per-type history endpoint.
func marketServer(t *testing.T, orders []fetch.Record, history map[string][]fetch.Record,
	failOrders bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/markets/structures/"):
			if failOrders {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Header().Set("X-Pages", "1")
			json.NewEncoder(w).Encode(orders)
		case strings.Contains(r.URL.Path, "/history"):
			days, ok := history[r.URL.Query().Get("type_id")]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(days)
		default:
			t.Errorf("unexpected request path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newPipeline(t *testing.T, pair *store.Pair, baseURL string) *Pipeline {
	t.Helper()
	log := zap.NewNop()
	client := fetch.NewClient(fetch.ClientOptions{UserAgent: "pipeline-test/1.0"}, log)
	return &Pipeline{
		Store:  pair,
		Engine: upsert.NewEngine(pair.Remote, nil, log),
		Orders: fetch.NewPaginated(client,
			fetch.PaginatedOptions{RetryDelay: time.Millisecond, MaxFailures: 1}, log),
		History: fetch.NewRateLimited(client, fetch.RateLimitedOptions{
			Budget: fetch.Budget{Requests: 1000, Interval: time.Second},
			Retry: fetch.RetryPolicy{
				InitialInterval: time.Millisecond,
				MaxElapsed:      30 * time.Millisecond,
			},
			Jitter: time.Nanosecond,
		}, log),
		API: config.API{BaseURL: baseURL, RegionID: 10000003, StructureID: 1035466617946},
		Log: log,
	}
}

func day(date string, avg float64, volume int64) fetch.Record {
	return fetch.Record{
		"date": date, "average": avg, "highest": avg + 1, "lowest": avg - 1,
		"volume": volume, "order_count": 3,
	}
}

func TestPipelineRun_OrdersOnly(t *testing.T) {
	orders := []fetch.Record{
		rawOrder(1001, 34, 5.5),
		rawOrder(1002, 34, 5.6),
		rawOrder(1003, 35, 120),
	}
	srv := marketServer(t, orders, nil, false)
	defer srv.Close()

	pair := openPipelinePair(t, nil)
	p := newPipeline(t, pair, srv.URL)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, report.CycleID)
	require.Empty(t, report.FailedKeys)
	require.Equal(t, 3, report.Results["marketorders"].Inserted)
	require.Equal(t, 3, report.Results["marketorders"].FinalCount)

	var n int
	require.NoError(t, pair.Remote.QueryRow("SELECT COUNT(*) FROM marketorders").Scan(&n))
	require.Equal(t, 3, n)

	// The apply left a staleness bookmark behind.
	_, ok, err := pair.LastUpdated(context.Background(), "marketorders")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPipelineRun_SecondCycleReconciles(t *testing.T) {
	srv1 := marketServer(t, []fetch.Record{
		rawOrder(1001, 34, 5.5),
		rawOrder(1002, 34, 5.6),
	}, nil, false)
	defer srv1.Close()

	pair := openPipelinePair(t, nil)
	_, err := newPipeline(t, pair, srv1.URL).Run(context.Background())
	require.NoError(t, err)

	// Next snapshot: 1001 repriced, 1002 gone, 1004 new.
	srv2 := marketServer(t, []fetch.Record{
		rawOrder(1001, 34, 6.0),
		rawOrder(1004, 35, 99),
	}, nil, false)
	defer srv2.Close()

	report, err := newPipeline(t, pair, srv2.URL).Run(context.Background())
	require.NoError(t, err)

	res := report.Results["marketorders"]
	require.Equal(t, 1, res.Inserted)
	require.Equal(t, 1, res.Updated)
	require.Equal(t, 1, res.Deleted)
	require.Equal(t, 2, res.FinalCount)
}

func TestPipelineRun_WithHistory(t *testing.T) {
	history := map[string][]fetch.Record{
		"34": {day("2026-08-26", 5.0, 1000), day("2026-08-27", 5.2, 900)},
		"35": {day("2026-08-27", 120, 40)},
	}
	srv := marketServer(t, []fetch.Record{rawOrder(1001, 34, 5.5)}, history, false)
	defer srv.Close()

	pair := openPipelinePair(t, nil)
	for _, id := range []int64{34, 35} {
		_, err := pair.Local.Exec("INSERT INTO watchlist (type_id) VALUES (?)", id)
		require.NoError(t, err)
	}

	p := newPipeline(t, pair, srv.URL)
	p.IncludeHistory = true

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.FailedKeys)
	require.Equal(t, 3, report.Results["market_history"].Inserted)

	var n int
	require.NoError(t, pair.Remote.QueryRow(
		"SELECT COUNT(*) FROM market_history WHERE type_id = '34'").Scan(&n))
	require.Equal(t, 2, n)
}

func TestPipelineRun_HistoryFailuresReported(t *testing.T) {
	history := map[string][]fetch.Record{
		"34": {day("2026-08-27", 5.0, 1000)},
		// 99 is absent: the server answers 404 for it.
	}
	srv := marketServer(t, []fetch.Record{rawOrder(1001, 34, 5.5)}, history, false)
	defer srv.Close()

	pair := openPipelinePair(t, nil)
	for _, id := range []int64{34, 99} {
		_, err := pair.Local.Exec("INSERT INTO watchlist (type_id) VALUES (?)", id)
		require.NoError(t, err)
	}

	p := newPipeline(t, pair, srv.URL)
	p.IncludeHistory = true

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.FailedKeys, 1)
	require.Error(t, report.FailedKeys[99])
	require.Equal(t, 1, report.Results["market_history"].Inserted)
}

func TestPipelineRun_OrdersAbortStopsCycle(t *testing.T) {
	srv := marketServer(t, nil, nil, true)
	defer srv.Close()

	pair := openPipelinePair(t, nil)
	p := newPipeline(t, pair, srv.URL)

	report, err := p.Run(context.Background())
	require.Error(t, err)
	var ae *fetch.AbortedError
	require.ErrorAs(t, err, &ae)
	require.Empty(t, report.Results)

	var n int
	require.NoError(t, pair.Remote.QueryRow("SELECT COUNT(*) FROM marketorders").Scan(&n))
	require.Zero(t, n)
	_, ok, err := pair.LastUpdated(context.Background(), "marketorders")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPipelineRun_StatsGatedOnFreshness(t *testing.T) {
	srv := marketServer(t, []fetch.Record{rawOrder(1001, 34, 5.5)}, nil, false)
	defer srv.Close()

	setStatsWatermark := func(t *testing.T, db *sql.DB, stamp string) {
		t.Helper()
		_, err := db.Exec("DELETE FROM marketstats")
		require.NoError(t, err)
		_, err = db.Exec("INSERT INTO marketstats (type_id, total_value, last_update) VALUES (34, 1, ?)", stamp)
		require.NoError(t, err)
	}

	t.Run("stale replica resyncs before stats", func(t *testing.T) {
		var pair *store.Pair
		syncer := copySyncer{fn: func() (int, error) {
			setStatsWatermark(t, pair.Local, "2026-08-28T12:00:00Z")
			return 1, nil
		}}
		pair = openPipelinePair(t, syncer)
		setStatsWatermark(t, pair.Local, "2026-08-28T09:00:00Z")
		setStatsWatermark(t, pair.Remote, "2026-08-28T12:00:00Z")

		computed := false
		p := newPipeline(t, pair, srv.URL)
		p.ComputeStats = func(ctx context.Context, pair *store.Pair) error {
			computed = true
			return nil
		}

		_, err := p.Run(context.Background())
		require.NoError(t, err)
		require.True(t, computed)
	})

	t.Run("unrecoverable staleness blocks stats", func(t *testing.T) {
		syncer := copySyncer{fn: func() (int, error) { return 0, nil }}
		pair := openPipelinePair(t, syncer)
		setStatsWatermark(t, pair.Local, "2026-08-28T09:00:00Z")
		setStatsWatermark(t, pair.Remote, "2026-08-28T12:00:00Z")

		p := newPipeline(t, pair, srv.URL)
		p.ComputeStats = func(ctx context.Context, pair *store.Pair) error {
			t.Error("stats computed on a stale replica")
			return nil
		}

		_, err := p.Run(context.Background())
		require.True(t, store.IsStaleness(err))
	})
}

func TestShouldRun(t *testing.T) {
	ctx := context.Background()
	pair := openPipelinePair(t, nil)

	// Never applied: always due.
	due, err := ShouldRun(ctx, pair, 2*time.Hour, false)
	require.NoError(t, err)
	require.True(t, due)

	// Freshly applied: the age gate holds the cycle back.
	require.NoError(t, pair.LogUpdate(ctx, OrdersRelation().Name))
	due, err = ShouldRun(ctx, pair, 2*time.Hour, false)
	require.NoError(t, err)
	require.False(t, due)

	// Unless forced, or the gate is disabled.
	due, err = ShouldRun(ctx, pair, 2*time.Hour, true)
	require.NoError(t, err)
	require.True(t, due)
	due, err = ShouldRun(ctx, pair, 0, false)
	require.NoError(t, err)
	require.True(t, due)

	// An old enough entry makes the cycle due again.
	_, err = pair.Remote.Exec("UPDATE updatelog SET timestamp = ? WHERE table_name = ?",
		time.Now().UTC().Add(-3*time.Hour).Format(time.RFC3339), OrdersRelation().Name)
	require.NoError(t, err)
	due, err = ShouldRun(ctx, pair, 2*time.Hour, false)
	require.NoError(t, err)
	require.True(t, due)
}

func TestSnapshotRelationsRebuildWhole(t *testing.T) {
	// Stats and doctrine snapshots are wipe-replace: each apply rebuilds the
	// relation from scratch, regardless of what was there before.
	pair := openPipelinePair(t, nil)
	engine := upsert.NewEngine(pair.Remote, nil, zap.NewNop())
	ctx := context.Background()

	_, err := pair.Remote.Exec(
		"INSERT INTO marketstats (type_id, total_value, last_update) VALUES (1, 10, 't0'), (2, 20, 't0')")
	require.NoError(t, err)
	_, err = pair.Remote.Exec("INSERT INTO doctrines (id, name, updated_at) VALUES (7, 'old', 't0')")
	require.NoError(t, err)

	stats := upsert.Batch{
		Columns: []string{"type_id", "total_value", "last_update"},
		Rows: []upsert.Record{
			{"type_id": int64(34), "total_value": 1.5, "last_update": "t1"},
			{"type_id": int64(35), "total_value": 2.5, "last_update": "t1"},
			{"type_id": int64(36), "total_value": 3.5, "last_update": "t1"},
		},
	}
	res, err := engine.Upsert(ctx, StatsRelation(), stats)
	require.NoError(t, err)
	require.Equal(t, 2, res.Deleted)
	require.Equal(t, 3, res.FinalCount)

	doctrines := upsert.Batch{
		Columns: []string{"id", "name", "updated_at"},
		Rows: []upsert.Record{
			{"id": int64(1), "name": "shield", "updated_at": "t1"},
			{"id": int64(2), "name": "armor", "updated_at": "t1"},
		},
	}
	res, err = engine.Upsert(ctx, DoctrinesRelation(), doctrines)
	require.NoError(t, err)
	require.Equal(t, 1, res.Deleted)
	require.Equal(t, 2, res.FinalCount)

	var n int
	require.NoError(t, pair.Remote.QueryRow(
		"SELECT COUNT(*) FROM doctrines WHERE id = 7").Scan(&n))
	require.Zero(t, n)
}

func TestPipelineRun_ShaperOverride(t *testing.T) {
	srv := marketServer(t, []fetch.Record{rawOrder(1001, 34, 5.5)}, nil, false)
	defer srv.Close()

	pair := openPipelinePair(t, nil)
	p := newPipeline(t, pair, srv.URL)

	shaped := false
	p.OrdersShaper = func(records []fetch.Record, now time.Time) (upsert.Batch, error) {
		shaped = true
		return ShapeOrders(records, now)
	}

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	require.True(t, shaped)
}

func TestShapeOrders(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	batch, err := ShapeOrders([]fetch.Record{
		// JSON-decoded numbers arrive as float64.
		{"order_id": float64(1001), "type_id": float64(34), "price": 5.5, "range": "station"},
	}, now)
	require.NoError(t, err)
	require.Len(t, batch.Rows, 1)
	require.Equal(t, int64(1001), batch.Rows[0]["order_id"])
	require.Equal(t, "2026-08-28T12:00:00Z", batch.Rows[0]["timestamp"])

	_, err = ShapeOrders([]fetch.Record{{"price": 5.5}}, now)
	require.Error(t, err)
}

func TestShapeHistorySkipsFailedKeys(t *testing.T) {
	now := time.Now()
	payload, err := json.Marshal([]fetch.Record{day("2026-08-27", 5.0, 10)})
	require.NoError(t, err)

	batch, err := ShapeHistory(map[int64]fetch.Result{
		34: {Key: 34, Payload: payload},
		99: {Key: 99, Err: fmt.Errorf("boom")},
	}, now)
	require.NoError(t, err)
	require.Len(t, batch.Rows, 1)
	require.Equal(t, "34", batch.Rows[0]["type_id"])
}
