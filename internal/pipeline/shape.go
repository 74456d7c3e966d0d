package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/OrthelT/mkts-north/internal/fetch"
	"github.com/OrthelT/mkts-north/internal/upsert"
)

// Default shapers turn raw API payloads into engine batches. Real column
// validation and type coercion live upstream of the engine; these defaults do
// the minimum field mapping the given schema expects and stamp the volatile
// timestamp column.

var ordersColumns = []string{
	"order_id", "type_id", "is_buy_order", "price", "duration", "issued",
	"min_volume", "range", "volume_remain", "volume_total", "timestamp",
}

// ShapeOrders maps raw collection records onto the marketorders relation.
func ShapeOrders(records []fetch.Record, now time.Time) (upsert.Batch, error) {
	stamp := now.UTC().Format(time.RFC3339)
	batch := upsert.Batch{Columns: ordersColumns, Rows: make([]upsert.Record, 0, len(records))}
	for i, raw := range records {
		orderID, ok := asInt64(raw["order_id"])
		if !ok {
			return upsert.Batch{}, fmt.Errorf("shape orders: record %d has no order_id", i)
		}
		typeID, _ := asInt64(raw["type_id"])
		row := upsert.Record{
			"order_id":      orderID,
			"type_id":       typeID,
			"is_buy_order":  raw["is_buy_order"],
			"price":         raw["price"],
			"duration":      raw["duration"],
			"issued":        raw["issued"],
			"min_volume":    raw["min_volume"],
			"range":         raw["range"],
			"volume_remain": raw["volume_remain"],
			"volume_total":  raw["volume_total"],
			"timestamp":     stamp,
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}

var historyColumns = []string{
	"date", "type_id", "average", "highest", "lowest", "volume", "order_count",
	"timestamp",
}

// ShapeHistory flattens per-key history payloads (one JSON array of daily
// records per key) into the market_history relation. Failed keys are skipped
// here; the cycle report carries their errors.
func ShapeHistory(results map[int64]fetch.Result, now time.Time) (upsert.Batch, error) {
	stamp := now.UTC().Format(time.RFC3339)
	batch := upsert.Batch{Columns: historyColumns}
	for key, res := range results {
		if res.Err != nil {
			continue
		}
		var days []fetch.Record
		if err := json.Unmarshal(res.Payload, &days); err != nil {
			return upsert.Batch{}, fmt.Errorf("shape history: key %d: %w", key, err)
		}
		for i, day := range days {
			date, _ := day["date"].(string)
			if date == "" {
				return upsert.Batch{}, fmt.Errorf("shape history: key %d record %d has no date", key, i)
			}
			batch.Rows = append(batch.Rows, upsert.Record{
				"date":        date,
				"type_id":     fmt.Sprint(key),
				"average":     day["average"],
				"highest":     day["highest"],
				"lowest":      day["lowest"],
				"volume":      day["volume"],
				"order_count": day["order_count"],
				"timestamp":   stamp,
			})
		}
	}
	return batch, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
