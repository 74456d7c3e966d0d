package pipeline

import "github.com/OrthelT/mkts-north/internal/upsert"

// The schema is pre-existing; these descriptors only carry the metadata the
// engine needs. Stats and doctrine snapshots are rebuilt whole each cycle;
// orders and history reconcile in place.

func OrdersRelation() upsert.RelationDescriptor {
	return upsert.RelationDescriptor{
		Name:            "marketorders",
		PrimaryKey:      []string{"order_id"},
		Strategy:        upsert.MergeUpsert,
		VolatileColumns: []string{"timestamp"},
	}
}

func HistoryRelation() upsert.RelationDescriptor {
	return upsert.RelationDescriptor{
		Name:            "market_history",
		PrimaryKey:      []string{"date", "type_id"},
		Strategy:        upsert.MergeUpsert,
		VolatileColumns: []string{"timestamp"},
	}
}

func StatsRelation() upsert.RelationDescriptor {
	return upsert.RelationDescriptor{
		Name:            "marketstats",
		PrimaryKey:      []string{"type_id"},
		Strategy:        upsert.WipeReplace,
		VolatileColumns: []string{"last_update"},
	}
}

func DoctrinesRelation() upsert.RelationDescriptor {
	return upsert.RelationDescriptor{
		Name:            "doctrines",
		PrimaryKey:      []string{"id"},
		Strategy:        upsert.WipeReplace,
		VolatileColumns: []string{"updated_at"},
	}
}
