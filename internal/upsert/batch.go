package upsert

import (
	"fmt"
	"strings"
)

// Record maps column names to scalar values. Every primary-key column must be
// present and non-nil before the record may reach the store.
type Record map[string]any

// Batch is an ordered sequence of records destined for one relation in one
// ingestion cycle. Columns fixes the column order used for every generated
// statement; records missing a column contribute NULL.
type Batch struct {
	Columns []string
	Rows    []Record
}

func (b Batch) Len() int { return len(b.Rows) }

// pkValues renders the record's primary key as a composite string usable as a
// set member. Single-column keys collapse to the value itself.
func pkKey(r Record, pk []string) string {
	if len(pk) == 1 {
		return fmt.Sprint(r[pk[0]])
	}
	parts := make([]string, len(pk))
	for i, col := range pk {
		parts[i] = fmt.Sprint(r[col])
	}
	return strings.Join(parts, "\x1f")
}

// DistinctPKCount counts distinct primary-key tuples in the batch.
func (b Batch) DistinctPKCount(pk []string) int {
	seen := make(map[string]struct{}, len(b.Rows))
	for _, r := range b.Rows {
		seen[pkKey(r, pk)] = struct{}{}
	}
	return len(seen)
}

// validateAgainst checks the batch shape for a relation: all PK columns are
// part of the batch and populated in every record.
func (b Batch) validateAgainst(d RelationDescriptor) error {
	colSet := make(map[string]struct{}, len(b.Columns))
	for _, c := range b.Columns {
		if !identRe.MatchString(c) {
			return fmt.Errorf("relation %s: column %q is not a valid identifier", d.Name, c)
		}
		colSet[c] = struct{}{}
	}
	for _, pk := range d.PrimaryKey {
		if _, ok := colSet[pk]; !ok {
			return fmt.Errorf("relation %s: batch is missing primary-key column %q", d.Name, pk)
		}
	}
	for i, r := range b.Rows {
		for _, pk := range d.PrimaryKey {
			if v, ok := r[pk]; !ok || v == nil {
				return fmt.Errorf("relation %s: record %d has no value for primary-key column %q", d.Name, i, pk)
			}
		}
	}
	return nil
}
