// Package upsert applies validated record batches to pre-existing relations
// under two write strategies with strict row-count postconditions. Schema is
// given; the engine never issues DDL.
package upsert

import (
	"fmt"
	"regexp"
)

// Strategy selects how a batch reconciles with existing rows.
type Strategy string

const (
	// WipeReplace deletes every existing row, then inserts the full batch.
	// Postcondition: final row count equals the batch length exactly.
	WipeReplace Strategy = "wipe-replace"

	// MergeUpsert inserts new rows, updates changed ones in place, and (for
	// single-column keys) prunes rows absent from the batch. Postcondition:
	// final row count is at least the batch's distinct key count.
	MergeUpsert Strategy = "merge-upsert"
)

// identRe guards relation and column names interpolated into SQL. The schema
// is ours, but the descriptor values travel through config.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// RelationDescriptor is the plain metadata value the engine is parameterized
// by: table identity, primary key, write strategy, and the volatile columns
// excluded from change detection (timestamps and the like).
type RelationDescriptor struct {
	Name            string
	PrimaryKey      []string
	Strategy        Strategy
	VolatileColumns []string
}

func (d RelationDescriptor) Validate() error {
	if !identRe.MatchString(d.Name) {
		return fmt.Errorf("relation name %q is not a valid identifier", d.Name)
	}
	if len(d.PrimaryKey) == 0 {
		return fmt.Errorf("relation %s: at least one primary-key column required", d.Name)
	}
	for _, col := range d.PrimaryKey {
		if !identRe.MatchString(col) {
			return fmt.Errorf("relation %s: primary-key column %q is not a valid identifier", d.Name, col)
		}
	}
	switch d.Strategy {
	case WipeReplace, MergeUpsert:
	default:
		return fmt.Errorf("relation %s: unknown strategy %q", d.Name, d.Strategy)
	}
	return nil
}

func (d RelationDescriptor) isPK(col string) bool {
	for _, pk := range d.PrimaryKey {
		if pk == col {
			return true
		}
	}
	return false
}

func (d RelationDescriptor) isVolatile(col string) bool {
	for _, v := range d.VolatileColumns {
		if v == col {
			return true
		}
	}
	return false
}
