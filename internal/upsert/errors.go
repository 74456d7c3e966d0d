package upsert

import (
	"errors"
	"fmt"
)

// IntegrityError reports a violated row-count postcondition. The relation's
// transaction has been rolled back; the failure is fatal for that relation's
// cycle.
type IntegrityError struct {
	Relation string
	Expected int
	Got      int
	Exact    bool // true when the expectation was an exact count, not a lower bound
}

func (e *IntegrityError) Error() string {
	if e.Exact {
		return fmt.Sprintf("relation %s: expected exactly %d rows after apply, got %d", e.Relation, e.Expected, e.Got)
	}
	return fmt.Sprintf("relation %s: expected at least %d rows after apply, got %d", e.Relation, e.Expected, e.Got)
}

// TransientError wraps store faults that may clear on retry (connection
// drops, lock timeouts). The transaction has been rolled back; the caller may
// re-apply the whole batch.
type TransientError struct {
	Relation string
	Op       string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("relation %s: %s: %v", e.Relation, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
