package store

import (
	"errors"
	"fmt"
	"time"
)

// SyncError wraps a failed replica pull. The caller decides whether to
// proceed on stale local data.
type SyncError struct {
	Err error
}

func (e *SyncError) Error() string { return fmt.Sprintf("replica sync: %v", e.Err) }

func (e *SyncError) Unwrap() error { return e.Err }

// StalenessError means the local replica is still behind the remote after one
// resync attempt. Fatal for the current cycle: anything computed from the
// local copy would be silently wrong.
type StalenessError struct {
	Table  string
	Local  time.Time
	Remote time.Time
}

func (e *StalenessError) Error() string {
	return fmt.Sprintf("local replica behind remote after resync: %s local=%s remote=%s",
		e.Table, e.Local.UTC().Format(time.RFC3339), e.Remote.UTC().Format(time.RFC3339))
}

func IsStaleness(err error) bool {
	var se *StalenessError
	return errors.As(err, &se)
}
