package store

import "fmt"

// PersistenceError reports a failed relational commit. The transaction was
// rolled back; no table was changed.
type PersistenceError struct {
	Table string
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("persist: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persist %s: %s: %v", e.Table, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
