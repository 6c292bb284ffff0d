package recordstore

import (
	"errors"
	"fmt"
)

// PartialCreateError reports that a create call persisted the first
// len(Created) records before failing on the next one.
type PartialCreateError struct {
	Created []int64
	Err     error
}

func (e *PartialCreateError) Error() string {
	return fmt.Sprintf("created %d records before failure: %v", len(e.Created), e.Err)
}

func (e *PartialCreateError) Unwrap() error { return e.Err }

// RejectedError means the store refused a create and rolled it back: none of
// the call's records exist. Stores return it only when they know that; any
// other create error leaves the outcome unknown.
type RejectedError struct {
	Err error
}

func (e *RejectedError) Error() string { return e.Err.Error() }

func (e *RejectedError) Unwrap() error { return e.Err }

// Reject wraps err as a definite rejection. Nil stays nil.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &RejectedError{Err: err}
}

// IsRejected reports whether a create error tells exactly which records were
// persisted: none for a rejection, Created for a partial create.
func IsRejected(err error) bool {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return true
	}
	var partial *PartialCreateError
	return errors.As(err, &partial)
}
