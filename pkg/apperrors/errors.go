package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnknownStoreType    = errors.New("unknown record store type")
	ErrSchemaIntrospection = errors.New("schema introspection failed")
	ErrDuplicateMapping    = errors.New("duplicate identifier mapping")
	ErrTransform           = errors.New("transform failed")
	ErrCreate              = errors.New("create failed")
	ErrUnresolvedReference = errors.New("unresolved reference")
	ErrMappingWrite        = errors.New("identifier map write failed after create")
	ErrCreateOutcome       = errors.New("create outcome unknown")
)

// SchemaIntrospectionError is returned when a requested model cannot be described.
// It aborts the run before any writes.
type SchemaIntrospectionError struct {
	Store string // "source" or "target"
	Model string
	Err   error
}

func (e *SchemaIntrospectionError) Error() string {
	return fmt.Sprintf("describe %s model %q: %v", e.Store, e.Model, e.Err)
}

func (e *SchemaIntrospectionError) Unwrap() error { return e.Err }

func (e *SchemaIntrospectionError) Is(target error) bool { return target == ErrSchemaIntrospection }

// DuplicateMappingError means a live mapping already points the source record
// at a different target record. Never resolved automatically.
type DuplicateMappingError struct {
	Model            string
	SourceID         int64
	ExistingTargetID int64
	NewTargetID      int64
}

func (e *DuplicateMappingError) Error() string {
	return fmt.Sprintf("%s source id %d already mapped to target id %d, refusing to map to %d",
		e.Model, e.SourceID, e.ExistingTargetID, e.NewTargetID)
}

func (e *DuplicateMappingError) Is(target error) bool { return target == ErrDuplicateMapping }

// TransformError is a per-record failure: the record is excluded from its batch.
type TransformError struct {
	Model    string
	SourceID int64
	Field    string
	Reason   string
}

func (e *TransformError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("transform %s/%d: %s", e.Model, e.SourceID, e.Reason)
	}
	return fmt.Sprintf("transform %s/%d field %s: %s", e.Model, e.SourceID, e.Field, e.Reason)
}

func (e *TransformError) Is(target error) bool { return target == ErrTransform }

// CreateError is a per-record failure left after sub-batch bisection.
type CreateError struct {
	Model    string
	SourceID int64
	Err      error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create %s/%d: %v", e.Model, e.SourceID, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

func (e *CreateError) Is(target error) bool { return target == ErrCreate }

// UnresolvedReferenceError is raised only by the final cross-reference pass.
type UnresolvedReferenceError struct {
	Model       string
	SourceID    int64
	Field       string
	TargetModel string
	Missing     []int64
	Err         error // set when the targeted update itself failed
}

func (e *UnresolvedReferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("update %s/%d field %s: %v", e.Model, e.SourceID, e.Field, e.Err)
	}
	return fmt.Sprintf("%s/%d field %s: %s source ids %v were never migrated",
		e.Model, e.SourceID, e.Field, e.TargetModel, e.Missing)
}

func (e *UnresolvedReferenceError) Unwrap() error { return e.Err }

func (e *UnresolvedReferenceError) Is(target error) bool { return target == ErrUnresolvedReference }

// MappingWriteError means target records exist that the identifier map does
// not know about. The batch, and the run, must stop.
type MappingWriteError struct {
	Model     string
	TargetIDs []int64
	Err       error
}

func (e *MappingWriteError) Error() string {
	return fmt.Sprintf("record mappings for %s (created target ids %v): %v", e.Model, e.TargetIDs, e.Err)
}

func (e *MappingWriteError) Unwrap() error { return e.Err }

func (e *MappingWriteError) Is(target error) bool { return target == ErrMappingWrite }

// CreateOutcomeError means a create call failed without saying whether its
// records were stored. Re-sending them could duplicate them on the target,
// so the run stops and the target must be checked.
type CreateOutcomeError struct {
	Model     string
	SourceIDs []int64
	Err       error
}

func (e *CreateOutcomeError) Error() string {
	return fmt.Sprintf("create %s for source ids %v may have been stored: %v", e.Model, e.SourceIDs, e.Err)
}

func (e *CreateOutcomeError) Unwrap() error { return e.Err }

func (e *CreateOutcomeError) Is(target error) bool { return target == ErrCreateOutcome }

// IsFatal reports whether err must halt the run rather than be recorded per record.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSchemaIntrospection) ||
		errors.Is(err, ErrDuplicateMapping) ||
		errors.Is(err, ErrMappingWrite) ||
		errors.Is(err, ErrCreateOutcome)
}
