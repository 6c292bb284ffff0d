// Package memory is an in-process record store. It backs end-to-end tests
// and rehearsal runs loaded from a JSON fixture, and can inject the failures
// a remote store produces (constraint violations, transient errors, partial
// creates).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// Operation names accepted by FailNext.
const (
	OpDescribe   = "describe"
	OpSearchRead = "search_read"
	OpCreate     = "create"
	OpWrite      = "write"

	// OpCommittedCreate fails a create call after its records are stored,
	// like a timeout that hits once the remote side committed.
	OpCommittedCreate = "committed_create"
)

// Constraint validates one record about to be created or written.
type Constraint func(values models.FieldValues) error

type table struct {
	desc    *models.ModelDescriptor
	records map[int64]models.FieldValues
	nextID  int64
}

type injectedFault struct {
	remaining int
	err       error
}

// Store is a thread-safe in-memory RecordStore.
type Store struct {
	mu          sync.Mutex
	tables      map[string]*table
	constraints map[string][]Constraint
	faults      map[string]*injectedFault
	atomic      bool

	createSizes map[string][]int
	writeCount  map[string]int
}

var _ recordstore.RecordStore = (*Store)(nil)

// New creates an empty store whose creates are atomic per call.
func New() *Store {
	return &Store{
		tables:      make(map[string]*table),
		constraints: make(map[string][]Constraint),
		faults:      make(map[string]*injectedFault),
		atomic:      true,
		createSizes: make(map[string][]int),
		writeCount:  make(map[string]int),
	}
}

// Define registers a model. Redefining a model keeps its records.
func (s *Store) Define(desc *models.ModelDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[desc.Name]; ok {
		t.desc = desc
		return
	}
	s.tables[desc.Name] = &table{desc: desc, records: make(map[int64]models.FieldValues), nextID: 1}
}

// Insert stores a record under a fixed id, bypassing constraints.
func (s *Store) Insert(model string, id int64, values models.FieldValues) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[model]
	if !ok {
		return fmt.Errorf("model %s: %w", model, apperrors.ErrNotFound)
	}
	t.records[id] = values.Clone()
	if id >= t.nextID {
		t.nextID = id + 1
	}
	return nil
}

// SetAtomic selects whether a failing create persists nothing (true) or
// the records before the failing one (false, reported as PartialCreateError).
func (s *Store) SetAtomic(atomic bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.atomic = atomic
}

// AddConstraint registers a validation run on every create and write of model.
func (s *Store) AddConstraint(model string, c Constraint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.constraints[model] = append(s.constraints[model], c)
}

// FailNext makes the next n calls of op fail with err. A create fault
// persists nothing; wrap err with recordstore.Reject to report that.
func (s *Store) FailNext(op string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &injectedFault{remaining: n, err: err}
}

// CreateCallSizes returns the size of every create call made for model.
func (s *Store) CreateCallSizes(model string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.createSizes[model]...)
}

// WriteCount returns the number of write calls made for model.
func (s *Store) WriteCount(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCount[model]
}

// Records returns a snapshot of model's records ordered by id.
func (s *Store) Records(model string) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[model]
	if !ok {
		return nil
	}
	return t.sorted()
}

// Get returns one record.
func (s *Store) Get(model string, id int64) (models.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[model]
	if !ok {
		return models.Record{}, false
	}
	v, ok := t.records[id]
	if !ok {
		return models.Record{}, false
	}
	return models.Record{ID: id, Values: v.Clone()}, true
}

func (s *Store) fault(op string) error {
	f, ok := s.faults[op]
	if !ok || f.remaining <= 0 {
		return nil
	}
	f.remaining--
	return f.err
}

func (s *Store) table(model string) (*table, error) {
	t, ok := s.tables[model]
	if !ok {
		return nil, fmt.Errorf("model %s: %w", model, apperrors.ErrNotFound)
	}
	return t, nil
}

// Describe returns the model's descriptor.
func (s *Store) Describe(ctx context.Context, model string) (*models.ModelDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpDescribe); err != nil {
		return nil, err
	}
	t, err := s.table(model)
	if err != nil {
		return nil, err
	}
	return t.desc, nil
}

// SearchRead returns matching records ordered by id.
func (s *Store) SearchRead(ctx context.Context, model string, domain recordstore.Domain, fields []string, offset, limit int) ([]models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := domain.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpSearchRead); err != nil {
		return nil, err
	}
	t, err := s.table(model)
	if err != nil {
		return nil, err
	}

	var matched []models.Record
	for _, rec := range t.sorted() {
		ok, err := matches(rec, domain)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, rec)
		}
	}

	if offset >= len(matched) {
		return []models.Record{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	if len(fields) == 0 {
		return matched, nil
	}
	out := make([]models.Record, len(matched))
	for i, rec := range matched {
		projected := make(models.FieldValues, len(fields))
		for _, f := range fields {
			if v, ok := rec.Values[f]; ok {
				projected[f] = v
			}
		}
		out[i] = models.Record{ID: rec.ID, Values: projected}
	}
	return out, nil
}

// Create validates and stores records, returning their new ids.
func (s *Store) Create(ctx context.Context, model string, records []models.FieldValues) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.createSizes[model] = append(s.createSizes[model], len(records))
	if err := s.fault(OpCreate); err != nil {
		return nil, err
	}
	t, err := s.table(model)
	if err != nil {
		return nil, err
	}

	if s.atomic {
		for i, values := range records {
			if err := s.validate(t, values, true); err != nil {
				return nil, recordstore.Reject(fmt.Errorf("record %d of %d: %w", i+1, len(records), err))
			}
		}
	}

	ids := make([]int64, 0, len(records))
	for i, values := range records {
		if !s.atomic {
			if err := s.validate(t, values, true); err != nil {
				err = fmt.Errorf("record %d of %d: %w", i+1, len(records), err)
				if len(ids) == 0 {
					return nil, recordstore.Reject(err)
				}
				return nil, &recordstore.PartialCreateError{Created: ids, Err: err}
			}
		}
		id := t.nextID
		t.nextID++
		t.records[id] = values.Clone()
		ids = append(ids, id)
	}
	if err := s.fault(OpCommittedCreate); err != nil {
		return nil, err
	}
	return ids, nil
}

// Write updates fields of one record.
func (s *Store) Write(ctx context.Context, model string, id int64, values models.FieldValues) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCount[model]++
	if err := s.fault(OpWrite); err != nil {
		return err
	}
	t, err := s.table(model)
	if err != nil {
		return err
	}
	existing, ok := t.records[id]
	if !ok {
		return fmt.Errorf("%s record %d: %w", model, id, apperrors.ErrNotFound)
	}

	merged := existing.Clone()
	for k, v := range values {
		merged[k] = v
	}
	if err := s.validate(t, merged, false); err != nil {
		return err
	}
	t.records[id] = merged
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) validate(t *table, values models.FieldValues, creating bool) error {
	for name := range values {
		f, ok := t.desc.Field(name)
		if !ok {
			return fmt.Errorf("invalid field %q on model %s", name, t.desc.Name)
		}
		if f.Kind == models.FieldComputed {
			return fmt.Errorf("field %q on model %s is not stored", name, t.desc.Name)
		}
	}
	if creating {
		for _, f := range t.desc.Fields {
			if f.Required && !f.HasDefault && values[f.Name].IsNull() {
				return fmt.Errorf("missing required field %q on model %s", f.Name, t.desc.Name)
			}
		}
	}
	for _, c := range s.constraints[t.desc.Name] {
		if err := c(values); err != nil {
			return err
		}
	}
	return nil
}

func (t *table) sorted() []models.Record {
	ids := make([]int64, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]models.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Record{ID: id, Values: t.records[id].Clone()})
	}
	return out
}
