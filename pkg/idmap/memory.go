package idmap

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// MemoryStore keeps the map in process. It does not survive the run and is
// meant for dry runs and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	live       map[string]map[int64]models.MigrationRecord
	superseded map[string][]models.MigrationRecord

	// bulkCalls counts BulkLookup calls per model.
	bulkCalls map[string]int
	// failWrites makes the next n RecordAll calls fail.
	failWrites int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		live:       make(map[string]map[int64]models.MigrationRecord),
		superseded: make(map[string][]models.MigrationRecord),
		bulkCalls:  make(map[string]int),
	}
}

func (s *MemoryStore) Lookup(_ context.Context, model string, sourceID int64) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.live[model][sourceID]
	return rec.TargetID, ok, nil
}

func (s *MemoryStore) BulkLookup(_ context.Context, model string, sourceIDs []int64) (map[int64]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkCalls[model]++
	out := make(map[int64]int64)
	for _, id := range sourceIDs {
		if rec, ok := s.live[model][id]; ok {
			out[id] = rec.TargetID
		}
	}
	return out, nil
}

func (s *MemoryStore) Record(ctx context.Context, rec models.MigrationRecord) (*models.MigrationRecord, error) {
	if err := s.RecordAll(ctx, []models.MigrationRecord{rec}); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.live[rec.SourceModel][rec.SourceID]
	return &stored, nil
}

func (s *MemoryStore) RecordAll(_ context.Context, recs []models.MigrationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites > 0 {
		s.failWrites--
		return fmt.Errorf("id map unavailable")
	}

	order, groups := groupByModel(recs)
	planned := make(map[string][]models.MigrationRecord, len(order))
	for _, model := range order {
		existing := make(map[int64]int64)
		for _, id := range sourceIDs(groups[model]) {
			if rec, ok := s.live[model][id]; ok {
				existing[id] = rec.TargetID
			}
		}
		toStore, err := planRecords(existing, groups[model])
		if err != nil {
			return err
		}
		planned[model] = toStore
	}

	for _, model := range order {
		if s.live[model] == nil {
			s.live[model] = make(map[int64]models.MigrationRecord)
		}
		for _, rec := range planned[model] {
			s.live[model][rec.SourceID] = rec
		}
	}
	return nil
}

func (s *MemoryStore) Supersede(_ context.Context, rec models.MigrationRecord) (*models.MigrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.live[rec.SourceModel][rec.SourceID]
	if !ok {
		return nil, fmt.Errorf("%s source id %d: %w", rec.SourceModel, rec.SourceID, apperrors.ErrNotFound)
	}
	now := time.Now().UTC()
	old.SupersededAt = &now
	s.superseded[rec.SourceModel] = append(s.superseded[rec.SourceModel], old)

	stored := stamp(rec)
	s.live[rec.SourceModel][rec.SourceID] = stored
	return &stored, nil
}

func (s *MemoryStore) ListByModel(_ context.Context, model string) ([]models.MigrationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]models.MigrationRecord(nil), s.superseded[model]...)
	for _, rec := range s.live[model] {
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// BulkLookupCalls returns how many BulkLookup calls were made for model.
func (s *MemoryStore) BulkLookupCalls(model string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bulkCalls[model]
}

// FailNextWrites makes the next n RecordAll (and Record) calls fail.
func (s *MemoryStore) FailNextWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = n
}

// sortRecords orders by source id, superseded entries before the live one.
func sortRecords(recs []models.MigrationRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].SourceID != recs[j].SourceID {
			return recs[i].SourceID < recs[j].SourceID
		}
		if recs[i].IsLive() != recs[j].IsLive() {
			return !recs[i].IsLive()
		}
		return recs[i].MigratedAt.Before(recs[j].MigratedAt)
	})
}
