// Package idmap is the identifier map: the durable source id -> target id
// translation table and the only state a migration run carries across runs.
package idmap

import (
	"context"
	"time"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// Store persists migration records. Entries are keyed by source model and
// source id; at most one live entry exists per key. Implementations batch
// lookups: callers pass a whole migration batch, never one id at a time.
type Store interface {
	// Lookup returns the live target id for one source record.
	Lookup(ctx context.Context, model string, sourceID int64) (int64, bool, error)

	// BulkLookup returns live mappings for the given source ids; ids without a
	// mapping are absent from the result.
	BulkLookup(ctx context.Context, model string, sourceIDs []int64) (map[int64]int64, error)

	// Record stores one mapping. Recording an identical live mapping is a
	// no-op; a live mapping to a different target id is a
	// *apperrors.DuplicateMappingError.
	Record(ctx context.Context, rec models.MigrationRecord) (*models.MigrationRecord, error)

	// RecordAll stores the mappings of one batch. Either every new mapping
	// is stored or none is.
	RecordAll(ctx context.Context, recs []models.MigrationRecord) error

	// Supersede marks the live mapping of a source record superseded and
	// stores rec as the new live mapping in one step.
	Supersede(ctx context.Context, rec models.MigrationRecord) (*models.MigrationRecord, error)

	// ListByModel returns every entry of a model, live and superseded,
	// ordered by source id then migration time.
	ListByModel(ctx context.Context, model string) ([]models.MigrationRecord, error)

	// Close releases the backing connection.
	Close() error
}

// planRecords splits recs into the ones that must be stored, given the live
// entries already present. Identical live mappings are dropped; a conflicting
// one fails the whole plan. Duplicates within recs are checked against each
// other the same way.
func planRecords(existing map[int64]int64, recs []models.MigrationRecord) ([]models.MigrationRecord, error) {
	seen := make(map[int64]int64, len(existing)+len(recs))
	for k, v := range existing {
		seen[k] = v
	}

	out := make([]models.MigrationRecord, 0, len(recs))
	for _, rec := range recs {
		if current, ok := seen[rec.SourceID]; ok {
			if current == rec.TargetID {
				continue
			}
			return nil, &apperrors.DuplicateMappingError{
				Model:            rec.SourceModel,
				SourceID:         rec.SourceID,
				ExistingTargetID: current,
				NewTargetID:      rec.TargetID,
			}
		}
		seen[rec.SourceID] = rec.TargetID
		out = append(out, stamp(rec))
	}
	return out, nil
}

// stamp fills MigratedAt and clears SupersededAt on a record about to be stored.
func stamp(rec models.MigrationRecord) models.MigrationRecord {
	if rec.MigratedAt.IsZero() {
		rec.MigratedAt = time.Now().UTC()
	}
	rec.SupersededAt = nil
	return rec
}

// groupByModel splits a batch by source model, keeping input order.
func groupByModel(recs []models.MigrationRecord) ([]string, map[string][]models.MigrationRecord) {
	var order []string
	groups := make(map[string][]models.MigrationRecord)
	for _, rec := range recs {
		if _, ok := groups[rec.SourceModel]; !ok {
			order = append(order, rec.SourceModel)
		}
		groups[rec.SourceModel] = append(groups[rec.SourceModel], rec)
	}
	return order, groups
}

func sourceIDs(recs []models.MigrationRecord) []int64 {
	ids := make([]int64, len(recs))
	for i, rec := range recs {
		ids[i] = rec.SourceID
	}
	return ids
}

// chunk splits ids into slices of at most size.
func chunk(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
