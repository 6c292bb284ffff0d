package idmap

import (
	"context"
	"fmt"
	"time"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// Field names of the mapping model on the target store. Custom fields on
// Odoo must carry the x_ prefix.
const (
	fieldSourceModel  = "x_source_model"
	fieldSourceID     = "x_source_id"
	fieldTargetModel  = "x_target_model"
	fieldTargetID     = "x_target_id"
	fieldMigratedAt   = "x_migrated_at"
	fieldChecksum     = "x_checksum"
	fieldRunID        = "x_run_id"
	fieldSupersededAt = "x_superseded_at"
)

var targetFields = []string{
	fieldSourceModel, fieldSourceID, fieldTargetModel, fieldTargetID,
	fieldMigratedAt, fieldChecksum, fieldRunID, fieldSupersededAt,
}

// targetLookupChunk bounds the id list of one search_read.
const targetLookupChunk = 1000

// TargetStore keeps the map as records of a dedicated model on the target
// store itself, so the mapping travels with the migrated data. Every call
// is a round trip; callers must use BulkLookup per batch.
type TargetStore struct {
	store recordstore.RecordStore
	model string
}

var _ Store = (*TargetStore)(nil)

// NewTargetStore stores mappings as records of model on store. The store is
// owned by the caller and not closed by Close.
func NewTargetStore(store recordstore.RecordStore, model string) *TargetStore {
	return &TargetStore{store: store, model: model}
}

// MappingModelFields describes the mapping model, for stores (the memory
// store, fixtures) that need it declared up front.
func MappingModelFields() []models.FieldDescriptor {
	return []models.FieldDescriptor{
		{Name: fieldSourceModel, Kind: models.FieldScalar, Type: "char", Required: true},
		{Name: fieldSourceID, Kind: models.FieldScalar, Type: "integer", Required: true},
		{Name: fieldTargetModel, Kind: models.FieldScalar, Type: "char", Required: true},
		{Name: fieldTargetID, Kind: models.FieldScalar, Type: "integer", Required: true},
		{Name: fieldMigratedAt, Kind: models.FieldScalar, Type: "char"},
		{Name: fieldChecksum, Kind: models.FieldScalar, Type: "char"},
		{Name: fieldRunID, Kind: models.FieldScalar, Type: "char"},
		{Name: fieldSupersededAt, Kind: models.FieldScalar, Type: "char"},
	}
}

func liveDomain(model string) recordstore.Domain {
	return recordstore.Domain{
		{Field: fieldSourceModel, Operator: recordstore.OpEq, Value: model},
		{Field: fieldSupersededAt, Operator: recordstore.OpEq, Value: nil},
	}
}

func (s *TargetStore) Lookup(ctx context.Context, model string, sourceID int64) (int64, bool, error) {
	found, err := s.BulkLookup(ctx, model, []int64{sourceID})
	if err != nil {
		return 0, false, err
	}
	id, ok := found[sourceID]
	return id, ok, nil
}

func (s *TargetStore) BulkLookup(ctx context.Context, model string, sourceIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(sourceIDs))
	for _, part := range chunk(sourceIDs, targetLookupChunk) {
		domain := append(liveDomain(model), recordstore.Condition{
			Field: fieldSourceID, Operator: recordstore.OpIn, Value: part,
		})
		rows, err := s.store.SearchRead(ctx, s.model, domain, []string{fieldSourceID, fieldTargetID}, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("bulk lookup %s: %w", model, err)
		}
		for _, row := range rows {
			out[row.Get(fieldSourceID).Int] = row.Get(fieldTargetID).Int
		}
	}
	return out, nil
}

func (s *TargetStore) Record(ctx context.Context, rec models.MigrationRecord) (*models.MigrationRecord, error) {
	stored := stamp(rec)
	if err := s.RecordAll(ctx, []models.MigrationRecord{stored}); err != nil {
		return nil, err
	}
	return &stored, nil
}

// RecordAll creates one mapping record per new entry in a single create
// call. All-or-nothing holds only as far as the target's create does.
func (s *TargetStore) RecordAll(ctx context.Context, recs []models.MigrationRecord) error {
	order, groups := groupByModel(recs)
	var values []models.FieldValues
	for _, model := range order {
		existing, err := s.BulkLookup(ctx, model, sourceIDs(groups[model]))
		if err != nil {
			return err
		}
		toStore, err := planRecords(existing, groups[model])
		if err != nil {
			return err
		}
		for _, rec := range toStore {
			values = append(values, toFieldValues(rec))
		}
	}
	if len(values) == 0 {
		return nil
	}
	if _, err := s.store.Create(ctx, s.model, values); err != nil {
		return fmt.Errorf("create mapping records: %w", err)
	}
	return nil
}

func toFieldValues(rec models.MigrationRecord) models.FieldValues {
	return models.FieldValues{
		fieldSourceModel: models.StringValue(rec.SourceModel),
		fieldSourceID:    models.IntValue(rec.SourceID),
		fieldTargetModel: models.StringValue(rec.TargetModel),
		fieldTargetID:    models.IntValue(rec.TargetID),
		fieldMigratedAt:  models.StringValue(rec.MigratedAt.UTC().Format(time.RFC3339Nano)),
		fieldChecksum:    models.StringValue(rec.Checksum),
		fieldRunID:       models.StringValue(rec.RunID),
	}
}

func fromRecord(row models.Record) (models.MigrationRecord, error) {
	rec := models.MigrationRecord{
		SourceModel: row.Get(fieldSourceModel).String,
		SourceID:    row.Get(fieldSourceID).Int,
		TargetModel: row.Get(fieldTargetModel).String,
		TargetID:    row.Get(fieldTargetID).Int,
		Checksum:    row.Get(fieldChecksum).String,
		RunID:       row.Get(fieldRunID).String,
	}
	if raw := row.Get(fieldMigratedAt).String; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return rec, fmt.Errorf("parse %s %q: %w", fieldMigratedAt, raw, err)
		}
		rec.MigratedAt = t
	}
	if raw := row.Get(fieldSupersededAt).String; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return rec, fmt.Errorf("parse %s %q: %w", fieldSupersededAt, raw, err)
		}
		rec.SupersededAt = &t
	}
	return rec, nil
}

// Supersede marks the live mapping record superseded and then creates the
// new one. The target store offers no transaction spanning both calls; if
// the create fails the source record is left without a live mapping and the
// next run migrates it again.
func (s *TargetStore) Supersede(ctx context.Context, rec models.MigrationRecord) (*models.MigrationRecord, error) {
	domain := append(liveDomain(rec.SourceModel), recordstore.Condition{
		Field: fieldSourceID, Operator: recordstore.OpEq, Value: rec.SourceID,
	})
	rows, err := s.store.SearchRead(ctx, s.model, domain, []string{fieldSourceID}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("supersede %s/%d: %w", rec.SourceModel, rec.SourceID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s source id %d: %w", rec.SourceModel, rec.SourceID, apperrors.ErrNotFound)
	}

	now := models.StringValue(time.Now().UTC().Format(time.RFC3339Nano))
	for _, row := range rows {
		if err := s.store.Write(ctx, s.model, row.ID, models.FieldValues{fieldSupersededAt: now}); err != nil {
			return nil, fmt.Errorf("supersede %s/%d: %w", rec.SourceModel, rec.SourceID, err)
		}
	}

	stored := stamp(rec)
	if _, err := s.store.Create(ctx, s.model, []models.FieldValues{toFieldValues(stored)}); err != nil {
		return nil, fmt.Errorf("create mapping record: %w", err)
	}
	return &stored, nil
}

func (s *TargetStore) ListByModel(ctx context.Context, model string) ([]models.MigrationRecord, error) {
	rows, err := s.store.SearchRead(ctx, s.model, recordstore.Domain{
		{Field: fieldSourceModel, Operator: recordstore.OpEq, Value: model},
	}, targetFields, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", model, err)
	}
	out := make([]models.MigrationRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// Close is a no-op; the record store belongs to the caller.
func (s *TargetStore) Close() error { return nil }
