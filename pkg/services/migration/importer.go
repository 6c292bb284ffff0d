package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/idmap"
	"github.com/ekaya-inc/ekaya-migrate/pkg/logging"
	"github.com/ekaya-inc/ekaya-migrate/pkg/metrics"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	"github.com/ekaya-inc/ekaya-migrate/pkg/services/transform"
)

// ImportResult is the outcome of importing one batch.
type ImportResult struct {
	Model string
	// Attempted counts records sent to create: not already mapped.
	Attempted int
	// Created counts records created, or that would be created in a dry run.
	Created int
	Skipped int
	Failed  []*apperrors.CreateError
	// TargetIDs maps source id to target id for records created or skipped.
	TargetIDs map[int64]int64
	// Pending are the unresolved references of created and skipped records.
	Pending []models.PendingReference
	// Superseded counts records recreated because their mapped target record
	// was gone; their new mapping supersedes the old one.
	Superseded int

	// stale maps source id to a mapped target id that no longer exists.
	stale map[int64]int64
}

// Importer creates transformed records on the target and maps them.
type Importer struct {
	target  recordstore.RecordStore
	idmap   idmap.Store
	runID   string
	dryRun  bool
	logger  *zap.Logger
	metrics *metrics.Metrics

	verifyTargets bool
}

// NewImporter creates an importer. In a dry run no create call is made and
// nothing is mapped.
func NewImporter(target recordstore.RecordStore, store idmap.Store, runID string, dryRun bool, logger *zap.Logger, m *metrics.Metrics) *Importer {
	return &Importer{
		target:  target,
		idmap:   store,
		runID:   runID,
		dryRun:  dryRun,
		logger:  logger.Named("importer"),
		metrics: m,
	}
}

// SetVerifyTargets makes the skip check confirm that mapped target records
// still exist. Records whose target is gone are created again.
func (im *Importer) SetVerifyTargets(verify bool) {
	im.verifyTargets = verify
}

// Import creates batch on the target. Records already in the id map are
// skipped. A create call the store rejected is bisected until the failing
// records are isolated; those become CreateErrors and the rest of the batch
// proceeds. Any other create error ends the import with a
// CreateOutcomeError. Returned errors are fatal: every created record is
// mapped before Import returns nil.
func (im *Importer) Import(ctx context.Context, spec transform.ModelSpec, batch *transform.BatchResult) (*ImportResult, error) {
	res := &ImportResult{
		Model:     spec.Model,
		TargetIDs: make(map[int64]int64, len(batch.Records)),
	}
	if len(batch.Records) == 0 {
		return res, nil
	}

	ids := make([]int64, len(batch.Records))
	for i, r := range batch.Records {
		ids[i] = r.SourceID
	}
	existing, err := im.idmap.BulkLookup(ctx, spec.Model, ids)
	if err != nil {
		return nil, fmt.Errorf("skip check for %s: %w", spec.Model, err)
	}
	if im.verifyTargets && len(existing) > 0 {
		stale, err := im.missingTargets(ctx, spec, existing)
		if err != nil {
			return nil, fmt.Errorf("verify %s targets: %w", spec.Model, err)
		}
		for sourceID := range stale {
			delete(existing, sourceID)
		}
		if len(stale) > 0 {
			res.stale = stale
			im.logger.Warn("Mapped target records no longer exist, creating them again",
				zap.String("model", spec.Model),
				zap.String("target_model", spec.TargetModel),
				zap.Int("count", len(stale)))
		}
	}

	todo := make([]transform.Result, 0, len(batch.Records))
	for _, r := range batch.Records {
		if targetID, ok := existing[r.SourceID]; ok {
			res.Skipped++
			res.TargetIDs[r.SourceID] = targetID
			res.Pending = append(res.Pending, r.Pending...)
			continue
		}
		todo = append(todo, r)
	}
	res.Attempted = len(todo)
	im.metrics.AddSkipped(spec.Model, res.Skipped)

	if im.dryRun {
		res.Created = len(todo)
		for _, r := range todo {
			res.Pending = append(res.Pending, r.Pending...)
		}
		return res, nil
	}

	if err := im.create(ctx, spec, todo, res); err != nil {
		return res, err
	}
	im.metrics.AddCreated(spec.Model, res.Created)

	if len(res.Failed) > 0 {
		im.logger.Warn("Records failed to create",
			zap.String("model", spec.Model),
			zap.Int("batch_offset", batch.Offset),
			zap.Int("failed", len(res.Failed)))
	}
	return res, nil
}

// create issues one create call for records and bisects on rejection.
func (im *Importer) create(ctx context.Context, spec transform.ModelSpec, records []transform.Result, res *ImportResult) error {
	if len(records) == 0 {
		return nil
	}

	values := make([]models.FieldValues, len(records))
	for i, r := range records {
		values[i] = r.Values
	}

	start := time.Now()
	created, err := im.target.Create(ctx, spec.TargetModel, values)
	im.metrics.ObserveStoreCall("target", "create", time.Since(start))
	im.metrics.RecordCreateCall(spec.Model, err == nil)

	if err == nil {
		return im.mapCreated(ctx, spec, records, created, res)
	}
	// Only a rejection says what was stored; re-sending after anything else
	// could duplicate records the id map never sees.
	if !recordstore.IsRejected(err) {
		sourceIDs := make([]int64, len(records))
		for i, r := range records {
			sourceIDs[i] = r.SourceID
		}
		return &apperrors.CreateOutcomeError{Model: spec.Model, SourceIDs: sourceIDs, Err: err}
	}

	var partial *recordstore.PartialCreateError
	if errors.As(err, &partial) && len(partial.Created) > 0 {
		n := len(partial.Created)
		if n > len(records) {
			return &apperrors.MappingWriteError{Model: spec.Model, TargetIDs: partial.Created,
				Err: fmt.Errorf("store reported %d created ids for %d records", n, len(records))}
		}
		if err := im.mapCreated(ctx, spec, records[:n], partial.Created, res); err != nil {
			return err
		}
		return im.create(ctx, spec, records[n:], res)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if len(records) == 1 {
		im.metrics.RecordError(spec.Model, "create")
		im.logger.Debug("Record failed to create",
			zap.String("model", spec.Model),
			zap.Int64("source_id", records[0].SourceID),
			zap.String("error", logging.SanitizeError(err)))
		res.Failed = append(res.Failed, &apperrors.CreateError{Model: spec.Model, SourceID: records[0].SourceID, Err: err})
		return nil
	}

	mid := len(records) / 2
	if err := im.create(ctx, spec, records[:mid], res); err != nil {
		return err
	}
	return im.create(ctx, spec, records[mid:], res)
}

// missingTargets returns the entries of mapped whose target record is not on
// the target store.
func (im *Importer) missingTargets(ctx context.Context, spec transform.ModelSpec, mapped map[int64]int64) (map[int64]int64, error) {
	targetIDs := make([]int64, 0, len(mapped))
	for _, id := range mapped {
		targetIDs = append(targetIDs, id)
	}
	sort.Slice(targetIDs, func(i, j int) bool { return targetIDs[i] < targetIDs[j] })

	start := time.Now()
	found, err := im.target.SearchRead(ctx, spec.TargetModel,
		recordstore.Domain{{Field: "id", Operator: recordstore.OpIn, Value: targetIDs}}, nil, 0, 0)
	im.metrics.ObserveStoreCall("target", "search_read", time.Since(start))
	if err != nil {
		return nil, err
	}

	present := make(map[int64]bool, len(found))
	for _, rec := range found {
		present[rec.ID] = true
	}
	stale := make(map[int64]int64)
	for sourceID, targetID := range mapped {
		if !present[targetID] {
			stale[sourceID] = targetID
		}
	}
	return stale, nil
}

// mapCreated records the new mappings. Any failure here leaves target
// records the id map does not know about, so it is fatal.
func (im *Importer) mapCreated(ctx context.Context, spec transform.ModelSpec, records []transform.Result, targetIDs []int64, res *ImportResult) error {
	if len(targetIDs) != len(records) {
		return &apperrors.MappingWriteError{Model: spec.Model, TargetIDs: targetIDs,
			Err: fmt.Errorf("store returned %d ids for %d records", len(targetIDs), len(records))}
	}

	now := time.Now().UTC()
	recs := make([]models.MigrationRecord, 0, len(records))
	var superseding []models.MigrationRecord
	for i, r := range records {
		rec := models.MigrationRecord{
			SourceModel: spec.Model,
			SourceID:    r.SourceID,
			TargetModel: spec.TargetModel,
			TargetID:    targetIDs[i],
			MigratedAt:  now,
			Checksum:    r.Values.Checksum(),
			RunID:       im.runID,
		}
		if _, ok := res.stale[r.SourceID]; ok {
			superseding = append(superseding, rec)
			continue
		}
		recs = append(recs, rec)
	}

	// The records exist on the target now; a cancelled run must still map them.
	writeCtx := context.WithoutCancel(ctx)
	if len(recs) > 0 {
		if err := im.idmap.RecordAll(writeCtx, recs); err != nil {
			return &apperrors.MappingWriteError{Model: spec.Model, TargetIDs: targetIDs, Err: err}
		}
	}
	for _, rec := range superseding {
		if _, err := im.idmap.Supersede(writeCtx, rec); err != nil {
			return &apperrors.MappingWriteError{Model: spec.Model, TargetIDs: targetIDs, Err: err}
		}
		res.Superseded++
	}

	for i, r := range records {
		res.Created++
		res.TargetIDs[r.SourceID] = targetIDs[i]
		res.Pending = append(res.Pending, r.Pending...)
	}
	return nil
}
