package migration

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/idmap"
	"github.com/ekaya-inc/ekaya-migrate/pkg/logging"
	"github.com/ekaya-inc/ekaya-migrate/pkg/metrics"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// ResolveResult is the outcome of one resolver pass.
type ResolveResult struct {
	// Resolved counts reference fields written.
	Resolved int
	// Dropped counts references whose record was never created.
	Dropped int
	Failed  []*apperrors.UnresolvedReferenceError
	// ResolvedByModel counts Resolved per record model.
	ResolvedByModel map[string]int
}

// Resolver writes references that could not be translated at transform
// time once the referenced records exist.
type Resolver struct {
	target       recordstore.RecordStore
	idmap        idmap.Store
	targetModels map[string]string
	dryRun       bool
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// NewResolver creates a resolver. targetModels maps source model names to
// target model names; missing entries keep the source name.
func NewResolver(target recordstore.RecordStore, store idmap.Store, targetModels map[string]string, dryRun bool, logger *zap.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		target:       target,
		idmap:        store,
		targetModels: targetModels,
		dryRun:       dryRun,
		logger:       logger.Named("resolver"),
		metrics:      m,
	}
}

type modelPair struct {
	record string
	target string
}

// Resolve processes pending one (record model, referenced model) pair at a
// time with one bulk lookup per side. Each record receives a single write
// carrying every field resolved for the pair. Per-record failures are
// returned in the result; only id map errors are returned as errors.
func (r *Resolver) Resolve(ctx context.Context, pending []models.PendingReference) (*ResolveResult, error) {
	res := &ResolveResult{ResolvedByModel: make(map[string]int)}

	groups := make(map[modelPair][]models.PendingReference)
	var pairs []modelPair
	for _, p := range pending {
		key := modelPair{record: p.RecordModel, target: p.TargetModel}
		if _, ok := groups[key]; !ok {
			pairs = append(pairs, key)
		}
		groups[key] = append(groups[key], p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].record != pairs[j].record {
			return pairs[i].record < pairs[j].record
		}
		return pairs[i].target < pairs[j].target
	})

	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := r.resolvePair(ctx, pair, groups[pair], res); err != nil {
			return res, err
		}
	}

	if len(pending) > 0 {
		r.logger.Info("Resolved pending references",
			zap.Int("pending", len(pending)),
			zap.Int("resolved", res.Resolved),
			zap.Int("failed", len(res.Failed)),
			zap.Int("dropped", res.Dropped))
	}
	return res, nil
}

func (r *Resolver) resolvePair(ctx context.Context, pair modelPair, refs []models.PendingReference, res *ResolveResult) error {
	recordIDs := make(map[int64]bool)
	referenced := make(map[int64]bool)
	for _, p := range refs {
		recordIDs[p.RecordSourceID] = true
		for _, id := range p.SourceIDs() {
			referenced[id] = true
		}
	}

	records, err := r.idmap.BulkLookup(ctx, pair.record, sortedIDs(recordIDs))
	if err != nil {
		return fmt.Errorf("look up %s mappings: %w", pair.record, err)
	}
	targets, err := r.idmap.BulkLookup(ctx, pair.target, sortedIDs(referenced))
	if err != nil {
		return fmt.Errorf("look up %s mappings: %w", pair.target, err)
	}

	// Group by record so each record gets one write.
	type update struct {
		sourceID int64
		values   models.FieldValues
		fields   []string
	}
	updates := make(map[int64]*update)
	var order []int64

	for _, p := range refs {
		recordTarget, ok := records[p.RecordSourceID]
		if !ok {
			res.Dropped++
			continue
		}

		var missing []int64
		var value models.Value
		if p.Kind == models.FieldMulti {
			ids := make([]int64, 0, len(p.UnresolvedSourceIDs))
			for _, src := range p.UnresolvedSourceIDs {
				if t, ok := targets[src]; ok {
					ids = append(ids, t)
				} else {
					missing = append(missing, src)
				}
			}
			value = models.RefListValue(ids)
		} else {
			t, ok := targets[p.UnresolvedSourceID]
			if !ok {
				missing = append(missing, p.UnresolvedSourceID)
			}
			value = models.RefValue(t)
		}

		if len(missing) > 0 {
			r.metrics.RecordError(p.RecordModel, "unresolved_reference")
			res.Failed = append(res.Failed, &apperrors.UnresolvedReferenceError{
				Model: p.RecordModel, SourceID: p.RecordSourceID, Field: p.Field,
				TargetModel: p.TargetModel, Missing: missing,
			})
			// A multi reference still gets the ids that did resolve.
			if p.Kind != models.FieldMulti || len(value.Refs) == 0 {
				continue
			}
		}

		u, ok := updates[recordTarget]
		if !ok {
			u = &update{sourceID: p.RecordSourceID, values: make(models.FieldValues)}
			updates[recordTarget] = u
			order = append(order, recordTarget)
		}
		u.values[p.Field] = value
		u.fields = append(u.fields, p.Field)
	}

	model := r.targetModel(pair.record)
	for _, targetID := range order {
		u := updates[targetID]
		if r.dryRun {
			res.Resolved += len(u.fields)
			res.ResolvedByModel[pair.record] += len(u.fields)
			continue
		}
		if err := r.target.Write(ctx, model, targetID, u.values); err != nil {
			r.logger.Warn("Reference update failed",
				zap.String("model", pair.record),
				zap.Int64("source_id", u.sourceID),
				zap.String("error", logging.SanitizeError(err)))
			for _, f := range u.fields {
				r.metrics.RecordError(pair.record, "unresolved_reference")
				res.Failed = append(res.Failed, &apperrors.UnresolvedReferenceError{
					Model: pair.record, SourceID: u.sourceID, Field: f, TargetModel: pair.target, Err: err,
				})
			}
			continue
		}
		res.Resolved += len(u.fields)
		res.ResolvedByModel[pair.record] += len(u.fields)
		r.metrics.AddResolved(pair.record, len(u.fields))
	}
	return nil
}

func (r *Resolver) targetModel(model string) string {
	if t, ok := r.targetModels[model]; ok && t != "" {
		return t
	}
	return model
}

func sortedIDs(set map[int64]bool) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
