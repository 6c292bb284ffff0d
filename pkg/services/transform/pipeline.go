package transform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/idmap"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	"github.com/ekaya-inc/ekaya-migrate/pkg/services/schema"
)

// ModelSpec is everything the pipeline knows about one model for a run.
type ModelSpec struct {
	Model       string
	TargetModel string
	// Source carries RequiredOnTarget with rules attached.
	Source *models.ModelDescriptor
	// Target is nil when the target was not described.
	Target *models.ModelDescriptor
	// Fields are the exported fields.
	Fields []models.FieldDescriptor
	Rules  *ModelRules
	// Deferred fields always wait for the resolver: cycle-broken edges and
	// self-references.
	Deferred map[string]bool
	// InScope reports whether a referenced model is part of the run.
	InScope func(model string) bool
}

// SpecFor assembles the ModelSpec of model from the run's graph, plan and
// rules.
func SpecFor(g *schema.Graph, plan *schema.Plan, rules *Rules, model string, bookkeeping []string, candidates map[string][]models.Record) ModelSpec {
	req := g.Requests[model]
	deferred := make(map[string]bool)
	for _, e := range plan.Deferred {
		if e.From == model {
			deferred[e.Field] = true
		}
	}
	for _, e := range plan.SelfEdges {
		if e.From == model {
			deferred[e.Field] = true
		}
	}
	return ModelSpec{
		Model:       model,
		TargetModel: req.TargetName(),
		Source:      rules.AttachDefaults(g.Source[model], candidates),
		Target:      g.Target[model],
		Fields:      g.ExportFields(model, bookkeeping),
		Rules:       rules.For(model),
		Deferred:    deferred,
		InScope:     g.InScope,
	}
}

// Mappings holds known source -> target ids per source model.
type Mappings map[string]map[int64]int64

// Get returns the target id of model/sourceID.
func (m Mappings) Get(model string, sourceID int64) (int64, bool) {
	ids, ok := m[model]
	if !ok {
		return 0, false
	}
	id, ok := ids[sourceID]
	return id, ok
}

// Result is one record ready for creation.
type Result struct {
	SourceID int64
	Values   models.FieldValues
	Pending  []models.PendingReference
}

// BatchResult is a transformed batch. Every input record lands in exactly
// one of Records or Failed.
type BatchResult struct {
	Model   string
	Offset  int
	Records []Result
	Failed  []*apperrors.TransformError
}

// Pipeline transforms the records of one model.
type Pipeline struct {
	spec   ModelSpec
	idmap  idmap.Store
	logger *zap.Logger
}

// NewPipeline creates a pipeline for spec. store is consulted once per
// batch and referenced model.
func NewPipeline(spec ModelSpec, store idmap.Store, logger *zap.Logger) *Pipeline {
	if spec.Rules == nil {
		spec.Rules = &ModelRules{}
	}
	if spec.InScope == nil {
		spec.InScope = func(string) bool { return false }
	}
	return &Pipeline{spec: spec, idmap: store, logger: logger.Named("transform").With(zap.String("model", spec.Model))}
}

// Spec returns the pipeline's model spec.
func (p *Pipeline) Spec() ModelSpec { return p.spec }

// TransformBatch translates a batch. Reference ids are looked up in bulk,
// one id map call per referenced model. Only an id map failure is returned
// as an error; per-record failures go to BatchResult.Failed.
func (p *Pipeline) TransformBatch(ctx context.Context, batch *models.Batch) (*BatchResult, error) {
	mappings, err := p.lookupReferences(ctx, batch)
	if err != nil {
		return nil, err
	}

	out := &BatchResult{Model: batch.Model, Offset: batch.Offset}
	for _, rec := range batch.Records {
		res, err := p.Transform(rec, mappings)
		if err != nil {
			var te *apperrors.TransformError
			if !errors.As(err, &te) {
				te = &apperrors.TransformError{Model: p.spec.Model, SourceID: rec.ID, Reason: err.Error()}
			}
			p.logger.Debug("Record failed transform", zap.Int64("source_id", rec.ID), zap.Error(te))
			out.Failed = append(out.Failed, te)
			continue
		}
		out.Records = append(out.Records, *res)
	}
	return out, nil
}

// lookupReferences gathers the ids the batch references, grouped by model.
// Deferred fields and in-scope multi references are left to the resolver.
func (p *Pipeline) lookupReferences(ctx context.Context, batch *models.Batch) (Mappings, error) {
	wanted := make(map[string]map[int64]bool)
	for _, f := range p.spec.Fields {
		if !f.Kind.IsReference() || p.spec.Deferred[f.Name] {
			continue
		}
		if f.Kind == models.FieldMulti && p.spec.InScope(f.Relation) {
			continue
		}
		for _, rec := range batch.Records {
			v := rec.Get(f.Name)
			ids := v.Refs
			if v.Kind == models.KindRef {
				ids = []int64{v.Ref}
			}
			for _, id := range ids {
				if wanted[f.Relation] == nil {
					wanted[f.Relation] = make(map[int64]bool)
				}
				wanted[f.Relation][id] = true
			}
		}
	}

	relations := make([]string, 0, len(wanted))
	for rel := range wanted {
		relations = append(relations, rel)
	}
	sort.Strings(relations)

	mappings := make(Mappings, len(relations))
	for _, rel := range relations {
		ids := make([]int64, 0, len(wanted[rel]))
		for id := range wanted[rel] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		found, err := p.idmap.BulkLookup(ctx, rel, ids)
		if err != nil {
			return nil, fmt.Errorf("look up %s mappings: %w", rel, err)
		}
		mappings[rel] = found
	}
	return mappings, nil
}

// Transform applies, in order: scalar copy, value remaps, reference
// translation, required-field defaults and string truncation.
func (p *Pipeline) Transform(rec models.Record, mappings Mappings) (*Result, error) {
	spec := p.spec
	res := &Result{SourceID: rec.ID, Values: make(models.FieldValues, len(spec.Fields))}

	for _, f := range spec.Fields {
		if f.Kind != models.FieldScalar {
			continue
		}
		if v, ok := rec.Values[f.Name]; ok {
			res.Values[f.Name] = v
		}
	}

	for field, vm := range spec.Rules.ValueMaps {
		v, ok := res.Values[field]
		if !ok {
			continue
		}
		mapped, _, err := vm.Apply(v)
		if err != nil {
			return nil, p.fail(rec.ID, field, fmt.Sprintf("value map: %v", err))
		}
		res.Values[field] = mapped
	}

	for _, f := range spec.Fields {
		if f.Kind.IsReference() {
			p.translateReference(f, rec, mappings, res)
		}
	}

	for _, rf := range spec.Source.RequiredOnTarget {
		if v, ok := res.Values[rf.Name]; ok && !isEmpty(v) {
			continue
		}
		v, err := p.fillRequired(rf, rec, res.Values)
		if err != nil {
			return nil, p.fail(rec.ID, rf.Name, err.Error())
		}
		if isEmpty(v) {
			return nil, p.fail(rec.ID, rf.Name, "required on target and no value or rule fills it")
		}
		res.Values[rf.Name] = v
	}

	// A required reference left for the resolver would fail the create.
	for _, f := range spec.Fields {
		if f.Kind != models.FieldSingle || !isEmpty(res.Values[f.Name]) || !p.mustFill(f.Name) {
			continue
		}
		if rec.Get(f.Name).Kind == models.KindRef {
			return nil, p.fail(rec.ID, f.Name, "required on target and the reference cannot be resolved before create; configure a reference fallback")
		}
		return nil, p.fail(rec.ID, f.Name, "required on target and no value or rule fills it")
	}

	for name, v := range res.Values {
		if v.IsNull() {
			delete(res.Values, name)
			continue
		}
		if v.Kind == models.KindString {
			if limit := p.stringLimit(name); limit > 0 {
				res.Values[name] = models.StringValue(truncate(v.String, limit))
			}
		}
	}
	return res, nil
}

func (p *Pipeline) translateReference(f models.FieldDescriptor, rec models.Record, mappings Mappings, res *Result) {
	spec := p.spec
	v := rec.Get(f.Name)
	inScope := spec.InScope(f.Relation)

	if f.Kind == models.FieldMulti {
		if len(v.Refs) == 0 {
			return
		}
		if inScope {
			res.Pending = append(res.Pending, models.PendingReference{
				RecordModel:         spec.Model,
				RecordSourceID:      rec.ID,
				Field:               f.Name,
				Kind:                models.FieldMulti,
				TargetModel:         f.Relation,
				UnresolvedSourceIDs: append([]int64(nil), v.Refs...),
			})
			return
		}
		translated := make([]int64, len(v.Refs))
		for i, id := range v.Refs {
			translated[i] = id
			if t, ok := mappings.Get(f.Relation, id); ok {
				translated[i] = t
			}
		}
		res.Values[f.Name] = models.RefListValue(translated)
		return
	}

	if v.Kind != models.KindRef {
		return
	}
	if !inScope {
		// Externally resolved: translate when a mapping exists, else the id
		// is assumed valid on the target as is.
		if t, ok := mappings.Get(f.Relation, v.Ref); ok {
			res.Values[f.Name] = models.RefValue(t)
		} else {
			res.Values[f.Name] = v
		}
		return
	}
	if !spec.Deferred[f.Name] {
		if t, ok := mappings.Get(f.Relation, v.Ref); ok {
			res.Values[f.Name] = models.RefValue(t)
			return
		}
	}

	res.Pending = append(res.Pending, models.PendingReference{
		RecordModel:        spec.Model,
		RecordSourceID:     rec.ID,
		Field:              f.Name,
		Kind:               models.FieldSingle,
		TargetModel:        f.Relation,
		UnresolvedSourceID: v.Ref,
	})
	if fallback, ok := spec.Rules.ReferenceFallbacks[f.Name]; ok && p.requiredOnTarget(f.Name) {
		res.Values[f.Name] = models.RefValue(fallback)
	}
}

func (p *Pipeline) requiredOnTarget(field string) bool {
	if p.spec.Target != nil {
		if tf, ok := p.spec.Target.Field(field); ok {
			return tf.Required
		}
	}
	for _, rf := range p.spec.Source.RequiredOnTarget {
		if rf.Name == field {
			return true
		}
	}
	return false
}

// mustFill reports whether the target rejects a record without field.
func (p *Pipeline) mustFill(field string) bool {
	if p.spec.Target != nil {
		if tf, ok := p.spec.Target.Field(field); ok {
			return tf.Required && !tf.HasDefault
		}
	}
	return p.requiredOnTarget(field)
}

func (p *Pipeline) fillRequired(rf models.RequiredField, rec models.Record, out models.FieldValues) (models.Value, error) {
	if fallback, ok := p.spec.Rules.ReferenceFallbacks[rf.Name]; ok {
		return models.RefValue(fallback), nil
	}
	if rf.Rule == nil {
		return models.Null(), nil
	}

	switch rf.Rule.Kind {
	case models.DefaultStatic:
		v, err := models.FromAny(rf.Rule.Value)
		if err != nil {
			return models.Value{}, fmt.Errorf("static default: %w", err)
		}
		if p.isTargetReference(rf.Name) && v.Kind == models.KindInt {
			v = models.RefValue(v.Int)
		}
		return v, nil
	case models.DefaultFromField:
		if v, ok := out[rf.Rule.FromField]; ok && !v.IsNull() {
			return v, nil
		}
		return rec.Get(rf.Rule.FromField), nil
	case models.DefaultLookup:
		id, ok := selectCandidate(rf.Rule.Lookup, func(field string) models.Value {
			if v, ok := out[field]; ok {
				return v
			}
			return rec.Get(field)
		})
		if !ok {
			return models.Value{}, fmt.Errorf("no %s record matches", rf.Rule.Lookup.Model)
		}
		return models.RefValue(id), nil
	default:
		return models.Value{}, fmt.Errorf("unknown default rule %q", rf.Rule.Kind)
	}
}

// selectCandidate returns the matching candidate with the lowest target id.
// Record values are read after remapping.
func selectCandidate(rule *models.LookupRule, value func(field string) models.Value) (int64, bool) {
	var (
		best  int64
		found bool
	)
	for _, c := range rule.Candidates {
		if found && c.ID >= best {
			continue
		}
		matched := true
		for candField, srcField := range rule.Match {
			if c.Get(candField).Key() != value(srcField).Key() {
				matched = false
				break
			}
		}
		if matched {
			best, found = c.ID, true
		}
	}
	return best, found
}

func (p *Pipeline) isTargetReference(field string) bool {
	if p.spec.Target != nil {
		if tf, ok := p.spec.Target.Field(field); ok {
			return tf.Kind.IsReference()
		}
	}
	if sf, ok := p.spec.Source.Field(field); ok {
		return sf.Kind.IsReference()
	}
	return false
}

// stringLimit is the configured limit, else the target's limit when it is
// stricter than the source's.
func (p *Pipeline) stringLimit(field string) int {
	if n, ok := p.spec.Rules.StringLimits[field]; ok {
		return n
	}
	if p.spec.Target == nil {
		return 0
	}
	tf, ok := p.spec.Target.Field(field)
	if !ok || tf.Size == 0 {
		return 0
	}
	if sf, ok := p.spec.Source.Field(field); ok && sf.Size > 0 && sf.Size <= tf.Size {
		return 0
	}
	return tf.Size
}

func (p *Pipeline) fail(sourceID int64, field, reason string) *apperrors.TransformError {
	return &apperrors.TransformError{Model: p.spec.Model, SourceID: sourceID, Field: field, Reason: reason}
}

func isEmpty(v models.Value) bool {
	if v.IsNull() {
		return true
	}
	return v.Kind == models.KindRefList && len(v.Refs) == 0
}

// truncate cuts s to at most limit runes.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
