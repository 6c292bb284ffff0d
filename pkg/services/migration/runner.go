package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/config"
	"github.com/ekaya-inc/ekaya-migrate/pkg/idmap"
	"github.com/ekaya-inc/ekaya-migrate/pkg/logging"
	"github.com/ekaya-inc/ekaya-migrate/pkg/metrics"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	"github.com/ekaya-inc/ekaya-migrate/pkg/services/schema"
	"github.com/ekaya-inc/ekaya-migrate/pkg/services/transform"
)

// Deps are the collaborators of a Runner.
type Deps struct {
	Config  *config.Config
	Source  recordstore.RecordStore
	Target  recordstore.RecordStore
	IDMap   idmap.Store
	Rules   *transform.Rules
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// RunOptions narrow one run.
type RunOptions struct {
	// Models restricts the run to these models and their dependencies.
	Models []string
	// DryRun overrides the configured dry_run when set.
	DryRun *bool
	// FromOffsets starts the export of a model at the given offset.
	FromOffsets map[string]int
	// VerifyTargets turns on the target check regardless of configuration.
	VerifyTargets bool
}

// Runner drives a whole migration.
type Runner struct {
	cfg     *config.Config
	source  recordstore.RecordStore
	target  recordstore.RecordStore
	idmap   idmap.Store
	rules   *transform.Rules
	logger  *zap.Logger
	metrics *metrics.Metrics

	modelConfigs map[string]config.ModelConfig
}

// NewRunner creates a runner.
func NewRunner(d Deps) *Runner {
	rules := d.Rules
	if rules == nil {
		rules = &transform.Rules{}
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mc := make(map[string]config.ModelConfig, len(d.Config.Models))
	for _, m := range d.Config.Models {
		mc[m.Model] = m
	}
	return &Runner{
		cfg:          d.Config,
		source:       d.Source,
		target:       d.Target,
		idmap:        d.IDMap,
		rules:        rules,
		logger:       logger,
		metrics:      d.Metrics,
		modelConfigs: mc,
	}
}

func (r *Runner) requests() []schema.ModelRequest {
	reqs := make([]schema.ModelRequest, len(r.cfg.Models))
	for i, m := range r.cfg.Models {
		reqs[i] = schema.ModelRequest{
			Model:           m.Model,
			TargetModel:     m.TargetModel,
			AllowReferences: m.AllowReferences,
			ReferenceFields: m.ReferenceFields,
		}
	}
	return reqs
}

// Plan describes the configured models and orders them. When only is not
// empty the graph is narrowed to those models and their dependencies.
func (r *Runner) Plan(ctx context.Context, only []string) (*schema.Graph, *schema.Plan, error) {
	g, err := schema.NewBuilder(r.source, r.target, r.logger).Build(ctx, r.requests())
	if err != nil {
		return nil, nil, err
	}
	if len(only) > 0 {
		if g, err = g.Subset(only); err != nil {
			return nil, nil, err
		}
	}
	plan, err := schema.Order(g, g.NoReferenceModels())
	if err != nil {
		return nil, nil, err
	}
	for _, c := range plan.Cycles {
		r.logger.Warn("Reference cycle between models", zap.Strings("models", c))
	}
	for _, e := range plan.Deferred {
		r.logger.Info("Deferring reference to break cycle",
			zap.String("model", e.From),
			zap.String("field", e.Field),
			zap.String("references", e.To))
	}
	return g, plan, nil
}

// Inspect compares source and target descriptions of the configured models,
// or of only when it is not empty.
func (r *Runner) Inspect(ctx context.Context, only []string) ([]*schema.DiffResult, error) {
	g, err := schema.NewBuilder(r.source, r.target, r.logger).Build(ctx, r.requests())
	if err != nil {
		return nil, err
	}
	names := g.Models
	if len(only) > 0 {
		names = only
	}
	out := make([]*schema.DiffResult, 0, len(names))
	for _, m := range names {
		if !g.InScope(m) {
			return nil, fmt.Errorf("model %s is not configured", m)
		}
		out = append(out, schema.Diff(g.Source[m], g.Target[m]))
	}
	return out, nil
}

// Seed creates the rule file's seed records without migrating anything.
func (r *Runner) Seed(ctx context.Context, dryRun bool) ([]SeedResult, error) {
	return NewSeeder(r.target, dryRun, r.logger).Seed(ctx, r.rules.Seeds)
}

// Run migrates every planned model in order, then resolves the references
// left pending. The report is returned even when the run halts; the error
// is then fatal (schema, id map integrity, cancellation or an unreadable
// source).
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	dryRun := r.cfg.Migration.DryRun
	if opts.DryRun != nil {
		dryRun = *opts.DryRun
	}
	session := NewSession(r.idmap, dryRun, r.logger)
	logger := session.Logger
	report := session.Report

	halt := func(err error) (*Report, error) {
		report.Halted = logging.SanitizeError(err)
		report.FinishedAt = time.Now().UTC()
		logger.Error("Migration halted", zap.String("error", report.Halted))
		return report, err
	}

	g, plan, err := r.Plan(ctx, opts.Models)
	if err != nil {
		return halt(err)
	}
	report.Order = plan.Order
	report.Deferred = plan.Deferred
	logger.Info("Starting migration",
		zap.Strings("order", plan.Order),
		zap.Bool("dry_run", dryRun))

	seeds, err := NewSeeder(r.target, dryRun, logger).Seed(ctx, r.rules.Seeds)
	if err != nil {
		return halt(err)
	}
	report.Seeds = seeds

	candidates, err := r.loadCandidates(ctx)
	if err != nil {
		return halt(err)
	}

	exporter := NewExporter(r.source, r.cfg.Migration.BatchSize, r.cfg.Migration.CacheDir, logger, r.metrics)
	importer := NewImporter(r.target, r.idmap, session.RunID, dryRun, logger, r.metrics)
	importer.SetVerifyTargets(r.cfg.Migration.VerifyTargets || opts.VerifyTargets)
	targetModels := make(map[string]string, len(g.Models))
	for _, m := range g.Models {
		targetModels[m] = g.Requests[m].TargetName()
	}
	resolver := NewResolver(r.target, r.idmap, targetModels, dryRun, logger, r.metrics)

	for _, model := range plan.Order {
		if err := ctx.Err(); err != nil {
			return halt(err)
		}
		spec := transform.SpecFor(g, plan, r.rules, model, r.cfg.Migration.BookkeepingFields, candidates)
		if err := r.runModel(ctx, session, spec, exporter, importer, opts.FromOffsets[model]); err != nil {
			return halt(err)
		}

		self := session.TakePending(func(p models.PendingReference) bool {
			return p.RecordModel == model && p.TargetModel == model
		})
		if err := r.resolve(ctx, session, resolver, self); err != nil {
			return halt(err)
		}
	}

	if err := r.resolve(ctx, session, resolver, session.TakePending(nil)); err != nil {
		return halt(err)
	}

	report.FinishedAt = time.Now().UTC()
	totals := report.Totals()
	logger.Info("Migration finished",
		zap.Int("created", totals.Created),
		zap.Int("skipped", totals.Skipped),
		zap.Int("errors", totals.Errors),
		zap.Int("total", totals.Total),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

// loadCandidates reads the target records every lookup rule selects from.
func (r *Runner) loadCandidates(ctx context.Context) (map[string][]models.Record, error) {
	out := make(map[string][]models.Record)
	for _, model := range r.rules.LookupModels() {
		recs, err := r.target.SearchRead(ctx, model, nil, nil, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("load %s lookup records: %w", model, err)
		}
		out[model] = recs
	}
	return out, nil
}

// runModel pipelines export with transform and import: the next batch is
// read while the current one is imported. Only this goroutine pair writes
// the model's mappings.
func (r *Runner) runModel(ctx context.Context, session *Session, spec transform.ModelSpec, exporter *Exporter, importer *Importer, offset int) error {
	logger := session.Logger.With(zap.String("model", spec.Model))
	report := session.Report.Model(spec.Model, spec.TargetModel)
	start := time.Now()
	defer func() {
		session.Report.Update(spec.Model, func(m *ModelReport) { m.Duration = time.Since(start) })
	}()

	mc := r.modelConfigs[spec.Model]
	fields := make([]string, len(spec.Fields))
	for i, f := range spec.Fields {
		fields[i] = f.Name
	}
	var exportOpts []ExportOption
	if mc.JSONFile != "" {
		exportOpts = append(exportOpts, FromJSONFile(mc.JSONFile, spec.Fields))
	} else if len(mc.Filter) > 0 {
		domain := make(recordstore.Domain, len(mc.Filter))
		for i, c := range mc.Filter {
			domain[i] = recordstore.Condition{Field: c.Field, Operator: c.Operator, Value: c.Value}
		}
		exportOpts = append(exportOpts, WithDomain(domain))
	}
	it := exporter.Batches(spec.Model, fields, offset, exportOpts...)
	pipeline := transform.NewPipeline(spec, r.idmap, logger)

	logger.Info("Migrating model",
		zap.String("target_model", spec.TargetModel),
		zap.Int("fields", len(fields)),
		zap.Int("from_offset", offset))

	batches := make(chan *models.Batch, r.cfg.Migration.PipelineDepth)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(batches)
		for {
			batch, err := it.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case batches <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		for batch := range batches {
			// Cancellation takes effect between batches, never inside one.
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.processBatch(context.WithoutCancel(ctx), session, pipeline, importer, batch); err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Model complete",
		zap.Int("created", report.Created),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed()))
	return nil
}

func (r *Runner) processBatch(ctx context.Context, session *Session, pipeline *transform.Pipeline, importer *Importer, batch *models.Batch) error {
	start := time.Now()
	spec := pipeline.Spec()

	transformed, err := pipeline.TransformBatch(ctx, batch)
	if err != nil {
		return err
	}
	res, err := importer.Import(ctx, spec, transformed)

	session.Report.Update(spec.Model, func(m *ModelReport) {
		m.Exported += len(batch.Records)
		m.Batches++
		for _, te := range transformed.Failed {
			m.Failures = append(m.Failures, Failure{SourceID: te.SourceID, Kind: FailureTransform, Field: te.Field, Error: te.Reason})
		}
		if res == nil {
			return
		}
		m.Attempted += res.Attempted
		m.Created += res.Created
		m.Skipped += res.Skipped
		m.Superseded += res.Superseded
		for _, ce := range res.Failed {
			m.Failures = append(m.Failures, Failure{SourceID: ce.SourceID, Kind: FailureCreate, Error: logging.SanitizeError(ce.Err)})
		}
	})
	for range transformed.Failed {
		r.metrics.RecordError(spec.Model, FailureTransform)
	}
	if res != nil {
		session.AddPending(res.Pending...)
		r.metrics.SetPending(session.PendingCount())
	}
	r.metrics.ObserveBatch(spec.Model, time.Since(start))

	if err != nil {
		return err
	}
	session.Logger.Info("Batch imported",
		zap.String("model", spec.Model),
		zap.Int("offset", batch.Offset),
		zap.Int("records", len(batch.Records)),
		zap.Int("created", res.Created),
		zap.Int("skipped", res.Skipped),
		zap.Int("transform_errors", len(transformed.Failed)),
		zap.Int("create_errors", len(res.Failed)))
	return nil
}

// resolve runs one resolver pass and records its failures. A dry run
// created nothing to update, so the references are only counted.
func (r *Runner) resolve(ctx context.Context, session *Session, resolver *Resolver, refs []models.PendingReference) error {
	if len(refs) == 0 {
		return nil
	}
	if session.DryRun {
		session.Logger.Info("Dry run: reference updates withheld", zap.Int("pending", len(refs)))
		return nil
	}

	res, err := resolver.Resolve(ctx, refs)
	if res != nil {
		for model, n := range res.ResolvedByModel {
			session.Report.Update(model, func(m *ModelReport) { m.Resolved += n })
		}
		for _, f := range res.Failed {
			failure := Failure{SourceID: f.SourceID, Kind: FailureUnresolved, Field: f.Field, Error: f.Error()}
			if f.Err != nil {
				failure.Error = logging.SanitizeError(f.Err)
			}
			session.Report.Update(f.Model, func(m *ModelReport) { m.Failures = append(m.Failures, failure) })
		}
	}
	r.metrics.SetPending(session.PendingCount())
	return err
}
