// Package migration runs the export, transform, import and resolve passes
// of a migration.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/metrics"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// Exporter reads source records in bounded batches.
type Exporter struct {
	source    recordstore.RecordStore
	batchSize int
	cacheDir  string
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewExporter creates an exporter. cacheDir may be empty.
func NewExporter(source recordstore.RecordStore, batchSize int, cacheDir string, logger *zap.Logger, m *metrics.Metrics) *Exporter {
	if batchSize < 1 {
		batchSize = 100
	}
	return &Exporter{
		source:    source,
		batchSize: batchSize,
		cacheDir:  cacheDir,
		logger:    logger.Named("exporter"),
		metrics:   m,
	}
}

// ExportOption adjusts one export.
type ExportOption func(*exportOptions)

type exportOptions struct {
	domain   recordstore.Domain
	jsonFile string
	fields   []models.FieldDescriptor
}

// WithDomain restricts the export to matching records.
func WithDomain(d recordstore.Domain) ExportOption {
	return func(o *exportOptions) { o.domain = d }
}

// FromJSONFile reads records from a previous export instead of the source.
// fields decode files written as plain field maps.
func FromJSONFile(path string, fields []models.FieldDescriptor) ExportOption {
	return func(o *exportOptions) {
		o.jsonFile = path
		o.fields = fields
	}
}

// BatchIterator yields batches in ascending id order. Next returns io.EOF
// after the last batch.
type BatchIterator struct {
	model     string
	offset    int
	batchSize int
	done      bool
	fetch     func(ctx context.Context, offset, limit int) ([]models.Record, error)
	exporter  *Exporter
}

// Batches returns an iterator over model starting at offset. Restarting at
// the offset of an unprocessed batch resumes an interrupted export.
func (e *Exporter) Batches(model string, fields []string, offset int, opts ...ExportOption) *BatchIterator {
	var o exportOptions
	for _, opt := range opts {
		opt(&o)
	}

	it := &BatchIterator{model: model, offset: offset, batchSize: e.batchSize, exporter: e}
	if o.jsonFile != "" {
		var (
			loaded  []models.Record
			loadErr error
			read    bool
		)
		it.fetch = func(ctx context.Context, offset, limit int) ([]models.Record, error) {
			if !read {
				loaded, loadErr = loadJSONRecords(o.jsonFile, o.fields)
				read = true
			}
			if loadErr != nil {
				return nil, loadErr
			}
			if offset >= len(loaded) {
				return nil, nil
			}
			return loaded[offset:min(offset+limit, len(loaded))], nil
		}
		return it
	}

	it.fetch = func(ctx context.Context, offset, limit int) ([]models.Record, error) {
		return e.source.SearchRead(ctx, model, o.domain, fields, offset, limit)
	}
	return it
}

// Offset is the offset the next batch will be read from.
func (it *BatchIterator) Offset() int { return it.offset }

// Next reads the next batch.
func (it *BatchIterator) Next(ctx context.Context) (*models.Batch, error) {
	if it.done {
		return nil, io.EOF
	}
	records, err := it.fetch(ctx, it.offset, it.batchSize)
	if err != nil {
		return nil, fmt.Errorf("export %s at offset %d: %w", it.model, it.offset, err)
	}
	if len(records) < it.batchSize {
		it.done = true
	}
	if len(records) == 0 {
		return nil, io.EOF
	}

	batch := &models.Batch{Model: it.model, Offset: it.offset, Records: records}
	it.offset += len(records)
	it.exporter.metrics.AddExported(it.model, len(records))

	if err := it.exporter.cache(batch); err != nil {
		it.exporter.logger.Warn("Failed to cache batch",
			zap.String("model", it.model),
			zap.Int("offset", batch.Offset),
			zap.Error(err))
	}
	return batch, nil
}

// cache writes batch to <cacheDir>/<model>/<offset>.json.
func (e *Exporter) cache(batch *models.Batch) error {
	if e.cacheDir == "" {
		return nil
	}
	dir := filepath.Join(e.cacheDir, batch.Model)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, strconv.Itoa(batch.Offset)+".json"), data, 0o644)
}

// loadJSONRecords reads a batch file, a list of records or a list of plain
// field maps with an "id" key, and returns the records ordered as stored.
func loadJSONRecords(path string, fields []models.FieldDescriptor) ([]models.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var batch models.Batch
	if err := json.Unmarshal(data, &batch); err == nil && batch.Model != "" {
		return batch.Records, nil
	}

	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(raw) > 0 {
		if _, typed := raw[0]["values"]; typed {
			var records []models.Record
			if err := json.Unmarshal(data, &records); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			return records, nil
		}
	}

	records := make([]models.Record, 0, len(raw))
	for i, row := range raw {
		rec, err := decodePlainRow(row, fields)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodePlainRow(row map[string]json.RawMessage, fields []models.FieldDescriptor) (models.Record, error) {
	idRaw, ok := row["id"]
	if !ok {
		return models.Record{}, errors.New("missing id")
	}
	var id int64
	if err := json.Unmarshal(idRaw, &id); err != nil {
		return models.Record{}, fmt.Errorf("id: %w", err)
	}

	rec := models.Record{ID: id, Values: make(models.FieldValues, len(fields))}
	for _, f := range fields {
		raw, ok := row[f.Name]
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return models.Record{}, fmt.Errorf("field %s: %w", f.Name, err)
		}
		val, err := models.DecodeField(f, v)
		if err != nil {
			return models.Record{}, err
		}
		rec.Values[f.Name] = val
	}
	return rec, nil
}
