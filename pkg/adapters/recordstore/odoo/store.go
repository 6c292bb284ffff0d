package odoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	"github.com/ekaya-inc/ekaya-migrate/pkg/retry"
)

// Store implements recordstore.RecordStore over Odoo's external API.
type Store struct {
	client *Client
	retry  *retry.Config

	mu          sync.Mutex
	descriptors map[string]*models.ModelDescriptor
}

var _ recordstore.RecordStore = (*Store)(nil)

// NewStore creates an Odoo-backed store.
func NewStore(cfg *Config, opts recordstore.Options) *Store {
	opts = opts.WithDefaults()
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.MaxRetries

	return &Store{
		client:      NewClient(cfg, opts.Name, opts.Logger, opts.Metrics),
		retry:       retryCfg,
		descriptors: make(map[string]*models.ModelDescriptor),
	}
}

// fieldInfo is the subset of fields_get attributes the engine needs.
type fieldInfo struct {
	Type     string `json:"type"`
	Relation string `json:"relation"`
	Required bool   `json:"required"`
	Store    *bool  `json:"store"`
	Size     int    `json:"size"`
}

var describeAttributes = []string{"type", "relation", "required", "store", "size"}

// kindOf classifies an Odoo field type. one2many fields are the inverse side
// of a many2one and are never written directly.
func kindOf(info fieldInfo) models.FieldKind {
	if info.Store != nil && !*info.Store {
		return models.FieldComputed
	}
	switch info.Type {
	case "many2one":
		return models.FieldSingle
	case "many2many":
		return models.FieldMulti
	case "one2many":
		return models.FieldComputed
	}
	return models.FieldScalar
}

// Describe reads fields_get and default_get for model. Results are cached
// for the lifetime of the store.
func (s *Store) Describe(ctx context.Context, model string) (*models.ModelDescriptor, error) {
	s.mu.Lock()
	if d, ok := s.descriptors[model]; ok {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	var raw map[string]fieldInfo
	err := retry.DoIfRetryable(ctx, s.retry, func() error {
		return s.client.ExecuteKW(ctx, model, "fields_get", []any{}, map[string]any{"attributes": describeAttributes}, &raw)
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("model %s reported no fields", model)
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		if name == "id" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var required []string
	fields := make([]models.FieldDescriptor, 0, len(names))
	for _, name := range names {
		info := raw[name]
		f := models.FieldDescriptor{
			Name:     name,
			Kind:     kindOf(info),
			Type:     info.Type,
			Required: info.Required,
			Size:     info.Size,
		}
		if f.Kind.IsReference() {
			f.Relation = info.Relation
		}
		if f.Required {
			required = append(required, name)
		}
		fields = append(fields, f)
	}

	if len(required) > 0 {
		var defaults map[string]any
		err := retry.DoIfRetryable(ctx, s.retry, func() error {
			return s.client.ExecuteKW(ctx, model, "default_get", []any{required}, nil, &defaults)
		})
		if err != nil {
			return nil, err
		}
		for i := range fields {
			if _, ok := defaults[fields[i].Name]; ok {
				fields[i].HasDefault = true
			}
		}
	}

	d := models.NewModelDescriptor(model, fields)
	s.mu.Lock()
	s.descriptors[model] = d
	s.mu.Unlock()
	return d, nil
}

// toDomain renders a Domain in Odoo's prefix-free list form.
func toDomain(domain recordstore.Domain) ([]any, error) {
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	out := make([]any, 0, len(domain))
	for _, c := range domain {
		value := c.Value
		if value == nil {
			value = false
		}
		if c.Operator == recordstore.OpIn || c.Operator == recordstore.OpNotIn {
			value, _ = recordstore.ListValues(c.Value)
		}
		out = append(out, []any{c.Field, c.Operator, value})
	}
	return out, nil
}

// SearchRead returns records ordered by id, including archived ones.
func (s *Store) SearchRead(ctx context.Context, model string, domain recordstore.Domain, fields []string, offset, limit int) ([]models.Record, error) {
	desc, err := s.Describe(ctx, model)
	if err != nil {
		return nil, err
	}
	odooDomain, err := toDomain(domain)
	if err != nil {
		return nil, err
	}

	kwargs := map[string]any{
		"offset":  offset,
		"order":   "id asc",
		"context": map[string]any{"active_test": false},
	}
	if len(fields) > 0 {
		kwargs["fields"] = fields
	}
	if limit > 0 {
		kwargs["limit"] = limit
	}

	var rows []map[string]any
	err = retry.DoIfRetryable(ctx, s.retry, func() error {
		return s.client.ExecuteKW(ctx, model, "search_read", []any{odooDomain}, kwargs, &rows)
	})
	if err != nil {
		return nil, err
	}

	records := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRow(desc, row)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", model, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeRow(desc *models.ModelDescriptor, row map[string]any) (models.Record, error) {
	rawID, ok := row["id"].(float64)
	if !ok {
		return models.Record{}, fmt.Errorf("row without id")
	}
	rec := models.Record{ID: int64(rawID), Values: make(models.FieldValues, len(row))}
	for name, raw := range row {
		if name == "id" {
			continue
		}
		f, ok := desc.Field(name)
		if !ok {
			continue
		}
		v, err := models.DecodeField(f, raw)
		if err != nil {
			return models.Record{}, fmt.Errorf("record %d: %w", rec.ID, err)
		}
		rec.Values[name] = v
	}
	return rec, nil
}

// encodeValues converts values to the write format: false for empty values
// and a replace command (6, 0, ids) for multi references.
func encodeValues(desc *models.ModelDescriptor, values models.FieldValues) map[string]any {
	out := make(map[string]any, len(values))
	for name, v := range values {
		if v.IsNull() {
			out[name] = false
			continue
		}
		if f, ok := desc.Field(name); ok && f.Kind == models.FieldMulti {
			out[name] = []any{[]any{6, 0, v.Refs}}
			continue
		}
		out[name] = v.Interface()
	}
	return out
}

// Create issues one create call for all records. Odoo creates the whole
// list in one transaction, so a server error is a rejection. Transport
// errors leave the outcome unknown and are not retried: a timed-out call may
// still have committed. The ids are returned as the server sent them; the
// caller checks their count.
func (s *Store) Create(ctx context.Context, model string, records []models.FieldValues) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}
	desc, err := s.Describe(ctx, model)
	if err != nil {
		return nil, err
	}

	payload := make([]any, len(records))
	for i, values := range records {
		payload[i] = encodeValues(desc, values)
	}

	var raw json.RawMessage
	if err := s.client.ExecuteKW(ctx, model, "create", []any{payload}, nil, &raw); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, recordstore.Reject(err)
		}
		return nil, err
	}

	ids, err := decodeIDs(raw)
	if err != nil {
		return nil, fmt.Errorf("%s.create committed with an unreadable result: %w", model, err)
	}
	return ids, nil
}

func decodeIDs(raw json.RawMessage) ([]int64, error) {
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err == nil {
		return ids, nil
	}
	var single int64
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("unexpected create result %s", string(raw))
	}
	return []int64{single}, nil
}

// Write updates one record. Writes carry absolute values so they are retried.
func (s *Store) Write(ctx context.Context, model string, id int64, values models.FieldValues) error {
	desc, err := s.Describe(ctx, model)
	if err != nil {
		return err
	}
	payload := encodeValues(desc, values)

	return retry.DoIfRetryable(ctx, s.retry, func() error {
		var ok bool
		return s.client.ExecuteKW(ctx, model, "write", []any{[]int64{id}, payload}, nil, &ok)
	})
}

// Close is a no-op; the HTTP client holds no per-store resources.
func (s *Store) Close() error { return nil }
