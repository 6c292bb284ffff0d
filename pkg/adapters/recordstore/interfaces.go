// Package recordstore defines the contract the migration engine uses to talk
// to the source and target systems, plus the adapter registry.
package recordstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/metrics"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// RecordStore is a remote record system. The source is only ever read; the
// target is read and written. Each implementation owns its connection and
// must be closed when done.
type RecordStore interface {
	// Describe returns the field definitions of a model.
	Describe(ctx context.Context, model string) (*models.ModelDescriptor, error)

	// SearchRead returns records matching domain ordered by ascending id,
	// restricted to fields (the id is always included).
	SearchRead(ctx context.Context, model string, domain Domain, fields []string, offset, limit int) ([]models.Record, error)

	// Create creates records and returns their ids in input order. A store
	// that can create part of the input before failing reports the created
	// prefix with *PartialCreateError.
	Create(ctx context.Context, model string, records []models.FieldValues) ([]int64, error)

	// Write updates fields of one existing record.
	Write(ctx context.Context, model string, id int64, values models.FieldValues) error

	// Close releases the connection.
	Close() error
}

// Operators accepted in a Condition.
const (
	OpEq    = "="
	OpNe    = "!="
	OpIn    = "in"
	OpNotIn = "not in"
	OpLt    = "<"
	OpLe    = "<="
	OpGt    = ">"
	OpGe    = ">="
)

// Condition is one (field, operator, value) filter term.
type Condition struct {
	Field    string
	Operator string
	Value    any
}

// Domain is a conjunction of conditions. An empty domain matches every record.
type Domain []Condition

// Validate checks every operator is known and list operators carry lists.
func (d Domain) Validate() error {
	for _, c := range d {
		if c.Field == "" {
			return fmt.Errorf("condition without field")
		}
		switch c.Operator {
		case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		case OpIn, OpNotIn:
			if _, err := ListValues(c.Value); err != nil {
				return fmt.Errorf("field %s: %w", c.Field, err)
			}
		default:
			return fmt.Errorf("field %s: unsupported operator %q", c.Field, c.Operator)
		}
	}
	return nil
}

// ListValues flattens the value of an "in" condition.
func ListValues(v any) ([]any, error) {
	switch x := v.(type) {
	case []any:
		return x, nil
	case []int64:
		out := make([]any, len(x))
		for i, id := range x {
			out[i] = id
		}
		return out, nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list value, got %T", v)
	}
}

// Options carries the collaborators every adapter accepts.
type Options struct {
	// Name labels the store in logs and metrics ("source", "target").
	Name    string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// WithDefaults fills a no-op logger and a generic name.
func (o Options) WithDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Name == "" {
		o.Name = "store"
	}
	return o
}
