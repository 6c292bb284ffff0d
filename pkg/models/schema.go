package models

import "sort"

// FieldKind classifies a field for migration purposes.
type FieldKind string

const (
	FieldScalar   FieldKind = "scalar"
	FieldSingle   FieldKind = "single_reference"
	FieldMulti    FieldKind = "multi_reference"
	FieldComputed FieldKind = "computed" // computed without persistent storage; never exported or written
)

// IsReference returns true for single- and multi-reference fields.
func (k FieldKind) IsReference() bool {
	return k == FieldSingle || k == FieldMulti
}

// FieldDescriptor describes one field of a model as reported by a record store.
type FieldDescriptor struct {
	Name       string    `json:"name" yaml:"name"`
	Kind       FieldKind `json:"kind" yaml:"kind"`
	Type       string    `json:"type,omitempty" yaml:"type,omitempty"`         // store-native type name (char, many2one, integer, ...)
	Relation   string    `json:"relation,omitempty" yaml:"relation,omitempty"` // referenced model for reference fields
	Required   bool      `json:"required,omitempty" yaml:"required,omitempty"`
	HasDefault bool      `json:"has_default,omitempty" yaml:"has_default,omitempty"` // store fills the field when omitted
	Size       int       `json:"size,omitempty" yaml:"size,omitempty"`               // max string length, 0 = unlimited
}

// DefaultRuleKind selects how a required target field is filled.
type DefaultRuleKind string

const (
	DefaultStatic    DefaultRuleKind = "static"
	DefaultFromField DefaultRuleKind = "from_field"
	DefaultLookup    DefaultRuleKind = "lookup"
)

// RequiredField is a field required on the target but absent or optional on
// the source, together with the rule that fills it. Rule is nil when no rule
// is configured; records lacking a value then fail transformation.
type RequiredField struct {
	Name string
	Rule *DefaultRule
}

// DefaultRule is one required-field policy.
type DefaultRule struct {
	Kind      DefaultRuleKind
	Value     any    // DefaultStatic
	FromField string // DefaultFromField
	Lookup    *LookupRule
}

// LookupRule chooses among a small set of target records by matching fields
// of the source record against fields of the candidates.
type LookupRule struct {
	Model string
	// Match maps candidate field -> source field.
	Match map[string]string
	// Candidates are target records eligible for selection. When several
	// match, the one with the lowest target id wins.
	Candidates []Record
}

// ModelDescriptor is the immutable description of one model for a run.
type ModelDescriptor struct {
	Name             string
	Fields           []FieldDescriptor
	RequiredOnTarget []RequiredField

	index map[string]int
}

// NewModelDescriptor builds a descriptor. Fields keep the given order.
func NewModelDescriptor(name string, fields []FieldDescriptor) *ModelDescriptor {
	d := &ModelDescriptor{
		Name:   name,
		Fields: fields,
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		d.index[f.Name] = i
	}
	return d
}

// Field returns the named field.
func (d *ModelDescriptor) Field(name string) (FieldDescriptor, bool) {
	if d.index == nil {
		for _, f := range d.Fields {
			if f.Name == name {
				return f, true
			}
		}
		return FieldDescriptor{}, false
	}
	i, ok := d.index[name]
	if !ok {
		return FieldDescriptor{}, false
	}
	return d.Fields[i], true
}

// ReferenceFields returns the single- and multi-reference fields in declaration order.
func (d *ModelDescriptor) ReferenceFields() []FieldDescriptor {
	var refs []FieldDescriptor
	for _, f := range d.Fields {
		if f.Kind.IsReference() {
			refs = append(refs, f)
		}
	}
	return refs
}

// WithRequired returns a copy of d carrying the given required-on-target set.
func (d *ModelDescriptor) WithRequired(required []RequiredField) *ModelDescriptor {
	c := NewModelDescriptor(d.Name, d.Fields)
	c.RequiredOnTarget = required
	return c
}

// DependencyEdge says From.Field is a single- or multi-reference into To.
type DependencyEdge struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Field string    `json:"field"`
	Kind  FieldKind `json:"kind"`
}

// IsSelf returns true when the edge stays within one model.
func (e DependencyEdge) IsSelf() bool {
	return e.From == e.To
}

// SortEdges orders edges lexically by (From, Field, To).
func SortEdges(edges []DependencyEdge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		return a.To < b.To
	})
}
