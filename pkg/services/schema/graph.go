// Package schema describes the requested models, builds the reference graph
// between them and linearizes it into a migration order.
package schema

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// ModelRequest is one model asked for by the run.
type ModelRequest struct {
	Model       string
	TargetModel string // empty means same name on the target
	// AllowReferences makes reference fields eligible for export.
	AllowReferences bool
	// ReferenceFields narrows eligible references when non-empty.
	ReferenceFields []string
}

// TargetName returns the model name on the target store.
func (r ModelRequest) TargetName() string {
	if r.TargetModel != "" {
		return r.TargetModel
	}
	return r.Model
}

// ReferenceAllowed reports whether field may be exported as a reference.
func (r ModelRequest) ReferenceAllowed(field string) bool {
	if !r.AllowReferences {
		return false
	}
	if len(r.ReferenceFields) == 0 {
		return true
	}
	for _, f := range r.ReferenceFields {
		if f == field {
			return true
		}
	}
	return false
}

// Graph is the described model set and the references between its members.
type Graph struct {
	// Models keeps request order.
	Models   []string
	Requests map[string]ModelRequest
	// Source descriptors carry RequiredOnTarget; rules are attached later.
	Source map[string]*models.ModelDescriptor
	Target map[string]*models.ModelDescriptor
	// Edges covers eligible reference fields whose relation is requested,
	// self-edges included, sorted by (From, Field, To).
	Edges []models.DependencyEdge
	// External lists eligible reference fields pointing outside the set,
	// per model. Their values are translated through the id map when a
	// mapping exists and passed through otherwise.
	External map[string][]models.FieldDescriptor
}

// InScope reports whether model was requested.
func (g *Graph) InScope(model string) bool {
	_, ok := g.Requests[model]
	return ok
}

// NoReferenceModels returns the requested models whose references are not
// migrated.
func (g *Graph) NoReferenceModels() map[string]bool {
	out := make(map[string]bool)
	for name, req := range g.Requests {
		if !req.AllowReferences {
			out[name] = true
		}
	}
	return out
}

// Builder describes models on both stores.
type Builder struct {
	source recordstore.RecordStore
	target recordstore.RecordStore
	logger *zap.Logger
}

// NewBuilder creates a Builder. target may be nil, in which case no
// required-on-target fields are computed.
func NewBuilder(source, target recordstore.RecordStore, logger *zap.Logger) *Builder {
	return &Builder{source: source, target: target, logger: logger.Named("schema")}
}

// Build describes every requested model and extracts the edge set. Any
// model that cannot be described fails the whole build with
// *apperrors.SchemaIntrospectionError.
func (b *Builder) Build(ctx context.Context, requests []ModelRequest) (*Graph, error) {
	g := &Graph{
		Requests: make(map[string]ModelRequest, len(requests)),
		Source:   make(map[string]*models.ModelDescriptor, len(requests)),
		Target:   make(map[string]*models.ModelDescriptor, len(requests)),
		External: make(map[string][]models.FieldDescriptor),
	}

	for _, req := range requests {
		if _, dup := g.Requests[req.Model]; dup {
			return nil, fmt.Errorf("model %s requested twice", req.Model)
		}
		g.Models = append(g.Models, req.Model)
		g.Requests[req.Model] = req

		src, err := b.source.Describe(ctx, req.Model)
		if err != nil {
			return nil, &apperrors.SchemaIntrospectionError{Store: "source", Model: req.Model, Err: err}
		}

		if b.target != nil {
			tgt, err := b.target.Describe(ctx, req.TargetName())
			if err != nil {
				return nil, &apperrors.SchemaIntrospectionError{Store: "target", Model: req.TargetName(), Err: err}
			}
			g.Target[req.Model] = tgt
			src = src.WithRequired(requiredFields(RequiredOnTarget(src, tgt)))
		}
		g.Source[req.Model] = src
	}

	for _, name := range g.Models {
		req := g.Requests[name]
		for _, f := range g.Source[name].ReferenceFields() {
			if !req.ReferenceAllowed(f.Name) {
				continue
			}
			if !g.InScope(f.Relation) {
				g.External[name] = append(g.External[name], f)
				continue
			}
			g.Edges = append(g.Edges, models.DependencyEdge{From: name, To: f.Relation, Field: f.Name, Kind: f.Kind})
		}
	}
	models.SortEdges(g.Edges)

	b.logger.Info("Built schema graph",
		zap.Int("models", len(g.Models)),
		zap.Int("edges", len(g.Edges)))
	return g, nil
}

func requiredFields(names []string) []models.RequiredField {
	if len(names) == 0 {
		return nil
	}
	out := make([]models.RequiredField, len(names))
	for i, n := range names {
		out[i] = models.RequiredField{Name: n}
	}
	return out
}

// RequiredOnTarget returns target fields the target store will reject a
// record without, that the source cannot be relied on to fill: required
// without a default, and absent or optional on the source.
func RequiredOnTarget(source, target *models.ModelDescriptor) []string {
	var out []string
	for _, tf := range target.Fields {
		if !tf.Required || tf.HasDefault || tf.Kind == models.FieldComputed {
			continue
		}
		sf, ok := source.Field(tf.Name)
		if ok && sf.Required && sf.Kind != models.FieldComputed {
			continue
		}
		out = append(out, tf.Name)
	}
	return out
}

// ExportFields returns the fields exported for model: stored scalars and
// eligible references, minus bookkeeping fields and, when the target is
// described, fields the target does not store.
func (g *Graph) ExportFields(model string, bookkeeping []string) []models.FieldDescriptor {
	skip := make(map[string]bool, len(bookkeeping))
	for _, f := range bookkeeping {
		skip[f] = true
	}
	req := g.Requests[model]
	target := g.Target[model]

	var out []models.FieldDescriptor
	for _, f := range g.Source[model].Fields {
		if skip[f.Name] || f.Kind == models.FieldComputed {
			continue
		}
		if f.Kind.IsReference() && !req.ReferenceAllowed(f.Name) {
			continue
		}
		if target != nil {
			tf, ok := target.Field(f.Name)
			if !ok || tf.Kind == models.FieldComputed {
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// Subset restricts g to names plus every requested model they reach through
// edges, keeping request order.
func (g *Graph) Subset(names []string) (*Graph, error) {
	keep := make(map[string]bool)
	queue := make([]string, 0, len(names))
	for _, n := range names {
		if !g.InScope(n) {
			return nil, fmt.Errorf("model %s is not configured", n)
		}
		if !keep[n] {
			keep[n] = true
			queue = append(queue, n)
		}
	}
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		for _, e := range g.Edges {
			if e.From == m && !keep[e.To] {
				keep[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}

	sub := &Graph{
		Requests: make(map[string]ModelRequest, len(keep)),
		Source:   make(map[string]*models.ModelDescriptor, len(keep)),
		Target:   make(map[string]*models.ModelDescriptor, len(keep)),
		External: make(map[string][]models.FieldDescriptor),
	}
	for _, m := range g.Models {
		if !keep[m] {
			continue
		}
		sub.Models = append(sub.Models, m)
		sub.Requests[m] = g.Requests[m]
		sub.Source[m] = g.Source[m]
		if t, ok := g.Target[m]; ok {
			sub.Target[m] = t
		}
		if ext := g.External[m]; len(ext) > 0 {
			sub.External[m] = ext
		}
	}
	for _, e := range g.Edges {
		if keep[e.From] {
			sub.Edges = append(sub.Edges, e)
		}
	}
	return sub, nil
}
