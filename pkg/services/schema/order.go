package schema

import (
	"fmt"
	"sort"

	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// Plan is the linearized graph.
type Plan struct {
	// Order lists models so that for every kept edge A->B (A != B), B comes
	// before A.
	Order []string
	// Deferred holds the edges removed to break cycles. Their fields are
	// always resolved by the cross-reference pass.
	Deferred []models.DependencyEdge
	// SelfEdges are resolved by the intra-model pass after the model's
	// primary pass.
	SelfEdges []models.DependencyEdge
	// Edges are the inter-model edges honoured by Order.
	Edges []models.DependencyEdge
	// Cycles lists each strongly connected group of two or more models.
	Cycles [][]string
}

// IsDeferred reports whether model.field must wait for the cross-reference
// pass regardless of the id map.
func (p *Plan) IsDeferred(model, field string) bool {
	for _, e := range p.Deferred {
		if e.From == model && e.Field == field {
			return true
		}
	}
	return false
}

// IsSelfReference reports whether model.field references model itself.
func (p *Plan) IsSelfReference(model, field string) bool {
	for _, e := range p.SelfEdges {
		if e.From == model && e.Field == field {
			return true
		}
	}
	return false
}

// Position returns the index of model in Order, -1 when absent.
func (p *Plan) Position(model string) int {
	for i, m := range p.Order {
		if m == model {
			return i
		}
	}
	return -1
}

// Order linearizes g. noReferences usually comes from g.NoReferenceModels.
func Order(g *Graph, noReferences map[string]bool) (*Plan, error) {
	return OrderModels(g.Models, g.Edges, noReferences)
}

// OrderModels runs Kahn's algorithm over the inter-model edges. Among models
// ready at the same time the one listed first in modelList wins. When every
// remaining model waits on another, one edge inside a cycle is deferred:
// an edge into a model from noReferences if any, else the lexically first
// (From, Field, To). The process always terminates with every model placed.
func OrderModels(modelList []string, edges []models.DependencyEdge, noReferences map[string]bool) (*Plan, error) {
	position := make(map[string]int, len(modelList))
	for i, m := range modelList {
		if _, dup := position[m]; dup {
			return nil, fmt.Errorf("model %s listed twice", m)
		}
		position[m] = i
	}

	plan := &Plan{}
	var active []models.DependencyEdge
	for _, e := range edges {
		if _, ok := position[e.From]; !ok {
			return nil, fmt.Errorf("edge %s.%s: unknown model %s", e.From, e.Field, e.From)
		}
		if _, ok := position[e.To]; !ok {
			return nil, fmt.Errorf("edge %s.%s: unknown model %s", e.From, e.Field, e.To)
		}
		if e.IsSelf() {
			plan.SelfEdges = append(plan.SelfEdges, e)
			continue
		}
		active = append(active, e)
	}
	models.SortEdges(active)
	models.SortEdges(plan.SelfEdges)
	plan.Cycles = cycles(modelList, active)

	placed := make(map[string]bool, len(modelList))
	// waiting counts unresolved dependencies: edges from a model to models
	// not yet placed.
	waiting := func(m string) int {
		n := 0
		for _, e := range active {
			if e.From == m && !placed[e.To] {
				n++
			}
		}
		return n
	}

	for len(plan.Order) < len(modelList) {
		next := ""
		for _, m := range modelList {
			if !placed[m] && waiting(m) == 0 {
				next = m
				break
			}
		}
		if next != "" {
			placed[next] = true
			plan.Order = append(plan.Order, next)
			continue
		}

		edge := pickDeferral(active, placed, modelList, noReferences)
		plan.Deferred = append(plan.Deferred, edge)
		active = removeEdge(active, edge)
	}

	plan.Edges = active
	return plan, nil
}

// pickDeferral chooses the edge to break among edges that lie on a cycle of
// the unplaced subgraph.
func pickDeferral(active []models.DependencyEdge, placed map[string]bool, modelList []string, noReferences map[string]bool) models.DependencyEdge {
	var remaining []string
	for _, m := range modelList {
		if !placed[m] {
			remaining = append(remaining, m)
		}
	}
	var open []models.DependencyEdge
	for _, e := range active {
		if !placed[e.From] && !placed[e.To] {
			open = append(open, e)
		}
	}

	group := make(map[string]int)
	for i, scc := range cycles(remaining, open) {
		for _, m := range scc {
			group[m] = i + 1
		}
	}

	var candidates []models.DependencyEdge
	for _, e := range open {
		if g := group[e.From]; g != 0 && g == group[e.To] {
			candidates = append(candidates, e)
		}
	}
	// candidates is non-empty: a stalled Kahn pass implies a cycle.
	for _, e := range candidates {
		if noReferences[e.To] {
			return e
		}
	}
	return candidates[0]
}

func removeEdge(edges []models.DependencyEdge, target models.DependencyEdge) []models.DependencyEdge {
	out := edges[:0:0]
	for _, e := range edges {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}

// cycles returns the strongly connected components of two or more models,
// each sorted by model list position, in order of their first member.
func cycles(modelList []string, edges []models.DependencyEdge) [][]string {
	graph := make(map[string][]string)
	for _, e := range edges {
		graph[e.From] = append(graph[e.From], e.To)
	}

	var (
		index   int
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if len(scc) > 1 {
				sccs = append(sccs, scc)
			}
		}
	}

	for _, m := range modelList {
		if _, visited := indices[m]; !visited {
			strongConnect(m)
		}
	}

	position := make(map[string]int, len(modelList))
	for i, m := range modelList {
		position[m] = i
	}
	for _, scc := range sccs {
		sort.Slice(scc, func(i, j int) bool { return position[scc[i]] < position[scc[j]] })
	}
	sort.Slice(sccs, func(i, j int) bool { return position[sccs[i][0]] < position[sccs[j][0]] })
	return sccs
}
