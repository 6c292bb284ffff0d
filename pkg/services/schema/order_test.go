package schema

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

func edge(from, field, to string) models.DependencyEdge {
	return models.DependencyEdge{From: from, To: to, Field: field, Kind: models.FieldSingle}
}

func assertDependenciesFirst(t *testing.T, plan *Plan) {
	t.Helper()
	for _, e := range plan.Edges {
		assert.Less(t, plan.Position(e.To), plan.Position(e.From), "%s.%s -> %s", e.From, e.Field, e.To)
	}
}

func TestOrderModels_DependenciesFirst(t *testing.T) {
	plan, err := OrderModels(
		[]string{"sale.order.line", "sale.order", "res.partner", "product.product"},
		[]models.DependencyEdge{
			edge("sale.order.line", "order_id", "sale.order"),
			edge("sale.order.line", "product_id", "product.product"),
			edge("sale.order", "partner_id", "res.partner"),
		},
		nil,
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"res.partner", "sale.order", "product.product", "sale.order.line"}, plan.Order)
	assert.Empty(t, plan.Deferred)
	assert.Empty(t, plan.Cycles)
	assertDependenciesFirst(t, plan)
}

func TestOrderModels_FirstAppearanceTieBreak(t *testing.T) {
	plan, err := OrderModels([]string{"c", "a", "b"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, plan.Order)
}

func TestOrderModels_RandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		n := 2 + rng.Intn(8)
		names := make([]string, n)
		for i := range names {
			names[i] = fmt.Sprintf("m%d", i)
		}
		// Edges only go from higher to lower index, so the graph is acyclic.
		var edges []models.DependencyEdge
		for from := 1; from < n; from++ {
			for to := 0; to < from; to++ {
				if rng.Intn(3) == 0 {
					edges = append(edges, edge(names[from], fmt.Sprintf("f%d", to), names[to]))
				}
			}
		}
		rng.Shuffle(n, func(i, j int) { names[i], names[j] = names[j], names[i] })

		plan, err := OrderModels(names, edges, nil)
		require.NoError(t, err)
		require.Len(t, plan.Order, n)
		assert.Empty(t, plan.Deferred)
		assertDependenciesFirst(t, plan)
	}
}

func TestOrderModels_TwoModelCycleDefersOneField(t *testing.T) {
	plan, err := OrderModels(
		[]string{"a", "b"},
		[]models.DependencyEdge{edge("a", "b_id", "b"), edge("b", "a_id", "a")},
		nil,
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, plan.Order)
	require.Len(t, plan.Deferred, 1)
	assert.Equal(t, edge("a", "b_id", "b"), plan.Deferred[0], "lexically first edge")
	assert.True(t, plan.IsDeferred("a", "b_id"))
	assert.False(t, plan.IsDeferred("b", "a_id"))
	assert.Equal(t, [][]string{{"a", "b"}}, plan.Cycles)
	assertDependenciesFirst(t, plan)
}

func TestOrderModels_CyclePrefersNoReferenceModel(t *testing.T) {
	plan, err := OrderModels(
		[]string{"a", "b"},
		[]models.DependencyEdge{edge("a", "b_id", "b"), edge("b", "a_id", "a")},
		map[string]bool{"a": true},
	)
	require.NoError(t, err)

	require.Len(t, plan.Deferred, 1)
	assert.Equal(t, edge("b", "a_id", "a"), plan.Deferred[0])
	assert.Equal(t, []string{"b", "a"}, plan.Order)
}

func TestOrderModels_ThreeCycleWithTail(t *testing.T) {
	plan, err := OrderModels(
		[]string{"tail", "x", "y", "z"},
		[]models.DependencyEdge{
			edge("x", "y_id", "y"),
			edge("y", "z_id", "z"),
			edge("z", "x_id", "x"),
			edge("tail", "x_id", "x"),
		},
		nil,
	)
	require.NoError(t, err)

	require.Len(t, plan.Deferred, 1)
	// Only edges on the cycle are candidates; tail.x_id sorts first but is not one.
	assert.Equal(t, edge("x", "y_id", "y"), plan.Deferred[0])
	assert.Equal(t, []string{"x", "tail", "z", "y"}, plan.Order)
	assert.Equal(t, [][]string{{"x", "y", "z"}}, plan.Cycles)
	assertDependenciesFirst(t, plan)
}

func TestOrderModels_SelfEdgesExcluded(t *testing.T) {
	plan, err := OrderModels(
		[]string{"category", "item"},
		[]models.DependencyEdge{
			edge("category", "parent_id", "category"),
			edge("item", "category_id", "category"),
		},
		nil,
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"category", "item"}, plan.Order)
	assert.Empty(t, plan.Deferred)
	assert.Empty(t, plan.Cycles)
	require.Len(t, plan.SelfEdges, 1)
	assert.True(t, plan.IsSelfReference("category", "parent_id"))
	assert.False(t, plan.IsSelfReference("item", "category_id"))
}

func TestOrderModels_Rejects(t *testing.T) {
	_, err := OrderModels([]string{"a", "a"}, nil, nil)
	assert.Error(t, err)

	_, err = OrderModels([]string{"a"}, []models.DependencyEdge{edge("a", "b_id", "b")}, nil)
	assert.Error(t, err)
}

func TestOrder_UsesGraph(t *testing.T) {
	g := &Graph{
		Models: []string{"item", "category"},
		Edges:  []models.DependencyEdge{edge("item", "category_id", "category")},
	}
	plan, err := Order(g, g.NoReferenceModels())
	require.NoError(t, err)
	assert.Equal(t, []string{"category", "item"}, plan.Order)
}
