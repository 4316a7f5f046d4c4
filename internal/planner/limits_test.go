package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joinfetch/internal/testutil/fixtures"
	"joinfetch/internal/walker"
)

func TestEstimateCostShopOrder(t *testing.T) {
	m, order := fixtures.MustEntity(t, fixtures.Shop, "Order")

	q, err := Compile(m, walker.EntityShape(order))
	require.NoError(t, err)
	assert.Equal(t, 4, q.Cost.Joins)
	assert.Equal(t, 2, q.Cost.Depth)
	assert.Equal(t, 1, q.Cost.Collections)
	// order 3, customer 6, country 3, line 5, product 4, lines collection 3
	assert.Equal(t, 24, q.Cost.Columns)
}

func TestValidateLimits(t *testing.T) {
	cost := PlanCost{Joins: 4, Depth: 2, Columns: 25, Collections: 1}

	tests := []struct {
		name    string
		limits  PlanLimits
		wantErr string
	}{
		{"no limits", PlanLimits{}, ""},
		{"within", PlanLimits{MaxJoins: 4, MaxDepth: 2, MaxColumns: 25, MaxCollections: 1}, ""},
		{"joins", PlanLimits{MaxJoins: 3}, "maximum joins of 3"},
		{"depth", PlanLimits{MaxDepth: 1}, "maximum join depth of 1"},
		{"columns", PlanLimits{MaxColumns: 10}, "maximum columns of 10"},
		{"collections", PlanLimits{MaxCollections: 0}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateLimits(cost, tt.limits)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCompileWithLimits(t *testing.T) {
	m, order := fixtures.MustEntity(t, fixtures.Shop, "Order")

	_, err := Compile(m, walker.EntityShape(order), WithLimits(PlanLimits{MaxJoins: 2}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum joins of 2")
}
