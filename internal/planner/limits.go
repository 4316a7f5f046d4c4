package planner

import (
	"fmt"

	"joinfetch/internal/walker"
)

// PlanLimits bounds the size of a compiled statement. Zero disables a limit.
type PlanLimits struct {
	MaxJoins       int
	MaxDepth       int
	MaxColumns     int
	MaxCollections int
}

// PlanCost captures the size of a compiled statement.
type PlanCost struct {
	Joins       int
	Depth       int
	Columns     int
	Collections int
}

func estimateCost(edges []walker.Edge, layout *RowLayout) PlanCost {
	cost := PlanCost{Joins: len(edges), Collections: len(layout.Collections)}
	for _, e := range edges {
		if e.Depth+1 > cost.Depth {
			cost.Depth = e.Depth + 1
		}
	}
	for _, s := range layout.Entities {
		cost.Columns += len(s.Aliases.Columns())
	}
	for _, s := range layout.Collections {
		cost.Columns += len(s.Collection.Columns())
	}
	return cost
}

func validateLimits(cost PlanCost, limits PlanLimits) error {
	if limits.MaxJoins > 0 && cost.Joins > limits.MaxJoins {
		return fmt.Errorf("statement exceeds maximum joins of %d (joins: %d)", limits.MaxJoins, cost.Joins)
	}
	if limits.MaxDepth > 0 && cost.Depth > limits.MaxDepth {
		return fmt.Errorf("statement exceeds maximum join depth of %d (depth: %d)", limits.MaxDepth, cost.Depth)
	}
	if limits.MaxColumns > 0 && cost.Columns > limits.MaxColumns {
		return fmt.Errorf("statement exceeds maximum columns of %d (columns: %d)", limits.MaxColumns, cost.Columns)
	}
	if limits.MaxCollections > 0 && cost.Collections > limits.MaxCollections {
		return fmt.Errorf("statement exceeds maximum collections of %d (collections: %d)", limits.MaxCollections, cost.Collections)
	}
	return nil
}
