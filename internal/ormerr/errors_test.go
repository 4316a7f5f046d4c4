package ormerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindsMatchSentinels(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"mapping", NewMappingError("Order", "bad"), IsMapping},
		{"multiple bags", &MultipleBagFetchError{Roles: []string{"A.x", "A.y"}}, IsMapping},
		{"wrong class", &WrongClassError{Entity: "Order", ID: 1, Expected: "Order"}, IsWrongClass},
		{"stale", &StaleObjectError{Entity: "Order", ID: 1}, IsStaleObject},
		{"not found", &ObjectNotFoundError{Entity: "Order", ID: 1}, IsNotFound},
		{"assertion", &AssertionError{Message: "x"}, IsAssertion},
		{"query", WrapQuery("query", "select 1", errors.New("boom")), IsQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			assert.True(t, tt.check(fmt.Errorf("wrapped: %w", tt.err)))
			assert.False(t, tt.check(errors.New("plain")))
		})
	}
}

func TestMultipleBagMessageNamesRoles(t *testing.T) {
	err := &MultipleBagFetchError{Roles: []string{"Order.lines", "Order.notes"}}
	assert.Contains(t, err.Error(), "Order.lines")
	assert.Contains(t, err.Error(), "Order.notes")
}

func TestWrapQuery(t *testing.T) {
	assert.NoError(t, WrapQuery("query", "select 1", nil))

	cause := errors.New("connection reset")
	err := WrapQuery("query", "select 1", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "select 1")

	// Wrapping twice keeps the innermost statement.
	again := WrapQuery("scroll", "select 2", err)
	assert.Equal(t, err, again)
}
