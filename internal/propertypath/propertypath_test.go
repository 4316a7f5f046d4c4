package propertypath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppend(t *testing.T) {
	p := Root().Append("order").Append("customer").Append("address")
	assert.Equal(t, "order.customer.address", p.FullPath())
	assert.Equal(t, "address", p.Property())
	assert.Equal(t, "order.customer", p.Parent().FullPath())
	assert.True(t, Root().IsRoot())
	assert.False(t, p.IsRoot())
}

func TestIdentifierMapperIsElided(t *testing.T) {
	tests := []struct {
		name     string
		path     *Path
		expected string
	}{
		{
			name:     "mapper below root",
			path:     Root().Append(IdentifierMapper).Append("customer"),
			expected: "customer",
		},
		{
			name:     "mapper in the middle",
			path:     Root().Append("line").Append(IdentifierMapper).Append("product"),
			expected: "line.product",
		},
		{
			name:     "mapper as leaf",
			path:     Root().Append("line").Append(IdentifierMapper),
			expected: "line",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.path.FullPath())
		})
	}
}

func TestParseAndRelative(t *testing.T) {
	p := Parse("order.customer.address")
	assert.Equal(t, "order.customer.address", p.FullPath())
	assert.Equal(t, "", Parse("").FullPath())

	base := Parse("order")
	assert.Equal(t, "customer.address", p.RelativeTo(base))
	assert.Equal(t, "order.customer.address", p.RelativeTo(Root()))
	assert.Equal(t, "", base.RelativeTo(base))
	assert.Equal(t, "order.customer.address", p.RelativeTo(Parse("other")))
	assert.Equal(t, "PropertyPath[order]", base.String())
}
