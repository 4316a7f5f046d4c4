package alias

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joinfetch/internal/testutil/fixtures"
)

func TestTableAlias(t *testing.T) {
	tests := []struct {
		name string
		desc string
		n    int
		want string
	}{
		{"entity", "Order", 1, "order1_"},
		{"collection role", "Order.lines", 3, "lines3_"},
		{"truncated", "OrderLineItemDetail", 2, "orderlinei2_"},
		{"trailing digit", "V2", 1, "v2x1_"},
		{"leading underscore", "_Secret", 0, "secret0_"},
		{"qualified", "com.example.Customer", 4, "customer4_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TableAlias(tt.desc, tt.n))
		})
	}
}

func TestColumnAlias(t *testing.T) {
	tests := []struct {
		column   string
		position int
		suffix   string
		want     string
	}{
		{"id", 0, "0_", "id0_0_"},
		{"name", 1, "0_", "name1_0_"},
		{"customer_id", 2, "1_", "customer2_1_"},
		{"col1", 3, "0_", "col3_0_"},
		{"123", 0, "2_", "column0_2_"},
		{"First Name", 1, "0_", "first_na1_0_"},
		{"Position", 12, "10_", "positio12_10_"},
	}
	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			assert.Equal(t, tt.want, ColumnAlias(tt.column, tt.position, tt.suffix))
		})
	}
}

func TestSuffixes(t *testing.T) {
	assert.Equal(t, []string{"0_", "1_", "2_"}, Suffixes(0, 3))
	assert.Equal(t, []string{"5_", "6_"}, Suffixes(5, 2))
	assert.Nil(t, Suffixes(0, 0))

	seen := map[string]struct{}{}
	for _, s := range Suffixes(0, 40) {
		_, dup := seen[s]
		require.False(t, dup, "suffix %s repeated", s)
		seen[s] = struct{}{}
	}
}

func TestEntityAliases(t *testing.T) {
	_, customer := fixtures.MustEntity(t, fixtures.Shop, "Customer")

	a := NewEntityAliases(customer, "1_", nil)
	assert.Equal(t, "1_", a.Suffix)
	assert.Equal(t, []string{"id0_1_"}, a.Key)
	assert.Equal(t, "version1_1_", a.Version)
	assert.Empty(t, a.Discriminator)
	assert.Equal(t, []string{"name2_1_"}, a.Properties["name"])
	assert.Equal(t, []string{"street3_1_"}, a.Properties["address.street"])
	assert.Equal(t, []string{"country_5_1_"}, a.Properties["address.country"])
	assert.NotContains(t, a.Properties, "orders")
	assert.Equal(t, "city4_1_", a.ColumnAlias("city"))
}

func TestEntityAliases_Overrides(t *testing.T) {
	_, product := fixtures.MustEntity(t, fixtures.Shop, "Product")

	a := NewEntityAliases(product, "0_", map[string][]string{
		IDKey:            {"pid"},
		DiscriminatorKey: {"ptype"},
		"title":          {"t"},
		"url":            {"a", "b"},
	})
	assert.Equal(t, []string{"pid"}, a.Key)
	assert.Equal(t, "ptype", a.Discriminator)
	assert.Equal(t, []string{"t"}, a.Properties["title"])
	// arity mismatch keeps the generated alias
	assert.Equal(t, []string{"url3_0_"}, a.Properties["url"])
}

func TestCollectionAliases(t *testing.T) {
	m := fixtures.MustMetamodel(t, fixtures.Shop)
	lines, err := m.Collection("Order.lines")
	require.NoError(t, err)

	a := NewCollectionAliases(lines, "5_", nil)
	assert.Equal(t, []string{"order_id0_5_"}, a.Key)
	assert.Equal(t, []string{"position1_5_"}, a.Index)
	assert.Equal(t, []string{"id2_5_"}, a.Element)
	assert.Empty(t, a.Identifier)

	tags, err := m.Collection("Order.tags")
	require.NoError(t, err)
	b := NewCollectionAliases(tags, "6_", map[string][]string{CollectionElementKey: {"tag"}})
	assert.Equal(t, []string{"order_id0_6_"}, b.Key)
	assert.Empty(t, b.Index)
	assert.Equal(t, []string{"tag"}, b.Element)
}
