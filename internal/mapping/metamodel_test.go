package mapping_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joinfetch/internal/mapping"
	"joinfetch/internal/ormerr"
	"joinfetch/internal/testutil/fixtures"
)

func TestLoadYAML_Shop(t *testing.T) {
	m := fixtures.MustMetamodel(t, fixtures.Shop)

	order, err := m.Entity("Order")
	require.NoError(t, err)
	assert.Equal(t, "orders", order.TableName())
	assert.Equal(t, []string{"id"}, order.KeyColumns())
	assert.Equal(t, []string{"id", "code", "customer_id"}, order.Columns())

	customer, ok := order.Property("customer")
	require.True(t, ok)
	assoc, ok := customer.Type.(*mapping.Association)
	require.True(t, ok)
	assert.Equal(t, mapping.ToOne, assoc.Kind)
	assert.Equal(t, mapping.FetchJoin, assoc.Fetch)
	assert.Equal(t, []string{"id"}, assoc.TargetColumns)
	assert.False(t, customer.Nullable)

	lines, err := m.Collection("Order.lines")
	require.NoError(t, err)
	assert.Equal(t, mapping.List, lines.Kind)
	assert.Equal(t, "order_lines", lines.Table)
	assert.Equal(t, []string{"id"}, lines.ElementColumns)
	assert.Equal(t, []string{"order_id", "position", "id"}, lines.Columns())
	assert.True(t, lines.IsOneToMany())
	assert.Equal(t, order, lines.OwnerEntity())

	tags, err := m.Collection("Order.tags")
	require.NoError(t, err)
	assert.True(t, tags.IsManyToMany())
	elem := tags.ElementAssociation()
	require.NotNil(t, elem)
	assert.Equal(t, "Tag", elem.Target)
	assert.Equal(t, []string{"tag_id"}, elem.Columns)

	customers, err := m.Collection("Customer.orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"customer_id"}, customers.KeyColumns)
}

func TestLoadYAML_Inheritance(t *testing.T) {
	m := fixtures.MustMetamodel(t, fixtures.Shop)
	product, err := m.Entity("Product")
	require.NoError(t, err)
	digital, err := m.Entity("DigitalProduct")
	require.NoError(t, err)

	assert.Equal(t, product, digital.Root())
	assert.Equal(t, "products", digital.TableName())
	assert.True(t, digital.IsA(product))
	assert.False(t, product.IsA(digital))
	assert.Equal(t, []string{"id", "kind", "title", "url"}, product.Columns())
	assert.Len(t, product.PropertyClosure(), 1)
	assert.Len(t, digital.PropertyClosure(), 2)

	resolved, err := m.ResolveDiscriminator(product, []byte("D"))
	require.NoError(t, err)
	assert.Equal(t, digital, resolved)

	resolved, err = m.ResolveDiscriminator(product, "P")
	require.NoError(t, err)
	assert.Equal(t, product, resolved)

	_, err = m.ResolveDiscriminator(product, "X")
	assert.True(t, ormerr.IsWrongClass(err))

	root, err := m.RootOf("DigitalProduct")
	require.NoError(t, err)
	assert.Equal(t, product, root)
	assert.True(t, m.IsSubclass("DigitalProduct", "Product"))
	assert.False(t, m.IsSubclass("Product", "DigitalProduct"))
	assert.False(t, m.IsSubclass("Missing", "Product"))
}

func TestLoadYAML_Defaults(t *testing.T) {
	doc := `
entities:
  - name: Author
    table: authors
    id: {column: id}
    properties:
      - name: books
        collection:
          one_to_many: Book
  - name: Book
    table: books
    id: {column: id}
    properties:
      - name: publisher
        many_to_one: Publisher
  - name: Publisher
    table: publishers
    id: {column: id}
`
	m := fixtures.MustMetamodel(t, doc)
	books, err := m.Collection("Author.books")
	require.NoError(t, err)
	assert.Equal(t, []string{"author_id"}, books.KeyColumns)

	book, err := m.Entity("Book")
	require.NoError(t, err)
	p, ok := book.Property("publisher")
	require.True(t, ok)
	assert.Equal(t, []string{"publisher_id"}, p.Type.(*mapping.Association).Columns)
}

func TestNewMetamodel_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown target",
			doc: `
entities:
  - name: A
    table: a
    id: {column: id}
    properties:
      - name: b
        many_to_one: B
`,
			want: "unknown entity B",
		},
		{
			name: "value collection without element columns",
			doc: `
entities:
  - name: A
    table: a
    id: {column: id}
    properties:
      - name: items
        collection:
          kind: list
          table: items
          index: [pos]
          element_columns: []
`,
			want: "value collection A.items needs a table and element columns",
		},
		{
			name: "list without index",
			doc: `
entities:
  - name: A
    table: a
    id: {column: id}
    properties:
      - name: items
        collection:
          kind: list
          one_to_many: A
`,
			want: "no index columns",
		},
		{
			name: "subclass without discriminator",
			doc: `
entities:
  - name: A
    table: a
    id: {column: id}
    discriminator: {column: kind, value: A}
  - name: B
    extends: A
`,
			want: "subclass needs a discriminator value",
		},
		{
			name: "join arity",
			doc: `
entities:
  - name: A
    table: a
    id: {column: id}
    properties:
      - name: b
        many_to_one: B
        columns: [b1, b2]
  - name: B
    table: b
    id: {column: id}
`,
			want: "joins 2 columns to 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mapping.LoadYAML(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.True(t, ormerr.IsMapping(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCompositeIdentifier(t *testing.T) {
	doc := `
entities:
  - name: Order
    table: orders
    id: {column: id}
  - name: OrderLine
    table: order_lines
    id:
      kind: non_aggregated
      properties:
        - name: order
          many_to_one: Order
          column: order_id
        - name: lineNo
          column: line_no
    properties:
      - name: quantity
`
	m := fixtures.MustMetamodel(t, doc)
	line, err := m.Entity("OrderLine")
	require.NoError(t, err)
	assert.True(t, line.Key().IsComposite())
	assert.Equal(t, []string{"order_id", "line_no"}, line.KeyColumns())
	assert.Equal(t, []string{"order_id", "line_no", "quantity"}, line.Columns())
}
