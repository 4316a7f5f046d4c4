package planner

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joinfetch/internal/alias"
	"joinfetch/internal/mapping"
	"joinfetch/internal/ormerr"
	"joinfetch/internal/session"
	"joinfetch/internal/sqlutil"
	"joinfetch/internal/testutil/fixtures"
	"joinfetch/internal/walker"
)

func assertGolden(t *testing.T, name, sql string) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(sql+"\n"))
}

func collection(t *testing.T, m *mapping.Metamodel, role string) *mapping.CollectionDescriptor {
	t.Helper()
	c, err := m.Collection(role)
	require.NoError(t, err)
	return c
}

func TestCompile_ShopOrder(t *testing.T) {
	m, order := fixtures.MustEntity(t, fixtures.Shop, "Order")

	q, err := Compile(m, walker.EntityShape(order))
	require.NoError(t, err)
	assertGolden(t, "shop_order", q.SQL)

	assert.Equal(t, "order0_", q.RootAlias)
	assert.Equal(t, []string{"0_", "1_", "2_", "3_", "4_"}, q.Layout.Suffixes())
	assert.Equal(t, []string{"5_"}, q.Layout.CollectionSuffixes())
	assert.Equal(t, []string{"countries", "customers", "order_lines", "orders", "products"}, q.QuerySpaces)
	assert.True(t, q.HasCollectionFetch())
	assert.False(t, q.FollowOnLock)

	// customer and country hang off entity slots, the line element is owned
	// by the collection and the product by the line
	assert.Equal(t, []int{-1, 0, 1, -1, 3}, q.Layout.Owners())

	lines := q.Layout.Collections[0]
	assert.Equal(t, "Order.lines", lines.Collection.Role)
	assert.Equal(t, 0, lines.Owner)
	assert.Equal(t, 3, lines.Element)
	assert.Equal(t, 0, q.Layout.Entities[3].Collection)
	assert.Equal(t, "lines", lines.Property)

	require.Equal(t, 1, q.Params.Count())
	assert.Equal(t, Param{Kind: ParamKey, Index: 0}, q.Params.Params[0])
}

func TestCompile_SuffixesAreDistinct(t *testing.T) {
	m, order := fixtures.MustEntity(t, fixtures.Shop, "Order")

	for depth := 0; depth <= 3; depth++ {
		shape := walker.EntityShape(order)
		shape.MaxFetchDepth = depth
		q, err := Compile(m, shape)
		require.NoError(t, err)

		seen := make(map[string]struct{})
		for _, s := range append(q.Layout.Suffixes(), q.Layout.CollectionSuffixes()...) {
			_, dup := seen[s]
			assert.False(t, dup, "suffix %s repeated at depth %d", s, depth)
			seen[s] = struct{}{}
		}
		entities := 1
		for _, e := range q.Edges {
			if e.ConsumesEntitySlot() {
				entities++
			}
		}
		assert.Len(t, q.Layout.Suffixes(), entities)
	}
}

func TestCompile_EmployeeSelfReference(t *testing.T) {
	m, emp := fixtures.MustEntity(t, fixtures.Employee, "Employee")

	q, err := Compile(m, walker.EntityShape(emp))
	require.NoError(t, err)
	assertGolden(t, "employee_self_reference", q.SQL)
	assert.Equal(t, []int{-1, 0, 1}, q.Layout.Owners())
	assert.Equal(t, "manager", q.Layout.Entities[1].Property)
	assert.Equal(t, "mentor", q.Layout.Entities[2].Property)
	assert.False(t, q.HasCollectionFetch())
}

func TestCompile_ManyToManyInitializer(t *testing.T) {
	m := fixtures.MustMetamodel(t, fixtures.Shop)
	tags := collection(t, m, "Order.tags")

	q, err := Compile(m, walker.CollectionShape(tags), WithDialect(sqlutil.Postgres))
	require.NoError(t, err)
	assertGolden(t, "order_tags_initializer_postgres", q.SQL)

	require.Len(t, q.Layout.Entities, 1)
	require.Len(t, q.Layout.Collections, 1)
	root := q.Layout.Collections[0]
	assert.Equal(t, -1, root.Owner)
	assert.Equal(t, 0, root.Element)
	assert.Equal(t, "1_", root.Aliases.Suffix)
	assert.Nil(t, q.Layout.Owners())
}

func TestCompile_OneToManyBatchInitializer(t *testing.T) {
	m := fixtures.MustMetamodel(t, fixtures.Shop)
	shape := walker.CollectionShape(collection(t, m, "Order.lines"))
	shape.BatchSize = 3

	q, err := Compile(m, shape)
	require.NoError(t, err)
	assertGolden(t, "order_lines_batch_initializer", q.SQL)
	assert.Equal(t, 3, q.Params.KeyCount())

	root := q.Layout.Collections[0]
	assert.Equal(t, 0, root.Element)
	assert.Equal(t, "lines0_", q.Layout.Entities[0].Alias)
	assert.Equal(t, 0, q.Layout.Entities[0].Collection)
}

func TestCompile_ProfileRestrictionWhereOrderAndLock(t *testing.T) {
	m, order := fixtures.MustEntity(t, fixtures.Shop, "Order")

	shape := walker.EntityShape(order)
	shape.Influencers = walker.NewInfluencers([]walker.FetchProfile{{Name: "with-tags", Roles: []string{"Order.tags"}}}, nil)
	shape.Restrictions = map[string]string{"lines": "{alias}.quantity > 1"}
	shape.Lock = session.LockOptions{Mode: session.LockUpgrade}

	q, err := Compile(m, shape,
		WithWhere("{alias}.code = :code"),
		WithOrderBy("{alias}.code desc"),
	)
	require.NoError(t, err)
	assertGolden(t, "shop_order_profile_locked", q.SQL)

	// the restricted lines join still yields line entities but no collection
	require.Len(t, q.Layout.Collections, 1)
	tags := q.Layout.Collections[0]
	assert.Equal(t, "Order.tags", tags.Collection.Role)
	assert.Equal(t, 5, tags.Element)
	assert.Equal(t, -1, q.Layout.Entities[3].Collection)

	assert.Equal(t, []Param{
		{Kind: ParamKey, Index: 0},
		{Kind: ParamNamed, Name: "code"},
	}, q.Params.Params)
	assert.Equal(t, []int{1}, q.Params.NamedPositions("code"))
}

func TestCompile_FollowOnLockOmitsClause(t *testing.T) {
	m, emp := fixtures.MustEntity(t, fixtures.Employee, "Employee")

	q, err := Compile(m, walker.EntityShape(emp),
		WithLock(session.LockOptions{Mode: session.LockUpgrade, FollowOn: true}))
	require.NoError(t, err)
	assert.NotContains(t, q.SQL, "FOR UPDATE")
	assert.True(t, q.FollowOnLock)

	q, err = Compile(m, walker.EntityShape(emp),
		WithLock(session.LockOptions{Mode: session.LockUpgradeNoWait}))
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "FOR UPDATE NOWAIT")
}

func TestCompile_MultipleBagsRejected(t *testing.T) {
	doc := `
entities:
  - name: Post
    table: posts
    id: {column: id}
    properties:
      - name: comments
        fetch: join
        collection:
          kind: bag
          one_to_many: Comment
          key: [post_id]
      - name: likes
        fetch: join
        collection:
          kind: bag
          one_to_many: Like
          key: [post_id]
  - name: Comment
    table: comments
    id: {column: id}
  - name: Like
    table: likes
    id: {column: id}
`
	m, post := fixtures.MustEntity(t, doc, "Post")

	_, err := Compile(m, walker.EntityShape(post))
	require.Error(t, err)
	var bagErr *ormerr.MultipleBagFetchError
	require.ErrorAs(t, err, &bagErr)
	assert.Equal(t, []string{"Post.comments", "Post.likes"}, bagErr.Roles)
	assert.True(t, ormerr.IsMapping(err))
}

func TestCompile_MultipleCollectionsRejected(t *testing.T) {
	m, order := fixtures.MustEntity(t, fixtures.Shop, "Order")

	shape := walker.EntityShape(order)
	shape.Influencers = walker.NewInfluencers([]walker.FetchProfile{{Name: "with-tags", Roles: []string{"Order.tags"}}}, nil)
	_, err := Compile(m, shape)
	require.Error(t, err)
	assert.True(t, ormerr.IsMapping(err))

	var bagErr *ormerr.MultipleBagFetchError
	assert.False(t, ormerr.IsWrongClass(err))
	assert.NotErrorAs(t, err, &bagErr)
	assert.Contains(t, err.Error(), "Order.lines, Order.tags")
}

func TestCompile_CompositeKeyBatch(t *testing.T) {
	doc := `
entities:
  - name: Seat
    table: seats
    id:
      kind: aggregated
      properties:
        - name: row
          column: seat_row
        - name: number
          column: seat_no
    properties:
      - name: label
`
	m, seat := fixtures.MustEntity(t, doc, "Seat")

	shape := walker.EntityShape(seat)
	shape.BatchSize = 2
	q, err := Compile(m, shape)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "WHERE ((seat0_.seat_row = ? AND seat0_.seat_no = ?) OR (seat0_.seat_row = ? AND seat0_.seat_no = ?))")
	assert.Equal(t, 4, q.Params.KeyCount())

	args, err := q.Params.Bind([]any{1, 2, 3, 4}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3, 4}, args)
}

func TestCompile_FiltersAndUniqueKey(t *testing.T) {
	doc := `
entities:
  - name: Account
    table: accounts
    id: {column: id}
    where: "{alias}.deleted = 0"
    filters:
      - name: tenant
        condition: "{alias}.tenant_id = :tenant"
    properties:
      - name: email
      - name: tenant_id
      - name: deleted
      - name: owner
        many_to_one: Account
        column: owner_id
        fetch: join
`
	m, account := fixtures.MustEntity(t, doc, "Account")

	shape := walker.EntityShape(account)
	shape.UniqueKey = []string{"email"}
	shape.Influencers = walker.NewInfluencers(nil, map[string]map[string]any{"tenant": {"tenant": 7}})
	q, err := Compile(m, shape, WithDialect(sqlutil.Postgres))
	require.NoError(t, err)

	assert.Contains(t, q.SQL, "LEFT OUTER JOIN accounts account1_ ON account0_.owner_id = account1_.id AND (account1_.deleted = 0) AND (account1_.tenant_id = $1)")
	assert.Contains(t, q.SQL, "WHERE account0_.email = $2 AND (account0_.deleted = 0) AND (account0_.tenant_id = $3)")
	assert.Equal(t, []int{0, 2}, q.Params.NamedPositions("tenant.tenant"))
	assert.Equal(t, []string{"tenant.tenant"}, q.Params.Names())

	args, err := q.Params.Bind([]any{"a@example.com"}, nil, map[string]any{"tenant.tenant": 7})
	require.NoError(t, err)
	assert.Equal(t, []any{7, "a@example.com", 7}, args)
}

func TestCompile_ListWithoutKeyRestriction(t *testing.T) {
	m, emp := fixtures.MustEntity(t, fixtures.Employee, "Employee")

	shape := walker.EntityShape(emp)
	shape.MaxFetchDepth = 0
	q, err := Compile(m, shape,
		WithoutKeyRestriction(),
		WithWhere("{alias}.name LIKE ? AND {alias}.id > :min"),
		WithOrderBy("{alias}.name"),
	)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT employee0_.id AS id0_0_, employee0_.name AS name1_0_, employee0_.manager_id AS manager_2_0_, employee0_.mentor_id AS mentor_i3_0_ FROM employees employee0_ WHERE (employee0_.name LIKE ? AND employee0_.id > ?) ORDER BY employee0_.name",
		q.SQL)
	assert.Equal(t, 0, q.Params.KeyCount())

	args, err := q.Params.Bind(nil, []any{"a%"}, map[string]any{"min": 10})
	require.NoError(t, err)
	assert.Equal(t, []any{"a%", 10}, args)

	_, err = q.Params.Bind(nil, []any{"a%"}, nil)
	assert.ErrorContains(t, err, `named parameter "min"`)
}

func TestCompile_AliasOverrides(t *testing.T) {
	m, r := fixtures.MustEntity(t, fixtures.ReferenceTarget, "R")

	q, err := Compile(m, walker.EntityShape(r), WithAliases(AliasOverrides{
		"":  {alias.IDKey: {"r_id"}, "name": {"r_name"}},
		"t": {"name": {"t_name"}},
	}))
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "r0_.id AS r_id, r0_.name AS r_name")
	assert.Contains(t, q.SQL, "t1_.name AS t_name")
	assert.Equal(t, []string{"r_id"}, q.Layout.Entities[0].Aliases.Key)
	assert.Equal(t, []string{"t_name"}, q.Layout.Entities[1].Aliases.Properties["name"])
}

func TestCompile_NoMetamodel(t *testing.T) {
	_, err := Compile(nil, walker.Shape{})
	assert.Error(t, err)
}

func TestParamWriter_Rewrite(t *testing.T) {
	var w paramWriter
	got := w.rewrite("a = :x AND b = 'no :y here' AND c::text = :x AND d = ?", "")
	assert.Equal(t, "a = ? AND b = 'no :y here' AND c::text = ? AND d = ?", got)
	md := w.metadata()
	assert.Equal(t, []int{0, 1}, md.NamedPositions("x"))
	assert.Empty(t, md.NamedPositions("y"))
	assert.Equal(t, Param{Kind: ParamPositional, Index: 0}, md.Params[2])
}
