package loader

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joinfetch/internal/dbexec"
	"joinfetch/internal/ormerr"
	"joinfetch/internal/planner"
	"joinfetch/internal/session"
	"joinfetch/internal/sqlutil"
	"joinfetch/internal/testutil/fixtures"
	"joinfetch/internal/walker"
)

func newEngine(t *testing.T, doc string, depth int) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	exec, mock := newExecutor(t)
	e, err := NewEngine(fixtures.MustMetamodel(t, doc), exec, EngineConfig{MaxFetchDepth: depth})
	require.NoError(t, err)
	return e, mock
}

func TestEngine_ExplainCachesCompilation(t *testing.T) {
	e, _ := newEngine(t, fixtures.Shop, walker.NoDepthLimit)

	q, err := e.Explain(context.Background(), "Order")
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "FROM orders order0_ INNER JOIN customers customer1_")
	assert.Equal(t, []string{"0_", "1_", "2_", "3_", "4_"}, q.Layout.Suffixes())

	again, err := e.Explain(context.Background(), "Order")
	require.NoError(t, err)
	assert.Same(t, q, again)
	assert.Equal(t, 1, e.CompiledLen())

	_, err = e.Explain(context.Background(), "Missing")
	assert.Error(t, err)
}

func TestEngine_ExplainSurfacesMappingErrors(t *testing.T) {
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
	e, _ := newEngine(t, doc, walker.NoDepthLimit)
	_, err := e.Explain(context.Background(), "Post")
	require.Error(t, err)
	assert.True(t, ormerr.IsMapping(err))
}

func TestEngine_LazyReference(t *testing.T) {
	e, mock := newEngine(t, fixtures.Employee, 0)
	ctx := context.Background()

	shape, err := e.EntityShape("Employee")
	require.NoError(t, err)
	shape.BatchSize = 1
	l, err := e.Loader(ctx, shape)
	require.NoError(t, err)
	q := l.Query()
	a := q.Layout.Entities[0].Aliases
	cols := []string{a.Key[0], a.Properties["name"][0], a.Properties["manager"][0], a.Properties["mentor"][0]}

	mock.ExpectQuery(q.SQL).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(1), "dev", int64(2), int64(3)))
	mock.ExpectQuery(q.SQL).WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(2), "boss", nil, nil))
	mock.ExpectQuery(q.SQL).WithArgs(int64(3)).WillReturnRows(sqlmock.NewRows(cols))

	sess := e.NewSession()
	dev, err := e.Get(ctx, sess, "Employee", int64(1))
	require.NoError(t, err)
	proxy := dev.Reference("manager")
	require.NotNil(t, proxy)
	assert.True(t, proxy.IsProxy())

	v, err := sess.LoadProperty(ctx, dev, "manager")
	require.NoError(t, err)
	boss := v.(*session.Object)
	assert.Same(t, proxy, boss)
	assert.True(t, boss.IsInitialized())
	name, _ := boss.Get("name")
	assert.Equal(t, "boss", name)

	_, err = sess.LoadProperty(ctx, dev, "mentor")
	require.Error(t, err)
	assert.True(t, ormerr.IsNotFound(err))

	assert.Equal(t, 1, e.CompiledLen())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_LazyCollection(t *testing.T) {
	e, mock := newEngine(t, fixtures.Shop, 0)
	ctx := context.Background()

	customerShape, err := e.EntityShape("Customer")
	require.NoError(t, err)
	customerShape.BatchSize = 1
	cl, err := e.Loader(ctx, customerShape)
	require.NoError(t, err)
	ca := cl.Query().Layout.Entities[0].Aliases

	ordersShape, err := e.CollectionShape("Customer.orders")
	require.NoError(t, err)
	ordersShape.BatchSize = 1
	ol, err := e.Loader(ctx, ordersShape)
	require.NoError(t, err)
	oq := ol.Query()
	key := oq.Layout.Collections[0].Aliases.Key[0]
	oa := oq.Layout.Entities[0].Aliases

	mock.ExpectQuery(cl.Query().SQL).WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{ca.Key[0], ca.Version, ca.Properties["name"][0]}).AddRow(int64(7), int64(1), "Ann"))
	mock.ExpectQuery(oq.SQL).WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{key, oa.Key[0], oa.Properties["code"][0]}).
			AddRow(int64(7), int64(1), "A-1").
			AddRow(int64(7), int64(2), "A-2"))

	sess := e.NewSession()
	customer, err := e.Get(ctx, sess, "Customer", int64(7))
	require.NoError(t, err)
	orders := customer.CollectionValue("orders")
	require.NotNil(t, orders)
	assert.False(t, orders.IsInitialized())

	v, err := sess.LoadProperty(ctx, customer, "orders")
	require.NoError(t, err)
	assert.Same(t, orders, v)
	assert.True(t, orders.IsInitialized())
	assert.Equal(t, 2, orders.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowLocker(t *testing.T) {
	_, customer := fixtures.MustEntity(t, fixtures.Shop, "Customer")

	newLocked := func(t *testing.T, version int64) *session.Object {
		sess := session.New()
		obj := sess.AddUninitialized(sess.Instantiate(customer, int64(7)), session.LockRead)
		require.NoError(t, sess.Populate(obj, map[string]any{"version": version}, version, false))
		return obj
	}

	tests := []struct {
		name    string
		rows    *sqlmock.Rows
		wantErr bool
	}{
		{name: "current", rows: sqlmock.NewRows([]string{"version"}).AddRow(int64(3))},
		{name: "stale version", rows: sqlmock.NewRows([]string{"version"}).AddRow(int64(4)), wantErr: true},
		{name: "deleted", rows: sqlmock.NewRows([]string{"version"}), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			mock.ExpectQuery(`SELECT .*version.* FROM .*customers.* WHERE .*id.* = \? FOR UPDATE`).
				WithArgs(int64(7)).WillReturnRows(tt.rows)

			locker := NewRowLocker(dbexec.NewStandardExecutor(db), sqlutil.MySQL)
			err = locker.Lock(context.Background(), newLocked(t, 3), session.LockUpgrade)
			if tt.wantErr {
				assert.True(t, ormerr.IsStaleObject(err))
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestEngine_LoaderAppliesCallerOptions(t *testing.T) {
	e, _ := newEngine(t, fixtures.Employee, 0)
	shape, err := e.EntityShape("Employee")
	require.NoError(t, err)

	l, err := e.Loader(context.Background(), shape, planner.WithoutKeyRestriction(), planner.WithOrderBy("{alias}.name"))
	require.NoError(t, err)
	assert.NotContains(t, l.Query().SQL, "WHERE")
	assert.Contains(t, l.Query().SQL, "ORDER BY employee0_.name")
}
