package serverapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"joinfetch/internal/config"
	"joinfetch/internal/dbexec"
	"joinfetch/internal/loader"
	"joinfetch/internal/ormerr"
	"joinfetch/internal/sqlutil"
	"joinfetch/internal/testutil/fixtures"
	"joinfetch/internal/testutil/sqlitedb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShopHandler(t *testing.T, maxRows int) http.Handler {
	t.Helper()
	tdb := sqlitedb.NewTestDB(t)
	tdb.LoadFile(t, "../loader/testdata/shop.sql")

	engine, err := loader.NewEngine(fixtures.MustMetamodel(t, fixtures.Shop), dbexec.NewStandardExecutor(tdb.DB), loader.EngineConfig{
		MaxFetchDepth: 3,
		BatchSize:     1,
		Dialect:       sqlutil.SQLite,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	cfg := &config.Config{
		Fetch:  config.FetchConfig{MaxRows: maxRows},
		Server: config.ServerConfig{HealthCheckTimeout: time.Second, LoadTimeout: time.Second},
	}
	return wrapHTTPHandler(cfg, testLogger(), buildRouter(cfg, testLogger(), tdb.DB, engine, nil))
}

func getJSON(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), path)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestExplainHandler(t *testing.T) {
	h := newShopHandler(t, 0)

	var resp explainResponse
	require.Equal(t, http.StatusOK, getJSON(t, h, "/explain/Order", &resp))
	assert.Equal(t, "Order", resp.Root)
	assert.Contains(t, resp.SQL, "orders")
	assert.Contains(t, resp.SQL, "order_lines")
	assert.Equal(t, 1, resp.Parameters)
	assert.Contains(t, resp.QuerySpaces, "orders")
	assert.NotEmpty(t, resp.Suffixes)
	assert.Len(t, resp.CollectionSuffixes, 1)

	paths := make([]string, 0, len(resp.Edges))
	for _, e := range resp.Edges {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "customer")
	assert.Contains(t, paths, "lines")

	var errResp map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, h, "/explain/Invoice", &errResp))
	assert.NotEmpty(t, errResp["error"])
}

func TestEntityHandler_RendersGraph(t *testing.T) {
	h := newShopHandler(t, 0)

	var order map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, h, "/entities/Order/1", &order))
	assert.Equal(t, "Order", order["$entity"])
	assert.EqualValues(t, 1, order["$id"])
	assert.Equal(t, "A-1", order["code"])
	assert.Nil(t, order["tags"], "lazy collections are not initialized")

	customer := order["customer"].(map[string]any)
	assert.Equal(t, "Ann", customer["name"])
	assert.Nil(t, customer["orders"])

	lines := order["lines"].([]any)
	require.Len(t, lines, 2)
	first := lines[0].(map[string]any)
	assert.EqualValues(t, 101, first["$id"])
	assert.Equal(t, map[string]any{"$ref": "Order#1"}, first["order"])
	product := first["product"].(map[string]any)
	assert.Equal(t, "DigitalProduct", product["$entity"])
}

func TestEntityHandler_Errors(t *testing.T) {
	h := newShopHandler(t, 0)

	var errResp map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, h, "/entities/Order/99", &errResp))
	assert.Contains(t, errResp["error"], "Order")
	assert.Equal(t, http.StatusNotFound, getJSON(t, h, "/entities/Invoice/1", &errResp))
}

func TestListHandler(t *testing.T) {
	h := newShopHandler(t, 0)

	var all []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, h, "/entities/Order", &all))
	assert.Len(t, all, 2)

	var one []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, h, "/entities/Order?max_rows=1", &one))
	assert.Len(t, one, 1)

	var errResp map[string]string
	assert.Equal(t, http.StatusBadRequest, getJSON(t, h, "/entities/Order?first_row=-1", &errResp))
}

func TestListHandler_ConfiguredCap(t *testing.T) {
	h := newShopHandler(t, 1)

	var roots []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, h, "/entities/Order?max_rows=10", &roots))
	assert.Len(t, roots, 1)
}

func TestHealthHandler(t *testing.T) {
	h := newShopHandler(t, 0)

	var body map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, h, "/health", &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestParseID(t *testing.T) {
	_, order := fixtures.MustEntity(t, fixtures.Shop, "Order")

	id, err := parseID(order, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	id, err = parseID(order, "A-1")
	require.NoError(t, err)
	assert.Equal(t, "A-1", id)

	_, err = parseID(order, "")
	assert.Error(t, err)
}

func TestLoadErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ormerr.ObjectNotFoundError{Entity: "Order", ID: 1}, http.StatusNotFound},
		{fmt.Errorf("load: %w", ormerr.ErrStaleObject), http.StatusConflict},
		{ormerr.ErrMapping, http.StatusUnprocessableEntity},
		{ormerr.ErrWrongClass, http.StatusUnprocessableEntity},
		{ormerr.ErrQuery, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, loadErrorStatus(tt.err), tt.err.Error())
	}
}
