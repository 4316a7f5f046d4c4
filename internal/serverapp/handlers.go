package serverapp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"joinfetch/internal/loader"
	"joinfetch/internal/logging"
	"joinfetch/internal/mapping"
	"joinfetch/internal/ormerr"
	"joinfetch/internal/planner"
	"joinfetch/internal/session"
)

type handlers struct {
	engine      *loader.Engine
	loadTimeout time.Duration
	// maxRows caps list responses, 0 for no cap.
	maxRows int
}

type explainEdge struct {
	Path        string `json:"path"`
	Join        string `json:"join"`
	OwnerAlias  string `json:"owner_alias"`
	TargetTable string `json:"target_table"`
	TargetAlias string `json:"target_alias"`
	Restriction string `json:"restriction,omitempty"`
}

type explainResponse struct {
	Root               string           `json:"root"`
	SQL                string           `json:"sql"`
	RootAlias          string           `json:"root_alias"`
	Edges              []explainEdge    `json:"edges"`
	Suffixes           []string         `json:"suffixes"`
	CollectionSuffixes []string         `json:"collection_suffixes"`
	QuerySpaces        []string         `json:"query_spaces"`
	Parameters         int              `json:"parameters"`
	FollowOnLock       bool             `json:"follow_on_lock"`
	Cost               planner.PlanCost `json:"cost"`
}

func newExplainResponse(q *planner.CompiledQuery) explainResponse {
	edges := make([]explainEdge, 0, len(q.Edges))
	for _, e := range q.Edges {
		edges = append(edges, explainEdge{
			Path:        e.Path.FullPath(),
			Join:        e.JoinType.String(),
			OwnerAlias:  e.OwnerAlias,
			TargetTable: e.TargetTable,
			TargetAlias: e.TargetAlias,
			Restriction: e.Restriction,
		})
	}
	return explainResponse{
		Root:               q.Shape.Name(),
		SQL:                q.SQL,
		RootAlias:          q.RootAlias,
		Edges:              edges,
		Suffixes:           q.Layout.Suffixes(),
		CollectionSuffixes: q.Layout.CollectionSuffixes(),
		QuerySpaces:        q.QuerySpaces,
		Parameters:         q.Params.Count(),
		FollowOnLock:       q.FollowOnLock,
		Cost:               q.Cost,
	}
}

// explain returns the statement compiled for the default shape of an entity.
func (h *handlers) explain(w http.ResponseWriter, r *http.Request) {
	entity, ok := h.entity(w, r)
	if !ok {
		return
	}
	q, err := h.engine.Explain(r.Context(), entity.Name)
	if err != nil {
		writeLoadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newExplainResponse(q))
}

// get loads one entity graph in a fresh session.
func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	entity, ok := h.entity(w, r)
	if !ok {
		return
	}
	id, err := parseID(entity, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	sess := h.engine.NewSession(session.WithDefaultReadOnly(r.URL.Query().Get("readonly") == "true"))
	obj, err := h.engine.Get(ctx, sess, entity.Name, id)
	if err != nil {
		writeLoadError(w, r, err)
		return
	}
	if obj == nil {
		writeError(w, http.StatusNotFound, "no "+entity.Name+" with id "+r.PathValue("id"))
		return
	}
	writeJSON(w, http.StatusOK, renderGraph(obj))
}

// list loads every root of an entity, bounded by first_row and max_rows.
func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	entity, ok := h.entity(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	firstRow, err := intParam(query.Get("first_row"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "first_row: "+err.Error())
		return
	}
	maxRows, err := intParam(query.Get("max_rows"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "max_rows: "+err.Error())
		return
	}
	if h.maxRows > 0 && (maxRows == 0 || maxRows > h.maxRows) {
		maxRows = h.maxRows
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	shape, err := h.engine.EntityShape(entity.Name)
	if err != nil {
		writeLoadError(w, r, err)
		return
	}
	l, err := h.engine.Loader(ctx, shape, planner.WithoutKeyRestriction())
	if err != nil {
		writeLoadError(w, r, err)
		return
	}
	roots, err := l.List(ctx, h.engine.NewSession(), loader.QueryParameters{
		FirstRow:  firstRow,
		MaxRows:   maxRows,
		Cacheable: query.Get("cache") == "true",
		ReadOnly:  query.Get("readonly") == "true",
	})
	if err != nil {
		writeLoadError(w, r, err)
		return
	}

	out := make([]any, 0, len(roots))
	for _, root := range roots {
		out = append(out, renderGraph(root))
	}
	writeJSON(w, http.StatusOK, out)
}

// entity resolves the {entity} path value, answering 404 for unknown names.
func (h *handlers) entity(w http.ResponseWriter, r *http.Request) (*mapping.EntityDescriptor, bool) {
	entity, err := h.engine.Model().Entity(r.PathValue("entity"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return entity, true
}

func (h *handlers) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.loadTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.loadTimeout)
}

// parseID converts a path identifier. Integers are passed as int64 and
// composite identifiers are comma separated in key column order.
func parseID(entity *mapping.EntityDescriptor, raw string) (any, error) {
	if raw == "" {
		return nil, errors.New("identifier is required")
	}
	key := entity.Key()
	if !key.IsComposite() {
		return idPart(raw), nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != len(key.Columns) {
		return nil, errors.New("composite identifier of " + entity.Name + " needs " + strconv.Itoa(len(key.Columns)) + " comma separated parts")
	}
	id := make([]any, len(parts))
	for i, p := range parts {
		id[i] = idPart(p)
	}
	return id, nil
}

func idPart(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	return raw
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}

// loadErrorStatus maps a load failure to an HTTP status.
func loadErrorStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case ormerr.IsNotFound(err):
		return http.StatusNotFound
	case ormerr.IsStaleObject(err):
		return http.StatusConflict
	case ormerr.IsMapping(err), ormerr.IsWrongClass(err):
		return http.StatusUnprocessableEntity
	case ormerr.IsQuery(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeLoadError(w http.ResponseWriter, r *http.Request, err error) {
	status := loadErrorStatus(err)
	logger := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("load failed", slog.String("error", err.Error()))
		// database and internal failures carry SQL and driver text
		writeError(w, status, http.StatusText(status))
		return
	}
	logger.Warn("load rejected", slog.String("error", err.Error()), slog.Int("status", status))
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// healthHandler reports whether the database answers a ping.
func healthHandler(db *sql.DB, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			reqLogger.Error("health check failed",
				slog.String("error", err.Error()),
				slog.String("check", "database"),
			)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "ok"})
	}
}
