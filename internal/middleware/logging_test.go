package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"joinfetch/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingMiddleware_PropagatesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: "info", Format: "json", Output: &buf})

	var seenID string
	var seenLogger *logging.Logger
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = logging.GetRequestID(r.Context())
		seenLogger = logging.FromContext(r.Context())
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such entity"}`))
	}))

	req := httptest.NewRequest(http.MethodGet, "/entities/Order/9", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, "req-42", seenID)
	assert.Equal(t, "req-42", rr.Header().Get(RequestIDHeader))
	require.NotNil(t, seenLogger)
	assert.NotSame(t, logger, seenLogger)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "request completed", record["msg"])
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "req-42", record["request_id"])
	assert.Equal(t, "/entities/Order/9", record["path"])
	assert.EqualValues(t, 404, record["status"])
	assert.EqualValues(t, len(`{"error":"no such entity"}`), record["bytes"])
}

func TestLoggingMiddleware_GeneratesRequestID(t *testing.T) {
	logger := logging.NewLogger(logging.Config{Level: "error", Format: "json", Output: &bytes.Buffer{}})
	handler := LoggingMiddleware(logger)(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, rr.Header().Get(RequestIDHeader), 36)
}
