package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedCheck struct {
	name string
	err  error
}

func (c namedCheck) Name() string                  { return c.name }
func (c namedCheck) Check(_ context.Context) error { return c.err }

func serve(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	h.Register(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestLiveness(t *testing.T) {
	rec := serve(t, New("test"), "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}

func TestReadinessAllUp(t *testing.T) {
	h := New("test")
	h.RegisterChecker(namedCheck{name: "kafka"})
	h.RegisterCheck("store", func(context.Context) error { return nil })

	rec := serve(t, h, "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, map[string]string{"kafka": "up", "store": "up"}, resp.Checks)
}

func TestReadinessReportsFailedDependency(t *testing.T) {
	h := New("test")
	h.RegisterChecker(namedCheck{name: "kafka"})
	h.RegisterCheck("store", func(context.Context) error { return errors.New("connection refused") })

	rec := serve(t, h, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "down: connection refused", resp.Checks["store"])
	assert.Equal(t, "up", resp.Checks["kafka"])
}

func TestReadinessChecksGetDeadline(t *testing.T) {
	h := New("test")
	h.RegisterCheck("store", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	})
	assert.Equal(t, http.StatusOK, serve(t, h, "/health/ready").Code)
}

func TestStatus(t *testing.T) {
	rec := serve(t, New("staging"), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "staging", resp.Environment)
	assert.Equal(t, Version, resp.Version)
}
