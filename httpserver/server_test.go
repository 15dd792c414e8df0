package httpserver

import (
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoints(t *testing.T) {
	srv, node := newTestServer(t)
	router := srv.getRouter()

	rr := do(t, router, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rr.Body.String())

	node.mu.Lock()
	node.down = true
	node.mu.Unlock()

	rr = do(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"status":"nodes unreachable"}`, rr.Body.String())
}

func TestDrainUndrain(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.getRouter()

	rr := do(t, router, http.MethodGet, "/drain", nil)
	assert.JSONEq(t, `{"status":"draining"}`, rr.Body.String())

	rr = do(t, router, http.MethodGet, "/drain", nil)
	assert.JSONEq(t, `{"status":"already draining"}`, rr.Body.String())

	rr = do(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = do(t, router, http.MethodGet, "/undrain", nil)
	assert.JSONEq(t, `{"status":"ready"}`, rr.Body.String())

	rr = do(t, router, http.MethodGet, "/undrain", nil)
	assert.JSONEq(t, `{"status":"already ready"}`, rr.Body.String())
}

func TestRequestMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.getRouter()

	do(t, router, http.MethodGet, "/api/modules", nil)
	do(t, router, http.MethodPost, "/api/call/missing/echo", nil)

	rr := do(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `route="/api/call/{module}/{entry}"`)
	assert.Contains(t, rr.Body.String(), `status="404"`)

	count, err := testutil.GatherAndCount(srv.cfg.Metrics.GetPrometheusRegistry())
	require.NoError(t, err)
	assert.Positive(t, count)
}
