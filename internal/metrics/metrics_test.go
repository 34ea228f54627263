package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.AuthFailure("TOKEN_INVALID")
	m.UpstreamRequest("users", 200)
	m.ConnectionOpened("/chats")
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.AuthFailure("TOKEN_REVOKED")
	m.AuthFailure("TOKEN_REVOKED")
	m.UpstreamRequest("users", 502)
	m.UpstreamRequest("users", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.authFailures.WithLabelValues("TOKEN_REVOKED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamRequests.WithLabelValues("users", "5xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamRequests.WithLabelValues("users", "error")))

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gateway_auth_failures_total")
}
