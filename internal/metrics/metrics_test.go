package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	m.OverrideMutation("home", "ok")
	m.OverridesPruned(3)
	m.RequestStarted()
	m.RequestFinished(http.MethodGet, "/api/health", http.StatusOK, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.prunedOverrides))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.httpInFlight))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `logbook_sections_override_mutations_total{outcome="ok",page_type="home"} 1`))
	assert.True(t, strings.Contains(body, `logbook_http_requests_total{method="GET",route="/api/health",status="200"} 1`))
}
