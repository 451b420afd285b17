package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentRecordsStatusClass(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("test-op", "5xx"))

	h := Instrument("test-op", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(RequestsTotal.WithLabelValues("test-op", "5xx")))
}

func TestMetricsHandlerExposesRegistry(t *testing.T) {
	SetBuildInfo("test")
	SweepsTotal.WithLabelValues("admin").Inc()

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `pingd_sweeps_total{trigger="admin"}`)
	assert.Contains(t, string(body), `pingd_build_info{version="test"} 1`)
	assert.Contains(t, string(body), "pingd_uptime_seconds")
}
