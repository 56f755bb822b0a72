package observability_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarmo-productory/ritemark-sync/observability"
)

//nolint:paralleltest // installs global providers
func TestInitializeOTelServesMetrics(t *testing.T) {
	providers, err := observability.InitializeOTel(t.Context(), observability.OTelConfig{
		ServiceName:    "ritemark-sync-test",
		MetricsEnabled: true,
		TracingEnabled: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = providers.Shutdown(t.Context()) })

	require.NotNil(t, providers.PrometheusHTTP)
	require.NotNil(t, providers.TracerProvider)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	handler := observability.TracingMiddleware(observability.MetricsMiddleware(mux))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusTeapot, recorder.Code)

	scrape := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, scrape.Code)

	body, err := io.ReadAll(scrape.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "http_requests_total")
}

func TestInitializeOTelDisabled(t *testing.T) {
	t.Parallel()

	providers, err := observability.InitializeOTel(t.Context(), observability.OTelConfig{ServiceName: "off"})
	require.NoError(t, err)
	assert.Nil(t, providers.PrometheusHTTP)
	assert.Nil(t, providers.MeterProvider)
	require.NoError(t, providers.Shutdown(t.Context()))
}
