package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStep(t *testing.T) {
	before := testutil.ToFloat64(ProtocolSteps.WithLabelValues("sendPubKey", "ok"))
	RecordStep("sendPubKey", "ok")
	RecordStep("sendPubKey", "ok")
	assert.Equal(t, before+2, testutil.ToFloat64(ProtocolSteps.WithLabelValues("sendPubKey", "ok")))
}

func TestInstrument_UsesRoutePattern(t *testing.T) {
	Registry()

	mux := chi.NewRouter()
	mux.Use(Instrument)
	mux.Get("/KMS/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/KMS/items/42", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTeapot, w.Code)

	count := testutil.CollectAndCount(httpRequestDuration, "kms_http_request_duration_seconds")
	assert.GreaterOrEqual(t, count, 1)
}

func TestMetricsServer_ServesRegistry(t *testing.T) {
	srv, err := New("kms-test", "127.0.0.1:0")
	require.NoError(t, err)

	RecordStep("login", "ok")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "kms_protocol_steps_total")
	assert.Contains(t, string(body), `kms_service_info{service="kms-test"} 1`)
}
