package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDispatch(t *testing.T) {
	before := testutil.ToFloat64(shardDispatches.WithLabelValues("/coder", "success"))
	RecordDispatch("/coder", "success")
	RecordDispatch("/coder", "success")
	assert.Equal(t, before+2, testutil.ToFloat64(shardDispatches.WithLabelValues("/coder", "success")))
}

func TestRecordEvaluationSetsDerivedGauge(t *testing.T) {
	RecordEvaluation(0.002, 42)
	assert.Equal(t, float64(42), testutil.ToFloat64(derivedFacts))
}

func TestHandlerExposesKernelMetrics(t *testing.T) {
	RecordCycle("ok")
	RecordDenial("Dangerous Action")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `nerd_cycle_total{outcome="ok"}`)
	assert.Contains(t, string(body), `nerd_constitution_denials_total{reason="Dangerous Action"}`)
}
