package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.ObserveEvaluation("high")
	m.ObserveOutcome("auto_blocked", 3*time.Millisecond)
	m.ObserveWebhook("delivered")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	assert.Contains(t, string(body), `trafficguard_evaluations_total{risk_level="high"} 1`)
	assert.Contains(t, string(body), `trafficguard_mitigation_outcomes_total{outcome="auto_blocked"} 1`)
	assert.Contains(t, string(body), `trafficguard_webhook_deliveries_total{result="delivered"} 1`)
	assert.Contains(t, string(body), "trafficguard_evaluation_duration_seconds_count 1")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveEvaluation("low")
		m.ObserveOutcome("no_action", time.Millisecond)
		m.ObserveWebhook("failed")
	})
}
