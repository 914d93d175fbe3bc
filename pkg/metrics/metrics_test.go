package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/conformoor/pkg/types"
)

func TestMetrics_Recorder(t *testing.T) {
	m := New()

	m.ObserveOutcome(types.OutcomePass, 120*time.Millisecond)
	m.ObserveOutcome(types.OutcomePass, 80*time.Millisecond)
	m.ObserveOutcome(types.OutcomeTimeout, 5*time.Second)
	m.ObserveSkip()
	m.ObserveReconcile(3)
	m.ObserveReconcile(0)
	m.SetRunning(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("PASS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("TIMEOUT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skipped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconciles))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.requeued))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.running))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveOutcome(types.OutcomeFail, time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `conformoor_test_outcomes_total{outcome="FAIL"} 1`)
	assert.Contains(t, string(body), "conformoor_test_duration_seconds_bucket")
}
