package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IntentSubmitted()
		m.IntentFinished("success")
		m.SetQueueDepth(3)
		m.EffectExecuted("compute", "success", time.Millisecond)
		m.Retried("store")
		m.BridgeOp("transfer", nil)
		m.SetLocksHeld(1)
		m.LockTimedOut()
		m.Deposit(true)
		m.Refunded(2)
	})
}

func TestCollectorsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IntentSubmitted()
	m.IntentSubmitted()
	m.IntentFinished("failure")
	m.BridgeOp("store", nil)
	m.BridgeOp("store", errors.New("boom"))
	m.Deposit(false)
	m.Refunded(2)
	m.SetQueueDepth(5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.IntentsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IntentsFinished.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeOps.WithLabelValues("store", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeOps.WithLabelValues("store", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deposits.WithLabelValues("rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Refunds))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.QueueDepth))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.IntentSubmitted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "causality_intents_submitted_total 1")
}
