package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	require.NotNil(t, c)
	assert.NotNil(t, c.Registry())

	// Two collectors must not collide.
	assert.NotPanics(t, func() { NewCollector() })
}

func TestRecordTransition(t *testing.T) {
	c := NewCollector()
	c.RecordTransition("review", "completed")
	c.RecordTransition("review", "completed")
	c.RecordTransition("pending", "assigned")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("review", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("pending", "assigned")))
}

func TestRecordCreditsAndPayouts(t *testing.T) {
	c := NewCollector()
	c.RecordCharge(40)
	c.RecordCharge(10)
	c.RecordInsufficientCredits()
	c.RecordPayout("settled", 12000)
	c.RecordPayout("failed", 500)
	c.RecordPayout("skipped", 0)

	assert.Equal(t, 50.0, testutil.ToFloat64(c.creditsCharged))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.insufficientCredits))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.payouts.WithLabelValues("settled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.payouts.WithLabelValues("failed")))
	assert.Equal(t, 12000.0, testutil.ToFloat64(c.payoutAmountCents))
}

func TestRecordDriftAndNotify(t *testing.T) {
	c := NewCollector()
	c.RecordDrift(false)
	c.RecordDrift(true)
	c.RecordNotifyFailure("enqueue")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.earningsDrift))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.driftCorrections))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifyFailures.WithLabelValues("enqueue")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTransition("a", "b")
		c.RecordCharge(1)
		c.RecordInsufficientCredits()
		c.RecordPayout("settled", 1)
		c.RecordDrift(true)
		c.RecordNotifyFailure("audit")
	})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	assert.NotNil(t, c.Instrument(h))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordCharge(7)

	wrapped := c.Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "nimmit_credits_charged_total 7")
	assert.Contains(t, body, `nimmit_http_request_duration_seconds_count{code="418",method="GET"} 1`)
}
