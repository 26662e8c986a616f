// Package metrics exposes Prometheus counters for the job lifecycle, the
// credit ledger, payouts and notification delivery.
//
// A nil *Collector is valid and records nothing, so services can be built
// without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry so several instances can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	transitions         *prometheus.CounterVec
	creditsCharged      prometheus.Counter
	insufficientCredits prometheus.Counter
	payouts             *prometheus.CounterVec
	payoutAmountCents   prometheus.Counter
	earningsDrift       prometheus.Counter
	driftCorrections    prometheus.Counter
	notifyFailures      *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nimmit_job_transitions_total",
			Help: "Job status transitions applied, by source and target status",
		}, []string{"from", "to"}),
		creditsCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimmit_credits_charged_total",
			Help: "Credits debited from clients for new jobs",
		}),
		insufficientCredits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimmit_insufficient_credits_total",
			Help: "Job submissions rejected for insufficient credits",
		}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nimmit_payouts_total",
			Help: "Per-worker payout attempts by result",
		}, []string{"result"}),
		payoutAmountCents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimmit_payout_amount_cents_total",
			Help: "Minor units transferred to workers",
		}),
		earningsDrift: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimmit_earnings_drift_total",
			Help: "Workers whose pending earnings disagreed with their unpaid jobs",
		}),
		driftCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimmit_earnings_drift_corrections_total",
			Help: "Pending earnings balances rewritten by reconciliation",
		}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nimmit_notification_failures_total",
			Help: "Notification side effects that failed, by stage",
		}, []string{"stage"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nimmit_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "code"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.transitions,
		c.creditsCharged,
		c.insufficientCredits,
		c.payouts,
		c.payoutAmountCents,
		c.earningsDrift,
		c.driftCorrections,
		c.notifyFailures,
		c.httpDuration,
	)
	return c
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordCharge(credits int64) {
	if c == nil {
		return
	}
	c.creditsCharged.Add(float64(credits))
}

func (c *Collector) RecordInsufficientCredits() {
	if c == nil {
		return
	}
	c.insufficientCredits.Inc()
}

// RecordPayout counts one worker outcome. result is settled, failed or
// skipped; amountCents only counts toward the total when settled.
func (c *Collector) RecordPayout(result string, amountCents int64) {
	if c == nil {
		return
	}
	c.payouts.WithLabelValues(result).Inc()
	if result == "settled" {
		c.payoutAmountCents.Add(float64(amountCents))
	}
}

func (c *Collector) RecordDrift(corrected bool) {
	if c == nil {
		return
	}
	c.earningsDrift.Inc()
	if corrected {
		c.driftCorrections.Inc()
	}
}

// RecordNotifyFailure counts a swallowed notification error. stage is audit,
// enqueue, mail or publish.
func (c *Collector) RecordNotifyFailure(stage string) {
	if c == nil {
		return
	}
	c.notifyFailures.WithLabelValues(stage).Inc()
}

// Instrument wraps next with a request latency histogram.
func (c *Collector) Instrument(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		c.httpDuration.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
