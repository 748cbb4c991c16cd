package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	log zerolog.Logger

	// Job metrics
	jobsStartedTotal  prometheus.Counter
	jobsFinishedTotal *prometheus.CounterVec
	jobDuration       prometheus.Histogram
	jobsInFlight      prometheus.Gauge

	// Delivery metrics
	recipientsTotal  *prometheus.CounterVec
	deliveryAttempts prometheus.Histogram
	rateLimitWaits   prometheus.Histogram

	// Worker metrics
	claimErrorsTotal   prometheus.Counter
	staleLocksReleased prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink registered on reg.
func NewPrometheusSink(reg prometheus.Registerer, log zerolog.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log.With().Str("comp", "metrics").Logger()}
	s.initJobMetrics(reg)
	s.initDeliveryMetrics(reg)
	s.initWorkerMetrics(reg)
	return s
}

func (s *PrometheusSink) initJobMetrics(reg prometheus.Registerer) {
	s.jobsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_jobs_started_total",
		Help: "Total number of broadcast runs started.",
	})
	s.jobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_jobs_finished_total",
		Help: "Total number of broadcast runs finished, by final status.",
	}, []string{"status"})
	s.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "broadcast_job_duration_seconds",
		Help:    "Wall time of one broadcast run in seconds.",
		Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
	})
	s.jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_jobs_in_flight",
		Help: "Number of broadcast runs currently executing in this process.",
	})

	s.register(reg, s.jobsStartedTotal, "broadcast_jobs_started_total")
	s.register(reg, s.jobsFinishedTotal, "broadcast_jobs_finished_total")
	s.register(reg, s.jobDuration, "broadcast_job_duration_seconds")
	s.register(reg, s.jobsInFlight, "broadcast_jobs_in_flight")
}

func (s *PrometheusSink) initDeliveryMetrics(reg prometheus.Registerer) {
	s.recipientsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_recipients_total",
		Help: "Total number of recipients resolved, by outcome.",
	}, []string{"outcome"})
	s.deliveryAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "broadcast_delivery_attempts",
		Help:    "Send attempts needed to resolve one recipient.",
		Buckets: []float64{1, 2, 3, 5, 10},
	})
	s.rateLimitWaits = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "broadcast_rate_limit_wait_seconds",
		Help:    "Provider-mandated waits in seconds.",
		Buckets: []float64{1, 2, 5, 10, 30, 60},
	})

	s.register(reg, s.recipientsTotal, "broadcast_recipients_total")
	s.register(reg, s.deliveryAttempts, "broadcast_delivery_attempts")
	s.register(reg, s.rateLimitWaits, "broadcast_rate_limit_wait_seconds")
}

func (s *PrometheusSink) initWorkerMetrics(reg prometheus.Registerer) {
	s.claimErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_claim_errors_total",
		Help: "Total number of failed claim attempts.",
	})
	s.staleLocksReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_stale_locks_released_total",
		Help: "Total number of running jobs requeued after their lock went stale.",
	})

	s.register(reg, s.claimErrorsTotal, "broadcast_claim_errors_total")
	s.register(reg, s.staleLocksReleased, "broadcast_stale_locks_released_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warn().Err(err).Str("metric", name).Msg("failed to register metric")
	}
}

func (s *PrometheusSink) JobStarted() {
	s.jobsStartedTotal.Inc()
}

func (s *PrometheusSink) JobFinished(status string, duration time.Duration) {
	s.jobsFinishedTotal.WithLabelValues(status).Inc()
	s.jobDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) JobsInFlightIncr() {
	s.jobsInFlight.Inc()
}

func (s *PrometheusSink) JobsInFlightDecr() {
	s.jobsInFlight.Dec()
}

func (s *PrometheusSink) RecipientResolved(outcome string, attempts int) {
	s.recipientsTotal.WithLabelValues(outcome).Inc()
	s.deliveryAttempts.Observe(float64(attempts))
}

func (s *PrometheusSink) RateLimitWait(wait time.Duration) {
	s.rateLimitWaits.Observe(wait.Seconds())
}

func (s *PrometheusSink) ClaimError() {
	s.claimErrorsTotal.Inc()
}

func (s *PrometheusSink) StaleLocksReleased(count int64) {
	s.staleLocksReleased.Add(float64(count))
}
