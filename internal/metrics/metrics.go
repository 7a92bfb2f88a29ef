package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the enrichment pipeline
var (
	eventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_events_ingested_total",
		Help: "Raw events accepted by the ingest endpoint, by whether they were new",
	}, []string{"result"})

	eventsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insights_events_claimed_total",
		Help: "Raw events moved to PROCESSING by workers",
	})

	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_events_processed_total",
		Help: "Processing attempts by resulting status",
	}, []string{"status"})

	eventsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insights_events_dead_lettered_total",
		Help: "Raw events that exhausted their attempts",
	})

	eventsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insights_events_reclaimed_total",
		Help: "Stalled PROCESSING events released by the reclaim job",
	})

	sessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_sessions_closed_total",
		Help: "Sessions closed, by reason",
	}, []string{"reason"})

	processingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "insights_event_processing_seconds",
		Help:    "Time to enrich one event, including its transaction",
		Buckets: prometheus.DefBuckets,
	})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "insights_queue_events",
		Help: "Raw events per processing status",
	}, []string{"status"})

	contextRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_context_requests_total",
		Help: "Context reads by source",
	}, []string{"source"})

	sinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_sink_failures_total",
		Help: "Failed writes to best-effort sinks",
	}, []string{"sink"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "insights_circuit_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})
)

// RecordIngested counts an accepted raw event
func RecordIngested(created bool) {
	if created {
		eventsIngested.WithLabelValues("created").Inc()
		return
	}
	eventsIngested.WithLabelValues("duplicate").Inc()
}

// RecordClaimed counts claimed events
func RecordClaimed(n int) {
	eventsClaimed.Add(float64(n))
}

// RecordProcessed counts a processing outcome and its duration
func RecordProcessed(status string, elapsed time.Duration) {
	eventsProcessed.WithLabelValues(status).Inc()
	processingLatency.Observe(elapsed.Seconds())
}

// RecordDeadLettered counts dead-lettered events
func RecordDeadLettered(n int) {
	eventsDeadLettered.Add(float64(n))
}

// RecordReclaimed counts events released by the reclaim job
func RecordReclaimed(n int) {
	eventsReclaimed.Add(float64(n))
}

// RecordSessionClosed counts a session closure
func RecordSessionClosed(reason string) {
	sessionsClosed.WithLabelValues(reason).Inc()
}

// SetQueueDepth publishes the event count of a status
func SetQueueDepth(status string, n int64) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// RecordContextRequest counts a context read served from source
func RecordContextRequest(source string) {
	contextRequests.WithLabelValues(source).Inc()
}

// RecordSinkFailure counts a failed best-effort write
func RecordSinkFailure(sink string) {
	sinkFailures.WithLabelValues(sink).Inc()
}

// SetBreakerState publishes a circuit breaker state
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}
