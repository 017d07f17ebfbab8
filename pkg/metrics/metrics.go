package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	core "github.com/openshift-cloudigrade/usage-tracker/internal/app/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "usage_tracker",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usage_tracker",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests served by the health/metrics endpoint.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "usage_tracker",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency for the health/metrics endpoint.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// eventsNormalized counts records the Event Normalizer (Component A)
	// accepted and turned into instance events or tag events.
	eventsNormalized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usage_tracker",
		Subsystem: "normalizer",
		Name:      "events_normalized_total",
		Help:      "Audit records normalized into instance events, by cloud and event type.",
	}, []string{"cloud_type", "event_type"})

	eventsDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usage_tracker",
		Subsystem: "normalizer",
		Name:      "events_discarded_total",
		Help:      "Audit records discarded by the filtering rules, by reason.",
	}, []string{"reason"})

	imagesClassified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usage_tracker",
		Subsystem: "imageregistry",
		Name:      "images_classified_total",
		Help:      "Images classified on first sight, by derived category.",
	}, []string{"category"})

	imageStatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usage_tracker",
		Subsystem: "inspection",
		Name:      "image_status_transitions_total",
		Help:      "Inspection state machine transitions, by prior and next status.",
	}, []string{"prior", "next"})

	runsReconciled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usage_tracker",
		Subsystem: "reconciler",
		Name:      "runs_emitted_total",
		Help:      "Runs emitted by the reconciler, by whether the fast path was used.",
	}, []string{"path"})

	reconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "usage_tracker",
		Subsystem: "reconciler",
		Name:      "recompute_duration_seconds",
		Help:      "Wall-clock time spent recomputing runs for one instance.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"path"})

	runInvariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "usage_tracker",
		Subsystem: "reconciler",
		Name:      "invariant_violations_total",
		Help:      "RunInvariantViolation occurrences (e.g. image_ref changed mid-run).",
	})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "usage_tracker",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Approximate pending message count, by stream.",
	}, []string{"stream"})

	queueRedeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usage_tracker",
		Subsystem: "queue",
		Name:      "redeliveries_total",
		Help:      "Messages reclaimed past their visibility timeout, by stream.",
	}, []string{"stream"})

	queueDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usage_tracker",
		Subsystem: "queue",
		Name:      "dead_lettered_total",
		Help:      "Messages moved to the dead-letter stream after exhausting redeliveries.",
	}, []string{"stream"})

	rollupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "usage_tracker",
		Subsystem: "rollup",
		Name:      "compute_duration_seconds",
		Help:      "Wall-clock time spent computing one (user, date) concurrency roll-up.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	cloudCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "usage_tracker",
		Subsystem: "cloud",
		Name:      "call_duration_seconds",
		Help:      "Cloud API call latency, by cloud and operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"cloud_type", "operation", "outcome"})

	notifierRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usage_tracker",
		Subsystem: "notifier",
		Name:      "requests_total",
		Help:      "Sources-availability notifier POSTs, by outcome.",
	}, []string{"outcome"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		eventsNormalized,
		eventsDiscarded,
		imagesClassified,
		imageStatusTransitions,
		runsReconciled,
		reconcileDuration,
		runInvariantViolations,
		queueDepth,
		queueRedeliveries,
		queueDeadLettered,
		rollupDuration,
		cloudCallDuration,
		notifierRequests,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection
// for the health/metrics endpoint.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordEventNormalized records one normalized instance event (Component A).
func RecordEventNormalized(cloudType, eventType string) {
	eventsNormalized.WithLabelValues(cloudType, eventType).Inc()
}

// RecordEventDiscarded records one audit record dropped by the filtering
// rules, for example a missing instanceType on attribute_change.
func RecordEventDiscarded(reason string) {
	eventsDiscarded.WithLabelValues(reason).Inc()
}

// RecordImageClassified records one first-sight classification outcome
// (Component B): "rhel", "marketplace", "cloud_access", or "unclassified".
func RecordImageClassified(category string) {
	imagesClassified.WithLabelValues(category).Inc()
}

// RecordImageStatusTransition records one inspection state machine move
// (Component E).
func RecordImageStatusTransition(prior, next string) {
	imageStatusTransitions.WithLabelValues(prior, next).Inc()
}

// RecordRunsReconciled records how many runs one reconcile pass emitted
// and how long it took, tagged by whether the fast path applied.
func RecordRunsReconciled(path string, count int, duration time.Duration) {
	runsReconciled.WithLabelValues(path).Add(float64(count))
	reconcileDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordRunInvariantViolation records one RunInvariantViolation.
func RecordRunInvariantViolation() {
	runInvariantViolations.Inc()
}

// RecordQueueDepth sets the approximate pending message gauge for a stream.
func RecordQueueDepth(stream string, depth int) {
	queueDepth.WithLabelValues(stream).Set(float64(depth))
}

// RecordQueueRedelivery records one message reclaimed past its visibility
// timeout.
func RecordQueueRedelivery(stream string) {
	queueRedeliveries.WithLabelValues(stream).Inc()
}

// RecordQueueDeadLettered records one message moved to the dead-letter
// stream.
func RecordQueueDeadLettered(stream string) {
	queueDeadLettered.WithLabelValues(stream).Inc()
}

// RecordRollupDuration records one (user, date) roll-up computation's
// wall-clock cost.
func RecordRollupDuration(duration time.Duration) {
	rollupDuration.Observe(duration.Seconds())
}

// RecordCloudCall records one outbound cloud API call's latency and
// outcome ("ok", "transient", "permission_denied", "not_found").
func RecordCloudCall(cloudType, operation, outcome string, duration time.Duration) {
	cloudCallDuration.WithLabelValues(cloudType, operation, outcome).Observe(duration.Seconds())
}

// RecordNotifierRequest records one sources-availability notifier POST
// outcome ("ok", "not_found", "rejected", "error").
func RecordNotifierRequest(outcome string) {
	notifierRequests.WithLabelValues(outcome).Inc()
}

// ObservationHooks adapts a named operation to core.ObservationHooks,
// emitting a per-outcome duration histogram. Grounded on the teacher's
// core/service.ObservationHooks instrumentation callback pattern.
func ObservationHooks(subsystem, name string) core.ObservationHooks {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "usage_tracker",
		Subsystem: subsystem,
		Name:      name + "_duration_seconds",
		Help:      "Observed duration for " + subsystem + "." + name,
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"outcome"})
	if err := Registry.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			hist = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return core.ObservationHooks{
		OnComplete: func(_ context.Context, _ map[string]string, err error, duration time.Duration) {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			hist.WithLabelValues(outcome).Observe(duration.Seconds())
		},
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" {
		return "/"
	}
	return raw
}
