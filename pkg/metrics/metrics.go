package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	core "github.com/cardguard/ruleengine/internal/app/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ruleengine",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ruleengine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ruleengine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path"},
	)

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ruleengine",
			Subsystem: "engine",
			Name:      "decisions_total",
			Help:      "Total number of rule evaluations by mode, action, and engine status.",
		},
		[]string{"mode", "action", "engine_status"},
	)

	decisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ruleengine",
			Subsystem: "engine",
			Name:      "decision_duration_seconds",
			Help:      "Duration of a full rule evaluation, including velocity checks.",
			Buckets:   prometheus.ExponentialBuckets(0.0002, 2, 14), // 0.2ms to ~1.6s
		},
		[]string{"mode"},
	)

	rulesMatched = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ruleengine",
			Subsystem: "engine",
			Name:      "rules_matched",
			Help:      "Number of rules matched per evaluation.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
		},
		[]string{"mode"},
	)

	velocityChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ruleengine",
			Subsystem: "velocity",
			Name:      "checks_total",
			Help:      "Total velocity counter checks grouped by outcome.",
		},
		[]string{"outcome"},
	)

	velocityCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ruleengine",
			Subsystem: "velocity",
			Name:      "check_duration_seconds",
			Help:      "Duration of a single velocity counter round-trip to Redis.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
		[]string{"outcome"},
	)

	registryHotSwaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ruleengine",
			Subsystem: "registry",
			Name:      "hot_swaps_total",
			Help:      "Total ruleset hot-swap operations grouped by scope and result.",
		},
		[]string{"scope", "result"},
	)

	registryActiveRulesets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ruleengine",
			Subsystem: "registry",
			Name:      "active_rulesets",
			Help:      "Number of rules in the currently active ruleset, by scope.",
		},
		[]string{"scope"},
	)

	outboxQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ruleengine",
			Subsystem: "outbox",
			Name:      "queue_depth",
			Help:      "Current number of decisions buffered in the in-process outbox queue.",
		},
	)

	outboxEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ruleengine",
			Subsystem: "outbox",
			Name:      "enqueued_total",
			Help:      "Total decisions handed to the outbox, grouped by result.",
		},
		[]string{"result"},
	)

	outboxAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ruleengine",
			Subsystem: "outbox",
			Name:      "stream_appends_total",
			Help:      "Total appends to the durable outbox stream, grouped by result.",
		},
		[]string{"result"},
	)

	publisherAcked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ruleengine",
			Subsystem: "publisher",
			Name:      "acked_total",
			Help:      "Total messages published and acknowledged, grouped by result.",
		},
		[]string{"result"},
	)

	publisherReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ruleengine",
			Subsystem: "publisher",
			Name:      "reclaimed_total",
			Help:      "Total pending stream entries reclaimed from idle consumers.",
		},
		[]string{"result"},
	)

	publisherLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ruleengine",
			Subsystem: "publisher",
			Name:      "lag_seconds",
			Help:      "Time from outbox enqueue to acknowledgement of the most recently acked entry.",
		},
	)

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		decisionsTotal,
		decisionDuration,
		rulesMatched,
		velocityChecks,
		velocityCheckDuration,
		registryHotSwaps,
		registryActiveRulesets,
		outboxQueueDepth,
		outboxEnqueued,
		outboxAppended,
		publisherAcked,
		publisherReclaimed,
		publisherLagSeconds,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
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

// RecordDecision records a completed rule evaluation.
func RecordDecision(mode, action, engineStatus string, matchedRules int, duration time.Duration) {
	if engineStatus == "" {
		engineStatus = "unknown"
	}
	decisionsTotal.WithLabelValues(mode, action, engineStatus).Inc()
	decisionDuration.WithLabelValues(mode).Observe(duration.Seconds())
	rulesMatched.WithLabelValues(mode).Observe(float64(matchedRules))
}

// RecordVelocityCheck records the outcome and latency of a velocity counter
// round-trip. outcome is one of "ok", "fail_open", or "error".
func RecordVelocityCheck(outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	velocityChecks.WithLabelValues(outcome).Inc()
	velocityCheckDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRegistryHotSwap records a ruleset hot-swap and the resulting rule
// count for the affected scope (a country code, or "global").
func RecordRegistryHotSwap(scope, result string, activeRuleCount int) {
	if scope == "" {
		scope = "global"
	}
	if result == "" {
		result = "unknown"
	}
	registryHotSwaps.WithLabelValues(scope, result).Inc()
	if result == "ok" {
		registryActiveRulesets.WithLabelValues(scope).Set(float64(activeRuleCount))
	}
}

// SetOutboxQueueDepth publishes the current in-process outbox queue depth.
func SetOutboxQueueDepth(depth int) {
	outboxQueueDepth.Set(float64(depth))
}

// RecordOutboxEnqueue records whether a decision was accepted onto the
// in-process outbox queue ("ok" or "dropped").
func RecordOutboxEnqueue(result string) {
	if result == "" {
		result = "unknown"
	}
	outboxEnqueued.WithLabelValues(result).Inc()
}

// RecordOutboxAppend records whether a single record's append to the durable
// stream succeeded.
func RecordOutboxAppend(result string) {
	if result == "" {
		result = "unknown"
	}
	outboxAppended.WithLabelValues(result).Inc()
}

// RecordPublisherAck records whether a published message was acknowledged.
func RecordPublisherAck(result string) {
	if result == "" {
		result = "unknown"
	}
	publisherAcked.WithLabelValues(result).Inc()
}

// RecordPublisherReclaim records a pending-entry reclaim attempt.
func RecordPublisherReclaim(result string, count int) {
	if result == "" {
		result = "unknown"
	}
	publisherReclaimed.WithLabelValues(result).Add(float64(count))
}

// SetPublisherLag publishes the time between an entry's enqueue and its
// acknowledgement; the publisher calls it once per acked entry.
func SetPublisherLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	publisherLagSeconds.Set(lag.Seconds())
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// ObservationHooks creates core observation hooks backed by Prometheus
// metrics, lazily registering one gauge/histogram pair per unique name.
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return core.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Inc()
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_in_flight",
			Help:      "Current operations in flight for " + subsystem,
		},
		[]string{"resource"},
	)
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_duration_seconds",
			Help:      "Duration of operations for " + subsystem,
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"resource", "status"},
	)
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	if id, ok := meta["transaction_id"]; ok && id != "" {
		return id
	}
	if id, ok := meta["decision_id"]; ok && id != "" {
		return id
	}
	if id, ok := meta["scope"]; ok && id != "" {
		return id
	}
	return "unknown"
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
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	if parts[0] != "v1" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/v1"
	}
	return "/" + parts[0] + "/" + parts[1]
}
