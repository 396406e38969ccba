package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bloomsite",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bloomsite",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bloomsite",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	syncOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bloomsite",
			Subsystem: "form_sync",
			Name:      "outcomes_total",
			Help:      "Form definition rebuilds by outcome (success, skipped, retry, dead).",
		},
		[]string{"outcome"},
	)

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bloomsite",
			Subsystem: "form_sync",
			Name:      "rebuild_duration_seconds",
			Help:      "Duration of one form definition rebuild and upsert.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	outboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bloomsite",
			Subsystem: "form_sync",
			Name:      "outbox_rows",
			Help:      "Outbox rows by status.",
		},
		[]string{"status"},
	)

	agentRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bloomsite",
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Content generation agent runs by result.",
		},
		[]string{"result"},
	)

	uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bloomsite",
			Subsystem: "blob",
			Name:      "uploads_total",
			Help:      "Image uploads by result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		syncOutcomes,
		syncDuration,
		outboxDepth,
		agentRuns,
		uploads,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with request counters and latency histograms.
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

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

func RecordSync(outcome string, duration time.Duration) {
	syncOutcomes.WithLabelValues(outcome).Inc()
	if duration > 0 {
		syncDuration.Observe(duration.Seconds())
	}
}

func SetOutboxDepth(summary map[string]int) {
	for status, count := range summary {
		outboxDepth.WithLabelValues(status).Set(float64(count))
	}
}

func RecordAgentRun(result string) {
	agentRuns.WithLabelValues(result).Inc()
}

func RecordUpload(success bool) {
	result := "error"
	if success {
		result = "ok"
	}
	uploads.WithLabelValues(result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath keeps the first two segments so ids never become label values.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}
