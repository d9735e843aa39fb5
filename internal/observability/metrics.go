package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/uwbctl/internal/ranging"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uwbctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "uwbctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uwbctl",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Ranging session state transitions.",
		},
		[]string{"node", "from", "to"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "uwbctl",
			Subsystem: "session",
			Name:      "active",
			Help:      "Ranging sessions currently in the active state.",
		},
		[]string{"node"},
	)
	engineCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uwbctl",
			Subsystem: "engine",
			Name:      "calls_total",
			Help:      "Ranging engine calls by operation and result.",
		},
		[]string{"node", "op", "result"},
	)
	callbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uwbctl",
			Subsystem: "session",
			Name:      "callbacks_total",
			Help:      "Callbacks delivered to application sinks.",
		},
		[]string{"node", "callback"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, sessionTransitions, sessionsActive, engineCalls, callbacks)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// SessionObserver records controller activity. It implements ranging.Observer.
type SessionObserver struct {
	Node string
}

var _ ranging.Observer = SessionObserver{}

func NewSessionObserver(node string) SessionObserver {
	RegisterMetrics()
	return SessionObserver{Node: node}
}

func (o SessionObserver) Transition(from, to ranging.State) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(o.Node, from.String(), to.String()).Inc()
	if to == ranging.StateActive {
		sessionsActive.WithLabelValues(o.Node).Inc()
	}
	if from == ranging.StateActive {
		sessionsActive.WithLabelValues(o.Node).Dec()
	}
}

func (o SessionObserver) EngineCall(op string, err error) {
	RegisterMetrics()
	result := "accepted"
	if err != nil {
		result = "rejected"
	}
	engineCalls.WithLabelValues(o.Node, op, result).Inc()
}

func (o SessionObserver) Callback(name string) {
	RegisterMetrics()
	callbacks.WithLabelValues(o.Node, name).Inc()
}
