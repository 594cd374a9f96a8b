package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	authResults      *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	replies          *prometheus.CounterVec
	replyLatency     *prometheus.HistogramVec
	activeStreams    prometheus.Gauge
	conversationEnds *prometheus.CounterVec
	retrievals       *prometheus.CounterVec
	retrievalLatency *prometheus.HistogramVec
	toolCalls        *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		authResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_auth_total",
			Help: "Signed request verifications by transport mode and result.",
		}, []string{"mode", "result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_ratelimit_denied_total",
			Help: "Requests denied by a rate limiter, by scope.",
		}, []string{"scope"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_replies_total",
			Help: "Chat replies by delivery mode and outcome.",
		}, []string{"mode", "outcome"}),
		replyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_reply_seconds",
			Help:    "Time from request to final reply event.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		}, []string{"mode"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storefront_streams_active",
			Help: "Streamed replies currently open.",
		}),
		conversationEnds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_conversations_ended_total",
			Help: "Conversation ends by outcome.",
		}, []string{"outcome"}),
		retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_retrieval_total",
			Help: "Context retrieval attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		retrievalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_retrieval_seconds",
			Help:    "Latency of context retrieval attempts.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"strategy"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_tool_calls_total",
			Help: "Tool server invocations by tool and result.",
		}, []string{"tool", "result"}),
	}

	reg.MustRegister(
		m.authResults,
		m.rateLimited,
		m.replies,
		m.replyLatency,
		m.activeStreams,
		m.conversationEnds,
		m.retrievals,
		m.retrievalLatency,
		m.toolCalls,
	)
	return m
}

// NewRegistry returns a registry carrying the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// AuthResult records a verification; result is "ok" or a rejection reason.
func (m *Metrics) AuthResult(mode, result string) {
	if m == nil {
		return
	}
	m.authResults.WithLabelValues(mode, result).Inc()
}

// RateLimited records a denial; scope is "edge" or "session".
func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) Reply(mode, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(mode, outcome).Inc()
	m.replyLatency.WithLabelValues(mode).Observe(took.Seconds())
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}

func (m *Metrics) ConversationEnded(outcome string) {
	if m == nil {
		return
	}
	m.conversationEnds.WithLabelValues(outcome).Inc()
}

// ObserveRetrieval satisfies retrieval.Observer.
func (m *Metrics) ObserveRetrieval(strategy, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.retrievals.WithLabelValues(strategy, outcome).Inc()
	m.retrievalLatency.WithLabelValues(strategy).Observe(took.Seconds())
}

func (m *Metrics) ToolCall(tool, result string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, result).Inc()
}
