package metrics

import "github.com/prometheus/client_golang/prometheus"

// RouterMetrics exposes counters/histograms for message routing flows.
type RouterMetrics struct {
	inboundTotal   *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	flushTotal     prometheus.Counter
	flushBatchSize prometheus.Histogram
	quotaRejected  prometheus.Counter
	escalations    prometheus.Counter
	handoffEvents  *prometheus.CounterVec
	handoffActive  prometheus.Gauge
	assistantTurns prometheus.Histogram
}

func NewRouterMetrics(reg prometheus.Registerer) *RouterMetrics {
	m := &RouterMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "dispatch",
			Name:      "inbound_total",
			Help:      "Total inbound messages by routing path",
		}, []string{"path"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Total outbound sends by delivery status",
		}, []string{"status"}),
		flushTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "debounce",
			Name:      "flush_total",
			Help:      "Total debounce buffer flushes",
		}),
		flushBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "concierge",
			Subsystem: "debounce",
			Name:      "flush_batch_size",
			Help:      "Messages coalesced per flush",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
		quotaRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Messages rejected by the daily quota",
		}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "handoff",
			Name:      "escalations_total",
			Help:      "Escalation notifications sent to operators",
		}),
		handoffEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "handoff",
			Name:      "events_total",
			Help:      "Hand-off lifecycle events (takeover, release) by reason",
		}, []string{"event", "reason"}),
		handoffActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "concierge",
			Subsystem: "handoff",
			Name:      "active",
			Help:      "Currently active hand-offs",
		}),
		assistantTurns: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "concierge",
			Subsystem: "assistant",
			Name:      "turn_seconds",
			Help:      "Latency of automated assistant turns",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.inboundTotal, m.outboundTotal, m.flushTotal, m.flushBatchSize,
		m.quotaRejected, m.escalations, m.handoffEvents, m.handoffActive,
		m.assistantTurns,
	)
	return m
}

func (m *RouterMetrics) ObserveInbound(path string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(path).Inc()
}

func (m *RouterMetrics) ObserveOutbound(status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(status).Inc()
}

func (m *RouterMetrics) ObserveFlush(batchSize int) {
	if m == nil {
		return
	}
	m.flushTotal.Inc()
	m.flushBatchSize.Observe(float64(batchSize))
}

func (m *RouterMetrics) ObserveQuotaRejected() {
	if m == nil {
		return
	}
	m.quotaRejected.Inc()
}

func (m *RouterMetrics) ObserveEscalation() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

func (m *RouterMetrics) ObserveTakeover() {
	if m == nil {
		return
	}
	m.handoffEvents.WithLabelValues("takeover", "command").Inc()
	m.handoffActive.Inc()
}

func (m *RouterMetrics) ObserveRelease(reason string) {
	if m == nil {
		return
	}
	m.handoffEvents.WithLabelValues("release", reason).Inc()
	m.handoffActive.Dec()
}

func (m *RouterMetrics) ObserveAssistantTurn(seconds float64) {
	if m == nil {
		return
	}
	m.assistantTurns.Observe(seconds)
}
