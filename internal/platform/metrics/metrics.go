package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pharmacy"

// Metrics holds every collector the server exports. Handlers receive it by
// pointer; a nil *Metrics is valid and records nothing.
type Metrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec

	Checkouts                *prometheus.CounterVec
	WebhookEvents            *prometheus.CounterVec
	StockRestorationFailures prometheus.Counter
	PaymentSessionErrors     prometheus.Counter
	OutboxPublished          prometheus.Counter

	gatherer prometheus.Gatherer
}

// New builds the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"method", "route"}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by outcome.",
		}, []string{"result"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_events_total",
			Help:      "Payment provider events by type and outcome.",
		}, []string{"type", "result"}),
		StockRestorationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_restoration_failures_total",
			Help:      "Order items whose stock could not be restored and need reconciliation.",
		}),
		PaymentSessionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_session_errors_total",
			Help:      "Payment provider failures while creating a checkout session.",
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox events delivered to the broker.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.Requests, m.LatencyMS,
		m.Checkouts, m.WebhookEvents,
		m.StockRestorationFailures, m.PaymentSessionErrors, m.OutboxPublished,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Checkout(result string) {
	if m == nil {
		return
	}
	m.Checkouts.WithLabelValues(result).Inc()
}

func (m *Metrics) WebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) RestorationFailure() {
	if m == nil {
		return
	}
	m.StockRestorationFailures.Inc()
}

func (m *Metrics) PaymentSessionError() {
	if m == nil {
		return
	}
	m.PaymentSessionErrors.Inc()
}

func (m *Metrics) Published(n int) {
	if m == nil {
		return
	}
	m.OutboxPublished.Add(float64(n))
}
