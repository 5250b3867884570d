// ABOUTME: Prometheus collectors for the relay
// ABOUTME: Implements the observer hooks of the conversation, forward and gateway packages

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-relay/internal/store"
)

const namespace = "coven_relay"

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	eventsAppended     *prometheus.CounterVec
	reactions          *prometheus.CounterVec
	correlationMisses  *prometheus.CounterVec
	callbackDuplicates prometheus.Counter

	subscribers        prometheus.Gauge
	payloadsPublished  *prometheus.CounterVec
	payloadDeliveries  prometheus.Counter
	subscribersDropped prometheus.Counter

	forwards        *prometheus.CounterVec
	forwardDuration prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	rateLimited  prometheus.Counter
}

// New creates and registers the relay collectors plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events appended to the log.",
		}, []string{"role", "event_type"}),
		reactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reactions_total",
			Help:      "Reaction edits applied, by lookup strategy and operation.",
		}, []string{"strategy", "op", "changed"}),
		correlationMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_misses_total",
			Help:      "Reaction edits whose target event was not found.",
		}, []string{"strategy"}),
		callbackDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_duplicates_total",
			Help:      "Backend callbacks ignored because their callback_id was already handled.",
		}),

		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Live stream subscribers.",
		}),
		payloadsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_published_total",
			Help:      "Payloads published to subscribers.",
		}, []string{"event_type"}),
		payloadDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_deliveries_total",
			Help:      "Payloads enqueued to individual subscribers.",
		}),
		subscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers disconnected because their buffer was full.",
		}),

		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwards_total",
			Help:      "Deliveries to the processing backend, by outcome.",
		}, []string{"outcome"}),
		forwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Time spent delivering events to the processing backend.",
			Buckets:   prometheus.DefBuckets,
		}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Requests rejected by the ingress rate limiter.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsAppended,
		m.reactions,
		m.correlationMisses,
		m.callbackDuplicates,
		m.subscribers,
		m.payloadsPublished,
		m.payloadDeliveries,
		m.subscribersDropped,
		m.forwards,
		m.forwardDuration,
		m.httpRequests,
		m.httpDuration,
		m.rateLimited,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) EventAppended(role store.Role, eventType store.EventType) {
	m.eventsAppended.WithLabelValues(string(role), string(eventType)).Inc()
}

func (m *Metrics) ReactionApplied(strategy, op string, changed bool) {
	m.reactions.WithLabelValues(strategy, op, strconv.FormatBool(changed)).Inc()
}

func (m *Metrics) CorrelationMiss(strategy string) {
	m.correlationMisses.WithLabelValues(strategy).Inc()
}

func (m *Metrics) CallbackDuplicate() {
	m.callbackDuplicates.Inc()
}

func (m *Metrics) SubscriberCount(n int) {
	m.subscribers.Set(float64(n))
}

func (m *Metrics) PayloadPublished(eventType string, delivered int) {
	m.payloadsPublished.WithLabelValues(eventType).Inc()
	m.payloadDeliveries.Add(float64(delivered))
}

func (m *Metrics) SubscriberDropped() {
	m.subscribersDropped.Inc()
}

func (m *Metrics) ForwardCompleted(outcome string, elapsed time.Duration) {
	m.forwards.WithLabelValues(outcome).Inc()
	m.forwardDuration.Observe(elapsed.Seconds())
}

// ObserveHTTP records one served request. route is the registered pattern, not the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}
