// Package metrics owns the gateway's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so components can be built without it in
// tests.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	authFailures        *prometheus.CounterVec
	refreshes           *prometheus.CounterVec
	internalTokenMints  *prometheus.CounterVec
	upstreamRequests    *prometheus.CounterVec
	upstreamRetries     *prometheus.CounterVec
	presenceTransitions *prometheus.CounterVec
	presenceQueueErrors prometheus.Counter
	wsConnections       *prometheus.GaugeVec
	relayEvents         *prometheus.CounterVec
	relayConnected      *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		reg: reg,
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Classified authentication failures by error code.",
		}, []string{"code"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_token_refresh_total",
			Help: "Expiry-driven access token refresh attempts by result.",
		}, []string{"result"}),
		internalTokenMints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_internal_token_requests_total",
			Help: "Internal token requests by cache result (hit, miss).",
		}, []string{"result"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_requests_total",
			Help: "Forwarded requests by backend service and status class.",
		}, []string{"service", "class"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_retries_total",
			Help: "Mint-and-retry attempts after an internal token rejection.",
		}, []string{"service"}),
		presenceTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_presence_transitions_total",
			Help: "Presence state transitions by new status.",
		}, []string{"status"}),
		presenceQueueErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_presence_action_errors_total",
			Help: "Presence actions that failed inside a user queue.",
		}),
		wsConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_ws_connections",
			Help: "Open client WebSocket connections by namespace.",
		}, []string{"namespace"}),
		relayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_relay_events_total",
			Help: "Events relayed from backend service sockets.",
		}, []string{"service", "event"}),
		relayConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_relay_connected",
			Help: "1 while the outbound relay socket to a service is connected.",
		}, []string{"service"}),
	}

	reg.MustRegister(
		m.authFailures,
		m.refreshes,
		m.internalTokenMints,
		m.upstreamRequests,
		m.upstreamRetries,
		m.presenceTransitions,
		m.presenceQueueErrors,
		m.wsConnections,
		m.relayEvents,
		m.relayConnected,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) AuthFailure(code string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(code).Inc()
}

func (m *Metrics) Refresh(ok bool) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) InternalToken(hit bool) {
	if m == nil {
		return
	}
	r := "miss"
	if hit {
		r = "hit"
	}
	m.internalTokenMints.WithLabelValues(r).Inc()
}

func (m *Metrics) UpstreamRequest(service string, status int) {
	if m == nil {
		return
	}
	class := "error"
	if status > 0 {
		class = strconv.Itoa(status/100) + "xx"
	}
	m.upstreamRequests.WithLabelValues(service, class).Inc()
}

func (m *Metrics) UpstreamRetry(service string) {
	if m == nil {
		return
	}
	m.upstreamRetries.WithLabelValues(service).Inc()
}

func (m *Metrics) PresenceTransition(status string) {
	if m == nil {
		return
	}
	m.presenceTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) PresenceActionError() {
	if m == nil {
		return
	}
	m.presenceQueueErrors.Inc()
}

func (m *Metrics) ConnectionOpened(namespace string) {
	if m == nil {
		return
	}
	m.wsConnections.WithLabelValues(namespace).Inc()
}

func (m *Metrics) ConnectionClosed(namespace string) {
	if m == nil {
		return
	}
	m.wsConnections.WithLabelValues(namespace).Dec()
}

func (m *Metrics) RelayEvent(service, event string) {
	if m == nil {
		return
	}
	m.relayEvents.WithLabelValues(service, event).Inc()
}

func (m *Metrics) RelayConnected(service string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.relayConnected.WithLabelValues(service).Set(v)
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
