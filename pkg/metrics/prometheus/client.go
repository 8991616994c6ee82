// Package prometheus provides the Prometheus-backed implementation of the
// metrics interfaces.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hyperq/librq/pkg/metrics"
)

// clientMetrics is the Prometheus implementation of metrics.ClientMetrics.
type clientMetrics struct {
	connects        *prometheus.CounterVec
	connectFailures *prometheus.CounterVec
	disconnects     *prometheus.CounterVec
	failovers       prometheus.Counter
	activeConns     prometheus.Gauge
	bytes           *prometheus.CounterVec
	messagesSent    *prometheus.CounterVec
	requestsRecv    *prometheus.CounterVec
	undelivered     prometheus.Counter
	repliesSent     prometheus.Counter
	repliesRecv     prometheus.Counter
	inflight        prometheus.Gauge
}

// NewClientMetrics creates a Prometheus-backed ClientMetrics instance.
//
// Returns nil if metrics are not enabled (metrics.InitRegistry not called).
func NewClientMetrics() metrics.ClientMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &clientMetrics{
		connects: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rq_client_connects_total",
				Help: "Completed controller connections by endpoint",
			},
			[]string{"controller"},
		),
		connectFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rq_client_connect_failures_total",
				Help: "Failed controller connect attempts by endpoint",
			},
			[]string{"controller"},
		),
		disconnects: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rq_client_disconnects_total",
				Help: "Lost controller connections by endpoint",
			},
			[]string{"controller"},
		),
		failovers: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rq_client_failovers_total",
				Help: "Controller list rotations after a connection loss",
			},
		),
		activeConns: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "rq_client_active_connections",
				Help: "Live controller sessions",
			},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rq_client_bytes_total",
				Help: "Wire bytes by direction",
			},
			[]string{"direction"}, // "sent", "received"
		),
		messagesSent: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rq_client_messages_sent_total",
				Help: "Outbound requests by queue and reply mode",
			},
			[]string{"queue", "mode"}, // mode: "request", "noreply"
		),
		requestsRecv: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rq_client_requests_received_total",
				Help: "Inbound requests dispatched to handlers by queue",
			},
			[]string{"queue"},
		),
		undelivered: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rq_client_undelivered_total",
				Help: "Inbound requests refused for unconsumed queues",
			},
		),
		repliesSent: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rq_client_replies_sent_total",
				Help: "Replies emitted for inbound requests",
			},
		),
		repliesRecv: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rq_client_replies_received_total",
				Help: "Replies received for outbound requests",
			},
		),
		inflight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "rq_client_messages_inflight",
				Help: "Occupied slots in the message table",
			},
		),
	}
}

func (m *clientMetrics) RecordConnect(controller string) {
	m.connects.WithLabelValues(controller).Inc()
}

func (m *clientMetrics) RecordConnectFailure(controller string) {
	m.connectFailures.WithLabelValues(controller).Inc()
}

func (m *clientMetrics) RecordDisconnect(controller string) {
	m.disconnects.WithLabelValues(controller).Inc()
}

func (m *clientMetrics) RecordFailover() {
	m.failovers.Inc()
}

func (m *clientMetrics) SetActiveConnections(count int) {
	m.activeConns.Set(float64(count))
}

func (m *clientMetrics) RecordBytesSent(n int) {
	m.bytes.WithLabelValues("sent").Add(float64(n))
}

func (m *clientMetrics) RecordBytesReceived(n int) {
	m.bytes.WithLabelValues("received").Add(float64(n))
}

func (m *clientMetrics) RecordMessageSent(queue string, noreply bool) {
	mode := "request"
	if noreply {
		mode = "noreply"
	}
	m.messagesSent.WithLabelValues(queue, mode).Inc()
}

func (m *clientMetrics) RecordRequestReceived(queue string) {
	m.requestsRecv.WithLabelValues(queue).Inc()
}

func (m *clientMetrics) RecordUndelivered() {
	m.undelivered.Inc()
}

func (m *clientMetrics) RecordReplySent() {
	m.repliesSent.Inc()
}

func (m *clientMetrics) RecordReplyReceived() {
	m.repliesRecv.Inc()
}

func (m *clientMetrics) SetMessagesInFlight(count int) {
	m.inflight.Set(float64(count))
}
