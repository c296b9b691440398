package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusListener is an optional Listener backed by
// github.com/prometheus/client_golang. Register its collectors with
// MustRegister on a Registerer of the caller's choosing
// (prometheus.DefaultRegisterer for the default global registry).
type PrometheusListener struct {
	sent        prometheus.Counter
	accepted    prometheus.Counter
	rejected    *prometheus.CounterVec
	writeFailed *prometheus.CounterVec
	failed      *prometheus.CounterVec
	rtt         *prometheus.HistogramVec
	connsOpen   prometheus.Gauge
	connsFail   *prometheus.CounterVec
}

// NewPrometheusListener constructs the collector set. namespace prefixes
// every metric name (e.g. "apns" yields "apns_notifications_accepted_total").
func NewPrometheusListener(namespace string) *PrometheusListener {
	return &PrometheusListener{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Notifications handed to an HTTP/2 stream.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_accepted_total",
			Help:      "Notifications APNs accepted for delivery.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_rejected_total",
			Help:      "Notifications APNs rejected, by reason.",
		}, []string{"reason", "status"}),
		writeFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_write_failures_total",
			Help:      "Notifications whose request could not be written to the connection.",
		}, []string{"reason"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Notifications that never reached a verdict, by failure kind.",
		}, []string{"kind"}),
		rtt: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_round_trip_seconds",
			Help:      "Time from request start to APNs response.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"outcome"}),
		connsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "HTTP/2 connections currently open to APNs.",
		}),
		connsFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_create_failures_total",
			Help:      "Failed attempts to establish a new connection, by host.",
		}, []string{"host"}),
	}
}

// MustRegister registers every collector with reg, panicking on failure
// (mirroring the pack's startup-time fail-fast convention for metrics
// registration).
func (p *PrometheusListener) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(p.sent, p.accepted, p.rejected, p.writeFailed, p.failed, p.rtt, p.connsOpen, p.connsFail)
}

func (p *PrometheusListener) NotificationSent(string) {
	p.sent.Inc()
}

func (p *PrometheusListener) NotificationAccepted(_ string, rtt time.Duration) {
	p.accepted.Inc()
	p.rtt.WithLabelValues("accepted").Observe(rtt.Seconds())
}

func (p *PrometheusListener) NotificationRejected(_ string, reason string, statusCode int, rtt time.Duration) {
	p.rejected.WithLabelValues(reason, strconv.Itoa(statusCode)).Inc()
	p.rtt.WithLabelValues("rejected").Observe(rtt.Seconds())
}

func (p *PrometheusListener) NotificationWriteFailed(reason string) {
	p.writeFailed.WithLabelValues(reason).Inc()
}

func (p *PrometheusListener) NotificationFailed(kind string) {
	p.failed.WithLabelValues(kind).Inc()
}

func (p *PrometheusListener) ConnectionOpened(string) {
	p.connsOpen.Inc()
}

func (p *PrometheusListener) ConnectionClosed(string, string) {
	p.connsOpen.Dec()
}

func (p *PrometheusListener) ConnectionCreateFailed(host string, _ string) {
	p.connsFail.WithLabelValues(host).Inc()
}

var _ Listener = (*PrometheusListener)(nil)
