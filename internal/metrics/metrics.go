// Package metrics provides Prometheus metrics for the relay server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "netsphere_relay"
)

// Metrics contains all Prometheus metrics for the relay.
// All Record*/Set* helpers are no-ops on a nil *Metrics.
type Metrics struct {
	// Group metrics
	GroupsActive  prometheus.Gauge
	GroupsCreated prometheus.Counter
	MembersActive prometheus.Gauge
	MemberJoins   prometheus.Counter
	MemberLeaves  prometheus.Counter
	JoinErrors    *prometheus.CounterVec
	Notifications *prometheus.CounterVec

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionsClosed *prometheus.CounterVec
	RateLimited    prometheus.Counter

	// Transport metrics
	DatagramsReceived prometheus.Counter
	DatagramsSent     prometheus.Counter
	BytesReceived     prometheus.Counter
	BytesSent         prometheus.Counter
	FrameErrors       *prometheus.CounterVec
	SendErrors        *prometheus.CounterVec
	HandlerDrops      prometheus.Counter
	HandlerPanics     prometheus.Counter
	HandleLatency     prometheus.Histogram

	// Relay metrics
	RelayedMessages *prometheus.CounterVec
	RelayErrors     *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		GroupsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "groups_active",
			Help:      "Number of P2P groups currently alive",
		}),
		GroupsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "groups_created_total",
			Help:      "Total number of P2P groups created",
		}),
		MembersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "members_active",
			Help:      "Number of members across all groups",
		}),
		MemberJoins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "member_joins_total",
			Help:      "Total successful group joins",
		}),
		MemberLeaves: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "member_leaves_total",
			Help:      "Total group leaves",
		}),
		JoinErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_errors_total",
			Help:      "Rejected group joins by reason",
		}, []string{"reason"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Membership notifications enqueued by message type",
		}, []string{"type"}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected client sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total client sessions created",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Closed client sessions by reason",
		}, []string{"reason"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Client messages dropped by the per-session rate limiter",
		}),

		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Datagrams read from the socket",
		}),
		DatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Datagrams handed to the OS",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read from the socket",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes handed to the OS",
		}),
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Dropped inbound datagrams by reason",
		}, []string{"reason"}),
		SendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Failed sends by reason",
		}, []string{"reason"}),
		HandlerDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_drops_total",
			Help:      "Inbound datagrams dropped because the handler queue was full",
		}),
		HandlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Panics recovered in datagram handlers",
		}),
		HandleLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handle_latency_seconds",
			Help:      "Histogram of datagram handling latency in seconds",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .1},
		}),

		RelayedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_messages_total",
			Help:      "Messages relayed between members by mode",
		}, []string{"mode"}),
		RelayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Relay requests that could not be forwarded by reason",
		}, []string{"reason"}),
	}
}

// Group metrics helpers

// RecordGroupCreated records a new group.
func (m *Metrics) RecordGroupCreated() {
	if m == nil {
		return
	}
	m.GroupsActive.Inc()
	m.GroupsCreated.Inc()
}

// RecordGroupRemoved records a removed group.
func (m *Metrics) RecordGroupRemoved() {
	if m == nil {
		return
	}
	m.GroupsActive.Dec()
}

// RecordMemberJoin records a successful join.
func (m *Metrics) RecordMemberJoin() {
	if m == nil {
		return
	}
	m.MembersActive.Inc()
	m.MemberJoins.Inc()
}

// RecordMemberLeave records a member leaving a group.
func (m *Metrics) RecordMemberLeave() {
	if m == nil {
		return
	}
	m.MembersActive.Dec()
	m.MemberLeaves.Inc()
}

// RecordJoinError records a rejected join.
func (m *Metrics) RecordJoinError(reason string) {
	if m == nil {
		return
	}
	m.JoinErrors.WithLabelValues(reason).Inc()
}

// RecordNotification records an enqueued membership notification.
func (m *Metrics) RecordNotification(msgType string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(msgType).Inc()
}

// Session metrics helpers

// RecordSessionOpen records a new session.
func (m *Metrics) RecordSessionOpen() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionClose records a closed session.
func (m *Metrics) RecordSessionClose(reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

// RecordRateLimited records a message dropped by the rate limiter.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// Transport metrics helpers

// RecordDatagramReceived records an inbound datagram of n bytes.
func (m *Metrics) RecordDatagramReceived(n int) {
	if m == nil {
		return
	}
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(n))
}

// RecordDatagramSent records an outbound datagram of n bytes.
func (m *Metrics) RecordDatagramSent(n int) {
	if m == nil {
		return
	}
	m.DatagramsSent.Inc()
	m.BytesSent.Add(float64(n))
}

// RecordFrameError records a dropped inbound datagram.
func (m *Metrics) RecordFrameError(reason string) {
	if m == nil {
		return
	}
	m.FrameErrors.WithLabelValues(reason).Inc()
}

// RecordSendError records a failed send.
func (m *Metrics) RecordSendError(reason string) {
	if m == nil {
		return
	}
	m.SendErrors.WithLabelValues(reason).Inc()
}

// RecordHandlerDrop records a datagram dropped at the handler queue.
func (m *Metrics) RecordHandlerDrop() {
	if m == nil {
		return
	}
	m.HandlerDrops.Inc()
}

// RecordHandlerPanic records a recovered handler panic.
func (m *Metrics) RecordHandlerPanic() {
	if m == nil {
		return
	}
	m.HandlerPanics.Inc()
}

// RecordHandleLatency records how long a handler took.
func (m *Metrics) RecordHandleLatency(seconds float64) {
	if m == nil {
		return
	}
	m.HandleLatency.Observe(seconds)
}

// Relay metrics helpers

// RecordRelayed records a forwarded message; mode is "plain" or "encrypted".
func (m *Metrics) RecordRelayed(mode string) {
	if m == nil {
		return
	}
	m.RelayedMessages.WithLabelValues(mode).Inc()
}

// RecordRelayError records a relay request that was not forwarded.
func (m *Metrics) RecordRelayError(reason string) {
	if m == nil {
		return
	}
	m.RelayErrors.WithLabelValues(reason).Inc()
}
