// Package metrics counts console traffic and exposes it to prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "atriumctl"

// Kinds of outbound datagrams.
const (
	KindUnicast   = "unicast"
	KindBroadcast = "broadcast"
	KindHWConfig  = "hwcfg"
)

type Metrics struct {
	registry *prometheus.Registry

	sent       *prometheus.CounterVec
	sentBytes  prometheus.Counter
	received   prometheus.Counter
	suppressed prometheus.Counter
	errors     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Datagrams sent to nodes, by kind.",
		}, []string{"kind"}),
		sentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Payload bytes sent to nodes.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received from nodes and printed.",
		}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_suppressed_total",
			Help:      "Messages dropped because they came from this host.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors, by operation.",
		}, []string{"op"}),
	}
	m.registry.MustRegister(m.sent, m.sentBytes, m.received, m.suppressed, m.errors)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Sent(kind string, n int) {
	m.sent.WithLabelValues(kind).Inc()
	m.sentBytes.Add(float64(n))
}

func (m *Metrics) Received() {
	m.received.Inc()
}

func (m *Metrics) Suppressed() {
	m.suppressed.Inc()
}

func (m *Metrics) Error(op string) {
	m.errors.WithLabelValues(op).Inc()
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Unicast    uint64 `json:"unicast"`
	Broadcast  uint64 `json:"broadcast"`
	HWConfig   uint64 `json:"hwcfg"`
	SentBytes  uint64 `json:"sent_bytes"`
	Received   uint64 `json:"received"`
	Suppressed uint64 `json:"suppressed"`
	Errors     uint64 `json:"errors"`
}

func (m *Metrics) Snapshot() Snapshot {
	var s Snapshot
	families, err := m.registry.Gather()
	if err != nil {
		return s
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			v := uint64(metric.GetCounter().GetValue())
			switch mf.GetName() {
			case namespace + "_datagrams_sent_total":
				switch labelValue(metric, "kind") {
				case KindUnicast:
					s.Unicast += v
				case KindBroadcast:
					s.Broadcast += v
				case KindHWConfig:
					s.HWConfig += v
				}
			case namespace + "_sent_bytes_total":
				s.SentBytes += v
			case namespace + "_messages_received_total":
				s.Received += v
			case namespace + "_messages_suppressed_total":
				s.Suppressed += v
			case namespace + "_errors_total":
				s.Errors += v
			}
		}
	}
	return s
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
