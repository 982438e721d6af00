// Package metrics exposes backplane counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "backplane"

// Frame kinds used as label values.
const (
	KindInvocation   = "invocation"
	KindGroupCommand = "group_command"
	KindAck          = "ack"
	KindCompletion   = "completion"
)

// State reports gauges that are cheaper to read on scrape than to track.
type State struct {
	LocalSessions      int
	ListenedChannels   int
	PendingAcks        int
	PendingInvocations int
}

// Collector is a prometheus.Collector. A nil *Collector ignores every call
// so components can run without metrics.
type Collector struct {
	published       *prometheus.CounterVec
	received        *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	reconnects      prometheus.Counter
	sweptPayloads   prometheus.Counter

	localSessions      *prometheus.Desc
	listenedChannels   *prometheus.Desc
	pendingAcks        *prometheus.Desc
	pendingInvocations *prometheus.Desc
	state              func() State
}

// NewCollector returns a Collector reading gauges from state on scrape.
func NewCollector(state func() State) *Collector {
	return &Collector{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "frames_published_total",
				Help:      "The number of frames published through NOTIFY.",
			}, []string{"kind"},
		),
		received: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "frames_received_total",
				Help:      "The number of frames received from LISTEN.",
			}, []string{"kind"},
		),
		publishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "publish_failures_total",
				Help:      "The number of frames that could not be published.",
			}, []string{"kind"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "frames_dropped_total",
				Help:      "The number of received frames that were dropped.",
			}, []string{"reason"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "listener_reconnects_total",
				Help:      "The number of times the listen connection was re-established.",
			},
		),
		sweptPayloads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "payloads_swept_total",
				Help:      "The number of side table payloads deleted by the sweep.",
			},
		),
		localSessions: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "local_sessions"),
			"The number of sessions connected to this server.", nil, nil),
		listenedChannels: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "listened_channels"),
			"The number of channels the listen connection tracks.", nil, nil),
		pendingAcks: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "pending_acks"),
			"The number of group commands awaiting an ack.", nil, nil),
		pendingInvocations: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "pending_invocations"),
			"The number of invocations awaiting a completion.", nil, nil),
		state: state,
	}
}

func (c *Collector) Published(kind string) {
	if c == nil {
		return
	}
	c.published.WithLabelValues(kind).Inc()
}

func (c *Collector) Received(kind string) {
	if c == nil {
		return
	}
	c.received.WithLabelValues(kind).Inc()
}

func (c *Collector) PublishFailed(kind string) {
	if c == nil {
		return
	}
	c.publishFailures.WithLabelValues(kind).Inc()
}

func (c *Collector) Dropped(reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(reason).Inc()
}

func (c *Collector) Reconnected() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

func (c *Collector) Swept(n int64) {
	if c == nil {
		return
	}
	c.sweptPayloads.Add(float64(n))
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.published.Describe(ch)
	c.received.Describe(ch)
	c.publishFailures.Describe(ch)
	c.dropped.Describe(ch)
	c.reconnects.Describe(ch)
	c.sweptPayloads.Describe(ch)
	ch <- c.localSessions
	ch <- c.listenedChannels
	ch <- c.pendingAcks
	ch <- c.pendingInvocations
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.published.Collect(ch)
	c.received.Collect(ch)
	c.publishFailures.Collect(ch)
	c.dropped.Collect(ch)
	c.reconnects.Collect(ch)
	c.sweptPayloads.Collect(ch)
	if c.state == nil {
		return
	}
	s := c.state()
	ch <- prometheus.MustNewConstMetric(c.localSessions, prometheus.GaugeValue, float64(s.LocalSessions))
	ch <- prometheus.MustNewConstMetric(c.listenedChannels, prometheus.GaugeValue, float64(s.ListenedChannels))
	ch <- prometheus.MustNewConstMetric(c.pendingAcks, prometheus.GaugeValue, float64(s.PendingAcks))
	ch <- prometheus.MustNewConstMetric(c.pendingInvocations, prometheus.GaugeValue, float64(s.PendingInvocations))
}
