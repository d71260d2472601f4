package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	protocolDuration *prom.HistogramVec
	protocolRuns     *prom.CounterVec
	leaseWait        prom.Histogram
	syncs            *prom.CounterVec
	events           *prom.CounterVec
	eventsDropped    *prom.CounterVec
	messagesDropped  *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the channel engine metrics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		protocolDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "channelhub",
			Name:      "protocol_duration_seconds",
			Help:      "Duration of protocol runs including lease wait and round trips",
			Buckets:   prom.DefBuckets,
		}, []string{"protocol", "role"}),
		protocolRuns: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "channelhub",
			Name:      "protocol_runs_total",
			Help:      "Protocol runs by role and outcome",
		}, []string{"protocol", "role", "outcome"}),
		leaseWait: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "channelhub",
			Name:      "lease_wait_seconds",
			Help:      "Time spent waiting for queue leases",
			Buckets:   prom.DefBuckets,
		}),
		syncs: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "channelhub",
			Name:      "sync_runs_total",
			Help:      "Sync reconciliations by outcome",
		}, []string{"outcome"}),
		events: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "channelhub",
			Name:      "events_emitted_total",
			Help:      "Domain events emitted by type",
		}, []string{"type"}),
		eventsDropped: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "channelhub",
			Name:      "events_dropped_total",
			Help:      "Domain events not delivered to a slow subscriber",
		}, []string{"type"}),
		messagesDropped: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "channelhub",
			Name:      "messages_dropped_total",
			Help:      "Inbound wire messages dropped by the router",
		}, []string{"reason"}),
	}
	reg.MustRegister(pr.protocolDuration, pr.protocolRuns, pr.leaseWait, pr.syncs, pr.events, pr.eventsDropped, pr.messagesDropped)
	return pr
}

func (p *PrometheusRecorder) ObserveProtocol(protocol, role, outcome string, d time.Duration) {
	if p == nil || p.protocolRuns == nil {
		return
	}
	p.protocolRuns.WithLabelValues(protocol, role, outcome).Inc()
	p.protocolDuration.WithLabelValues(protocol, role).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveLeaseWait(d time.Duration) {
	if p == nil || p.leaseWait == nil {
		return
	}
	p.leaseWait.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncSync(outcome string) {
	if p == nil || p.syncs == nil {
		return
	}
	p.syncs.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncEvent(eventType string) {
	if p == nil || p.events == nil {
		return
	}
	p.events.WithLabelValues(eventType).Inc()
}

func (p *PrometheusRecorder) IncEventDropped(eventType string) {
	if p == nil || p.eventsDropped == nil {
		return
	}
	p.eventsDropped.WithLabelValues(eventType).Inc()
}

func (p *PrometheusRecorder) IncMessageDropped(reason string) {
	if p == nil || p.messagesDropped == nil {
		return
	}
	p.messagesDropped.WithLabelValues(reason).Inc()
}
