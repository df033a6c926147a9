// Package telemetry aggregates bus records into Prometheus metrics,
// exposed through the control API's /metrics endpoint.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/solargate/internal/events"
)

// Metrics holds the proxy's Prometheus collectors.
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	framesHandled   *prometheus.CounterVec
	crcFailures     prometheus.Counter
	modeTransitions *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	handleSeconds   *prometheus.HistogramVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "solargate",
			Name:      "frames_received_total",
			Help:      "Frames read from BOX connections, by table name.",
		}, []string{"table"}),
		framesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "solargate",
			Name:      "frames_handled_total",
			Help:      "Frames answered, by outcome.",
		}, []string{"outcome"}),
		crcFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "solargate",
			Name:      "crc_failures_total",
			Help:      "Frames whose CRC trailer did not verify.",
		}),
		modeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "solargate",
			Name:      "mode_transitions_total",
			Help:      "Hybrid sub-state transitions, by target state.",
		}, []string{"to"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "solargate",
			Name:      "active_sessions",
			Help:      "Currently open BOX sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "solargate",
			Name:      "sessions_total",
			Help:      "BOX sessions accepted since start.",
		}),
		handleSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "solargate",
			Name:      "frame_handle_seconds",
			Help:      "Time from frame receipt to response written, by outcome.",
			Buckets:   []float64{.005, .025, .1, .5, 2.5, 10, 60, 300, 1800},
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.framesReceived, m.framesHandled, m.crcFailures,
		m.modeTransitions, m.activeSessions, m.sessionsTotal,
		m.handleSeconds,
	)
	return m
}

// Run consumes the subscription until the context ends or the bus closes.
func (m *Metrics) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			m.observe(e)
		}
	}
}

func (m *Metrics) observe(e events.Event) {
	switch payload := e.Payload.(type) {
	case events.FrameReceived:
		m.framesReceived.WithLabelValues(payload.TableName).Inc()
		if !payload.CRCOK {
			m.crcFailures.Inc()
		}
	case events.FrameHandled:
		outcome := string(payload.Outcome)
		m.framesHandled.WithLabelValues(outcome).Inc()
		m.handleSeconds.WithLabelValues(outcome).Observe(float64(payload.RTTMillis) / 1000)
	case events.ModeTransition:
		m.modeTransitions.WithLabelValues(payload.To).Inc()
	case events.SessionOpened:
		m.sessionsTotal.Inc()
		m.activeSessions.Inc()
	case events.SessionClosed:
		m.activeSessions.Dec()
	}
}
