package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/fleet.align/internal/control"
)

// Metrics exports snapshot state as Prometheus gauges and counts events.
// It implements control.Observer and control.EventRecorder.
type Metrics struct {
	registry *prometheus.Registry

	anchorID      prometheus.Gauge
	anchorState   *prometheus.GaugeVec
	drift         prometheus.Gauge
	minSeparation prometheus.Gauge
	collision     prometheus.Gauge
	blend         prometheus.Gauge
	queueDropped  prometheus.Gauge
	tickSeq       prometheus.Gauge

	speedScale *prometheus.GaugeVec
	stale      *prometheus.GaugeVec
	packetRate *prometheus.GaugeVec
	jitter     *prometheus.GaugeVec
	alignment  *prometheus.GaugeVec

	events *prometheus.CounterVec
}

var anchorStates = []string{"healthy", "unhealthy", "failed"}

// NewMetrics registers the fleet metrics on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		anchorID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet", Name: "anchor_id", Help: "Agent currently defining the world frame.",
		}),
		anchorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet", Name: "anchor_state", Help: "1 for the anchor's current health state.",
		}, []string{"state"}),
		drift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet", Name: "drift_meters", Help: "Anchor world position error against ground truth.",
		}),
		minSeparation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet", Name: "min_separation_meters", Help: "Smallest centre distance between two agents.",
		}),
		collision: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet", Name: "collision_active", Help: "1 while the collision layer is limiting motion.",
		}),
		blend: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet", Name: "relocalize_progress", Help: "Progress of the active relocalization blend, 0 when idle.",
		}),
		queueDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet", Name: "queue_dropped_samples", Help: "Samples discarded by the ingest queue since start.",
		}),
		tickSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet", Name: "tick_seq", Help: "Sequence number of the last published snapshot.",
		}),
		speedScale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet", Subsystem: "agent", Name: "speed_scale", Help: "Commanded speed scale.",
		}, []string{"agent"}),
		stale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet", Subsystem: "agent", Name: "stale", Help: "1 while the agent's pose data is stale.",
		}, []string{"agent"}),
		packetRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet", Subsystem: "agent", Name: "packets_per_second", Help: "Pose packet rate.",
		}, []string{"agent"}),
		jitter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet", Subsystem: "agent", Name: "jitter_seconds", Help: "Smoothed pose inter-arrival jitter.",
		}, []string{"agent"}),
		alignment: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet", Subsystem: "agent", Name: "alignment_error_meters", Help: "World position error against ground truth.",
		}, []string{"agent"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet", Name: "events_total", Help: "Discrete state changes by kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.anchorID, m.anchorState, m.drift, m.minSeparation, m.collision, m.blend,
		m.queueDropped, m.tickSeq, m.speedScale, m.stale, m.packetRate, m.jitter,
		m.alignment, m.events,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Observe implements control.Observer.
func (m *Metrics) Observe(s *control.Snapshot) {
	m.tickSeq.Set(float64(s.Seq))
	m.anchorID.Set(float64(s.Anchor))
	for _, st := range anchorStates {
		m.anchorState.WithLabelValues(st).Set(boolGauge(st == s.AnchorState.String()))
	}
	if s.HasDrift {
		m.drift.Set(s.Drift)
	}
	if s.HasSeparation {
		m.minSeparation.Set(s.MinSeparation)
	}
	m.collision.Set(boolGauge(s.Collision.Active))
	if s.Blend.Active {
		m.blend.Set(s.Blend.Progress)
	} else {
		m.blend.Set(0)
	}
	m.queueDropped.Set(float64(s.QueueDropped))

	for _, a := range s.Agents {
		id := strconv.Itoa(int(a.ID))
		m.speedScale.WithLabelValues(id).Set(a.Command.SpeedScale)
		m.stale.WithLabelValues(id).Set(boolGauge(a.Stale))
		if a.HasQuality {
			m.packetRate.WithLabelValues(id).Set(a.Quality.PacketsPerSecond)
			m.jitter.WithLabelValues(id).Set(a.Quality.Jitter)
		}
		if a.HasAlignment {
			m.alignment.WithLabelValues(id).Set(a.AlignmentError)
		}
	}
}

// RecordEvent implements control.EventRecorder.
func (m *Metrics) RecordEvent(ev control.Event) {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
}
