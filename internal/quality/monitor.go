// Package quality tracks per-agent packet timing: arrival rate, the
// smoothed inter-packet interval and its jitter. It supplies the raw
// freshness signal; classifying an agent as stale is left to callers.
package quality

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/banshee-data/fleet.align/internal/config"
	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/pose"
)

// minWindowAge keeps the rate estimate finite right after a window reset.
const minWindowAge = 1e-4

// Config holds the smoothing parameters.
type Config struct {
	Window float64 // seconds per rate window
	Alpha  float64 // EMA smoothing factor
}

// DefaultConfig returns a one second window with α = 0.1.
func DefaultConfig() Config {
	return Config{Window: 1.0, Alpha: 0.1}
}

// ConfigFromTuning reads the quality settings from a tuning config.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Window: cfg.GetQualityWindow().Seconds(),
		Alpha:  cfg.GetQualityEMAAlpha(),
	}
}

// Stats is a read-only view of one agent's timing.
type Stats struct {
	PacketsPerSecond float64 `json:"packets_per_second"`
	SinceLast        float64 `json:"since_last_s"`
	MeanInterval     float64 `json:"mean_interval_s"`
	Jitter           float64 `json:"jitter_s"`
	Packets          int64   `json:"packets"`
}

type agentStats struct {
	packetsInWindow int
	windowStart     float64
	lastPacket      float64
	emaInterval     float64
	emaJitter       float64
	initialized     bool
	total           int64
}

// Monitor records packet arrivals. All times are receive times in seconds
// on the caller's clock, not sample timestamps.
type Monitor struct {
	cfg Config

	mu    sync.Mutex
	stats map[pose.AgentID]*agentStats
}

// NewMonitor creates a monitor. Non-positive settings fall back to the
// defaults.
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	return &Monitor{cfg: cfg, stats: make(map[pose.AgentID]*agentStats)}
}

// NotePacket records a packet from id received at now.
func (m *Monitor) NotePacket(id pose.AgentID, now float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stats[id]
	if !ok {
		s = &agentStats{windowStart: now, lastPacket: now}
		m.stats[id] = s
	}

	dt := now - s.lastPacket
	if s.initialized {
		s.emaInterval = lerp(s.emaInterval, dt, m.cfg.Alpha)
		s.emaJitter = lerp(s.emaJitter, math.Abs(dt-s.emaInterval), m.cfg.Alpha)
	} else {
		s.emaInterval = dt
		s.emaJitter = 0
		s.initialized = true
	}

	s.lastPacket = now
	s.packetsInWindow++
	s.total++

	if now-s.windowStart >= m.cfg.Window {
		s.packetsInWindow = 0
		s.windowStart = now
	}
}

// Stats returns the timing view for id at time now. The second result is
// false when no packet has been seen from id.
func (m *Monitor) Stats(id pose.AgentID, now float64) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stats[id]
	if !ok {
		return Stats{}, false
	}
	age := math.Max(minWindowAge, now-s.windowStart)
	return Stats{
		PacketsPerSecond: float64(s.packetsInWindow) / age,
		SinceLast:        now - s.lastPacket,
		MeanInterval:     s.emaInterval,
		Jitter:           s.emaJitter,
		Packets:          s.total,
	}, true
}

// SinceLast returns the seconds since the last packet from id.
func (m *Monitor) SinceLast(id pose.AgentID, now float64) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[id]
	if !ok {
		return 0, false
	}
	return now - s.lastPacket, true
}

// Forget drops all timing state for id.
func (m *Monitor) Forget(id pose.AgentID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stats, id)
}

// LogStats writes one summary line covering every known agent.
func (m *Monitor) LogStats(now float64) {
	m.mu.Lock()
	ids := make([]pose.AgentID, 0, len(m.stats))
	for id := range m.stats {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		st, ok := m.Stats(id, now)
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d: %.1f pkt/s, dt %.1fms ±%.1fms, last %.2fs ago",
			int(id), st.PacketsPerSecond, st.MeanInterval*1000, st.Jitter*1000, st.SinceLast))
	}
	monitoring.Logf("[quality] %s", strings.Join(parts, "; "))
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
