package quality

import (
	"log"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fleet.align/internal/monitoring"
)

func TestMonitor_FirstPacket(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	m.NotePacket(1, 5.0)

	st, ok := m.Stats(1, 5.0)
	require.True(t, ok)
	assert.Equal(t, 0.0, st.MeanInterval)
	assert.Equal(t, 0.0, st.Jitter)
	assert.Equal(t, int64(1), st.Packets)

	_, ok = m.Stats(2, 5.0)
	assert.False(t, ok, "unknown agent should report no stats")
}

func TestMonitor_EMA(t *testing.T) {
	m := NewMonitor(Config{Window: 10, Alpha: 0.5})
	m.NotePacket(1, 0.0)
	m.NotePacket(1, 0.1)
	m.NotePacket(1, 0.3)

	// ema: 0 -> lerp(0, 0.1, .5)=0.05 -> lerp(0.05, 0.2, .5)=0.125
	// jitter: 0 -> lerp(0, |0.1-0.05|, .5)=0.025 -> lerp(0.025, |0.2-0.125|, .5)=0.05
	st, ok := m.Stats(1, 0.3)
	require.True(t, ok)
	assert.InDelta(t, 0.125, st.MeanInterval, 1e-12)
	assert.InDelta(t, 0.05, st.Jitter, 1e-12)
}

func TestMonitor_SteadyStreamConverges(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	now := 0.0
	for i := 0; i < 500; i++ {
		m.NotePacket(3, now)
		now += 0.02
	}
	st, ok := m.Stats(3, now-0.02)
	require.True(t, ok)
	assert.InDelta(t, 0.02, st.MeanInterval, 1e-4)
	assert.Less(t, st.Jitter, 1e-3)
	assert.InDelta(t, 50, st.PacketsPerSecond, 5)
}

func TestMonitor_WindowReset(t *testing.T) {
	m := NewMonitor(Config{Window: 1, Alpha: 0.1})
	m.NotePacket(1, 0)
	m.NotePacket(1, 0.5)
	m.NotePacket(1, 1.0) // window elapsed: count resets

	st, _ := m.Stats(1, 1.0)
	assert.Equal(t, 0.0, st.PacketsPerSecond)

	m.NotePacket(1, 1.5)
	st, _ = m.Stats(1, 1.5)
	assert.InDelta(t, 2.0, st.PacketsPerSecond, 1e-9)
}

func TestMonitor_SinceLast(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	_, ok := m.SinceLast(4, 1)
	assert.False(t, ok)

	m.NotePacket(4, 2.0)
	since, ok := m.SinceLast(4, 2.75)
	require.True(t, ok)
	assert.InDelta(t, 0.75, since, 1e-12)

	m.Forget(4)
	_, ok = m.SinceLast(4, 3)
	assert.False(t, ok)
}

func TestMonitor_RateStaysFinite(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	m.NotePacket(1, 2)
	st, _ := m.Stats(1, 2)
	assert.False(t, math.IsInf(st.PacketsPerSecond, 0))
	assert.InDelta(t, 1/minWindowAge, st.PacketsPerSecond, 1e-6)
}

func TestNewMonitor_InvalidConfigUsesDefaults(t *testing.T) {
	m := NewMonitor(Config{Window: -1, Alpha: 3})
	assert.Equal(t, DefaultConfig(), m.cfg)
}

func TestMonitor_LogStats(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, format)
	})
	defer monitoring.SetLogger(log.Printf)

	m := NewMonitor(DefaultConfig())
	m.LogStats(0)
	assert.Empty(t, lines, "no agents means no log line")

	m.NotePacket(2, 0)
	m.NotePacket(1, 0)
	m.LogStats(0.1)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "[quality]"))
}
