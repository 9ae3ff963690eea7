package provider

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/timeutil"
)

// StatsSnapshot is the rate summary from the last LogStats call.
type StatsSnapshot struct {
	PacketsPerSec float64   `json:"packets_per_sec"`
	KBPerSec      float64   `json:"kb_per_sec"`
	Invalid       int64     `json:"invalid"`
	Dropped       int64     `json:"dropped"`
	Timestamp     time.Time `json:"timestamp"`
}

// PacketStats counts packets seen by a source. Safe for concurrent use.
type PacketStats struct {
	mu       sync.Mutex
	clock    timeutil.Clock
	name     string
	packets  int64
	bytes    int64
	invalid  int64
	dropped  int64
	total    int64
	reset    time.Time
	snapshot *StatsSnapshot
}

// NewPacketStats returns counters labelled name in log output.
func NewPacketStats(name string, clock timeutil.Clock) *PacketStats {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &PacketStats{name: name, clock: clock, reset: clock.Now()}
}

// AddPacket records one received packet of n bytes.
func (ps *PacketStats) AddPacket(n int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packets++
	ps.total++
	ps.bytes += int64(n)
}

// AddInvalid records a packet that failed to decode.
func (ps *PacketStats) AddInvalid() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.invalid++
}

// AddDropped records a decoded sample the sink could not keep.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.dropped++
}

// Total returns the number of packets seen since creation.
func (ps *PacketStats) Total() int64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.total
}

// GetAndReset returns the interval counters and starts a new interval.
func (ps *PacketStats) GetAndReset() (packets, bytes, invalid, dropped int64, d time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	now := ps.clock.Now()
	d = now.Sub(ps.reset)
	packets, bytes, invalid, dropped = ps.packets, ps.bytes, ps.invalid, ps.dropped
	ps.packets, ps.bytes, ps.invalid, ps.dropped = 0, 0, 0, 0
	ps.reset = now
	return
}

// LogStats logs the interval rates and keeps them for LatestSnapshot.
// Quiet intervals are not logged.
func (ps *PacketStats) LogStats() {
	packets, bytes, invalid, dropped, d := ps.GetAndReset()
	if packets == 0 && invalid == 0 && dropped == 0 {
		return
	}
	secs := d.Seconds()
	if secs <= 0 {
		secs = 1
	}
	snap := &StatsSnapshot{
		PacketsPerSec: float64(packets) / secs,
		KBPerSec:      float64(bytes) / secs / 1024,
		Invalid:       invalid,
		Dropped:       dropped,
		Timestamp:     ps.clock.Now(),
	}
	ps.mu.Lock()
	ps.snapshot = snap
	ps.mu.Unlock()

	msg := fmt.Sprintf("[%s] stats (/sec): %.1f packets, %.2f KB", ps.name, snap.PacketsPerSec, snap.KBPerSec)
	if invalid > 0 {
		msg += fmt.Sprintf(", %d invalid", invalid)
	}
	if dropped > 0 {
		msg += fmt.Sprintf(", %d dropped", dropped)
	}
	monitoring.Logf("%s", msg)
}

// LatestSnapshot returns a copy of the last logged interval, or nil.
func (ps *PacketStats) LatestSnapshot() *StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.snapshot == nil {
		return nil
	}
	s := *ps.snapshot
	return &s
}
