package fusion

import (
	"sync"

	"github.com/banshee-data/fleet.align/internal/pose"
)

// GroundTruth supplies authoritative world poses, typically from a
// simulator or motion-capture rig. Production deployments may run without
// one, which disables drift measurement and relocalization.
type GroundTruth interface {
	TruthPose(id pose.AgentID) (pose.Pose, bool)
}

// TruthTable is a GroundTruth backed by a map. It is safe for concurrent
// use so a feeder goroutine can update it while the control loop reads.
type TruthTable struct {
	mu    sync.RWMutex
	poses map[pose.AgentID]pose.Pose
}

// NewTruthTable returns an empty table.
func NewTruthTable() *TruthTable {
	return &TruthTable{poses: make(map[pose.AgentID]pose.Pose)}
}

// Set records the true pose of id.
func (t *TruthTable) Set(id pose.AgentID, p pose.Pose) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.poses[id] = p
}

// TruthPose implements GroundTruth.
func (t *TruthTable) TruthPose(id pose.AgentID) (pose.Pose, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.poses[id]
	return p, ok
}

// Enqueue implements pose.SampleSink so a provider can feed truth poses
// directly. It never reports a drop.
func (t *TruthTable) Enqueue(s pose.Sample) bool {
	t.Set(s.Agent, s.Pose)
	return true
}
