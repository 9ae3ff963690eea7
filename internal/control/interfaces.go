// Package control runs the fixed-rate loop that drains provider samples,
// fuses them into the shared world frame, keeps the anchor healthy and
// hands motion limits to each agent's actuator.
package control

import (
	"context"
	"fmt"

	"github.com/banshee-data/fleet.align/internal/pose"
	"github.com/banshee-data/fleet.align/internal/safety"
)

// PoseSource produces raw samples for one or more agents. Start must
// return once the source is running; samples are pushed into sink from
// the source's own goroutines until ctx is cancelled or Close is called.
type PoseSource interface {
	Start(ctx context.Context, sink pose.SampleSink) error
	Close() error
}

// PoseSink consumes corrected world-frame poses.
type PoseSink interface {
	UpdatePose(id pose.AgentID, p pose.Pose)
}

// MotionLimiter enforces a per-tick motion command for one agent.
type MotionLimiter interface {
	ApplyCommand(cmd safety.Command)
}

// Observer receives the snapshot published at the end of every tick.
// Snapshots are shared and must not be modified.
type Observer interface {
	Observe(s *Snapshot)
}

// EventRecorder receives discrete state changes as they happen.
type EventRecorder interface {
	RecordEvent(ev Event)
}

// EventKind names a discrete state change.
type EventKind string

const (
	EventAnchorSwitched    EventKind = "anchor_switched"
	EventAnchorUnhealthy   EventKind = "anchor_unhealthy"
	EventAnchorFailed      EventKind = "anchor_failed"
	EventAnchorRecovered   EventKind = "anchor_recovered"
	EventNoCandidate       EventKind = "no_candidate"
	EventAgentStale        EventKind = "agent_stale"
	EventAgentFresh        EventKind = "agent_fresh"
	EventRelocalizeStarted EventKind = "relocalize_started"
	EventRelocalizeDone    EventKind = "relocalize_done"
	EventRelocalizeFailed  EventKind = "relocalize_failed"
	EventCollisionStarted  EventKind = "collision_started"
	EventCollisionCleared  EventKind = "collision_cleared"
)

// Event is a discrete state change. Time is in session seconds.
type Event struct {
	Kind   EventKind    `json:"kind"`
	Time   float64      `json:"time"`
	Agent  pose.AgentID `json:"agent"`
	Other  pose.AgentID `json:"other"`
	Detail string       `json:"detail,omitempty"`
}

func (e Event) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("%.3fs %s agent=%d", e.Time, e.Kind, e.Agent)
	}
	return fmt.Sprintf("%.3fs %s agent=%d %s", e.Time, e.Kind, e.Agent, e.Detail)
}
