package control

import (
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fleet.align/internal/anchor"
	"github.com/banshee-data/fleet.align/internal/fusion"
	"github.com/banshee-data/fleet.align/internal/pose"
	"github.com/banshee-data/fleet.align/internal/quality"
	"github.com/banshee-data/fleet.align/internal/safety"
)

// AgentSnapshot is one agent's state at the end of a tick.
type AgentSnapshot struct {
	fusion.AgentState

	Radius float64

	Quality    quality.Stats
	HasQuality bool

	AlignmentError float64
	HasAlignment   bool

	Command safety.Command
}

// Snapshot is the immutable state published after each tick.
type Snapshot struct {
	Seq  uint64
	Time float64 // session seconds
	Wall time.Time

	Anchor      pose.AgentID
	AnchorState anchor.State
	Correction  pose.Pose
	Blend       fusion.BlendState

	Drift    float64
	HasDrift bool

	// MinSeparation is the smallest centre distance between any two
	// agents with a world pose.
	MinSeparation float64
	HasSeparation bool

	Agents    []AgentSnapshot
	Collision safety.Result
	Events    []Event

	QueueDropped uint64
}

// Agent returns the snapshot entry for id.
func (s *Snapshot) Agent(id pose.AgentID) (AgentSnapshot, bool) {
	for _, a := range s.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentSnapshot{}, false
}

func minSeparation(agents []AgentSnapshot) (float64, bool) {
	best := math.Inf(1)
	found := false
	for i := range agents {
		if !agents[i].HasWorld {
			continue
		}
		for j := i + 1; j < len(agents); j++ {
			if !agents[j].HasWorld {
				continue
			}
			d := r3.Norm(r3.Sub(agents[j].World.Pos, agents[i].World.Pos))
			if d < best {
				best = d
				found = true
			}
		}
	}
	if !found {
		return 0, false
	}
	return best, true
}
