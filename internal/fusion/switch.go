package fusion

import (
	"fmt"

	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/pose"
)

// SwitchAnchor makes id the anchor without moving anything in the world
// frame: the new WorldCorrection maps the new anchor's current raw pose
// onto the old anchor's current world pose. Any relocalization blend is
// cancelled.
func (e *Engine) SwitchAnchor(id pose.AgentID) error {
	if id == e.anchor {
		return nil
	}
	next, ok := e.agents[id]
	if !ok || !next.HasRaw {
		return fmt.Errorf("switch anchor to %d: %w", id, ErrUnknownAgent)
	}

	old := e.anchor
	oldWorld := pose.Compose(e.correction, next.Raw)
	if prev, ok := e.agents[old]; ok && prev.HasRaw {
		oldWorld = pose.Compose(e.correction, prev.Raw)
	}

	e.correction = pose.Compose(oldWorld, pose.Inverse(next.Raw))
	e.blend = blend{}
	e.anchor = id
	e.recomputeTrueOffsets()

	monitoring.Logf("[anchor] switched anchor %d -> %d, WorldCorrection=%v", old, id, e.correction)
	return nil
}

// recomputeTrueOffsets derives every client's true pose relative to the
// anchor's true pose. Agents without ground truth are skipped.
func (e *Engine) recomputeTrueOffsets() {
	clear(e.trueOffsets)
	if e.truth == nil {
		return
	}
	anchorTruth, ok := e.truth.TruthPose(e.anchor)
	if !ok {
		monitoring.Warnf("[anchor] no ground truth registered for anchor %d", e.anchor)
		return
	}
	inv := pose.Inverse(anchorTruth)
	for _, id := range e.order {
		if id == e.anchor {
			continue
		}
		if t, ok := e.truth.TruthPose(id); ok {
			e.trueOffsets[id] = pose.Compose(inv, t)
		}
	}
}

// AlignmentError compares id's world position with where its true offset
// from the anchor says it should be. The second result is false without
// ground truth for the pair or world poses for both agents.
func (e *Engine) AlignmentError(id pose.AgentID) (float64, bool) {
	offset, ok := e.trueOffsets[id]
	if !ok {
		return 0, false
	}
	anchor, ok := e.agents[e.anchor]
	if !ok || !anchor.HasWorld {
		return 0, false
	}
	a, ok := e.agents[id]
	if !ok || !a.HasWorld {
		return 0, false
	}
	expected := pose.Compose(anchor.World, offset)
	return pose.Distance(expected, a.World), true
}
