package fusion

import (
	"fmt"
	"math"

	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/pose"
)

// minBlendDuration keeps the blend fraction finite for a zero duration.
const minBlendDuration = 1e-4

type blend struct {
	active bool
	start  pose.Pose
	target pose.Pose
	t0     float64
	reason string
}

// BlendState is a read-only view of the relocalization blend.
type BlendState struct {
	Active   bool
	Target   pose.Pose
	Progress float64
	Reason   string
}

// StepResult reports what Step changed.
type StepResult struct {
	BlendCompleted bool
	AutoTriggered  bool
	Drift          float64
	HasDrift       bool
}

// Relocalize starts blending WorldCorrection toward the correction that
// makes the anchor's current raw pose land exactly on its ground truth.
// It replaces any blend already in progress. On error the engine state is
// unchanged.
func (e *Engine) Relocalize(reason string, now float64) error {
	if !e.cfg.EnableRelocalization {
		return ErrRelocalizationDisabled
	}
	if e.truth == nil {
		return ErrNoGroundTruth
	}
	truth, ok := e.truth.TruthPose(e.anchor)
	if !ok {
		return fmt.Errorf("anchor %d: %w", e.anchor, ErrNoGroundTruth)
	}
	anchor, ok := e.agents[e.anchor]
	if !ok || !anchor.HasRaw {
		return fmt.Errorf("anchor %d: %w", e.anchor, ErrNoAnchorPose)
	}

	target := pose.Compose(truth, pose.Inverse(anchor.Raw))
	e.blend = blend{
		active: true,
		start:  e.correction,
		target: target,
		t0:     now,
		reason: reason,
	}
	monitoring.Logf("[relocalize] %s: blending WorldCorrection from %v to %v over %.2fs",
		reason, e.correction, target, e.cfg.RelocalizeBlend)
	return nil
}

// Step advances the relocalization blend to now and then evaluates the
// drift-based automatic trigger.
func (e *Engine) Step(now float64) StepResult {
	var res StepResult
	if e.blend.active {
		t := pose.Clamp01((now - e.blend.t0) / math.Max(minBlendDuration, e.cfg.RelocalizeBlend))
		e.correction = pose.Interpolate(e.blend.start, e.blend.target, t)
		if t >= 1 {
			e.blend.active = false
			res.BlendCompleted = true
			monitoring.Logf("[relocalize] blend complete, WorldCorrection=%v", e.correction)
		}
	}

	res.Drift, res.HasDrift = e.Drift()
	if e.cfg.AutoRelocalizeThreshold <= 0 || e.blend.active || !res.HasDrift {
		return res
	}
	if e.autoTriggered && now-e.lastAutoTrigger <= e.cfg.AutoRelocalizeCooldown {
		return res
	}
	if res.Drift >= e.cfg.AutoRelocalizeThreshold {
		if err := e.Relocalize(fmt.Sprintf("auto drift=%.3fm", res.Drift), now); err != nil {
			monitoring.Warnf("[relocalize] automatic trigger skipped: %v", err)
		} else {
			res.AutoTriggered = true
		}
		e.lastAutoTrigger = now
		e.autoTriggered = true
	}
	return res
}

// Drift is the distance between the anchor's corrected pose and its
// ground truth. The second result is false without ground truth or an
// anchor pose.
func (e *Engine) Drift() (float64, bool) {
	if e.truth == nil {
		return 0, false
	}
	truth, ok := e.truth.TruthPose(e.anchor)
	if !ok {
		return 0, false
	}
	anchor, ok := e.agents[e.anchor]
	if !ok || !anchor.HasRaw {
		return 0, false
	}
	return pose.Distance(pose.Compose(e.correction, anchor.Raw), truth), true
}

// Blend returns the state of the relocalization blend at now.
func (e *Engine) Blend(now float64) BlendState {
	if !e.blend.active {
		return BlendState{}
	}
	return BlendState{
		Active:   true,
		Target:   e.blend.target,
		Progress: pose.Clamp01((now - e.blend.t0) / math.Max(minBlendDuration, e.cfg.RelocalizeBlend)),
		Reason:   e.blend.reason,
	}
}
