package safety

import (
	"github.com/banshee-data/fleet.align/internal/config"
	"github.com/banshee-data/fleet.align/internal/pose"
)

// ConfidenceConfig maps tracking confidence to a speed scale.
type ConfidenceConfig struct {
	Enabled  bool
	Good     float64
	Degraded float64
	Poor     float64
}

// DefaultConfidenceConfig returns full, half and quarter speed.
func DefaultConfidenceConfig() ConfidenceConfig {
	return ConfidenceConfig{Enabled: true, Good: 1.0, Degraded: 0.5, Poor: 0.25}
}

// ConfidenceConfigFromTuning reads the confidence scales from the tuning file.
func ConfidenceConfigFromTuning(cfg *config.TuningConfig) ConfidenceConfig {
	return ConfidenceConfig{
		Enabled:  cfg.GetEnableConfidenceScaling(),
		Good:     cfg.GetGoodConfidenceScale(),
		Degraded: cfg.GetDegradedConfidenceScale(),
		Poor:     cfg.GetPoorConfidenceScale(),
	}
}

// Scale returns the speed scale for an agent's last confidence. An agent
// whose confidence is not known yet runs at the degraded scale.
func (c ConfidenceConfig) Scale(conf pose.Confidence, known bool) float64 {
	if !c.Enabled {
		return 1
	}
	switch {
	case !known:
		return pose.Clamp01(c.Degraded)
	case conf >= pose.ConfidenceGood:
		return pose.Clamp01(c.Good)
	case conf == pose.ConfidenceDegraded:
		return pose.Clamp01(c.Degraded)
	default:
		return pose.Clamp01(c.Poor)
	}
}

// AxisMaskFor returns the degrees of freedom allowed at a confidence
// level. Unknown confidence is treated as degraded.
func AxisMaskFor(conf pose.Confidence, known bool) AxisMask {
	if !known {
		conf = pose.ConfidenceDegraded
	}
	switch {
	case conf >= pose.ConfidenceGood:
		return AllAxes
	case conf == pose.ConfidenceDegraded:
		return AxisMask{X: true, Z: true, Yaw: true}
	case conf == pose.ConfidenceLost:
		return AxisMask{Yaw: true}
	default:
		return AxisMask{}
	}
}

// BuildCommand combines the collision result for one agent with its
// confidence-based limits.
func BuildCommand(id pose.AgentID, collisionScale float64, rej MotionRejection,
	conf pose.Confidence, known bool, cc ConfidenceConfig) Command {
	return Command{
		Agent:      id,
		SpeedScale: pose.Clamp01(collisionScale * cc.Scale(conf, known)),
		Mask:       AxisMaskFor(conf, known),
		Rejection:  rej,
	}
}
