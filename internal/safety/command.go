// Package safety turns the fused state of the fleet into per-agent motion
// limits: a speed scale, an axis permission mask and an optional
// direction in which motion is rejected.
package safety

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fleet.align/internal/pose"
)

// AxisMask lists the degrees of freedom an agent may use.
type AxisMask struct {
	X   bool `json:"x"`
	Y   bool `json:"y"` // vertical
	Z   bool `json:"z"`
	Yaw bool `json:"yaw"`
}

// AllAxes permits every degree of freedom.
var AllAxes = AxisMask{X: true, Y: true, Z: true, Yaw: true}

// MotionRejection blocks the component of commanded motion along
// Direction, a unit vector pointing toward the threatening neighbour.
type MotionRejection struct {
	Active    bool   `json:"active"`
	Direction r3.Vec `json:"direction"`
}

// Command is the per-tick output for one agent's motion limiter.
type Command struct {
	Agent      pose.AgentID    `json:"agent"`
	SpeedScale float64         `json:"speed_scale"`
	Mask       AxisMask        `json:"mask"`
	Rejection  MotionRejection `json:"rejection"`
}

// Limit applies cmd to a desired world-frame translation and yaw rate the
// way an actuator is expected to: masked axes are zeroed, any component
// toward the rejected direction is removed, then the translation is
// scaled.
func Limit(cmd Command, desired r3.Vec, yaw float64) (r3.Vec, float64) {
	if !cmd.Mask.X {
		desired.X = 0
	}
	if !cmd.Mask.Y {
		desired.Y = 0
	}
	if !cmd.Mask.Z {
		desired.Z = 0
	}
	if !cmd.Mask.Yaw {
		yaw = 0
	}
	if cmd.Rejection.Active {
		if toward := r3.Dot(desired, cmd.Rejection.Direction); toward > 0 {
			desired = r3.Sub(desired, r3.Scale(toward, cmd.Rejection.Direction))
		}
	}
	return r3.Scale(pose.Clamp01(cmd.SpeedScale), desired), yaw
}
