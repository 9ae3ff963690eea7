package safety

import (
	"math"

	"github.com/banshee-data/fleet.align/internal/pose"
)

// DistanceScale is 1 at or beyond slowDown, 0 at or inside hardStop and
// eases in with the fourth power between, so braking starts gently and
// tightens near the limit.
func DistanceScale(distance, hardStop, slowDown float64) float64 {
	if distance <= hardStop {
		return 0
	}
	if distance >= slowDown {
		return 1
	}
	t := (distance - hardStop) / (slowDown - hardStop)
	return pose.Clamp01(t * t * t * t)
}

// ClosingScale falls linearly from 1 at zero closing speed to floor at
// the aggressive reference speed and stays at floor beyond it.
func ClosingScale(closing, aggressive, floor float64) float64 {
	if aggressive <= 0 {
		return 1
	}
	t := pose.Clamp01(closing / aggressive)
	return 1 + (floor-1)*t
}

// SpeedScale is the product of the distance and closing-speed
// components, clamped to [0,1]. Closing speeds below MinRelativeSpeed
// count as zero.
func (c Config) SpeedScale(distance, closing float64) float64 {
	if closing < c.MinRelativeSpeed || math.IsNaN(closing) {
		closing = 0
	}
	s := DistanceScale(distance, c.HardStopDistance, c.SlowDownDistance) *
		ClosingScale(closing, c.AggressiveClosingSpeed, c.ClosingSpeedFloor)
	return pose.Clamp01(s)
}
