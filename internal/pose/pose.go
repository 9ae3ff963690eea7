// Package pose provides the rigid-transform algebra used to move agent
// poses between SLAM frames and the shared world frame, plus the sample
// types exchanged between pose providers and the control loop.
package pose

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultTolerance is the comparison tolerance used by tests and by
// continuity checks on anchor switches.
const DefaultTolerance = 1e-6

// Pose is a rigid transform: a rotation followed by a translation.
// It is a value type and is safe to copy.
type Pose struct {
	Pos r3.Vec
	Rot r3.Rotation
}

// Identity returns the neutral transform.
func Identity() Pose {
	return Pose{Rot: r3.Rotation{Real: 1}}
}

// New builds a pose from a position and a rotation. The rotation is
// normalised; a zero quaternion is replaced by the identity rotation.
func New(pos r3.Vec, rot r3.Rotation) Pose {
	return Pose{Pos: pos, Rot: normalize(rot)}
}

// Compose returns a∘b: b expressed in a's frame.
func Compose(a, b Pose) Pose {
	return Pose{
		Pos: r3.Add(a.Pos, a.Rot.Rotate(b.Pos)),
		Rot: normalize(r3.Rotation(quat.Mul(quat.Number(a.Rot), quat.Number(b.Rot)))),
	}
}

// Inverse returns the transform p⁻¹ such that Compose(p, Inverse(p)) is
// the identity.
func Inverse(p Pose) Pose {
	inv := r3.Rotation(quat.Conj(quat.Number(normalize(p.Rot))))
	return Pose{
		Pos: inv.Rotate(r3.Scale(-1, p.Pos)),
		Rot: inv,
	}
}

// Transform applies p to the point v.
func Transform(p Pose, v r3.Vec) r3.Vec {
	return r3.Add(p.Pos, p.Rot.Rotate(v))
}

// Interpolate blends from a to b. Position is interpolated linearly and
// rotation spherically along the shortest arc. t is clamped to [0,1] and
// the endpoints are returned exactly.
func Interpolate(a, b Pose, t float64) Pose {
	switch t = Clamp01(t); t {
	case 0:
		return a
	case 1:
		return b
	}
	return Pose{
		Pos: r3.Add(a.Pos, r3.Scale(t, r3.Sub(b.Pos, a.Pos))),
		Rot: Slerp(a.Rot, b.Rot, t),
	}
}

// Slerp spherically interpolates between two rotations.
func Slerp(r0, r1 r3.Rotation, t float64) r3.Rotation {
	q0 := quat.Number(normalize(r0))
	q1 := quat.Number(normalize(r1))
	if dot(q0, q1) < 0 {
		q1 = quat.Scale(-1, q1)
	}
	// (q1 q0⁻¹)^t q0
	d := quat.Mul(q1, quat.Conj(q0))
	if d.Imag == 0 && d.Jmag == 0 && d.Kmag == 0 {
		return r3.Rotation(q0)
	}
	return normalize(r3.Rotation(quat.Mul(quat.PowReal(d, t), q0)))
}

// Distance is the Euclidean distance between the positions of a and b.
func Distance(a, b Pose) float64 {
	return r3.Norm(r3.Sub(a.Pos, b.Pos))
}

// ApproxEqual reports whether a and b describe the same transform within
// tol. Rotations q and -q are treated as equal.
func ApproxEqual(a, b Pose, tol float64) bool {
	if !scalar.EqualWithinAbs(a.Pos.X, b.Pos.X, tol) ||
		!scalar.EqualWithinAbs(a.Pos.Y, b.Pos.Y, tol) ||
		!scalar.EqualWithinAbs(a.Pos.Z, b.Pos.Z, tol) {
		return false
	}
	d := math.Abs(dot(quat.Number(normalize(a.Rot)), quat.Number(normalize(b.Rot))))
	return scalar.EqualWithinAbs(d, 1, tol)
}

// YawPitchRoll returns the rotation as Euler angles in radians, using the
// Y-up convention of the pose providers (yaw about Y).
func YawPitchRoll(r r3.Rotation) (yaw, pitch, roll float64) {
	q := quat.Number(normalize(r))
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	yaw = math.Atan2(2*(w*y+x*z), 1-2*(x*x+y*y))
	sinp := 2 * (w*x - y*z)
	pitch = math.Asin(math.Max(-1, math.Min(1, sinp)))
	roll = math.Atan2(2*(w*z+x*y), 1-2*(x*x+z*z))
	return yaw, pitch, roll
}

// Clamp01 limits v to [0,1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}

// String formats the pose with three decimal places.
func (p Pose) String() string {
	return fmt.Sprintf("pos=(%.3f, %.3f, %.3f) rot=(%.3f, %.3f, %.3f, %.3f)",
		p.Pos.X, p.Pos.Y, p.Pos.Z, p.Rot.Imag, p.Rot.Jmag, p.Rot.Kmag, p.Rot.Real)
}

func dot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

func normalize(r r3.Rotation) r3.Rotation {
	n := quat.Abs(quat.Number(r))
	if n == 0 || math.IsNaN(n) {
		return r3.Rotation{Real: 1}
	}
	if n == 1 {
		return r
	}
	return r3.Rotation(quat.Scale(1/n, quat.Number(r)))
}
