package pose

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func randomPoses(n int) []Pose {
	rng := rand.New(rand.NewPCG(42, 7))
	poses := make([]Pose, 0, n)
	for i := 0; i < n; i++ {
		axis := r3.Vec{X: rng.Float64() - 0.5, Y: rng.Float64() - 0.5, Z: rng.Float64() - 0.5}
		if r3.Norm(axis) < 1e-3 {
			axis = r3.Vec{Y: 1}
		}
		angle := (rng.Float64()*2 - 1) * math.Pi
		pos := r3.Vec{X: rng.Float64()*20 - 10, Y: rng.Float64()*4 - 2, Z: rng.Float64()*20 - 10}
		poses = append(poses, New(pos, r3.NewRotation(angle, r3.Unit(axis))))
	}
	return poses
}

func TestCompose_Identity(t *testing.T) {
	for i, p := range randomPoses(200) {
		if got := Compose(p, Identity()); !ApproxEqual(got, p, DefaultTolerance) {
			t.Errorf("pose %d: p∘I = %v, want %v", i, got, p)
		}
		if got := Compose(Identity(), p); !ApproxEqual(got, p, DefaultTolerance) {
			t.Errorf("pose %d: I∘p = %v, want %v", i, got, p)
		}
	}
}

func TestInverse_Law(t *testing.T) {
	for i, p := range randomPoses(200) {
		if got := Compose(p, Inverse(p)); !ApproxEqual(got, Identity(), DefaultTolerance) {
			t.Errorf("pose %d: p∘p⁻¹ = %v, want identity", i, got)
		}
		if got := Compose(Inverse(p), p); !ApproxEqual(got, Identity(), DefaultTolerance) {
			t.Errorf("pose %d: p⁻¹∘p = %v, want identity", i, got)
		}
	}
}

func TestCompose_Associative(t *testing.T) {
	ps := randomPoses(30)
	for i := 0; i+2 < len(ps); i++ {
		a, b, c := ps[i], ps[i+1], ps[i+2]
		left := Compose(Compose(a, b), c)
		right := Compose(a, Compose(b, c))
		if !ApproxEqual(left, right, 1e-9) {
			t.Errorf("(a∘b)∘c = %v, a∘(b∘c) = %v", left, right)
		}
	}
}

func TestCompose_AppliesInParentFrame(t *testing.T) {
	parent := New(r3.Vec{X: 1}, r3.NewRotation(math.Pi/2, r3.Vec{Y: 1}))
	child := New(r3.Vec{X: 2}, r3.Rotation{Real: 1})

	got := Compose(parent, child)
	// 90° about +Y maps +X to -Z.
	want := r3.Vec{X: 1, Z: -2}
	if r3.Norm(r3.Sub(got.Pos, want)) > 1e-9 {
		t.Errorf("Compose position = %v, want %v", got.Pos, want)
	}
	if p := Transform(parent, r3.Vec{X: 2}); r3.Norm(r3.Sub(p, want)) > 1e-9 {
		t.Errorf("Transform = %v, want %v", p, want)
	}
}

func TestInterpolate(t *testing.T) {
	a := New(r3.Vec{}, r3.Rotation{Real: 1})
	b := New(r3.Vec{X: 4, Y: -2}, r3.NewRotation(math.Pi/2, r3.Vec{Y: 1}))

	tests := []struct {
		name string
		t    float64
		want Pose
	}{
		{"start", 0, a},
		{"end", 1, b},
		{"below range clamps", -3, a},
		{"above range clamps", 7, b},
		{"midpoint", 0.5, New(r3.Vec{X: 2, Y: -1}, r3.NewRotation(math.Pi/4, r3.Vec{Y: 1}))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Interpolate(a, b, tt.t)
			if !ApproxEqual(got, tt.want, 1e-9) {
				t.Errorf("Interpolate(%v) = %v, want %v", tt.t, got, tt.want)
			}
		})
	}
}

func TestSlerp_ShortestArc(t *testing.T) {
	r0 := r3.NewRotation(0.1, r3.Vec{Z: 1})
	r1 := r3.NewRotation(-0.1, r3.Vec{Z: 1})
	// Negating r1 describes the same rotation; the midpoint must still be
	// the identity rather than a half turn.
	neg := r3.Rotation{Real: -r1.Real, Imag: -r1.Imag, Jmag: -r1.Jmag, Kmag: -r1.Kmag}
	got := Slerp(r0, neg, 0.5)
	if !ApproxEqual(Pose{Rot: got}, Identity(), 1e-9) {
		t.Errorf("Slerp midpoint = %v, want identity", got)
	}
}

func TestApproxEqual_QuaternionSign(t *testing.T) {
	r := r3.NewRotation(1.2, r3.Unit(r3.Vec{X: 1, Y: 1}))
	a := New(r3.Vec{X: 1}, r)
	b := Pose{Pos: r3.Vec{X: 1}, Rot: r3.Rotation{Real: -r.Real, Imag: -r.Imag, Jmag: -r.Jmag, Kmag: -r.Kmag}}
	if !ApproxEqual(a, b, DefaultTolerance) {
		t.Errorf("ApproxEqual(q, -q) = false, want true")
	}
	if ApproxEqual(a, New(r3.Vec{X: 1.01}, r), DefaultTolerance) {
		t.Errorf("ApproxEqual with 1cm offset = true, want false")
	}
}

func TestNew_ZeroRotationIsIdentity(t *testing.T) {
	p := New(r3.Vec{Y: 3}, r3.Rotation{})
	if p.Rot != (r3.Rotation{Real: 1}) {
		t.Errorf("New with zero quaternion rotation = %v, want identity", p.Rot)
	}
}

func TestYawPitchRoll(t *testing.T) {
	yaw, pitch, roll := YawPitchRoll(r3.NewRotation(0.7, r3.Vec{Y: 1}))
	if math.Abs(yaw-0.7) > 1e-9 || math.Abs(pitch) > 1e-9 || math.Abs(roll) > 1e-9 {
		t.Errorf("YawPitchRoll = (%v, %v, %v), want (0.7, 0, 0)", yaw, pitch, roll)
	}
}

func TestConfidenceString(t *testing.T) {
	tests := map[Confidence]string{
		ConfidenceGood:     "good",
		3:                  "good",
		ConfidenceDegraded: "degraded",
		ConfidenceLost:     "lost",
		ConfidenceInvalid:  "invalid",
	}
	for c, want := range tests {
		if got := c.String(); got != want {
			t.Errorf("Confidence(%d).String() = %q, want %q", int(c), got, want)
		}
	}
}
