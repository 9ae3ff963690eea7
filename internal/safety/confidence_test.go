package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fleet.align/internal/pose"
)

func TestConfidenceScale(t *testing.T) {
	cc := DefaultConfidenceConfig()
	tests := []struct {
		name  string
		conf  pose.Confidence
		known bool
		want  float64
	}{
		{"good", pose.ConfidenceGood, true, 1.0},
		{"degraded", pose.ConfidenceDegraded, true, 0.5},
		{"lost", pose.ConfidenceLost, true, 0.25},
		{"invalid", pose.ConfidenceInvalid, true, 0.25},
		{"unknown", pose.ConfidenceGood, false, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cc.Scale(tt.conf, tt.known))
		})
	}

	cc.Enabled = false
	assert.Equal(t, 1.0, cc.Scale(pose.ConfidenceLost, true))
}

func TestConfidenceScale_Clamped(t *testing.T) {
	cc := ConfidenceConfig{Enabled: true, Good: 1.7, Degraded: -0.3, Poor: 0.1}
	assert.Equal(t, 1.0, cc.Scale(pose.ConfidenceGood, true))
	assert.Equal(t, 0.0, cc.Scale(pose.ConfidenceDegraded, true))
}

func TestAxisMaskFor(t *testing.T) {
	tests := []struct {
		name  string
		conf  pose.Confidence
		known bool
		want  AxisMask
	}{
		{"good", pose.ConfidenceGood, true, AllAxes},
		{"degraded locks vertical", pose.ConfidenceDegraded, true, AxisMask{X: true, Z: true, Yaw: true}},
		{"lost allows yaw only", pose.ConfidenceLost, true, AxisMask{Yaw: true}},
		{"invalid allows nothing", pose.ConfidenceInvalid, true, AxisMask{}},
		{"unknown treated as degraded", pose.ConfidenceInvalid, false, AxisMask{X: true, Z: true, Yaw: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AxisMaskFor(tt.conf, tt.known))
		})
	}
}

func TestBuildCommand(t *testing.T) {
	rej := MotionRejection{Active: true, Direction: r3.Vec{Z: 1}}
	cmd := BuildCommand(3, 0.4, rej, pose.ConfidenceDegraded, true, DefaultConfidenceConfig())

	assert.Equal(t, pose.AgentID(3), cmd.Agent)
	assert.InDelta(t, 0.2, cmd.SpeedScale, 1e-12)
	assert.Equal(t, AxisMask{X: true, Z: true, Yaw: true}, cmd.Mask)
	assert.Equal(t, rej, cmd.Rejection)

	full := BuildCommand(1, 1, MotionRejection{}, pose.ConfidenceGood, true, DefaultConfidenceConfig())
	assert.Equal(t, 1.0, full.SpeedScale)
	assert.Equal(t, AllAxes, full.Mask)
	assert.False(t, full.Rejection.Active)
}

func TestLimit(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		desired r3.Vec
		yaw     float64
		wantV   r3.Vec
		wantYaw float64
	}{
		{
			name:    "unconstrained",
			cmd:     Command{SpeedScale: 1, Mask: AllAxes},
			desired: r3.Vec{X: 1, Y: 2, Z: 3}, yaw: 0.5,
			wantV: r3.Vec{X: 1, Y: 2, Z: 3}, wantYaw: 0.5,
		},
		{
			name:    "scaled",
			cmd:     Command{SpeedScale: 0.5, Mask: AllAxes},
			desired: r3.Vec{X: 2, Z: -4}, yaw: 1,
			wantV: r3.Vec{X: 1, Z: -2}, wantYaw: 1,
		},
		{
			name:    "masked vertical",
			cmd:     Command{SpeedScale: 1, Mask: AxisMask{X: true, Z: true, Yaw: true}},
			desired: r3.Vec{X: 1, Y: 1, Z: 1}, yaw: 0.2,
			wantV: r3.Vec{X: 1, Z: 1}, wantYaw: 0.2,
		},
		{
			name:    "yaw only",
			cmd:     Command{SpeedScale: 1, Mask: AxisMask{Yaw: true}},
			desired: r3.Vec{X: 1, Y: 1, Z: 1}, yaw: 0.2,
			wantV: r3.Vec{}, wantYaw: 0.2,
		},
		{
			name: "rejection removes approach",
			cmd: Command{SpeedScale: 1, Mask: AllAxes,
				Rejection: MotionRejection{Active: true, Direction: r3.Vec{X: 1}}},
			desired: r3.Vec{X: 2, Z: 1},
			wantV:   r3.Vec{Z: 1},
		},
		{
			name: "rejection keeps retreat",
			cmd: Command{SpeedScale: 1, Mask: AllAxes,
				Rejection: MotionRejection{Active: true, Direction: r3.Vec{X: 1}}},
			desired: r3.Vec{X: -2, Z: 1},
			wantV:   r3.Vec{X: -2, Z: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, yaw := Limit(tt.cmd, tt.desired, tt.yaw)
			assertVecNear(t, tt.wantV, v)
			assert.Equal(t, tt.wantYaw, yaw)
		})
	}
}
