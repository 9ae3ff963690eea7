package actuator

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/pose"
	"github.com/banshee-data/fleet.align/internal/safety"
)

// LogLimiter is a MotionLimiter for dry runs. It applies each command to a
// nominal desired velocity and logs the result whenever an agent's limits
// change.
type LogLimiter struct {
	Desired    r3.Vec
	DesiredYaw float64

	mu   sync.Mutex
	last map[pose.AgentID]safety.Command
	out  map[pose.AgentID]r3.Vec
}

// NewLogLimiter returns a limiter that evaluates commands against the
// given nominal motion.
func NewLogLimiter(desired r3.Vec, yaw float64) *LogLimiter {
	return &LogLimiter{
		Desired:    desired,
		DesiredYaw: yaw,
		last:       make(map[pose.AgentID]safety.Command),
		out:        make(map[pose.AgentID]r3.Vec),
	}
}

// ApplyCommand implements control.MotionLimiter.
func (l *LogLimiter) ApplyCommand(cmd safety.Command) {
	v, yaw := safety.Limit(cmd, l.Desired, l.DesiredYaw)

	l.mu.Lock()
	prev, seen := l.last[cmd.Agent]
	l.last[cmd.Agent] = cmd
	l.out[cmd.Agent] = v
	l.mu.Unlock()

	if seen && sameLimits(prev, cmd) {
		return
	}
	monitoring.Logf("[limiter] %v scale=%.2f axes=%s%s -> v=(%.2f, %.2f, %.2f) yaw=%.2f",
		cmd.Agent, cmd.SpeedScale, maskString(cmd.Mask), rejectString(cmd.Rejection), v.X, v.Y, v.Z, yaw)
}

// Limited returns the last limited velocity computed for id.
func (l *LogLimiter) Limited(id pose.AgentID) (r3.Vec, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.out[id]
	return v, ok
}

func sameLimits(a, b safety.Command) bool {
	const eps = 0.01
	return math.Abs(a.SpeedScale-b.SpeedScale) < eps &&
		a.Mask == b.Mask &&
		a.Rejection.Active == b.Rejection.Active &&
		r3.Norm(r3.Sub(a.Rejection.Direction, b.Rejection.Direction)) < eps
}

func maskString(m safety.AxisMask) string {
	var b strings.Builder
	for _, ax := range []struct {
		on   bool
		name string
	}{{m.X, "x"}, {m.Y, "y"}, {m.Z, "z"}, {m.Yaw, "r"}} {
		if ax.on {
			b.WriteString(ax.name)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

func rejectString(r safety.MotionRejection) string {
	if !r.Active {
		return ""
	}
	return fmt.Sprintf(" reject=(%.2f, %.2f, %.2f)", r.Direction.X, r.Direction.Y, r.Direction.Z)
}
