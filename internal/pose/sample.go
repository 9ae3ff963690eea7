package pose

import "fmt"

// AgentID identifies one agent (drone) in the fleet.
type AgentID int

func (id AgentID) String() string { return fmt.Sprintf("agent-%d", int(id)) }

// Confidence is the tracking confidence reported by an agent's SLAM
// pipeline alongside each pose.
type Confidence int

const (
	ConfidenceInvalid  Confidence = -1
	ConfidenceLost     Confidence = 0
	ConfidenceDegraded Confidence = 1
	ConfidenceGood     Confidence = 2
)

func (c Confidence) String() string {
	switch {
	case c >= ConfidenceGood:
		return "good"
	case c == ConfidenceDegraded:
		return "degraded"
	case c == ConfidenceLost:
		return "lost"
	default:
		return "invalid"
	}
}

// Sample is one raw pose report from an agent, expressed in that agent's
// SLAM frame. Timestamp is in seconds on the provider's monotonic clock.
type Sample struct {
	Agent      AgentID
	Timestamp  float64
	Pose       Pose
	Confidence Confidence
}

// SampleSink receives samples from pose providers. Enqueue must not block
// and reports false when the sink was full and a sample was discarded.
type SampleSink interface {
	Enqueue(Sample) bool
}
