// Package monitor serves the fleet's live diagnostics over HTTP: a JSON
// status view of the latest control-loop snapshot, a manual
// relocalization trigger, Prometheus metrics and HTML charts of recent
// history.
package monitor

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fleet.align/internal/control"
	"github.com/banshee-data/fleet.align/internal/pose"
	"github.com/banshee-data/fleet.align/internal/quality"
	"github.com/banshee-data/fleet.align/internal/safety"
)

// Vec is the JSON form of a position or direction.
type Vec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PoseView is the JSON form of a pose. Rotation is scalar-last.
type PoseView struct {
	Position Vec        `json:"position"`
	Rotation [4]float64 `json:"rotation"`
	YawDeg   float64    `json:"yaw_deg"`
}

// AgentView is one agent in the status response.
type AgentView struct {
	ID             int             `json:"id"`
	Raw            *PoseView       `json:"raw,omitempty"`
	World          *PoseView       `json:"world,omitempty"`
	Confidence     string          `json:"confidence"`
	Stale          bool            `json:"stale"`
	Velocity       *Vec            `json:"velocity,omitempty"`
	Radius         float64         `json:"radius"`
	SpeedScale     float64         `json:"speed_scale"`
	Mask           safety.AxisMask `json:"mask"`
	Rejection      *Vec            `json:"rejection,omitempty"`
	Quality        *quality.Stats  `json:"quality,omitempty"`
	AlignmentError *float64        `json:"alignment_error,omitempty"`
	LastTimestamp  float64         `json:"last_timestamp"`
}

// CollisionView summarises the collision layer.
type CollisionView struct {
	Active        bool    `json:"active"`
	Detected      bool    `json:"detected"`
	TimeToClosest float64 `json:"time_to_closest,omitempty"`
	ClosingSpeed  float64 `json:"closing_speed,omitempty"`
	Violations    int     `json:"barrier_violations"`
	Predictions   int     `json:"predictions"`
}

// BlendView describes an in-progress relocalization.
type BlendView struct {
	Active   bool    `json:"active"`
	Progress float64 `json:"progress"`
	Reason   string  `json:"reason,omitempty"`
}

// StatusView is the body of GET /api/status.
type StatusView struct {
	Seq           uint64          `json:"seq"`
	Time          float64         `json:"time"`
	Anchor        int             `json:"anchor"`
	AnchorState   string          `json:"anchor_state"`
	Correction    PoseView        `json:"correction"`
	Blend         BlendView       `json:"blend"`
	Drift         *float64        `json:"drift,omitempty"`
	MinSeparation *float64        `json:"min_separation,omitempty"`
	Collision     CollisionView   `json:"collision"`
	QueueDropped  uint64          `json:"queue_dropped"`
	Agents        []AgentView     `json:"agents"`
	Events        []control.Event `json:"events,omitempty"`
}

func vecView(v r3.Vec) Vec { return Vec{X: v.X, Y: v.Y, Z: v.Z} }

func poseView(p pose.Pose) PoseView {
	q := quat.Number(p.Rot)
	yaw, _, _ := pose.YawPitchRoll(p.Rot)
	return PoseView{
		Position: vecView(p.Pos),
		Rotation: [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real},
		YawDeg:   yaw * 180 / math.Pi,
	}
}

func optional(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}

// NewStatusView converts a snapshot into its JSON representation.
func NewStatusView(s *control.Snapshot) StatusView {
	v := StatusView{
		Seq:           s.Seq,
		Time:          s.Time,
		Anchor:        int(s.Anchor),
		AnchorState:   s.AnchorState.String(),
		Correction:    poseView(s.Correction),
		Blend:         BlendView{Active: s.Blend.Active, Progress: s.Blend.Progress, Reason: s.Blend.Reason},
		Drift:         optional(s.Drift, s.HasDrift),
		MinSeparation: optional(s.MinSeparation, s.HasSeparation),
		Collision: CollisionView{
			Active:      s.Collision.Active,
			Detected:    s.Collision.Detected,
			Violations:  len(s.Collision.Violations),
			Predictions: len(s.Collision.Predictions),
		},
		QueueDropped: s.QueueDropped,
		Agents:       make([]AgentView, 0, len(s.Agents)),
		Events:       s.Events,
	}
	if s.Collision.Detected {
		v.Collision.TimeToClosest = s.Collision.TimeToClosest
		v.Collision.ClosingSpeed = s.Collision.ClosingSpeed
	}
	for _, a := range s.Agents {
		av := AgentView{
			ID:             int(a.ID),
			Confidence:     "unknown",
			Stale:          a.Stale,
			Radius:         a.Radius,
			SpeedScale:     a.Command.SpeedScale,
			Mask:           a.Command.Mask,
			AlignmentError: optional(a.AlignmentError, a.HasAlignment),
			LastTimestamp:  a.LastTimestamp,
		}
		if a.HasRaw {
			pv := poseView(a.Raw)
			av.Raw = &pv
		}
		if a.HasWorld {
			pv := poseView(a.World)
			av.World = &pv
		}
		if a.HasConfidence {
			av.Confidence = a.Confidence.String()
		}
		if a.HasVelocity {
			vv := vecView(a.Velocity)
			av.Velocity = &vv
		}
		if a.Command.Rejection.Active {
			rv := vecView(a.Command.Rejection.Direction)
			av.Rejection = &rv
		}
		if a.HasQuality {
			q := a.Quality
			av.Quality = &q
		}
		v.Agents = append(v.Agents, av)
	}
	return v
}
