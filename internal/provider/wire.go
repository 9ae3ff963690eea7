// Package provider contains the pose sources that feed raw agent samples
// into the control loop: UDP listeners, a serial line reader and a pcap
// replayer. All of them speak the same JSON pose packet.
package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fleet.align/internal/pose"
)

// ErrInvalidPacket is wrapped by every decoding failure.
var ErrInvalidPacket = errors.New("invalid pose packet")

// maxPacketSize bounds a single encoded packet.
const maxPacketSize = 2048

// Vec3 is the wire form of a position.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quat is the wire form of a rotation, scalar last.
type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Packet is one pose report as sent by an agent.
type Packet struct {
	DroneID            int     `json:"DroneId"`
	Timestamp          float64 `json:"Timestamp"`
	Position           Vec3    `json:"Position"`
	Rotation           Quat    `json:"Rotation"`
	TrackingConfidence int     `json:"TrackingConfidence"`
}

// Sample converts the packet into a raw sample. A zero rotation decodes
// as identity.
func (p Packet) Sample() (pose.Sample, error) {
	vals := []float64{
		p.Timestamp,
		p.Position.X, p.Position.Y, p.Position.Z,
		p.Rotation.X, p.Rotation.Y, p.Rotation.Z, p.Rotation.W,
	}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return pose.Sample{}, fmt.Errorf("%w: non-finite value from agent %d", ErrInvalidPacket, p.DroneID)
		}
	}
	pos := r3.Vec{X: p.Position.X, Y: p.Position.Y, Z: p.Position.Z}
	rot := r3.Rotation(quat.Number{Real: p.Rotation.W, Imag: p.Rotation.X, Jmag: p.Rotation.Y, Kmag: p.Rotation.Z})
	return pose.Sample{
		Agent:      pose.AgentID(p.DroneID),
		Timestamp:  p.Timestamp,
		Pose:       pose.New(pos, rot),
		Confidence: pose.Confidence(p.TrackingConfidence),
	}, nil
}

// PacketFromSample is the inverse of Packet.Sample.
func PacketFromSample(s pose.Sample) Packet {
	q := quat.Number(s.Pose.Rot)
	return Packet{
		DroneID:            int(s.Agent),
		Timestamp:          s.Timestamp,
		Position:           Vec3{X: s.Pose.Pos.X, Y: s.Pose.Pos.Y, Z: s.Pose.Pos.Z},
		Rotation:           Quat{X: q.Imag, Y: q.Jmag, Z: q.Kmag, W: q.Real},
		TrackingConfidence: int(s.Confidence),
	}
}

// Decode parses one JSON pose packet.
func Decode(data []byte) (pose.Sample, error) {
	if len(data) > maxPacketSize {
		return pose.Sample{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidPacket, len(data), maxPacketSize)
	}
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return pose.Sample{}, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	return p.Sample()
}

// Encode serialises s as a JSON pose packet.
func Encode(s pose.Sample) ([]byte, error) {
	return json.Marshal(PacketFromSample(s))
}
