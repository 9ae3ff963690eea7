package provider

import (
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/pose"
)

type collectSink struct {
	mu      sync.Mutex
	samples []pose.Sample
	reject  bool
}

func (c *collectSink) Enqueue(s pose.Sample) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject {
		return false
	}
	c.samples = append(c.samples, s)
	return true
}

func (c *collectSink) Samples() []pose.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pose.Sample(nil), c.samples...)
}

func (c *collectSink) waitFor(t *testing.T, n int) []pose.Sample {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.Samples(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d samples, have %d", n, len(c.Samples()))
	return nil
}

func muteLogs(t *testing.T) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

func packetJSON(id int, ts, x float64) []byte {
	b, err := Encode(pose.Sample{
		Agent:      pose.AgentID(id),
		Timestamp:  ts,
		Pose:       pose.New(r3.Vec{X: x, Y: 1, Z: 2}, r3.Rotation{Real: 1}),
		Confidence: pose.ConfidenceGood,
	})
	if err != nil {
		panic(err)
	}
	return b
}

func TestDecode_Packet(t *testing.T) {
	data := []byte(`{"DroneId":3,"Timestamp":12.5,
		"Position":{"x":1,"y":2,"z":3},
		"Rotation":{"x":0,"y":0,"z":0.7071067811865476,"w":0.7071067811865476},
		"TrackingConfidence":1}`)
	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, pose.AgentID(3), got.Agent)
	assert.Equal(t, 12.5, got.Timestamp)
	assert.Equal(t, pose.ConfidenceDegraded, got.Confidence)
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, got.Pose.Pos)

	// A quarter turn about Z maps +X onto +Y.
	v := got.Pose.Rot.Rotate(r3.Vec{X: 1})
	assert.InDelta(t, 0, v.X, 1e-9)
	assert.InDelta(t, 1, v.Y, 1e-9)
}

func TestDecode_ZeroRotationIsIdentity(t *testing.T) {
	got, err := Decode([]byte(`{"DroneId":0,"Timestamp":1,"Position":{"x":0,"y":0,"z":0},"Rotation":{"x":0,"y":0,"z":0,"w":0},"TrackingConfidence":2}`))
	require.NoError(t, err)
	assert.Equal(t, pose.Identity(), got.Pose)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not json", []byte("hello")},
		{"wrong type", []byte(`{"DroneId":"one"}`)},
		{"oversized", []byte(`{"DroneId":1,"pad":"` + strings.Repeat("x", maxPacketSize) + `"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPacket))
		})
	}
}

func TestPacketSample_RejectsNonFinite(t *testing.T) {
	p := Packet{DroneID: 1, Timestamp: 1, Rotation: Quat{W: 1}}
	p.Position.Y = math.NaN()
	_, err := p.Sample()
	assert.ErrorIs(t, err, ErrInvalidPacket)

	p.Position.Y = 0
	p.Timestamp = math.Inf(1)
	_, err = p.Sample()
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestEncode_DecodeKeepsSample(t *testing.T) {
	want := pose.Sample{
		Agent:      7,
		Timestamp:  3.25,
		Pose:       pose.New(r3.Vec{X: -1, Y: 0.5, Z: 4}, r3.Rotation{Real: 1}),
		Confidence: pose.ConfidenceLost,
	}
	data, err := Encode(want)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"DroneId":7`)

	got, err := Decode(data)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded sample mismatch (-want +got):\n%s", diff)
	}
}
