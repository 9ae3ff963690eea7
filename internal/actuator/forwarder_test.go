package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fleet.align/internal/config"
	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/pose"
	"github.com/banshee-data/fleet.align/internal/safety"
)

func muteLogs(t *testing.T) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *net.UDPConn, v any) {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(buf[:n], v))
}

func TestAddrsFromTuning(t *testing.T) {
	cfg := &config.TuningConfig{Agents: []config.AgentConfig{
		{ID: 0, CommandAddr: "127.0.0.1:6005"},
		{ID: 1},
		{ID: 2, CommandAddr: "10.0.0.2:6007"},
	}}
	assert.Equal(t, map[pose.AgentID]string{0: "127.0.0.1:6005", 2: "10.0.0.2:6007"}, AddrsFromTuning(cfg, nil))

	overrides := map[pose.AgentID]string{1: "192.168.4.2:6006", 2: "192.168.4.3:7000"}
	assert.Equal(t, map[pose.AgentID]string{
		0: "127.0.0.1:6005",
		1: "192.168.4.2:6006",
		2: "192.168.4.3:7000",
	}, AddrsFromTuning(cfg, overrides))
}

func TestParseAddrOverrides(t *testing.T) {
	got, err := ParseAddrOverrides([]string{"0=127.0.0.1:6005", " 3 = [::1]:6008"})
	require.NoError(t, err)
	assert.Equal(t, map[pose.AgentID]string{0: "127.0.0.1:6005", 3: "[::1]:6008"}, got)

	for _, bad := range []string{"127.0.0.1:6005", "x=127.0.0.1:6005", "-1=127.0.0.1:6005", "1=localhost"} {
		_, err := ParseAddrOverrides([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestForwarder_SendsCommandsAndPoses(t *testing.T) {
	muteLogs(t)
	agent := listenLoopback(t)
	f, err := NewForwarder(Config{
		Addrs: map[pose.AgentID]string{3: agent.LocalAddr().String()},
		Now:   func() float64 { return 12.5 },
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)

	f.ApplyCommand(safety.Command{
		Agent:      3,
		SpeedScale: 0.4,
		Mask:       safety.AxisMask{X: true, Z: true, Yaw: true},
		Rejection:  safety.MotionRejection{Active: true, Direction: r3.Vec{X: 1}},
	})
	var cmd CommandMessage
	readJSON(t, agent, &cmd)
	assert.Equal(t, CommandMessage{
		Type:       "command",
		DroneID:    3,
		Timestamp:  12.5,
		SpeedScale: 0.4,
		Mask:       safety.AxisMask{X: true, Z: true, Yaw: true},
		Reject:     true,
		RejectDir:  vec3(r3.Vec{X: 1}),
	}, cmd)

	f.UpdatePose(3, pose.New(r3.Vec{X: 1, Y: 2, Z: 3}, r3.Rotation{Real: 1}))
	var pm PoseMessage
	readJSON(t, agent, &pm)
	assert.Equal(t, "pose", pm.Type)
	assert.Equal(t, 3, pm.DroneID)
	assert.Equal(t, 2.0, pm.Position.Y)
	assert.Equal(t, 1.0, pm.Rotation.W)

	require.NoError(t, f.Close())
	sent, failed, _ := f.Stats()
	assert.Equal(t, int64(2), sent)
	assert.Zero(t, failed)
}

func TestForwarder_IgnoresUnknownAgent(t *testing.T) {
	f, err := NewForwarder(Config{})
	require.NoError(t, err)
	f.ApplyCommand(safety.Command{Agent: 9, SpeedScale: 1})
	f.UpdatePose(9, pose.Identity())
	assert.Empty(t, f.channel)
	require.NoError(t, f.Close())
}

func TestForwarder_DropsWhenBufferFull(t *testing.T) {
	muteLogs(t)
	agent := listenLoopback(t)
	f, err := NewForwarder(Config{
		Addrs:      map[pose.AgentID]string{0: agent.LocalAddr().String()},
		BufferSize: 2,
	})
	require.NoError(t, err)

	// Not started: the buffer fills and further messages are dropped.
	for i := 0; i < 5; i++ {
		f.ApplyCommand(safety.Command{Agent: 0, SpeedScale: 1})
	}
	_, _, dropped := f.Stats()
	assert.Equal(t, int64(3), dropped)
	require.NoError(t, f.Close())
}

func TestForwarder_DialErrorClosesOthers(t *testing.T) {
	var opened []net.Conn
	boom := errors.New("unreachable")
	dial := func(network, address string) (net.Conn, error) {
		if address == "bad:1" {
			return nil, boom
		}
		c1, c2 := net.Pipe()
		t.Cleanup(func() { c2.Close() })
		opened = append(opened, c1)
		return c1, nil
	}
	_, err := NewForwarder(Config{
		Addrs: map[pose.AgentID]string{0: "good:1", 1: "bad:1"},
		Dial:  dial,
	})
	require.ErrorIs(t, err, boom)
	require.Len(t, opened, 1)
	_, werr := opened[0].Write([]byte("x"))
	assert.Error(t, werr, "connection opened before the failure is closed")
}

func TestForwarder_CountsWriteFailures(t *testing.T) {
	muteLogs(t)
	f, err := NewForwarder(Config{
		Addrs: map[pose.AgentID]string{0: "pipe"},
		Dial: func(string, string) (net.Conn, error) {
			c1, c2 := net.Pipe()
			c2.Close()
			return c1, nil
		},
	})
	require.NoError(t, err)
	f.Start(context.Background())
	f.ApplyCommand(safety.Command{Agent: 0})
	require.NoError(t, f.Close())

	_, failed, _ := f.Stats()
	assert.Equal(t, int64(1), failed)
}
