// Package actuator delivers the control loop's output to the agents: motion
// commands and corrected world poses are sent as JSON datagrams to each
// agent's command address.
package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fleet.align/internal/config"
	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/pose"
	"github.com/banshee-data/fleet.align/internal/provider"
	"github.com/banshee-data/fleet.align/internal/safety"
)

const (
	defaultBufferSize  = 1000
	defaultLogInterval = time.Minute
)

// CommandMessage is the datagram an agent receives each tick.
type CommandMessage struct {
	Type       string          `json:"Type"` // "command"
	DroneID    int             `json:"DroneId"`
	Timestamp  float64         `json:"Timestamp"`
	SpeedScale float64         `json:"SpeedScale"`
	Mask       safety.AxisMask `json:"Mask"`
	Reject     bool            `json:"Reject"`
	RejectDir  provider.Vec3   `json:"RejectDirection"`
}

// PoseMessage carries an agent's corrected world-frame pose back to it.
type PoseMessage struct {
	Type string `json:"Type"` // "pose"
	provider.Packet
}

// Dialer opens the outbound connection for one agent.
type Dialer func(network, address string) (net.Conn, error)

// Config configures a Forwarder.
type Config struct {
	Addrs       map[pose.AgentID]string // host:port per agent
	BufferSize  int
	LogInterval time.Duration
	Now         func() float64 // session seconds stamped on messages
	Dial        Dialer
}

// AddrsFromTuning collects the configured command addresses. Entries in
// overrides replace the configured address of that agent, or add one for
// an agent that has none.
func AddrsFromTuning(cfg *config.TuningConfig, overrides map[pose.AgentID]string) map[pose.AgentID]string {
	addrs := make(map[pose.AgentID]string)
	for _, a := range cfg.Agents {
		if a.CommandAddr != "" {
			addrs[pose.AgentID(a.ID)] = a.CommandAddr
		}
	}
	for id, addr := range overrides {
		addrs[id] = addr
	}
	return addrs
}

// ParseAddrOverrides parses "agent=host:port" entries.
func ParseAddrOverrides(entries []string) (map[pose.AgentID]string, error) {
	out := make(map[pose.AgentID]string, len(entries))
	for _, e := range entries {
		idStr, addr, ok := strings.Cut(e, "=")
		if !ok {
			return nil, fmt.Errorf("command address %q: want agent=host:port", e)
		}
		id, err := strconv.Atoi(strings.TrimSpace(idStr))
		if err != nil || id < 0 {
			return nil, fmt.Errorf("command address %q: invalid agent id", e)
		}
		addr = strings.TrimSpace(addr)
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("command address %q: %w", e, err)
		}
		out[pose.AgentID(id)] = addr
	}
	return out, nil
}

type outbound struct {
	agent   pose.AgentID
	payload []byte
}

// Forwarder sends commands and poses asynchronously. Enqueueing never
// blocks the control loop; when the buffer is full the message is dropped
// and counted.
type Forwarder struct {
	cfg     Config
	conns   map[pose.AgentID]net.Conn
	channel chan outbound

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewForwarder dials every configured agent address.
func NewForwarder(cfg Config) (*Forwarder, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = defaultLogInterval
	}
	if cfg.Dial == nil {
		cfg.Dial = net.Dial
	}
	if cfg.Now == nil {
		start := time.Now()
		cfg.Now = func() float64 { return time.Since(start).Seconds() }
	}

	ids := make([]pose.AgentID, 0, len(cfg.Addrs))
	for id := range cfg.Addrs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	conns := make(map[pose.AgentID]net.Conn, len(ids))
	for _, id := range ids {
		conn, err := cfg.Dial("udp", cfg.Addrs[id])
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return nil, fmt.Errorf("failed to create command connection for %v at %s: %w", id, cfg.Addrs[id], err)
		}
		conns[id] = conn
	}
	return &Forwarder{
		cfg:     cfg,
		conns:   conns,
		channel: make(chan outbound, cfg.BufferSize),
	}, nil
}

// Start begins the sending goroutine. It exits when ctx is cancelled or
// the forwarder is closed.
func (f *Forwarder) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		var (
			failures  int
			lastError error
		)
		ticker := time.NewTicker(f.cfg.LogInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-f.channel:
				if !ok {
					return
				}
				if _, err := f.conns[msg.agent].Write(msg.payload); err != nil {
					failures++
					lastError = err
					f.failed.Add(1)
					continue
				}
				f.sent.Add(1)
			case <-ticker.C:
				if failures > 0 {
					monitoring.Warnf("[actuator] %d messages failed to send (latest: %v)", failures, lastError)
					failures, lastError = 0, nil
				}
				if d := f.dropped.Swap(0); d > 0 {
					monitoring.Warnf("[actuator] dropped %d messages, send buffer full", d)
				}
			}
		}
	}()
	for id, addr := range f.cfg.Addrs {
		monitoring.Logf("[actuator] sending %v commands to %s", id, addr)
	}
}

// ApplyCommand implements control.MotionLimiter.
func (f *Forwarder) ApplyCommand(cmd safety.Command) {
	if _, ok := f.conns[cmd.Agent]; !ok {
		return
	}
	msg := CommandMessage{
		Type:       "command",
		DroneID:    int(cmd.Agent),
		Timestamp:  f.cfg.Now(),
		SpeedScale: cmd.SpeedScale,
		Mask:       cmd.Mask,
		Reject:     cmd.Rejection.Active,
		RejectDir:  vec3(cmd.Rejection.Direction),
	}
	f.send(cmd.Agent, msg)
}

// UpdatePose implements control.PoseSink.
func (f *Forwarder) UpdatePose(id pose.AgentID, p pose.Pose) {
	if _, ok := f.conns[id]; !ok {
		return
	}
	pkt := provider.PacketFromSample(pose.Sample{
		Agent:      id,
		Timestamp:  f.cfg.Now(),
		Pose:       p,
		Confidence: pose.ConfidenceGood,
	})
	f.send(id, PoseMessage{Type: "pose", Packet: pkt})
}

func (f *Forwarder) send(id pose.AgentID, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		monitoring.Errorf("[actuator] encode message for %v: %v", id, err)
		return
	}
	select {
	case f.channel <- outbound{agent: id, payload: payload}:
	default:
		f.dropped.Add(1)
	}
}

// Stats returns how many messages were sent, failed and are counted as
// dropped since the last periodic log.
func (f *Forwarder) Stats() (sent, failed, dropped int64) {
	return f.sent.Load(), f.failed.Load(), f.dropped.Load()
}

// Close stops the sender after it drains what is already queued, then
// closes every connection. Commands must not be applied after Close.
func (f *Forwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.channel)
		f.wg.Wait()
		for _, c := range f.conns {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func vec3(v r3.Vec) provider.Vec3 { return provider.Vec3{X: v.X, Y: v.Y, Z: v.Z} }
