package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/fleet.align/internal/config"
	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/pose"
)

// DefaultUDPBasePort is the port of the first agent when none is
// configured; later agents use consecutive ports.
const DefaultUDPBasePort = 5005

const (
	defaultRcvBuf      = 1 << 16
	defaultLogInterval = time.Minute
	readTimeout        = 100 * time.Millisecond
)

// PortsFromTuning maps each configured agent to its UDP port, falling
// back to basePort plus the agent's position in the agent list.
func PortsFromTuning(cfg *config.TuningConfig, basePort int) map[pose.AgentID]int {
	if basePort <= 0 {
		basePort = DefaultUDPBasePort
	}
	ports := make(map[pose.AgentID]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if a.UDPPort != nil {
			ports[pose.AgentID(a.ID)] = *a.UDPPort
		} else {
			ports[pose.AgentID(a.ID)] = basePort + i
		}
	}
	if len(ports) == 0 {
		ports[pose.AgentID(cfg.GetAnchorID())] = basePort
	}
	return ports
}

// UDPConfig configures a UDPSource.
type UDPConfig struct {
	Host        string               // listen address, empty for all interfaces
	Ports       map[pose.AgentID]int // one listening port per agent
	RcvBuf      int                  // socket receive buffer in bytes
	LogInterval time.Duration        // how often packet stats are logged
	Stats       *PacketStats         // optional, created when nil
	Factory     UDPSocketFactory     // optional, real sockets when nil
}

// UDPSource listens on one UDP port per agent for JSON pose packets.
// The agent id inside each packet is authoritative; the port mapping only
// decides which sockets to open.
type UDPSource struct {
	cfg UDPConfig

	mu      sync.Mutex
	sockets []UDPSocket
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewUDPSource returns an unstarted source.
func NewUDPSource(cfg UDPConfig) *UDPSource {
	if cfg.RcvBuf <= 0 {
		cfg.RcvBuf = defaultRcvBuf
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = defaultLogInterval
	}
	if cfg.Stats == nil {
		cfg.Stats = NewPacketStats("udp", nil)
	}
	if cfg.Factory == nil {
		cfg.Factory = RealUDPSocketFactory{}
	}
	return &UDPSource{cfg: cfg}
}

// Stats returns the source's packet counters.
func (s *UDPSource) Stats() *PacketStats { return s.cfg.Stats }

// Start opens every socket and begins pushing samples into sink. If any
// socket fails to open, the ones already opened are closed again.
func (s *UDPSource) Start(ctx context.Context, sink pose.SampleSink) error {
	ids := make([]pose.AgentID, 0, len(s.cfg.Ports))
	for id := range s.cfg.Ports {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var opened []UDPSocket
	for _, id := range ids {
		port := s.cfg.Ports[id]
		addr := &net.UDPAddr{IP: net.ParseIP(s.cfg.Host), Port: port}
		sock, err := s.cfg.Factory.ListenUDP("udp", addr)
		if err != nil {
			for _, o := range opened {
				o.Close()
			}
			return fmt.Errorf("listen for agent %d on port %d: %w", id, port, err)
		}
		if err := sock.SetReadBuffer(s.cfg.RcvBuf); err != nil {
			monitoring.Warnf("[udp] failed to set receive buffer to %d on port %d: %v", s.cfg.RcvBuf, port, err)
		}
		monitoring.Logf("[udp] listening for agent %d on %s", id, sock.LocalAddr())
		opened = append(opened, sock)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.sockets = opened
	s.cancel = cancel
	s.mu.Unlock()

	for i, sock := range opened {
		s.wg.Add(1)
		go s.listen(ctx, ids[i], sock, sink)
	}
	s.wg.Add(1)
	go s.logStats(ctx)
	return nil
}

// Close stops every listener and waits for them to exit.
func (s *UDPSource) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	sockets := s.sockets
	s.cancel = nil
	s.sockets = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	var errs []error
	for _, sock := range sockets {
		if err := sock.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *UDPSource) listen(ctx context.Context, id pose.AgentID, sock UDPSocket, sink pose.SampleSink) {
	defer s.wg.Done()
	buf := make([]byte, maxPacketSize+1)
	for {
		if ctx.Err() != nil {
			return
		}
		sock.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			monitoring.Warnf("[udp] read error on agent %d socket: %v", id, err)
			continue
		}
		s.handlePacket(buf[:n], addr, id, sink)
	}
}

func (s *UDPSource) handlePacket(data []byte, from *net.UDPAddr, port pose.AgentID, sink pose.SampleSink) {
	s.cfg.Stats.AddPacket(len(data))
	sample, err := Decode(data)
	if err != nil {
		s.cfg.Stats.AddInvalid()
		monitoring.Warnf("[udp] dropping packet from %v on agent %d port: %v", from, port, err)
		return
	}
	if !sink.Enqueue(sample) {
		s.cfg.Stats.AddDropped()
	}
}

func (s *UDPSource) logStats(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cfg.Stats.LogStats()
		}
	}
}
