package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/pose"
)

// ReplayConfig configures a ReplaySource.
type ReplayConfig struct {
	Path string
	// Ports restricts replay to UDP datagrams sent to these destination
	// ports. Empty accepts every UDP datagram.
	Ports []int
	// Speed paces replay against capture timestamps; 1 is real time and
	// zero or negative replays as fast as possible.
	Speed float64
	Stats *PacketStats
}

// ReplaySource feeds pose packets from a pcap capture of the UDP pose
// traffic back into the control loop.
type ReplaySource struct {
	cfg ReplayConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewReplaySource returns an unstarted source.
func NewReplaySource(cfg ReplayConfig) *ReplaySource {
	if cfg.Stats == nil {
		cfg.Stats = NewPacketStats("replay", nil)
	}
	return &ReplaySource{cfg: cfg}
}

// Stats returns the source's packet counters.
func (r *ReplaySource) Stats() *PacketStats { return r.cfg.Stats }

// Start replays the capture in a goroutine. Done is closed when the end of
// the file is reached or the source is closed.
func (r *ReplaySource) Start(ctx context.Context, sink pose.SampleSink) error {
	f, err := os.Open(r.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", r.cfg.Path, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer f.Close()
		err := r.Replay(ctx, f, sink)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		if err != nil {
			monitoring.Errorf("[replay] %s: %v", r.cfg.Path, err)
		}
	}()
	return nil
}

// Done is closed once a started replay finishes.
func (r *ReplaySource) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err returns the error that ended the replay, if any.
func (r *ReplaySource) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close stops a running replay and waits for it.
func (r *ReplaySource) Close() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Replay reads a pcap stream synchronously and enqueues every decodable
// pose packet. It returns nil at the end of the stream.
func (r *ReplaySource) Replay(ctx context.Context, in io.Reader, sink pose.SampleSink) error {
	reader, err := pcapgo.NewReader(in)
	if err != nil {
		return fmt.Errorf("read pcap header: %w", err)
	}
	ports := make(map[int]bool, len(r.cfg.Ports))
	for _, p := range r.cfg.Ports {
		ports[p] = true
	}

	var (
		count      int
		firstCap   time.Time
		firstWall  time.Time
		startTime  = time.Now()
		decodeOpts = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	)
	for {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("[replay] stopping due to context cancellation (processed %d packets)", count)
			return err
		}
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("[replay] complete: %d packets processed in %v", count, time.Since(startTime))
			return nil
		}
		if err != nil {
			return fmt.Errorf("read pcap packet %d: %w", count+1, err)
		}
		count++

		packet := gopacket.NewPacket(data, reader.LinkType(), decodeOpts)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if len(ports) > 0 && !ports[int(udp.DstPort)] {
			continue
		}

		if r.cfg.Speed > 0 {
			if firstCap.IsZero() {
				firstCap, firstWall = ci.Timestamp, time.Now()
			} else if err := r.pace(ctx, ci.Timestamp.Sub(firstCap), firstWall); err != nil {
				return err
			}
		}

		r.cfg.Stats.AddPacket(len(udp.Payload))
		sample, err := Decode(udp.Payload)
		if err != nil {
			r.cfg.Stats.AddInvalid()
			monitoring.Warnf("[replay] packet %d: %v", count, err)
			continue
		}
		if !sink.Enqueue(sample) {
			r.cfg.Stats.AddDropped()
		}
	}
}

func (r *ReplaySource) pace(ctx context.Context, offset time.Duration, start time.Time) error {
	due := start.Add(time.Duration(float64(offset) / r.cfg.Speed))
	wait := time.Until(due)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
