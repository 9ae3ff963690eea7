package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/pose"
)

// PortOptions describes the serial link parameters.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and fills in 115200 8N1 defaults.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}
	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	return opts, nil
}

// SerialMode converts the options for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// SerialOpener opens the serial device at path.
type SerialOpener func(path string, opts PortOptions) (io.ReadWriteCloser, error)

// OpenSerialPort opens a real serial device.
func OpenSerialPort(path string, opts PortOptions) (io.ReadWriteCloser, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

// SerialConfig configures a SerialSource.
type SerialConfig struct {
	Path    string
	Options PortOptions
	Stats   *PacketStats
	Open    SerialOpener // defaults to OpenSerialPort
}

// SerialSource reads newline-delimited JSON pose packets from a serial
// link, typically a radio bridge carrying several agents.
type SerialSource struct {
	cfg SerialConfig

	mu     sync.Mutex
	port   io.ReadWriteCloser
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewSerialSource returns an unstarted source.
func NewSerialSource(cfg SerialConfig) *SerialSource {
	if cfg.Open == nil {
		cfg.Open = OpenSerialPort
	}
	if cfg.Stats == nil {
		cfg.Stats = NewPacketStats("serial", nil)
	}
	return &SerialSource{cfg: cfg}
}

// Stats returns the source's packet counters.
func (s *SerialSource) Stats() *PacketStats { return s.cfg.Stats }

// Start opens the port and reads it in a goroutine until ctx is cancelled,
// Close is called or the port reaches EOF.
func (s *SerialSource) Start(ctx context.Context, sink pose.SampleSink) error {
	port, err := s.cfg.Open(s.cfg.Path, s.cfg.Options)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.port = port
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		port.Close()
	}()
	go func() {
		defer close(done)
		err := s.read(ctx, port, sink)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if err != nil {
			monitoring.Errorf("[serial] %s: %v", s.cfg.Path, err)
		}
	}()
	monitoring.Logf("[serial] reading pose packets from %s", s.cfg.Path)
	return nil
}

// Done is closed when the reader goroutine exits.
func (s *SerialSource) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the error that stopped the reader, if any.
func (s *SerialSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the reader and closes the port.
func (s *SerialSource) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *SerialSource) read(ctx context.Context, r io.Reader, sink pose.SampleSink) error {
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, maxPacketSize), maxPacketSize)
	for scan.Scan() {
		line := bytes.TrimSpace(scan.Bytes())
		if len(line) == 0 {
			continue
		}
		s.cfg.Stats.AddPacket(len(line))
		sample, err := Decode(line)
		if err != nil {
			s.cfg.Stats.AddInvalid()
			monitoring.Warnf("[serial] skipping line: %v", err)
			continue
		}
		if !sink.Enqueue(sample) {
			s.cfg.Stats.AddDropped()
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scan.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("read serial: %w", err)
	}
	return nil
}
