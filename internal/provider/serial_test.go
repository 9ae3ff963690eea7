package provider

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// pipePort is an in-memory serial port: the test writes into w and the
// source reads from r.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return len(b), nil }
func (p *pipePort) Close() error {
	p.w.Close()
	return p.r.Close()
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPortOptions_Normalize(t *testing.T) {
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr string
	}{
		{name: "defaults", in: PortOptions{}, want: PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}},
		{name: "even parity word", in: PortOptions{BaudRate: 57600, Parity: " even "}, want: PortOptions{BaudRate: 57600, DataBits: 8, StopBits: 1, Parity: "E"}},
		{name: "odd two stop", in: PortOptions{DataBits: 7, StopBits: 2, Parity: "o"}, want: PortOptions{BaudRate: 115200, DataBits: 7, StopBits: 2, Parity: "O"}},
		{name: "bad data bits", in: PortOptions{DataBits: 9}, wantErr: "data bits"},
		{name: "bad stop bits", in: PortOptions{StopBits: 3}, wantErr: "stop bits"},
		{name: "bad parity", in: PortOptions{Parity: "mark"}, wantErr: "parity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 9600, StopBits: 2, Parity: "E"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 9600, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.EvenParity}, mode)

	_, err = PortOptions{Parity: "X"}.SerialMode()
	assert.Error(t, err)
}

func TestSerialSource_ReadsLines(t *testing.T) {
	muteLogs(t)
	port := newPipePort()
	var openedPath string
	var openedOpts PortOptions
	src := NewSerialSource(SerialConfig{
		Path:    "/dev/ttyFAKE",
		Options: PortOptions{BaudRate: 57600},
		Open: func(path string, opts PortOptions) (io.ReadWriteCloser, error) {
			openedPath, openedOpts = path, opts
			return port, nil
		},
	})
	sink := &collectSink{}
	require.NoError(t, src.Start(context.Background(), sink))
	defer src.Close()

	go func() {
		port.w.Write(append(packetJSON(0, 1, 1), '\n'))
		port.w.Write([]byte("\n   \nnot json\n"))
		port.w.Write(append(packetJSON(2, 1.5, 3), '\r', '\n'))
	}()

	got := sink.waitFor(t, 2)
	assert.Equal(t, "/dev/ttyFAKE", openedPath)
	assert.Equal(t, 57600, openedOpts.BaudRate)
	assert.Equal(t, 1.0, got[0].Pose.Pos.X)
	assert.Equal(t, 3.0, got[1].Pose.Pos.X)
	_, _, invalid, _, _ := src.Stats().GetAndReset()
	assert.Equal(t, int64(1), invalid)
}

func TestSerialSource_EOFEndsReader(t *testing.T) {
	muteLogs(t)
	port := newPipePort()
	src := NewSerialSource(SerialConfig{
		Open: func(string, PortOptions) (io.ReadWriteCloser, error) { return port, nil },
	})
	require.NoError(t, src.Start(context.Background(), &collectSink{}))
	port.w.Close()

	select {
	case <-src.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not exit at EOF")
	}
	assert.NoError(t, src.Err())
	assert.NoError(t, src.Close())
}

func TestSerialSource_CloseStopsReader(t *testing.T) {
	muteLogs(t)
	port := newPipePort()
	src := NewSerialSource(SerialConfig{
		Open: func(string, PortOptions) (io.ReadWriteCloser, error) { return port, nil },
	})
	require.NoError(t, src.Start(context.Background(), &collectSink{}))
	require.NoError(t, src.Close())

	select {
	case <-src.Done():
	default:
		t.Fatal("Close returned before the reader exited")
	}
	assert.NoError(t, src.Err())
}

func TestSerialSource_OpenError(t *testing.T) {
	boom := errors.New("no such device")
	src := NewSerialSource(SerialConfig{
		Open: func(string, PortOptions) (io.ReadWriteCloser, error) { return nil, boom },
	})
	err := src.Start(context.Background(), &collectSink{})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, src.Close())
}
