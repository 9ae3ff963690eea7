package provider

import (
	"net"
	"sync"
	"time"
)

// UDPSocket is the subset of *net.UDPConn the UDP source uses.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory opens UDP sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory opens sockets with net.ListenUDP.
type RealUDPSocketFactory struct{}

// ListenUDP implements UDPSocketFactory.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSocket replays canned packets. Once the packets run out it
// behaves like a socket whose read deadline keeps expiring.
type MockUDPSocket struct {
	mu sync.Mutex

	Packets   [][]byte
	ReadIndex int
	Closed    bool

	ReadBufferSize int
	LocalAddress   *net.UDPAddr
}

// NewMockUDPSocket returns a socket that will deliver packets in order.
func NewMockUDPSocket(packets ...[]byte) *MockUDPSocket {
	return &MockUDPSocket{
		Packets:      packets,
		LocalAddress: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)},
	}
}

// ReadFromUDP implements UDPSocket.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.Closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if m.ReadIndex >= len(m.Packets) {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	pkt := m.Packets[m.ReadIndex]
	m.ReadIndex++
	m.mu.Unlock()
	return copy(b, pkt), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}, nil
}

// SetReadBuffer implements UDPSocket.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadBufferSize = bytes
	return nil
}

// SetReadDeadline implements UDPSocket.
func (m *MockUDPSocket) SetReadDeadline(time.Time) error { return nil }

// Close implements UDPSocket.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// IsClosed reports whether Close has been called.
func (m *MockUDPSocket) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}

// Drained reports whether every packet has been read.
func (m *MockUDPSocket) Drained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ReadIndex >= len(m.Packets)
}

// LocalAddr implements UDPSocket.
func (m *MockUDPSocket) LocalAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LocalAddress
}

// MockUDPSocketFactory hands out one mock socket per port.
type MockUDPSocketFactory struct {
	mu      sync.Mutex
	Sockets map[int]*MockUDPSocket
	Errors  map[int]error
	Calls   []*net.UDPAddr
}

// ListenUDP implements UDPSocketFactory.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, laddr)
	if err := f.Errors[laddr.Port]; err != nil {
		return nil, err
	}
	s, ok := f.Sockets[laddr.Port]
	if !ok {
		s = NewMockUDPSocket()
		if f.Sockets == nil {
			f.Sockets = make(map[int]*MockUDPSocket)
		}
		f.Sockets[laddr.Port] = s
	}
	s.mu.Lock()
	s.LocalAddress = laddr
	s.mu.Unlock()
	return s, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
