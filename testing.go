package reverseproxyd

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"
)

// MockBackend is a minimal raw-TCP backend server for testing a Proxy
// without depending on a real upstream service. It implements no HTTP
// semantics of its own: SetResponse installs the exact bytes each accepted
// connection writes back, so callers control response framing precisely
// (a declared Content-Length, a deliberately short write to simulate
// upstream EOF mid-response, and so on). It is a stand-in a test can drive
// without kernel or network dependencies beyond loopback TCP.
type MockBackend struct {
	ln net.Listener

	mu              sync.Mutex
	response        []byte
	closeAfterWrite bool
	connsAccepted   int
}

// NewMockBackend starts a backend listening on an OS-assigned loopback port.
// Callers should Close it when done.
func NewMockBackend() (*MockBackend, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	m := &MockBackend{ln: ln}
	go m.serve()
	return m, nil
}

func (m *MockBackend) serve() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		go m.handle(conn)
	}
}

func (m *MockBackend) handle(conn net.Conn) {
	defer conn.Close()

	m.mu.Lock()
	m.connsAccepted++
	m.mu.Unlock()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil || n == 0 {
			return
		}

		m.mu.Lock()
		resp := append([]byte(nil), m.response...)
		closeAfter := m.closeAfterWrite
		m.mu.Unlock()

		if len(resp) > 0 {
			if _, err := conn.Write(resp); err != nil {
				return
			}
		}
		if closeAfter {
			return
		}
	}
}

// SetResponse installs the bytes written back after every subsequent read
// on an accepted connection. If closeAfterWrite is true the connection is
// closed immediately after the write, simulating an upstream that hangs up
// mid-response rather than keeping the connection alive for reuse.
func (m *MockBackend) SetResponse(response []byte, closeAfterWrite bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	m.closeAfterWrite = closeAfterWrite
}

// Addr returns the loopback address and port the backend is listening on,
// suitable for registry.Backend{Addr: mock.Addr()}.
func (m *MockBackend) Addr() netip.AddrPort {
	return m.ln.Addr().(*net.TCPAddr).AddrPort()
}

// ConnsAccepted reports how many connections the backend has accepted so
// far, useful for asserting idle-cache reuse: a warm cache hit should not
// increase this count.
func (m *MockBackend) ConnsAccepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connsAccepted
}

// Close stops the backend from accepting further connections.
func (m *MockBackend) Close() error {
	return m.ln.Close()
}

// NewLoopbackListenerFD builds a non-blocking, SO_REUSEADDR TCP listener on
// loopback, bypassing the net package so the raw descriptor can be handed
// directly to a Proxy the way cmd/reverseproxyd's SO_REUSEPORT listener
// construction does for production: tests need the same raw-fd entry point
// production code uses. Returns the descriptor and the port the kernel
// assigned.
func NewLoopbackListenerFD() (fd int, port uint16, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, 0, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}

	sa := &unix.SockaddrInet4{Port: 0}
	sa.Addr = [4]byte{127, 0, 0, 1}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}

	if err := unix.Listen(fd, DefaultListenBacklog); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	addr, ok := bound.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("reverseproxyd: unexpected sockname type %T", bound)
	}

	return fd, uint16(addr.Port), nil
}
