package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// Socket is a stream socket that is allocated before it is connected.
type Socket interface {
	// Connect establishes the TCP connection, blocking until it succeeds,
	// fails, or ctx is done.
	Connect(ctx context.Context, addr *net.TCPAddr) error

	// Write sends b on the connection.
	Write(b []byte) (int, error)

	// Read reads at most len(b) bytes from the connection.
	Read(b []byte) (int, error)

	// SetDeadline bounds subsequent Read and Write calls.
	SetDeadline(t time.Time) error

	// Shutdown disables further receives on the connection.
	Shutdown() error

	// Close releases the socket. It is safe to call more than once and from
	// another goroutine while I/O is blocked.
	Close() error
}

// SocketFactory allocates probe sockets.
type SocketFactory interface {
	// Open allocates a new unconnected socket.
	Open() (Socket, error)
}

// SocketOptions are applied to every connection a factory creates.
type SocketOptions struct {
	// TTL sets the IPv4 time-to-live; 0 keeps the OS default.
	TTL int

	// TOS sets the IPv4 type-of-service byte; 0 keeps the OS default.
	TOS int
}

// TCPSocketFactory creates IPv4 TCP sockets and allows only one to be open at a time.
// The descriptor is allocated by Open, before the peer address is known.
type TCPSocketFactory struct {
	options SocketOptions

	mu   sync.Mutex
	open bool
}

// NewTCPSocketFactory creates a factory applying options to each connection.
func NewTCPSocketFactory(options SocketOptions) *TCPSocketFactory {
	return &TCPSocketFactory{options: options}
}

// Open allocates a new IPv4 stream socket descriptor. It returns
// ErrSocketInUse while a previous socket is still open, and the OS error
// (for example EMFILE) when no descriptor can be allocated.
func (f *TCPSocketFactory) Open() (Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.open {
		return nil, ErrSocketInUse
	}

	file, err := newStreamSocket()
	if err != nil {
		return nil, err
	}
	f.open = true

	return &tcpSocket{factory: f, options: f.options, file: file}, nil
}

// InUse reports whether a socket from this factory is currently open.
func (f *TCPSocketFactory) InUse() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *TCPSocketFactory) release() {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
}

// newStreamSocket creates a non-blocking, close-on-exec AF_INET stream socket
// registered with the runtime poller.
func newStreamSocket() (*os.File, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setnonblock", err)
	}
	return os.NewFile(uintptr(fd), "tcp4-socket"), nil
}

// tcpSocket is a TCP socket handle from TCPSocketFactory. Until Connect
// succeeds the descriptor is held in file; afterwards in conn.
type tcpSocket struct {
	factory *TCPSocketFactory
	options SocketOptions

	mu     sync.Mutex
	file   *os.File
	conn   *net.TCPConn
	closed bool
	once   sync.Once
}

func (s *tcpSocket) Connect(ctx context.Context, addr *net.TCPAddr) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("socket already connected to %s", s.conn.RemoteAddr())
	}
	file := s.file
	s.mu.Unlock()

	ip4 := addr.IP.To4()
	if ip4 == nil {
		return fmt.Errorf("%s: %w", addr.IP, ErrNoIPv4Address)
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], ip4)

	if err := connectFile(ctx, file, sa); err != nil {
		if s.isClosed() {
			return net.ErrClosed
		}
		return &net.OpError{Op: "dial", Net: "tcp4", Addr: addr, Err: err}
	}

	// FileConn duplicates the descriptor; the original is closed below.
	conn, err := net.FileConn(file)
	if err != nil {
		return fmt.Errorf("failed to wrap socket: %w", err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return fmt.Errorf("unexpected connection type %T", conn)
	}
	if err := applySocketOptions(tcpConn, s.options); err != nil {
		tcpConn.Close()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Close raced with the connect.
		tcpConn.Close()
		return net.ErrClosed
	}
	file.Close()
	s.file = nil
	s.conn = tcpConn
	return nil
}

// connectFile starts a non-blocking connect on file and waits until it
// completes, fails, or ctx is done.
func connectFile(ctx context.Context, file *os.File, sa unix.Sockaddr) error {
	raw, err := file.SyscallConn()
	if err != nil {
		return err
	}

	var connectErr error
	if err := raw.Control(func(fd uintptr) {
		connectErr = unix.Connect(int(fd), sa)
	}); err != nil {
		return err
	}
	switch connectErr {
	case nil:
		return nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
	default:
		return os.NewSyscallError("connect", connectErr)
	}

	if deadline, ok := ctx.Deadline(); ok {
		file.SetWriteDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { file.SetWriteDeadline(time.Unix(1, 0)) })
	defer stop()

	var sockErr error
	waitErr := raw.Write(func(fd uintptr) bool {
		v, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			sockErr = os.NewSyscallError("getsockopt", err)
			return true
		}
		switch errno := unix.Errno(v); errno {
		case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
			return false
		case 0:
			_, err := unix.Getpeername(int(fd))
			return err == nil
		default:
			sockErr = os.NewSyscallError("connect", errno)
			return true
		}
	})
	if waitErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return waitErr
	}
	if sockErr != nil {
		return sockErr
	}
	return file.SetWriteDeadline(time.Time{})
}

// applySocketOptions sets IPv4 header fields on an established connection.
func applySocketOptions(conn net.Conn, options SocketOptions) error {
	if options.TTL == 0 && options.TOS == 0 {
		return nil
	}
	ipConn := ipv4.NewConn(conn)
	if options.TTL > 0 {
		if err := ipConn.SetTTL(options.TTL); err != nil {
			return fmt.Errorf("failed to set ttl %d: %w", options.TTL, err)
		}
	}
	if options.TOS > 0 {
		if err := ipConn.SetTOS(options.TOS); err != nil {
			return fmt.Errorf("failed to set tos %d: %w", options.TOS, err)
		}
	}
	return nil
}

func (s *tcpSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *tcpSocket) connection() (*net.TCPConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, net.ErrClosed
	}
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

func (s *tcpSocket) Write(b []byte) (int, error) {
	conn, err := s.connection()
	if err != nil {
		return 0, err
	}
	return conn.Write(b)
}

func (s *tcpSocket) Read(b []byte) (int, error) {
	conn, err := s.connection()
	if err != nil {
		return 0, err
	}
	return conn.Read(b)
}

func (s *tcpSocket) SetDeadline(t time.Time) error {
	conn, err := s.connection()
	if err != nil {
		return err
	}
	return conn.SetDeadline(t)
}

func (s *tcpSocket) Shutdown() error {
	conn, err := s.connection()
	if err != nil {
		return err
	}
	return conn.CloseRead()
}

func (s *tcpSocket) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			err = conn.Close()
		}
		s.factory.release()
	})
	return err
}
