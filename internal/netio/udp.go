//go:build linux

package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/gobier/internal/bier"
)

// PortBIER is the default UDP port for BIER-over-UDP transport. There is
// no IANA assignment for this encapsulation; 8296 follows the RFC number.
const PortBIER uint16 = 8296

// Transport errors.
var (
	// ErrSocketClosed indicates a send on a closed sender.
	ErrSocketClosed = errors.New("socket closed")

	// ErrPoolType indicates an unexpected type in the packet buffer pool.
	ErrPoolType = errors.New("unexpected packet pool type")

	// ErrUnexpectedConnType indicates ListenPacket returned something
	// other than a UDP connection.
	ErrUnexpectedConnType = errors.New("unexpected connection type")
)

// -------------------------------------------------------------------------
// UDPListener — BIER packet receive socket
// -------------------------------------------------------------------------

// UDPListener receives encapsulated BIER packets over UDP. It handles
// buffer management using bier.PacketPool; callers return buffers to the
// pool after processing.
type UDPListener struct {
	conn   *net.UDPConn
	logger *slog.Logger
}

// NewUDPListener binds a UDP socket on addr (host:port form, e.g.
// ":8296"). The socket is configured with SO_REUSEADDR so the daemon can
// rebind promptly after a restart.
func NewUDPListener(ctx context.Context, addr string, logger *slog.Logger) (*UDPListener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setReuseAddr(c)
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP %s: %w", addr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf("listen UDP %s: %w: %w", addr, ErrUnexpectedConnType, closeErr)
	}

	return &UDPListener{
		conn: conn,
		logger: logger.With(
			slog.String("component", "netio.listener"),
			slog.String("listen", addr),
		),
	}, nil
}

// Recv blocks until a packet is received or the listener is closed.
// Returns the raw packet bytes (from bier.PacketPool) and the sender's
// address. The caller is responsible for returning the buffer to
// bier.PacketPool after processing.
func (l *UDPListener) Recv(ctx context.Context) ([]byte, netip.AddrPort, error) {
	if err := ctx.Err(); err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("listener recv: %w", err)
	}

	bufp, ok := bier.PacketPool.Get().(*[]byte)
	if !ok {
		return nil, netip.AddrPort{}, fmt.Errorf("listener recv: %w", ErrPoolType)
	}

	n, from, err := l.conn.ReadFromUDPAddrPort(*bufp)
	if err != nil {
		bier.PacketPool.Put(bufp)
		return nil, netip.AddrPort{}, fmt.Errorf("listener read: %w", err)
	}

	return (*bufp)[:n], from, nil
}

// LocalAddr returns the bound address, useful when the configuration
// requested an ephemeral port.
func (l *UDPListener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// Close closes the socket, unblocking any pending Recv.
func (l *UDPListener) Close() error {
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// UDPSender — BIER packet transmit socket
// -------------------------------------------------------------------------

// UDPSender transmits encapsulated BIER packets to next-hop neighbors.
// All replication copies share one socket; the destination port is fixed
// at construction so every router in the domain listens on the same port.
type UDPSender struct {
	conn    *net.UDPConn
	dstPort uint16
	logger  *slog.Logger
	mu      sync.Mutex
	closed  bool
}

// NewUDPSender creates a sender bound to an ephemeral local port.
func NewUDPSender(ctx context.Context, dstPort uint16, logger *slog.Logger) (*UDPSender, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setReuseAddr(c)
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("create UDP sender: %w", err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf("create UDP sender: %w: %w", ErrUnexpectedConnType, closeErr)
	}

	return &UDPSender{
		conn:    conn,
		dstPort: dstPort,
		logger: logger.With(
			slog.String("component", "netio.sender"),
			slog.Uint64("dst_port", uint64(dstPort)),
		),
	}, nil
}

// SendPacket sends buf to the given neighbor on the configured BIER port.
func (s *UDPSender) SendPacket(_ context.Context, buf []byte, addr netip.Addr) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("send to %s: %w", addr, ErrSocketClosed)
	}
	s.mu.Unlock()

	dst := net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, s.dstPort))

	if _, err := s.conn.WriteToUDP(buf, dst); err != nil {
		return fmt.Errorf("send BIER packet to %s:%d: %w", addr, s.dstPort, err)
	}

	return nil
}

// Close closes the underlying UDP connection.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close sender socket: %w", err)
	}

	return nil
}

// setReuseAddr sets SO_REUSEADDR on the raw socket.
func setReuseAddr(c syscall.RawConn) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)

		if sockErr = unix.SetsockoptInt(
			intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1,
		); sockErr != nil {
			sockErr = fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}

	return sockErr
}
