//go:build linux

package netio

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/dantte-lp/gobier/internal/bier"
)

// AppLink is the local boundary between the daemon and the upper-layer
// application: a unix datagram socket pair. The daemon listens on the API
// socket for Send messages and writes Deliver messages to the
// application's socket.
//
// Datagram sockets keep the message framing trivial: one message per
// datagram, no stream reassembly.
type AppLink struct {
	listener *net.UnixConn
	apiPath  string
	appPath  string
	logger   *slog.Logger

	mu      sync.Mutex
	deliver *net.UnixConn
	closed  bool
}

// NewAppLink binds the API socket at apiPath and records appPath as the
// delivery destination. A stale socket file from a previous run is
// removed before binding. An empty appPath disables Deliver.
func NewAppLink(apiPath, appPath string, logger *slog.Logger) (*AppLink, error) {
	if err := os.Remove(apiPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale api socket %s: %w", apiPath, err)
	}

	listener, err := net.ListenUnixgram("unixgram", &net.UnixAddr{
		Name: apiPath,
		Net:  "unixgram",
	})
	if err != nil {
		return nil, fmt.Errorf("listen api socket %s: %w", apiPath, err)
	}

	return &AppLink{
		listener: listener,
		apiPath:  apiPath,
		appPath:  appPath,
		logger: logger.With(
			slog.String("component", "netio.applink"),
			slog.String("api_socket", apiPath),
		),
	}, nil
}

// Recv blocks until one application message arrives or the link is
// closed. Returns the raw message bytes from bier.PacketPool; the caller
// returns the buffer after decoding.
func (a *AppLink) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("applink recv: %w", err)
	}

	bufp, ok := bier.PacketPool.Get().(*[]byte)
	if !ok {
		return nil, fmt.Errorf("applink recv: %w", ErrPoolType)
	}

	n, _, err := a.listener.ReadFromUnix(*bufp)
	if err != nil {
		bier.PacketPool.Put(bufp)
		return nil, fmt.Errorf("applink read: %w", err)
	}

	return (*bufp)[:n], nil
}

// Deliver encodes payload as a Deliver message and writes it to the
// application socket. The delivery connection is dialed lazily, so the
// application may attach after the daemon starts; a write failure resets
// it for the next attempt.
func (a *AppLink) Deliver(payload []byte) error {
	if a.appPath == "" {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("deliver: %w", ErrSocketClosed)
	}

	if a.deliver == nil {
		conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{
			Name: a.appPath,
			Net:  "unixgram",
		})
		if err != nil {
			return fmt.Errorf("dial app socket %s: %w", a.appPath, err)
		}
		a.deliver = conn
	}

	msg := bier.EncodeDeliver(payload)
	if _, err := a.deliver.Write(msg); err != nil {
		_ = a.deliver.Close()
		a.deliver = nil
		return fmt.Errorf("deliver to %s: %w", a.appPath, err)
	}

	return nil
}

// Close closes both sockets and removes the API socket file.
func (a *AppLink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	if a.deliver != nil {
		_ = a.deliver.Close()
		a.deliver = nil
	}

	err := a.listener.Close()
	if rmErr := os.Remove(a.apiPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	if err != nil {
		return fmt.Errorf("close applink: %w", err)
	}
	return nil
}
