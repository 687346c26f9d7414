package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPDialer opens outbound connections with a fixed dial timeout. Grounded
// on the teacher's Dialer/TCPDialer interface (pkg/p2p/server.go), trimmed
// to this runtime's single-connection client (no per-peer retry bookkeeping
// here — that lives in the client package's reconnect loop).
type TCPDialer struct {
	Timeout time.Duration
}

// Dial connects to addr, honoring both ctx and the dialer's own timeout.
func (d TCPDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return conn, nil
}

// TCPListener accepts inbound connections on a fixed address.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP binds addr and returns a TCPListener.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &TCPListener{ln: ln}, nil
}

// Accept blocks for the next inbound connection.
func (l *TCPListener) Accept() (Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return conn, nil
}

// Addr returns the listener's bound address.
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *TCPListener) Close() error { return l.ln.Close() }
