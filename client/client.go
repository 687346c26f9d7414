// Package client implements the connection orchestrator: dial/reconnect
// with linear backoff, an outbound command queue while disconnected, and
// graceful shutdown, wrapping one protocol.Context at a time over one
// transport.Transport. Grounded on the teacher's Server Start/Stop/
// listenLoop lifecycle (pkg/p2p/server.go), adapted from server-accepts-many
// to client-dials-one since spec.md describes a single outbound connection
// per Client.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	polylog "github.com/obinexuscomputing/libpolycall/log"
	"github.com/obinexuscomputing/libpolycall/protocol"
	"github.com/obinexuscomputing/libpolycall/transport"
)

// ErrClosed is returned by Client methods once Close has been called.
var ErrClosed = errors.New("client: closed")

// ErrNotConnected is returned by SendCommand when the outbound command queue
// is full (see WithMaxQueuedCommands), and is delivered to a held command
// that cannot be put back on the queue after its connection drops.
var ErrNotConnected = errors.New("client: not connected")

// ErrMaxRetriesExceeded is returned by Run when reconnection is enabled but
// the reconnect attempt cap (WithMaxRetries) has been reached.
var ErrMaxRetriesExceeded = errors.New("client: max_retries exceeded")

type command struct {
	payload []byte
	result  chan protocol.Result
}

// Dialer opens a transport.Transport to addr. transport.TCPDialer satisfies
// this; transport.WebSocketDialer is the alternate binary-safe transport
// spec.md §1 requires ProtocolContext to stay agnostic to.
type Dialer interface {
	Dial(ctx context.Context, addr string) (transport.Transport, error)
}

// Option configures a Client at construction.
type Option func(*Client)

// WithDialer overrides the transport dialer. Defaults to transport.TCPDialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithDialTimeout sets the per-attempt dial timeout, applied to the default
// transport.TCPDialer. Has no effect if WithDialer overrides the dialer with
// something other than a TCPDialer.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithReconnect enables or disables reconnecting after the initial
// connection attempt (spec.md §6 "reconnect: bool"). Enabled by default.
// When disabled, Run returns nil after the first dropped connection, or
// after the first failed dial once its backoff sleep has elapsed.
func WithReconnect(enabled bool) Option {
	return func(c *Client) { c.reconnect = enabled }
}

// WithMaxRetries caps the number of reconnect attempts Run will make after
// the initial connection attempt (spec.md §6 "max_retries: u32"). Zero (the
// default) means unlimited. Has no effect when reconnect is disabled.
func WithMaxRetries(n uint32) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithProtocolOptions passes through options to every protocol.Context the
// client creates (e.g. WithCommandHandler, WithSealer, WithCredentialValidator).
func WithProtocolOptions(opts ...protocol.Option) Option {
	return func(c *Client) { c.protoOpts = append(c.protoOpts, opts...) }
}

// WithMaxQueuedCommands bounds how many SendCommand calls may queue while
// disconnected before new calls fail fast with ErrNotConnected.
func WithMaxQueuedCommands(n int) Option {
	return func(c *Client) { c.maxQueued = n }
}

// WithHeartbeatInterval sets how often a HEARTBEAT frame is sent once
// connected. Zero disables heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) { c.heartbeatInterval = d }
}

// WithLogger overrides the client's logger.
func WithLogger(l *polylog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithCredential sets the payload sent in the AUTH frame the client issues
// as soon as a connection reaches the handshake-complete (auth) state.
// Without it, an empty credential is sent — the server side still decides
// whether that is acceptable via its own protocol.CredentialValidator.
func WithCredential(credential []byte) Option {
	return func(c *Client) { c.credential = append([]byte(nil), credential...) }
}

// Client owns the reconnect policy and a single live protocol.Context to
// addr. It is not a singleton: callers may construct as many independent
// Clients as they need (spec.md §9).
type Client struct {
	addr        string
	dialer      Dialer
	dialTimeout time.Duration

	protoOpts         []protocol.Option
	maxQueued         int
	heartbeatInterval time.Duration
	credential        []byte
	reconnect         bool
	maxRetries        uint32

	log *polylog.Logger

	mu      sync.Mutex
	current *protocol.Context
	closed  bool

	outbox   chan command
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	reconnectLimiter *rate.Limiter
}

// New creates a Client for the given TCP address. Call Run to start
// connecting; it blocks until ctx is cancelled or Close is called.
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:      addr,
		dialer:    transport.TCPDialer{},
		maxQueued: 64,
		reconnect: true,
		log:       polylog.Default().Module("client"),
		outbox:    make(chan command, 64),
		stopCh:    make(chan struct{}),
		// reconnectLimiter paces dial attempts independent of the linear
		// backoff sleep, guarding against a tight loop of instant failures
		// (e.g. DNS errors) from burning CPU.
		reconnectLimiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
	for _, o := range opts {
		o(c)
	}
	if c.maxQueued > 0 && cap(c.outbox) != c.maxQueued {
		c.outbox = make(chan command, c.maxQueued)
	}
	if c.dialTimeout > 0 {
		if td, ok := c.dialer.(transport.TCPDialer); ok {
			td.Timeout = c.dialTimeout
			c.dialer = td
		}
	}
	return c
}

// Run connects, then — while reconnect is enabled and under max_retries
// (spec.md §6, §4.3) — reconnects on every dial failure or dropped
// connection, until ctx is cancelled, Close is called, or the retry cap is
// hit. It blocks; callers typically run it on its own goroutine.
func (c *Client) Run(ctx context.Context) error {
	backoffAttempt := 0
	reconnectAttempt := uint32(0)
	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrClosed
		default:
		}

		if !first {
			if !c.reconnect {
				return nil
			}
			if c.maxRetries > 0 && reconnectAttempt >= c.maxRetries {
				return fmt.Errorf("%w: %d attempts to %s", ErrMaxRetriesExceeded, c.maxRetries, c.addr)
			}
			reconnectAttempt++
		}
		first = false

		if err := c.reconnectLimiter.Wait(ctx); err != nil {
			return err
		}

		conn, err := c.dialer.Dial(ctx, c.addr)
		if err != nil {
			backoffAttempt++
			backoff := time.Duration(backoffAttempt) * time.Second
			c.log.Warn("dial failed", "addr", c.addr, "attempt", backoffAttempt, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			case <-c.stopCh:
				return ErrClosed
			}
			continue
		}
		backoffAttempt = 0

		pctx, err := protocol.NewContext(conn, c.protoOpts...)
		if err != nil {
			conn.Close()
			return fmt.Errorf("client: building protocol context: %w", err)
		}

		c.mu.Lock()
		c.current = pctx
		c.mu.Unlock()

		c.log.Info("connected", "addr", c.addr)
		c.serveConnection(ctx, pctx)

		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrClosed
		default:
		}
	}
}

// serveConnection drains the outbox into pctx and runs its receive loop
// until the connection drops, ctx is cancelled, or Close is called.
func (c *Client) serveConnection(ctx context.Context, pctx *protocol.Context) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		runErr <- pctx.Run(connCtx)
	}()

	var heartbeat <-chan time.Time
	if c.heartbeatInterval > 0 {
		ticker := time.NewTicker(c.heartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	_, _, auth, ready, _, _ := pctx.Topology()

	// The client is always the handshake's initiating side, so it also
	// initiates AUTH as soon as the fsm reaches that state; the server
	// side stays passive and answers via protocol.Context's own AUTH
	// handler.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				if pctx.State() == auth {
					if err := pctx.Authenticate(c.credential); err != nil {
						c.log.Warn("authenticate failed", "error", err)
					}
					return
				}
				if pctx.State() == ready {
					return
				}
			}
		}
	}()

	// waiting holds commands dequeued from the outbox while the connection
	// is still mid-handshake/auth (spec.md §4.3: "commands issued while
	// disconnected are queued and replayed after the next successful
	// handshake"). pollReady flushes them once the fsm reaches READY; if the
	// connection drops first, requeueWaiting hands them back to the outbox
	// so the next reconnect's serveConnection picks them up.
	var waiting []command
	flushWaiting := func() {
		for len(waiting) > 0 && pctx.State() == ready {
			cmd := waiting[0]
			waiting = waiting[1:]
			payload, err := pctx.SendCommand(connCtx, cmd.payload)
			cmd.result <- protocol.Result{Payload: payload, Err: err}
		}
	}
	requeueWaiting := func() {
		for _, cmd := range waiting {
			select {
			case c.outbox <- cmd:
			default:
				cmd.result <- protocol.Result{Err: ErrNotConnected}
			}
		}
		waiting = nil
	}
	defer requeueWaiting()

	pollReady := time.NewTicker(5 * time.Millisecond)
	defer pollReady.Stop()

	for {
		select {
		case <-runErr:
			return
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-heartbeat:
			if pctx.State() == ready {
				if err := pctx.SendHeartbeat(); err != nil {
					c.log.Warn("heartbeat failed", "error", err)
				}
			}
		case <-pollReady.C:
			flushWaiting()
		case cmd := <-c.outbox:
			if pctx.State() != ready {
				waiting = append(waiting, cmd)
				continue
			}
			payload, err := pctx.SendCommand(connCtx, cmd.payload)
			cmd.result <- protocol.Result{Payload: payload, Err: err}
		}
	}
}

// SendCommand queues payload for delivery over the current (or next)
// connection and blocks for its response.
func (c *Client) SendCommand(ctx context.Context, payload []byte) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	cmd := command{payload: payload, result: make(chan protocol.Result, 1)}
	select {
	case c.outbox <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, ErrNotConnected
	}

	select {
	case res := <-cmd.result:
		return res.Payload, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops Run and closes the active connection, if any.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	c.closed = true
	cur := c.current
	c.mu.Unlock()

	if cur != nil {
		_ = cur.Close()
	}
	c.wg.Wait()
	return nil
}
