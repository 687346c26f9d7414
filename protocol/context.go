package protocol

import (
	stdctx "context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/obinexuscomputing/libpolycall/fsm"
	polylog "github.com/obinexuscomputing/libpolycall/log"
)

const (
	defaultMaxMessageSize   = 1 << 20 // 1 MiB
	defaultHandshakeTimeout = 5 * time.Second
	defaultCommandTimeout   = 30 * time.Second
	recvChunkSize           = 4096
)

// topology holds the fsm state ids for the fixed INIT/HANDSHAKE/AUTH/READY/
// ERROR/CLOSED connection lifecycle (spec.md §2).
type topology struct {
	init, handshake, auth, ready, errored, closed uint32
}

// CommandHandler answers an inbound COMMAND frame's payload with a response
// payload, or an error to send back as an ERROR frame.
type CommandHandler func(payload []byte) ([]byte, error)

// Context couples the binary framing protocol to an fsm.StateMachine over a
// single connection: it owns the sequence counter, the pending-response
// table, the dispatch table, and the connection's read/write loop. Grounded
// structurally on the teacher's Peer type (pkg/p2p/peer.go), which likewise
// pairs one connection with one per-peer piece of mutable state behind a
// mutex.
type Context struct {
	transport io.ReadWriteCloser

	// id uniquely tags this connection in logs, useful once a deployment
	// juggles more than one Context at a time (the teacher's Peer.id plays
	// the analogous role for devp2p peers).
	id uuid.UUID

	fsm      *fsm.StateMachine
	topology topology

	seq        uint32
	pending    *PendingTable
	dispatcher *Dispatcher

	maxMessageSize   int
	handshakeTimeout time.Duration
	commandTimeout   time.Duration

	sealer        *Sealer
	validator     CredentialValidator
	commandHandler CommandHandler

	log     *polylog.Logger
	metrics *Metrics

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Context at construction.
type Option func(*Context)

func WithMaxMessageSize(n int) Option {
	return func(c *Context) { c.maxMessageSize = n }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Context) { c.handshakeTimeout = d }
}

func WithCommandTimeout(d time.Duration) Option {
	return func(c *Context) { c.commandTimeout = d }
}

func WithContextLogger(l *polylog.Logger) Option {
	return func(c *Context) { c.log = l }
}

func WithContextMetrics(m *Metrics) Option {
	return func(c *Context) { c.metrics = m }
}

func WithSealer(s *Sealer) Option {
	return func(c *Context) { c.sealer = s }
}

func WithCredentialValidator(v CredentialValidator) Option {
	return func(c *Context) { c.validator = v }
}

func WithCommandHandler(h CommandHandler) Option {
	return func(c *Context) { c.commandHandler = h }
}

// NewContext wires a fresh fsm topology to transport and returns a Context
// in the INIT state. Call Run to drive the connection.
func NewContext(transport io.ReadWriteCloser, opts ...Option) (*Context, error) {
	c := &Context{
		transport:        transport,
		id:               uuid.New(),
		pending:          NewPendingTable(),
		dispatcher:       NewDispatcher(),
		maxMessageSize:   defaultMaxMessageSize,
		handshakeTimeout: defaultHandshakeTimeout,
		commandTimeout:   defaultCommandTimeout,
		done:             make(chan struct{}),
	}
	c.log = polylog.Default().Module("protocol").With("connection", c.id.String())
	for _, o := range opts {
		o(c)
	}

	m := fsm.New()
	var err error
	t := &c.topology
	if t.init, err = m.AddState("init", nil, nil, false); err != nil {
		return nil, err
	}
	if t.handshake, err = m.AddState("handshake", nil, nil, false); err != nil {
		return nil, err
	}
	if t.auth, err = m.AddState("auth", nil, nil, false); err != nil {
		return nil, err
	}
	if t.ready, err = m.AddState("ready", nil, nil, false); err != nil {
		return nil, err
	}
	if t.errored, err = m.AddState("error", nil, nil, false); err != nil {
		return nil, err
	}
	if t.closed, err = m.AddState("closed", nil, nil, true); err != nil {
		return nil, err
	}

	edges := []struct {
		name         string
		from, to     uint32
	}{
		{"begin_handshake", t.init, t.handshake},
		{"handshake_complete", t.handshake, t.auth},
		{"handshake_failed", t.handshake, t.errored},
		{"auth_complete", t.auth, t.ready},
		{"auth_failed", t.auth, t.errored},
		{"heartbeat", t.ready, t.ready},
		{"close", t.ready, t.closed},
		{"error_close", t.errored, t.closed},
		// init_failed and protocol_error cover the fatal-decode and
		// illegal-for-state cases of spec.md §4.3/§7, which can surface
		// before a handshake even starts or after the connection is READY,
		// not just mid-handshake/auth.
		{"init_failed", t.init, t.errored},
		{"protocol_error", t.ready, t.errored},
	}
	for _, e := range edges {
		if err := m.AddTransition(e.name, e.from, e.to, nil, nil); err != nil {
			return nil, fmt.Errorf("protocol: wiring transition %q: %w", e.name, err)
		}
	}
	c.fsm = m

	c.dispatcher.Register(TypeHandshake, []uint32{t.handshake}, handleHandshake)
	c.dispatcher.Register(TypeAuth, []uint32{t.auth}, handleAuth)
	c.dispatcher.Register(TypeCommand, []uint32{t.ready}, handleCommand)
	c.dispatcher.Register(TypeResponse, []uint32{t.ready}, handleResponse)
	c.dispatcher.Register(TypeError, nil, handleError)
	c.dispatcher.Register(TypeHeartbeat, []uint32{t.ready}, handleHeartbeat)
	c.dispatcher.Register(TypeConfig, []uint32{t.ready}, handleConfig)

	return c, nil
}

func (c *Context) nextSequence() uint32 {
	return atomic.AddUint32(&c.seq, 1)
}

// ID returns this connection's unique correlation id.
func (c *Context) ID() uuid.UUID { return c.id }

// State returns the connection's current fsm state id.
func (c *Context) State() uint32 { return c.fsm.CurrentStateID() }

// Topology exposes the fixed state ids for callers that need to compare
// against Context.State() (e.g. a client's reconnect logic).
func (c *Context) Topology() (init, handshake, auth, ready, errored, closed uint32) {
	t := c.topology
	return t.init, t.handshake, t.auth, t.ready, t.errored, t.closed
}

// failConnection drives the fsm to ERRORED from whichever non-final state
// the connection is currently in, per spec.md §4.3/§7: a fatal decode error,
// a checksum mismatch, or a message illegal for the current state all set
// the protocol to ERROR. A no-op if already in errored or closed.
func (c *Context) failConnection(cause error) {
	var transition string
	switch c.fsm.CurrentStateID() {
	case c.topology.init:
		transition = "init_failed"
	case c.topology.handshake:
		transition = "handshake_failed"
	case c.topology.auth:
		transition = "auth_failed"
	case c.topology.ready:
		transition = "protocol_error"
	default:
		return
	}
	if err := c.fsm.ExecuteTransition(transition, nil); err != nil {
		c.log.Warn("failed to transition to errored", "cause", cause, "error", err)
	}
}

func (c *Context) send(typ MsgType, flags Flags, sequence uint32, payload []byte) error {
	if c.sealer != nil {
		sealed, err := c.sealer.Seal(payload)
		if err != nil {
			return err
		}
		payload = sealed
		flags |= FlagEncrypted
	}
	buf := EncodeFrame(typ, flags, sequence, payload)

	c.writeMu.Lock()
	n, err := c.transport.Write(buf)
	c.writeMu.Unlock()

	if c.metrics != nil {
		c.metrics.framesSent.Inc()
	}
	if err != nil {
		return fmt.Errorf("protocol: write %s: %w", typ, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(buf))
	}
	return nil
}

// Run sends this side's HANDSHAKE on its own goroutine, so an unbuffered
// transport such as net.Pipe cannot block the receive loop, and then runs
// the receive loop until the transport closes or fails, a header-level
// decode error ends the connection, Close is called, or ctx is cancelled.
// Run does not move the fsm to CLOSED. It is meant to run on its own
// goroutine; SendCommand may be called concurrently.
func (c *Context) Run(ctx stdctx.Context) error {
	if err := c.fsm.ExecuteTransition("begin_handshake", nil); err != nil {
		return fmt.Errorf("protocol: entering handshake: %w", err)
	}
	seq := c.nextSequence()
	go func() {
		if err := c.send(TypeHandshake, 0, seq, EncodeHandshakePayload()); err != nil {
			c.log.Warn("sending handshake failed", "error", err)
			c.Close()
		}
	}()

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	buf := make([]byte, 0, recvChunkSize)
	chunk := make([]byte, recvChunkSize)

	for {
		select {
		case <-c.done:
			return nil
		default:
		}

		n, err := c.transport.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		for {
			f, consumed, derr := DecodeFrame(buf, c.maxMessageSize)
			if derr != nil {
				if errors.Is(derr, ErrShortRead) {
					break
				}
				if consumed == 0 {
					// Header-level validation failed before a frame boundary
					// was even established; there is no safe offset to skip
					// to and resynchronize, so the connection is terminated
					// rather than spinning on the same bytes.
					c.failConnection(derr)
					c.pending.CloseAll(fmt.Errorf("%w: %v", ErrConnectionClosed, derr))
					return derr
				}
				if errors.Is(derr, ErrChecksumMismatch) {
					if c.metrics != nil {
						c.metrics.checksumFailures.Inc()
					}
					// Discard the frame and move the protocol to ERROR
					// (spec.md §7); the read loop itself keeps running so
					// the caller observes the state change rather than a
					// connection that silently vanishes.
					c.failConnection(derr)
				}
				buf = buf[consumed:]
				c.log.Warn("dropping frame", "error", derr)
				continue
			}
			buf = buf[consumed:]
			if c.metrics != nil {
				c.metrics.framesReceived.Inc()
			}
			if f.Header.Flags.Has(FlagEncrypted) {
				if c.sealer == nil {
					c.log.Warn("dropping encrypted frame: no sealer configured")
					c.failConnection(errors.New("protocol: encrypted frame with no sealer configured"))
					continue
				}
				opened, operr := c.sealer.Open(f.Payload)
				if operr != nil {
					c.log.Warn("decrypting frame failed", "error", operr)
					c.failConnection(operr)
					continue
				}
				f.Payload = opened
			}
			if derr := c.dispatcher.Dispatch(c, f); derr != nil {
				c.log.Warn("dispatch failed", "type", f.Header.Type, "error", derr)
				if errors.Is(derr, ErrIllegalForState) {
					c.failConnection(derr)
				}
			}
		}

		if err != nil {
			c.pending.CloseAll(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// SendCommand sends a COMMAND frame and blocks for its RESPONSE or ERROR,
// subject to ctx cancellation and the context's command timeout.
func (c *Context) SendCommand(ctx stdctx.Context, payload []byte) ([]byte, error) {
	if c.State() != c.topology.ready {
		return nil, fmt.Errorf("%w: not in ready state", ErrIllegalForState)
	}

	seq := c.nextSequence()
	resultCh := c.pending.Register(seq, c.commandTimeout)

	if err := c.send(TypeCommand, FlagReliable, seq, payload); err != nil {
		c.pending.Reject(seq, err)
		return nil, err
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			if errors.Is(res.Err, ErrTimeout) && c.metrics != nil {
				c.metrics.timeouts.Inc()
			}
			return nil, res.Err
		}
		return res.Payload, nil
	case <-ctx.Done():
		c.pending.Reject(seq, ctx.Err())
		return nil, ctx.Err()
	}
}

// SendHeartbeat emits a HEARTBEAT frame and self-loops the fsm.
func (c *Context) SendHeartbeat() error {
	if err := c.fsm.ExecuteTransition("heartbeat", nil); err != nil {
		return err
	}
	return c.send(TypeHeartbeat, 0, c.nextSequence(), nil)
}

// Authenticate sends an AUTH frame carrying credential and returns once it
// is written; it does not wait for the peer. The move to the ready state
// happens when the peer's reply arrives (see handleAuth).
func (c *Context) Authenticate(credential []byte) error {
	return c.send(TypeAuth, 0, c.nextSequence(), credential)
}

// Close shuts the transport and rejects any pending commands. Safe to call
// more than once.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.pending.CloseAll(ErrConnectionClosed)
		c.dispatcher.Close()
		err = c.transport.Close()
	})
	return err
}

func handleHandshake(c *Context, f Frame) error {
	if _, err := DecodeHandshakePayload(f.Payload); err != nil {
		_ = c.fsm.ExecuteTransition("handshake_failed", nil)
		return err
	}
	// Both sides send their own HANDSHAKE from Run, so the peer's frame is
	// the second HANDSHAKE that completes the exchange; no reply is sent.
	return c.fsm.ExecuteTransition("handshake_complete", nil)
}

func handleAuth(c *Context, f Frame) error {
	var subject string
	if c.validator != nil {
		var err error
		subject, err = c.validator.Validate(f.Payload)
		if err != nil {
			_ = c.fsm.ExecuteTransition("auth_failed", nil)
			_ = c.send(TypeError, 0, f.Header.Sequence, []byte(err.Error()))
			return err
		}
	}
	if !f.Header.Flags.Has(FlagReply) {
		if err := c.send(TypeAuth, FlagReply, f.Header.Sequence, []byte(subject)); err != nil {
			return err
		}
	}
	return c.fsm.ExecuteTransition("auth_complete", nil)
}

func handleCommand(c *Context, f Frame) error {
	if c.commandHandler == nil {
		return c.send(TypeError, 0, f.Header.Sequence, []byte("protocol: no command handler registered"))
	}
	resp, err := c.commandHandler(f.Payload)
	if err != nil {
		return c.send(TypeError, 0, f.Header.Sequence, []byte(err.Error()))
	}
	return c.send(TypeResponse, FlagReply, f.Header.Sequence, resp)
}

func handleResponse(c *Context, f Frame) error {
	if !c.pending.Resolve(f.Header.Sequence, f.Payload) {
		c.log.Debug("unsolicited response", "sequence", f.Header.Sequence)
	}
	return nil
}

func handleError(c *Context, f Frame) error {
	errMsg := fmt.Errorf("protocol: peer error: %s", string(f.Payload))
	if c.pending.Reject(f.Header.Sequence, errMsg) {
		return nil
	}
	c.log.Warn("unsolicited error frame", "sequence", f.Header.Sequence, "payload", string(f.Payload))
	return nil
}

func handleHeartbeat(c *Context, f Frame) error {
	return nil
}

func handleConfig(c *Context, f Frame) error {
	if len(f.Payload) < 4 {
		return fmt.Errorf("protocol: CONFIG payload too short")
	}
	size := int(f.Payload[0]) | int(f.Payload[1])<<8 | int(f.Payload[2])<<16 | int(f.Payload[3])<<24
	if size <= 0 {
		return fmt.Errorf("protocol: CONFIG rejected max_message_size %d", size)
	}
	c.maxMessageSize = size
	c.log.Info("max_message_size updated", "value", size)
	return nil
}
