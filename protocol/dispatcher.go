package protocol

import (
	"fmt"
	"sync"
)

// Handler processes one decoded frame of a registered MsgType.
type Handler func(c *Context, f Frame) error

// Dispatcher routes frames to a per-MsgType Handler, gated by which fsm
// states the type is legal in. Grounded on the teacher's ProtoDispatcher
// (pkg/p2p/protocol_handler.go), adapted from (version, code) keys to a
// single-version MsgType key plus an fsm-state legality set, since this
// protocol has one wire version rather than eth's per-peer capability
// negotiation.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[MsgType]Handler
	legal    map[MsgType]map[uint32]bool
	closed   bool
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[MsgType]Handler),
		legal:    make(map[MsgType]map[uint32]bool),
	}
}

// Register binds a handler for typ, legal only while the context's fsm is
// in one of allowedStates. An empty allowedStates means the type is legal
// in any state.
func (d *Dispatcher) Register(typ MsgType, allowedStates []uint32, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set := make(map[uint32]bool, len(allowedStates))
	for _, s := range allowedStates {
		set[s] = true
	}
	d.handlers[typ] = h
	d.legal[typ] = set
}

// Dispatch routes f to its registered handler, rejecting it first if typ is
// not legal for the context's current fsm state.
func (d *Dispatcher) Dispatch(c *Context, f Frame) error {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrConnectionClosed
	}
	h, ok := d.handlers[f.Header.Type]
	set := d.legal[f.Header.Type]
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(f.Header.Type))
	}
	if len(set) > 0 && !set[c.fsm.CurrentStateID()] {
		return fmt.Errorf("%w: %s in state %d", ErrIllegalForState, f.Header.Type, c.fsm.CurrentStateID())
	}
	return h(c, f)
}

// Close marks the dispatcher closed; further Dispatch calls fail fast.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}
