// Package fsm implements the integrity-verified finite state machine engine:
// named states and transitions with entry/exit/action hooks, guards, state
// locking, checksum-based tamper detection, and snapshot/restore with
// version reconciliation. The engine is name-driven and generic; callers
// wire a specific topology on top (see the protocol package for the
// handshake/auth/ready/error/closed topology).
package fsm

import (
	"fmt"
	"sync"
	"time"

	polylog "github.com/obinexuscomputing/libpolycall/log"
)

// StateMachine is the owning container for a fixed set of named states and
// named transitions between them, plus diagnostics and optional external
// integrity checking.
type StateMachine struct {
	mu sync.Mutex

	states      []*State
	transitions []*Transition
	stateByName map[string]uint32
	transByName map[string]int

	current uint32

	maxStates      int
	maxTransitions int

	integrityPredicate func(*State) bool

	diagnostics Diagnostics
	checksum    uint32

	metrics *Metrics
	log     *polylog.Logger
}

// Option configures a StateMachine at construction time.
type Option func(*StateMachine)

// WithMaxStates caps the number of states the machine will accept. Zero (the
// default) means unbounded, per spec.md §9's note that the bounded-capacity
// array may become a growable sequence.
func WithMaxStates(n int) Option {
	return func(m *StateMachine) { m.maxStates = n }
}

// WithMaxTransitions caps the number of transitions the machine will accept.
func WithMaxTransitions(n int) Option {
	return func(m *StateMachine) { m.maxTransitions = n }
}

// WithIntegrityPredicate registers an external integrity check consulted in
// addition to the self-checksum during VerifyStateIntegrity.
func WithIntegrityPredicate(p func(*State) bool) Option {
	return func(m *StateMachine) { m.integrityPredicate = p }
}

// WithMetrics attaches a Prometheus-backed Metrics collector.
func WithMetrics(metrics *Metrics) Option {
	return func(m *StateMachine) { m.metrics = metrics }
}

// WithLogger overrides the machine's logger. Defaults to
// log.Default().Module("fsm").
func WithLogger(l *polylog.Logger) Option {
	return func(m *StateMachine) { m.log = l }
}

// New creates an empty state machine. current_state_id starts at 0; the
// first state added (conventionally "init") becomes the machine's starting
// point once added.
func New(opts ...Option) *StateMachine {
	m := &StateMachine{
		stateByName: make(map[string]uint32),
		transByName: make(map[string]int),
		log:         polylog.Default().Module("fsm"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddState registers a new state and returns its assigned id.
func (m *StateMachine) AddState(name string, onEnter, onExit HookFunc, isFinal bool) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" || len(name) > maxNameLength {
		return 0, fmt.Errorf("%w: name %q invalid", ErrInvalidState, name)
	}
	if _, exists := m.stateByName[name]; exists {
		return 0, fmt.Errorf("%w: duplicate name %q", ErrInvalidState, name)
	}
	if m.maxStates > 0 && len(m.states) >= m.maxStates {
		return 0, ErrMaxStatesReached
	}

	s := &State{
		id:       uint32(len(m.states)),
		name:     name,
		onEnter:  onEnter,
		onExit:   onExit,
		isFinal:  isFinal,
		version:  1,
		modified: time.Now(),
	}
	s.recomputeChecksum()

	m.states = append(m.states, s)
	m.stateByName[name] = s.id
	m.recomputeMachineChecksum()

	m.log.Debug("state added", "name", name, "id", s.id, "final", isFinal)
	return s.id, nil
}

// AddTransition registers a new named edge between two existing states.
func (m *StateMachine) AddTransition(name string, fromID, toID uint32, action HookFunc, guard GuardFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" || len(name) > maxNameLength {
		return fmt.Errorf("%w: name %q invalid", ErrInvalidTransition, name)
	}
	if _, exists := m.transByName[name]; exists {
		return fmt.Errorf("%w: duplicate name %q", ErrInvalidTransition, name)
	}
	if int(fromID) >= len(m.states) || int(toID) >= len(m.states) {
		return fmt.Errorf("%w: from=%d to=%d out of range", ErrInvalidState, fromID, toID)
	}
	if m.maxTransitions > 0 && len(m.transitions) >= m.maxTransitions {
		return ErrMaxTransitionsReached
	}
	if m.states[fromID].isFinal {
		return fmt.Errorf("%w: %q has a final source state", ErrInvalidTransition, name)
	}

	t := &Transition{
		name:    name,
		fromID:  fromID,
		toID:    toID,
		action:  action,
		guard:   guard,
		isValid: true,
	}
	t.recomputeChecksum()

	m.transitions = append(m.transitions, t)
	m.transByName[name] = len(m.transitions) - 1
	m.recomputeMachineChecksum()

	m.log.Debug("transition added", "name", name, "from", fromID, "to", toID)
	return nil
}

// CurrentStateID returns the machine's current state id.
func (m *StateMachine) CurrentStateID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// State returns the state with the given id, or nil if out of range.
func (m *StateMachine) State(id uint32) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(id) >= len(m.states) {
		return nil
	}
	return m.states[id]
}

// StateByName returns the state with the given name, or nil if not found.
func (m *StateMachine) StateByName(name string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.stateByName[name]
	if !ok {
		return nil
	}
	return m.states[id]
}

// Diagnostics returns a copy of the machine's current diagnostic counters.
func (m *StateMachine) Diagnostics() Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.diagnostics
}

// ExecuteTransition runs the named transition. Per spec.md §4.2 and §9, this
// is the name-only form: the transition is a pre-committed edge and the
// current state must already equal the edge's source (current == t.from),
// not a caller-specified (from,to) pair.
func (m *StateMachine) ExecuteTransition(name string, ctx any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executeTransitionLocked(name, ctx)
}

// ExecuteTransitionPair looks up the transition whose endpoints match
// (fromID, toID) and executes it by name. This is the convenience wrapper
// spec.md §9 describes for call sites that think in terms of a (from, to)
// pair rather than an edge name; on a machine with multiple edges sharing
// the same endpoints, the first-added match is used.
func (m *StateMachine) ExecuteTransitionPair(fromID, toID uint32, ctx any) error {
	m.mu.Lock()
	name := ""
	for _, t := range m.transitions {
		if t.fromID == fromID && t.toID == toID {
			name = t.name
			break
		}
	}
	if name == "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: no transition from=%d to=%d", ErrInvalidTransition, fromID, toID)
	}
	defer m.mu.Unlock()
	return m.executeTransitionLocked(name, ctx)
}

func (m *StateMachine) executeTransitionLocked(name string, ctx any) error {
	idx, ok := m.transByName[name]
	if !ok {
		return fmt.Errorf("%w: %q not found", ErrInvalidTransition, name)
	}
	t := m.transitions[idx]

	if !t.isValid {
		return fmt.Errorf("%w: %q is not valid", ErrInvalidTransition, name)
	}
	if m.current != t.fromID {
		return fmt.Errorf("%w: current state %d does not match %q's source %d", ErrInvalidTransition, m.current, name, t.fromID)
	}

	from := m.states[t.fromID]
	to := m.states[t.toID]
	if from.isLocked || to.isLocked {
		return ErrStateLocked
	}

	if t.guard != nil && !t.guard(from, to) {
		m.diagnostics.FailedTransitions++
		if m.metrics != nil {
			m.metrics.failedTransitions.Inc()
		}
		return fmt.Errorf("%w: guard rejected %q", ErrInvalidTransition, name)
	}

	if err := m.runHook(from.onExit, ctx, name, "on_exit"); err != nil {
		m.rollback(from.id, name, err)
		return err
	}
	if err := m.runHook(t.action, ctx, name, "action"); err != nil {
		m.rollback(from.id, name, err)
		return err
	}
	if err := m.runHook(to.onEnter, ctx, name, "on_enter"); err != nil {
		m.rollback(from.id, name, err)
		return err
	}

	m.current = t.toID
	to.touch()
	m.recomputeMachineChecksum()

	m.log.Debug("transition executed", "name", name, "from", from.id, "to", to.id)
	return nil
}

// runHook invokes a hook, converting a panic into an error so a misbehaving
// hook aborts the transition instead of crashing the process (spec.md §7:
// "Hook panic during transition ... Roll back to source state").
func (m *StateMachine) runHook(h HookFunc, ctx any, transitionName, point string) (err error) {
	if h == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fsm: %s hook for %q panicked: %v", point, transitionName, r)
		}
	}()
	return h(ctx)
}

func (m *StateMachine) rollback(fromID uint32, transitionName string, cause error) {
	m.current = fromID
	m.diagnostics.FailedTransitions++
	if m.metrics != nil {
		m.metrics.failedTransitions.Inc()
	}
	m.log.Warn("transition rolled back", "name", transitionName, "cause", cause)
}

// VerifyStateIntegrity recomputes the state's self-checksum and, if an
// external integrity predicate is registered, also consults it. Any
// mismatch increments diagnostics.integrity_violations and returns
// ErrIntegrityCheckFailed.
func (m *StateMachine) VerifyStateIntegrity(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(id) >= len(m.states) {
		return fmt.Errorf("%w: id %d out of range", ErrInvalidState, id)
	}
	s := m.states[id]
	m.diagnostics.LastVerification = time.Now()

	want := checksumState(s.name, s.id, s.onEnter != nil, s.onExit != nil, s.isFinal, s.isLocked, s.version, s.modified.UnixNano())
	ok := want == s.checksum
	if ok && m.integrityPredicate != nil {
		ok = m.integrityPredicate(s)
	}
	if !ok {
		m.diagnostics.IntegrityViolations++
		if m.metrics != nil {
			m.metrics.integrityViolations.Inc()
		}
		m.log.Warn("integrity check failed", "state", s.name, "id", id)
		return ErrIntegrityCheckFailed
	}
	return nil
}

// VerifyAllIntegrity runs VerifyStateIntegrity across every registered
// state, returning a report per state. Supplements spec.md with the
// original_source "global integrity check" (polycall_sm_get_diagnostics'
// companion sweep) that the distillation dropped.
func (m *StateMachine) VerifyAllIntegrity() []IntegrityReport {
	m.mu.Lock()
	n := len(m.states)
	m.mu.Unlock()

	reports := make([]IntegrityReport, n)
	for i := 0; i < n; i++ {
		reports[i] = IntegrityReport{StateID: uint32(i), OK: m.VerifyStateIntegrity(uint32(i)) == nil}
	}
	return reports
}

// LockState marks a state locked, blocking it from being either endpoint of
// a successful transition.
func (m *StateMachine) LockState(id uint32) error {
	return m.setLocked(id, true)
}

// UnlockState clears a state's locked flag.
func (m *StateMachine) UnlockState(id uint32) error {
	return m.setLocked(id, false)
}

func (m *StateMachine) setLocked(id uint32, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(id) >= len(m.states) {
		return fmt.Errorf("%w: id %d out of range", ErrInvalidState, id)
	}
	s := m.states[id]
	s.isLocked = locked
	s.touch()
	m.recomputeMachineChecksum()
	return nil
}

// Checksum returns the machine-level checksum, an aggregate over every
// state's and transition's checksum.
func (m *StateMachine) Checksum() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checksum
}

func (m *StateMachine) recomputeMachineChecksum() {
	var acc uint32
	for _, s := range m.states {
		acc = rotl5(acc) + s.checksum
	}
	for _, t := range m.transitions {
		acc = rotl5(acc) + t.checksum
	}
	m.checksum = acc
}

func rotl5(v uint32) uint32 {
	return (v << 5) | (v >> 27)
}
