package fsm

import (
	"fmt"
	"time"
)

// StateSnapshot is an immutable copy of a single State plus the timestamp it
// was captured at. Restore succeeds only if the live state's version still
// matches the snapshot's, i.e. nothing has mutated the state since capture.
type StateSnapshot struct {
	state     State
	capturedAt time.Time
	checksum  uint32
}

// State returns a copy of the captured state's attributes.
func (snap *StateSnapshot) State() State { return snap.state }

// CapturedAt returns when the snapshot was taken.
func (snap *StateSnapshot) CapturedAt() time.Time { return snap.capturedAt }

// Checksum returns the checksum computed at capture time.
func (snap *StateSnapshot) Checksum() uint32 { return snap.checksum }

// CreateStateSnapshot deep-copies the given state and stamps the capture
// time and checksum.
func (m *StateMachine) CreateStateSnapshot(id uint32) (*StateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(id) >= len(m.states) {
		return nil, fmt.Errorf("%w: id %d out of range", ErrInvalidState, id)
	}
	s := m.states[id]
	return &StateSnapshot{
		state:      *s.clone(),
		capturedAt: time.Now(),
		checksum:   s.checksum,
	}, nil
}

// RestoreStateFromSnapshot overwrites a state in place with a previously
// captured snapshot. Rejected if the snapshot's state id is out of range,
// the live state is locked, or the live state's version has moved on from
// the snapshot's version — any mutation since capture invalidates it.
func (m *StateMachine) RestoreStateFromSnapshot(snap *StateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := snap.state.id
	if int(id) >= len(m.states) {
		return fmt.Errorf("%w: snapshot id %d out of range", ErrInvalidState, id)
	}
	live := m.states[id]
	if live.isLocked {
		return ErrStateLocked
	}
	if live.version != snap.state.version {
		return fmt.Errorf("%w: live version %d != snapshot version %d", ErrVersionMismatch, live.version, snap.state.version)
	}

	restored := snap.state.clone()
	restored.id = id
	m.states[id] = restored
	restored.touch()
	m.recomputeMachineChecksum()

	m.log.Debug("state restored from snapshot", "id", id, "name", restored.name)
	return nil
}
