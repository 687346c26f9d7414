package fsm

import (
	"errors"
	"testing"
)

func buildBasicMachine(t *testing.T) (*StateMachine, uint32, uint32, uint32) {
	t.Helper()
	m := New()

	init, err := m.AddState("init", nil, nil, false)
	if err != nil {
		t.Fatalf("AddState(init): %v", err)
	}
	ready, err := m.AddState("ready", nil, nil, false)
	if err != nil {
		t.Fatalf("AddState(ready): %v", err)
	}
	running, err := m.AddState("running", nil, nil, false)
	if err != nil {
		t.Fatalf("AddState(running): %v", err)
	}

	if err := m.AddTransition("to_ready", init, ready, nil, nil); err != nil {
		t.Fatalf("AddTransition(to_ready): %v", err)
	}
	if err := m.AddTransition("to_running", ready, running, nil, nil); err != nil {
		t.Fatalf("AddTransition(to_running): %v", err)
	}

	return m, init, ready, running
}

func TestAddState_DuplicateName(t *testing.T) {
	m := New()
	if _, err := m.AddState("init", nil, nil, false); err != nil {
		t.Fatalf("first AddState: %v", err)
	}
	if _, err := m.AddState("init", nil, nil, false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("want ErrInvalidState, got %v", err)
	}
}

func TestAddState_MaxStatesReached(t *testing.T) {
	m := New(WithMaxStates(1))
	if _, err := m.AddState("a", nil, nil, false); err != nil {
		t.Fatalf("AddState(a): %v", err)
	}
	if _, err := m.AddState("b", nil, nil, false); !errors.Is(err, ErrMaxStatesReached) {
		t.Fatalf("want ErrMaxStatesReached, got %v", err)
	}
}

func TestAddTransition_RejectsFinalSource(t *testing.T) {
	m := New()
	a, _ := m.AddState("a", nil, nil, true)
	b, _ := m.AddState("b", nil, nil, false)
	if err := m.AddTransition("a_to_b", a, b, nil, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition for final source, got %v", err)
	}
}

func TestExecuteTransition_HappyPath(t *testing.T) {
	m, init, ready, _ := buildBasicMachine(t)

	if m.CurrentStateID() != init {
		t.Fatalf("initial current state = %d, want %d", m.CurrentStateID(), init)
	}

	readyState := m.State(ready)
	preVersion := readyState.Version()

	if err := m.ExecuteTransition("to_ready", nil); err != nil {
		t.Fatalf("ExecuteTransition: %v", err)
	}
	if m.CurrentStateID() != ready {
		t.Fatalf("current state = %d, want %d", m.CurrentStateID(), ready)
	}
	if readyState.Version() != preVersion+1 {
		t.Fatalf("ready.version = %d, want %d", readyState.Version(), preVersion+1)
	}
}

func TestExecuteTransition_WrongCurrentState(t *testing.T) {
	m, _, _, _ := buildBasicMachine(t)
	// to_running requires current == ready, but current is init.
	if err := m.ExecuteTransition("to_running", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
}

func TestExecuteTransition_LockedStateBlocks(t *testing.T) {
	m, _, ready, _ := buildBasicMachine(t)
	if err := m.LockState(ready); err != nil {
		t.Fatalf("LockState: %v", err)
	}
	if err := m.ExecuteTransition("to_ready", nil); !errors.Is(err, ErrStateLocked) {
		t.Fatalf("want ErrStateLocked, got %v", err)
	}
}

func TestExecuteTransition_GuardRejection(t *testing.T) {
	m := New()
	a, _ := m.AddState("a", nil, nil, false)
	b, _ := m.AddState("b", nil, nil, false)
	m.AddTransition("a_to_b", a, b, nil, func(from, to *State) bool { return false })

	err := m.ExecuteTransition("a_to_b", nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
	if d := m.Diagnostics(); d.FailedTransitions != 1 {
		t.Fatalf("FailedTransitions = %d, want 1", d.FailedTransitions)
	}
}

func TestExecuteTransition_HookOrderAndRollbackOnPanic(t *testing.T) {
	m := New()
	var order []string
	onExit := func(ctx any) error { order = append(order, "on_exit"); return nil }
	action := func(ctx any) error { order = append(order, "action"); return nil }
	onEnter := func(ctx any) error { order = append(order, "on_enter"); panic("boom") }

	a, _ := m.AddState("a", nil, onExit, false)
	b, _ := m.AddState("b", onEnter, nil, false)
	m.AddTransition("a_to_b", a, b, action, nil)

	err := m.ExecuteTransition("a_to_b", nil)
	if err == nil {
		t.Fatal("expected error from panicking on_enter hook")
	}
	if m.CurrentStateID() != a {
		t.Fatalf("current state = %d after rollback, want %d", m.CurrentStateID(), a)
	}
	want := []string{"on_exit", "action", "on_enter"}
	if len(order) != len(want) {
		t.Fatalf("hook order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("hook order = %v, want %v", order, want)
		}
	}
	if d := m.Diagnostics(); d.FailedTransitions != 1 {
		t.Fatalf("FailedTransitions = %d, want 1", d.FailedTransitions)
	}
}

func TestVerifyStateIntegrity_TamperDetected(t *testing.T) {
	m := New()
	m.AddState("a", nil, nil, false)
	id, _ := m.AddState("b", nil, nil, false)

	if err := m.VerifyStateIntegrity(id); err != nil {
		t.Fatalf("integrity check on untouched state: %v", err)
	}

	// Same package: mutate the unexported field directly to simulate
	// corruption, as the scenario in spec.md §8 describes.
	m.mu.Lock()
	m.states[id].name = "tampered"
	m.mu.Unlock()

	if err := m.VerifyStateIntegrity(id); !errors.Is(err, ErrIntegrityCheckFailed) {
		t.Fatalf("want ErrIntegrityCheckFailed, got %v", err)
	}
	if d := m.Diagnostics(); d.IntegrityViolations != 1 {
		t.Fatalf("IntegrityViolations = %d, want 1", d.IntegrityViolations)
	}
}

func TestSnapshotRestore_VersionMismatchRejected(t *testing.T) {
	m := New()
	id, _ := m.AddState("a", nil, nil, false)

	snap, err := m.CreateStateSnapshot(id)
	if err != nil {
		t.Fatalf("CreateStateSnapshot: %v", err)
	}

	if err := m.LockState(id); err != nil {
		t.Fatalf("LockState: %v", err)
	}
	if err := m.UnlockState(id); err != nil {
		t.Fatalf("UnlockState: %v", err)
	}
	// version has moved on from the snapshot's version.

	if err := m.RestoreStateFromSnapshot(snap); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("want ErrVersionMismatch, got %v", err)
	}
}

func TestSnapshotRestore_NoOpModuloVersionAndTimestamp(t *testing.T) {
	m := New()
	id, _ := m.AddState("a", nil, nil, false)

	snap, err := m.CreateStateSnapshot(id)
	if err != nil {
		t.Fatalf("CreateStateSnapshot: %v", err)
	}
	if err := m.RestoreStateFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreStateFromSnapshot: %v", err)
	}

	got := m.State(id)
	if got.Name() != snap.state.name || got.IsFinal() != snap.state.isFinal || got.IsLocked() != snap.state.isLocked {
		t.Fatalf("restored state attributes diverge from snapshot")
	}
	if got.Version() != snap.state.version+1 {
		t.Fatalf("restored version = %d, want %d", got.Version(), snap.state.version+1)
	}
}

func TestExecuteTransitionPair(t *testing.T) {
	m, init, ready, _ := buildBasicMachine(t)
	if err := m.ExecuteTransitionPair(init, ready, nil); err != nil {
		t.Fatalf("ExecuteTransitionPair: %v", err)
	}
	if m.CurrentStateID() != ready {
		t.Fatalf("current state = %d, want %d", m.CurrentStateID(), ready)
	}
}

func TestAddTransition_OutOfRangeIDs(t *testing.T) {
	m := New()
	a, _ := m.AddState("a", nil, nil, false)
	if err := m.AddTransition("bad", a, 99, nil, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("want ErrInvalidState, got %v", err)
	}
}
