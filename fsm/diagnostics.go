package fsm

import "time"

// Diagnostics holds monotonically increasing counters and the timestamp of
// the machine's last integrity verification. Counters never decrease.
type Diagnostics struct {
	FailedTransitions  uint64
	IntegrityViolations uint64
	LastVerification   time.Time
}

// IntegrityReport is the result of verifying a single state's integrity.
type IntegrityReport struct {
	StateID uint32
	OK      bool
}
