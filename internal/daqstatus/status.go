// Package daqstatus defines the DAQ status enum and the node/aggregate
// status records that flow between the status bulletin, the status
// aggregator, and the reconciliation solver.
//
// The wire encoding (0..6, in the order declared below) is load-bearing:
// reader and crate-controller processes write this integer directly into
// their heartbeat rows, so the order must never change without a schema
// migration. All decision logic in this module and its callers branches
// on the named constants, never on the raw integer.
package daqstatus

import "fmt"

// Status is the tagged DAQ run-state variant reported by readers and crate
// controllers, and computed for logical/super detectors by the aggregator.
type Status uint8

const (
	Idle Status = iota
	Arming
	Armed
	Running
	Error
	Timeout
	Unknown
)

// String returns the canonical upper-case name, as written to logs and
// exposed on Prometheus labels.
func (s Status) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Arming:
		return "ARMING"
	case Armed:
		return "ARMED"
	case Running:
		return "RUNNING"
	case Error:
		return "ERROR"
	case Timeout:
		return "TIMEOUT"
	case Unknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// ParseStatus decodes a wire integer into a Status. Any value outside
// 0..6 decodes to Unknown rather than erroring — a malformed or future
// status code should degrade gracefully, not stall the control loop.
func ParseStatus(wire int) Status {
	if wire < int(Idle) || wire > int(Unknown) {
		return Unknown
	}
	return Status(wire)
}

// IsActive reports whether s is one of the states spec.md treats as "the
// detector is doing something" (as opposed to quiescent IDLE).
func (s Status) IsActive() bool {
	switch s {
	case Running, Armed, Arming, Unknown:
		return true
	default:
		return false
	}
}
