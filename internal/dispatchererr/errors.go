// Package dispatchererr defines the sentinel error kinds used across the
// dispatcher. Every external-facing failure mode named in the control-loop
// specification is one of these values, checked with errors.Is/errors.As —
// nothing in the dispatcher panics or returns an opaque string error for a
// condition the caller is expected to branch on.
package dispatchererr

import "errors"

var (
	// ErrMissingGoal means a required control key was absent for a
	// configured detector. The tick that discovered it must be skipped
	// entirely; this is not logged as an error (spec: "no log spam").
	ErrMissingGoal = errors.New("dispatchererr: missing goal directive")

	// ErrModeUnknown means arming was attempted against a run mode with
	// no matching options document. Logged at WARNING; command refused.
	ErrModeUnknown = errors.New("dispatchererr: run mode unknown")

	// ErrSubconfigMissing means a run mode's "includes" named a subconfig
	// that does not exist. Logged at WARNING; command refused.
	ErrSubconfigMissing = errors.New("dispatchererr: run mode subconfig missing")

	// ErrAckPending is a benign Command Gate rejection: a previous stop
	// to this detector has not yet been acknowledged by every recipient.
	ErrAckPending = errors.New("dispatchererr: previous stop not fully acknowledged")

	// ErrCooldown is a benign Command Gate rejection: the command's
	// per-command timeout has not yet elapsed since it was last issued.
	ErrCooldown = errors.New("dispatchererr: command still in cooldown")

	// ErrSequencing is a benign Command Gate rejection: the minimum gap
	// between a stop/arm or arm/start pair has not yet elapsed.
	ErrSequencing = errors.New("dispatchererr: command issued out of sequence")

	// ErrArmBusy is a benign Command Gate rejection: another detector is
	// already arming or armed (the one-armer invariant).
	ErrArmBusy = errors.New("dispatchererr: another detector is already arming")

	// ErrArmTimeout, ErrStartTimeout, ErrStopTimeout are supervisor
	// escalations. Logged at ERROR, rate-limited.
	ErrArmTimeout   = errors.New("dispatchererr: arm command timed out")
	ErrStartTimeout = errors.New("dispatchererr: start command timed out")
	ErrStopTimeout  = errors.New("dispatchererr: stop command timed out")

	// ErrStorageTransient wraps any database read/write failure during a
	// tick. The tick is aborted; no in-memory state is mutated.
	ErrStorageTransient = errors.New("dispatchererr: transient storage failure")

	// ErrStorageFatal is raised only at startup; the process must exit
	// with a non-zero status.
	ErrStorageFatal = errors.New("dispatchererr: unrecoverable storage failure")
)
