// Package hypervisor defines the dispatcher's one external escape-hatch
// collaborator (spec.md §6): a process the core can ask to restart a
// hung reader, or to reset the entire DAQ cluster. Its internals are
// explicitly out of scope (spec.md §1) — the core only ever sees this
// two-method interface.
package hypervisor

import "go.uber.org/zap"

// Hypervisor is the collaborator interface the supervisor and status
// aggregator escalate to.
type Hypervisor interface {
	// HandleTimeout asks the hypervisor to restart the reader process on
	// host. Fire-and-forget: the core does not wait for a result.
	HandleTimeout(host string)

	// TacticalNuclearOption asks the hypervisor to reset the entire DAQ
	// cluster. Used only after bounded retries have been exhausted.
	TacticalNuclearOption()
}

// LogOnly is the default Hypervisor: it only logs the escalation. A real
// deployment injects a collaborator that actually restarts processes;
// this implementation exists so the dispatcher runs standalone (e.g. in
// cmd/daq-sim) without one.
type LogOnly struct {
	Log *zap.Logger
}

func (h LogOnly) HandleTimeout(host string) {
	h.Log.Warn("hypervisor: handle_timeout requested", zap.String("host", host))
}

func (h LogOnly) TacticalNuclearOption() {
	h.Log.Error("hypervisor: tactical_nuclear_option requested")
}
