// Package supervisor implements the timeout & retry escalation ladder
// (spec.md §4.F, component F): per-detector deadline tracking that
// escalates a stuck arm/start/stop into a re-emitted stop, and a
// persistently stuck stop into the hypervisor's nuclear option.
package supervisor

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coderdj/dispatcher/internal/config"
	"github.com/coderdj/dispatcher/internal/dispatchererr"
	"github.com/coderdj/dispatcher/internal/hypervisor"
	"github.com/coderdj/dispatcher/internal/observability"
	"github.com/coderdj/dispatcher/internal/store"
	"github.com/coderdj/dispatcher/internal/topology"
)

// Auto asks CheckTimeout to pick the most recently issued command for the
// detector, mirroring the source's command=None behaviour.
const Auto store.Command = ""

// DetectorState is the per-detector bookkeeping spec.md §3 names
// "error_stop_count, missed_arm_cycles, can_force_stop". One instance is
// created per configured detector at startup and lives for the process
// lifetime; the reconciler owns the map of these and mutates them via its
// reset hooks, this package mutates them during escalation.
type DetectorState struct {
	ErrorStopCount  int
	MissedArmCycles int
	CanForceStop    bool
}

// NewDetectorState returns the initial state: can_force_stop starts true,
// matching a freshly configured detector that has not yet errored.
func NewDetectorState() *DetectorState {
	return &DetectorState{CanForceStop: true}
}

// CommandTimes is the subset of the Command Gate's bookkeeping the
// supervisor needs to read: when a command was last issued to a detector.
// The Command Gate owns last_command_at (spec.md §9: global mutable state
// confined to a single owning component); this interface lets the
// supervisor consult it without owning a copy.
type CommandTimes interface {
	LastCommandAt(detector string, cmd store.Command) (time.Time, bool)
}

// Issuer is the Command Gate's public operation, as seen by the
// supervisor's escalation path.
type Issuer interface {
	Issue(cmd store.Command, detector string, force bool) error
}

// Supervisor tracks per-detector deadlines and drives the escalation
// ladder: re-emit stop with linear backoff, then invoke the hypervisor.
type Supervisor struct {
	gate     Issuer
	times    CommandTimes
	hv       hypervisor.Hypervisor
	log      *zap.Logger
	timeouts config.TimeoutsConfig

	stopRetries  int
	maxArmCycles int

	lastLogged map[string]time.Time

	metrics *observability.Metrics
}

// SetMetrics attaches the process's metrics registry. Optional: a
// Supervisor with no metrics set simply skips the observation.
func (s *Supervisor) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// New builds a Supervisor. timeouts, stopRetries and maxArmCycles come
// from the loaded configuration (spec.md §6).
func New(gate Issuer, times CommandTimes, hv hypervisor.Hypervisor, log *zap.Logger, timeouts config.TimeoutsConfig, stopRetries, maxArmCycles int) *Supervisor {
	return &Supervisor{
		gate:         gate,
		times:        times,
		hv:           hv,
		log:          log,
		timeouts:     timeouts,
		stopRetries:  stopRetries,
		maxArmCycles: maxArmCycles,
		lastLogged:   map[string]time.Time{},
	}
}

// CheckTimeout implements spec.md §4.F's check-timeout(d, cmd). cmd may be
// Auto, in which case the most recently issued command for the detector is
// selected first. state is the detector's DetectorState, mutated in place.
func (s *Supervisor) CheckTimeout(state *DetectorState, detector string, cmd store.Command, now time.Time) {
	if cmd == Auto {
		cmd = s.mostRecentCommand(detector, now)
	}

	last, ok := s.times.LastCommandAt(detector, cmd)
	dt := 2 * s.timeoutFor(cmd, state)
	if ok {
		dt = now.Sub(last)
	}

	local := s.timeoutFor(cmd, state)
	if dt < local {
		return
	}

	switch cmd {
	case store.CmdStop:
		s.escalateStop(state, detector, now)
	default:
		s.escalateArmOrStart(state, detector, cmd, now)
	}
}

// timeoutFor returns the local timeout for cmd: the configured timeout for
// arm/start, or the stop timeout scaled linearly by (error_stop_count+1)
// for stop (spec.md §4.F: "linear backoff").
func (s *Supervisor) timeoutFor(cmd store.Command, state *DetectorState) time.Duration {
	switch cmd {
	case store.CmdArm:
		return s.timeouts.Arm
	case store.CmdStart:
		return s.timeouts.Start
	default:
		return s.timeouts.Stop * time.Duration(state.ErrorStopCount+1)
	}
}

func (s *Supervisor) escalateStop(state *DetectorState, detector string, now time.Time) {
	if state.ErrorStopCount >= s.stopRetries {
		s.logRateLimited(detector, "STOP_TIMEOUT", 15*time.Minute, now,
			fmt.Errorf("%s: dispatcher control loop detects a timeout that stop can't solve: %w", detector, dispatchererr.ErrStopTimeout))
		s.observeEscalation("STOP_TIMEOUT")
		s.hv.TacticalNuclearOption()
		s.observeHypervisor("tactical_nuclear_option")
		state.ErrorStopCount = 0
		return
	}
	_ = s.gate.Issue(store.CmdStop, detector, false)
	state.ErrorStopCount++
}

func (s *Supervisor) escalateArmOrStart(state *DetectorState, detector string, cmd store.Command, now time.Time) {
	kind := "ARM_TIMEOUT"
	sentinel := dispatchererr.ErrArmTimeout
	if cmd == store.CmdStart {
		kind = "START_TIMEOUT"
		sentinel = dispatchererr.ErrStartTimeout
	}
	s.logRateLimited(detector, kind, 0, now,
		fmt.Errorf("%s took too long to %s, indicating a possible timeout or error: %w", detector, cmd, sentinel))
	s.observeEscalation(kind)

	state.MissedArmCycles++
	_ = s.gate.Issue(store.CmdStop, detector, false)

	if state.MissedArmCycles > s.maxArmCycles && detector == topology.TPC {
		s.hv.TacticalNuclearOption()
		s.observeHypervisor("tactical_nuclear_option")
	}
}

func (s *Supervisor) observeEscalation(kind string) {
	if s.metrics != nil {
		s.metrics.SupervisorEscalationsTotal.WithLabelValues(kind).Inc()
	}
}

func (s *Supervisor) observeHypervisor(op string) {
	if s.metrics != nil {
		s.metrics.HypervisorInvocationsTotal.WithLabelValues(op).Inc()
	}
}

// mostRecentCommand picks the command with the latest last_command_at
// among arm/start/stop, mirroring the source's command=None resolution.
func (s *Supervisor) mostRecentCommand(detector string, now time.Time) store.Command {
	best := store.CmdArm
	var bestAt time.Time
	for _, cmd := range []store.Command{store.CmdArm, store.CmdStart, store.CmdStop} {
		at, ok := s.times.LastCommandAt(detector, cmd)
		if !ok {
			continue
		}
		if at.After(bestAt) {
			bestAt = at
			best = cmd
		}
	}
	return best
}

// logRateLimited logs msg at ERROR unless the same (detector, kind) pair
// was logged less than minInterval ago. minInterval == 0 means "every
// tick", i.e. never suppressed (spec.md §4.F).
func (s *Supervisor) logRateLimited(detector, kind string, minInterval time.Duration, now time.Time, err error) {
	key := detector + "|" + kind
	if minInterval > 0 {
		if last, ok := s.lastLogged[key]; ok && now.Sub(last) < minInterval {
			if s.metrics != nil {
				s.metrics.ErrorLogSuppressionsTotal.WithLabelValues(kind).Inc()
			}
			return
		}
	}
	s.lastLogged[key] = now
	s.log.Error("supervisor: escalation", zap.String("detector", detector), zap.String("kind", kind), zap.Error(err))
}
