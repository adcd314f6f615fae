// Package reconcile implements the reconciliation solver (spec.md §4.E,
// component E): once per tick, for every configured logical detector,
// compares its aggregate status against its goal and drives the Command
// Gate toward the goal. This is the one component that depends on all of
// A, B, C, D and F.
package reconcile

import (
	"time"

	"go.uber.org/zap"

	"github.com/coderdj/dispatcher/internal/daqstatus"
	"github.com/coderdj/dispatcher/internal/gate"
	"github.com/coderdj/dispatcher/internal/goalstate"
	"github.com/coderdj/dispatcher/internal/store"
	"github.com/coderdj/dispatcher/internal/supervisor"
	"github.com/coderdj/dispatcher/internal/topology"
)

// RunTimes is the subset of *store.DB the turnover check needs.
type RunTimes interface {
	RunStart(number uint64) (time.Time, bool, error)
}

// Gate is the Command Gate's seam as seen by the solver.
type Gate interface {
	BeginTick()
	SetArming(v bool)
	SetContext(detector string, ctx gate.DetectorContext)
	Issue(cmd store.Command, detector string, force bool) error
}

// Supervisor is the timeout & retry supervisor's seam as seen by the
// solver.
type Supervisor interface {
	CheckTimeout(state *supervisor.DetectorState, detector string, cmd store.Command, now time.Time)
}

// DetectorInput is one logical detector's per-tick observations, already
// computed by components A (status), B (goal) and C (topology) before the
// solver runs.
type DetectorInput struct {
	Aggregate   daqstatus.AggregateStatus
	Goal        goalstate.GoalRecord
	Readers     []string
	Controllers []string
	// SuperDetectors lists the constituent logical detectors fused with
	// this one for the current tick, including itself.
	SuperDetectors []string
}

// Controller holds the per-detector DetectorState table (spec.md §3) for
// the process lifetime and runs one tick of the solver.
type Controller struct {
	gate  Gate
	super Supervisor
	runs  RunTimes
	log   *zap.Logger

	states map[string]*supervisor.DetectorState
}

// New builds a Controller with one fresh DetectorState per configured
// detector (spec.md §3: "controller state is created at startup ... and
// lives for the process lifetime").
func New(g Gate, sup Supervisor, runs RunTimes, log *zap.Logger, detectors []string) *Controller {
	states := make(map[string]*supervisor.DetectorState, len(detectors))
	for _, d := range detectors {
		states[d] = supervisor.NewDetectorState()
	}
	return &Controller{gate: g, super: sup, runs: runs, log: log, states: states}
}

// Tick runs one reconciliation pass over every detector in inputs, in
// configuration iteration order (spec.md §9(b)'s tie-break: detectors
// is expected to already be sorted by the caller).
func (c *Controller) Tick(detectors []string, inputs map[string]DetectorInput, now time.Time) {
	c.gate.BeginTick()

	// Reset hooks run for every detector before any dispatch (spec.md §4.E).
	for _, d := range detectors {
		in, ok := inputs[d]
		if !ok {
			continue
		}
		state := c.states[d]
		s := in.Aggregate.Status
		if s == daqstatus.Idle {
			state.CanForceStop = true
			state.ErrorStopCount = 0
		}
		if s == daqstatus.Arming || s == daqstatus.Armed {
			c.gate.SetArming(true)
		}
	}

	for _, d := range detectors {
		in, ok := inputs[d]
		if !ok {
			continue
		}
		c.gate.SetContext(d, gate.DetectorContext{
			Mode:        in.Goal.Mode,
			User:        in.Goal.User,
			Readers:     in.Readers,
			Controllers: in.Controllers,
			Detectors:   in.SuperDetectors,
			RunNumber:   uint64(in.Aggregate.Number),
			Status:      in.Aggregate.Status,
		})
		c.dispatch(d, in, now)
	}
}

func (c *Controller) dispatch(d string, in DetectorInput, now time.Time) {
	state := c.states[d]
	s := in.Aggregate.Status
	g := in.Goal

	if !g.Active {
		switch s {
		case daqstatus.Idle:
			// nothing
		case daqstatus.Arming, daqstatus.Armed, daqstatus.Running, daqstatus.Unknown:
			c.stopGently(d, in, now)
		case daqstatus.Timeout:
			c.issue(store.CmdStop, d, false)
		case daqstatus.Error:
			c.issue(store.CmdStop, d, state.CanForceStop)
			state.CanForceStop = false
		}
		return
	}

	switch s {
	case daqstatus.Running:
		c.checkTurnover(d, in, now)
		if in.Aggregate.Mode != g.Mode {
			c.issue(store.CmdStop, d, false)
		}
	case daqstatus.Armed:
		c.issue(store.CmdStart, d, false)
	case daqstatus.Idle:
		c.issue(store.CmdArm, d, false)
	case daqstatus.Arming:
		c.super.CheckTimeout(state, d, store.CmdArm, now)
	case daqstatus.Unknown:
		c.super.CheckTimeout(state, d, supervisor.Auto, now)
	case daqstatus.Timeout:
		c.issue(store.CmdStop, d, false)
	case daqstatus.Error:
		c.issue(store.CmdStop, d, state.CanForceStop)
		state.CanForceStop = false
	}
}

func (c *Controller) stopGently(d string, in DetectorInput, now time.Time) {
	if in.Aggregate.Status == daqstatus.Running && in.Goal.SoftStop {
		c.checkTurnover(d, in, now)
		return
	}
	c.issue(store.CmdStop, d, false)
}

// checkTurnover implements spec.md §4.E's check-turnover(d): stop a
// RUNNING detector once it has exceeded its configured run duration.
func (c *Controller) checkTurnover(d string, in DetectorInput, now time.Time) {
	if !in.Goal.HasStopAfter {
		return
	}
	start, ok, err := c.runs.RunStart(uint64(in.Aggregate.Number))
	if err != nil || !ok {
		return
	}
	runLength := time.Duration(in.Goal.StopAfterMinutes) * time.Minute
	if now.Sub(start) > runLength {
		c.issue(store.CmdStop, d, false)
	}
}

func (c *Controller) issue(cmd store.Command, detector string, force bool) {
	if err := c.gate.Issue(cmd, detector, force); err != nil {
		c.log.Debug("reconcile: command gate refused command", zap.String("command", string(cmd)), zap.String("detector", detector), zap.Error(err))
	}
}

// Plan is a convenience that runs the topology planner and expands its
// output into the per-detector SuperDetectors list Tick's DetectorInput
// expects.
func Plan(goals map[string]goalstate.GoalRecord, modeDetectors topology.ModeDetectors) map[string][]string {
	supers := topology.Plan(goals, modeDetectors)
	out := make(map[string][]string, len(goals))
	for _, sup := range supers {
		for _, member := range sup.Constituents {
			out[member] = sup.Constituents
		}
	}
	return out
}
