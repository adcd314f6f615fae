package reconcile_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/coderdj/dispatcher/internal/daqstatus"
	"github.com/coderdj/dispatcher/internal/gate"
	"github.com/coderdj/dispatcher/internal/goalstate"
	"github.com/coderdj/dispatcher/internal/reconcile"
	"github.com/coderdj/dispatcher/internal/store"
	"github.com/coderdj/dispatcher/internal/supervisor"
)

type issuedCmd struct {
	cmd      store.Command
	detector string
	force    bool
}

type fakeGate struct {
	beginTicks int
	arming     []bool
	contexts   map[string]gate.DetectorContext
	issued     []issuedCmd
}

func newFakeGate() *fakeGate {
	return &fakeGate{contexts: map[string]gate.DetectorContext{}}
}

func (g *fakeGate) BeginTick()                      { g.beginTicks++ }
func (g *fakeGate) SetArming(v bool)                { g.arming = append(g.arming, v) }
func (g *fakeGate) SetContext(d string, ctx gate.DetectorContext) { g.contexts[d] = ctx }
func (g *fakeGate) Issue(cmd store.Command, detector string, force bool) error {
	g.issued = append(g.issued, issuedCmd{cmd, detector, force})
	return nil
}

func (g *fakeGate) issuedCommands(detector string) []issuedCmd {
	var out []issuedCmd
	for _, c := range g.issued {
		if c.detector == detector {
			out = append(out, c)
		}
	}
	return out
}

type timeoutCall struct {
	detector string
	cmd      store.Command
}

type fakeSupervisor struct {
	calls []timeoutCall
}

func (s *fakeSupervisor) CheckTimeout(state *supervisor.DetectorState, detector string, cmd store.Command, now time.Time) {
	s.calls = append(s.calls, timeoutCall{detector, cmd})
}

type fakeRunTimes struct {
	starts map[uint64]time.Time
}

func (f *fakeRunTimes) RunStart(number uint64) (time.Time, bool, error) {
	t, ok := f.starts[number]
	return t, ok, nil
}

func TestTickIdleActiveIssuesArm(t *testing.T) {
	g := newFakeGate()
	sup := &fakeSupervisor{}
	rt := &fakeRunTimes{starts: map[uint64]time.Time{}}
	c := reconcile.New(g, sup, rt, zap.NewNop(), []string{"tpc"})

	inputs := map[string]reconcile.DetectorInput{
		"tpc": {
			Aggregate:      daqstatus.AggregateStatus{Status: daqstatus.Idle},
			Goal:           goalstate.GoalRecord{Active: true, Mode: "m1"},
			SuperDetectors: []string{"tpc"},
		},
	}
	c.Tick([]string{"tpc"}, inputs, time.Now())

	cmds := g.issuedCommands("tpc")
	if len(cmds) != 1 || cmds[0].cmd != store.CmdArm {
		t.Fatalf("expected exactly 1 arm command, got %+v", cmds)
	}
}

func TestTickArmedIssuesStart(t *testing.T) {
	g := newFakeGate()
	sup := &fakeSupervisor{}
	rt := &fakeRunTimes{starts: map[uint64]time.Time{}}
	c := reconcile.New(g, sup, rt, zap.NewNop(), []string{"tpc"})

	inputs := map[string]reconcile.DetectorInput{
		"tpc": {
			Aggregate:      daqstatus.AggregateStatus{Status: daqstatus.Armed},
			Goal:           goalstate.GoalRecord{Active: true, Mode: "m1"},
			SuperDetectors: []string{"tpc"},
		},
	}
	c.Tick([]string{"tpc"}, inputs, time.Now())

	cmds := g.issuedCommands("tpc")
	if len(cmds) != 1 || cmds[0].cmd != store.CmdStart {
		t.Fatalf("expected exactly 1 start command, got %+v", cmds)
	}
	if len(g.arming) != 1 || g.arming[0] != true {
		t.Fatalf("expected reset hook to mark arming for ARMED status, got %v", g.arming)
	}
}

func TestTickRunningModeMismatchIssuesStop(t *testing.T) {
	g := newFakeGate()
	sup := &fakeSupervisor{}
	rt := &fakeRunTimes{starts: map[uint64]time.Time{}}
	c := reconcile.New(g, sup, rt, zap.NewNop(), []string{"tpc"})

	inputs := map[string]reconcile.DetectorInput{
		"tpc": {
			Aggregate:      daqstatus.AggregateStatus{Status: daqstatus.Running, Mode: "old", Number: 5},
			Goal:           goalstate.GoalRecord{Active: true, Mode: "new"},
			SuperDetectors: []string{"tpc"},
		},
	}
	c.Tick([]string{"tpc"}, inputs, time.Now())

	cmds := g.issuedCommands("tpc")
	if len(cmds) != 1 || cmds[0].cmd != store.CmdStop {
		t.Fatalf("expected exactly 1 stop command on mode mismatch, got %+v", cmds)
	}
}

func TestTickRunningTurnoverIssuesStopAfterThreshold(t *testing.T) {
	g := newFakeGate()
	sup := &fakeSupervisor{}
	now := time.Now()
	rt := &fakeRunTimes{starts: map[uint64]time.Time{5: now.Add(-61 * time.Minute)}}
	c := reconcile.New(g, sup, rt, zap.NewNop(), []string{"tpc"})

	inputs := map[string]reconcile.DetectorInput{
		"tpc": {
			Aggregate:      daqstatus.AggregateStatus{Status: daqstatus.Running, Mode: "m1", Number: 5},
			Goal:           goalstate.GoalRecord{Active: true, Mode: "m1", StopAfterMinutes: 60, HasStopAfter: true},
			SuperDetectors: []string{"tpc"},
		},
	}
	c.Tick([]string{"tpc"}, inputs, now)

	cmds := g.issuedCommands("tpc")
	if len(cmds) != 1 || cmds[0].cmd != store.CmdStop {
		t.Fatalf("expected exactly 1 stop command from run turnover, got %+v", cmds)
	}
}

func TestTickInactiveRunningStopsImmediately(t *testing.T) {
	g := newFakeGate()
	sup := &fakeSupervisor{}
	rt := &fakeRunTimes{starts: map[uint64]time.Time{}}
	c := reconcile.New(g, sup, rt, zap.NewNop(), []string{"tpc"})

	inputs := map[string]reconcile.DetectorInput{
		"tpc": {
			Aggregate:      daqstatus.AggregateStatus{Status: daqstatus.Running},
			Goal:           goalstate.GoalRecord{Active: false},
			SuperDetectors: []string{"tpc"},
		},
	}
	c.Tick([]string{"tpc"}, inputs, time.Now())

	cmds := g.issuedCommands("tpc")
	if len(cmds) != 1 || cmds[0].cmd != store.CmdStop {
		t.Fatalf("expected immediate stop for inactive goal without softstop, got %+v", cmds)
	}
}

func TestTickInactiveSoftStopDefersToTurnover(t *testing.T) {
	g := newFakeGate()
	sup := &fakeSupervisor{}
	now := time.Now()
	rt := &fakeRunTimes{starts: map[uint64]time.Time{5: now.Add(-3 * time.Minute)}}
	c := reconcile.New(g, sup, rt, zap.NewNop(), []string{"tpc"})

	inputs := map[string]reconcile.DetectorInput{
		"tpc": {
			Aggregate:      daqstatus.AggregateStatus{Status: daqstatus.Running, Number: 5},
			Goal:           goalstate.GoalRecord{Active: false, SoftStop: true, StopAfterMinutes: 5, HasStopAfter: true},
			SuperDetectors: []string{"tpc"},
		},
	}
	c.Tick([]string{"tpc"}, inputs, now)

	cmds := g.issuedCommands("tpc")
	if len(cmds) != 0 {
		t.Fatalf("expected no stop before the turnover threshold under softstop, got %+v", cmds)
	}
}

func TestTickErrorForcesOnceThenClearsCanForceStop(t *testing.T) {
	g := newFakeGate()
	sup := &fakeSupervisor{}
	rt := &fakeRunTimes{starts: map[uint64]time.Time{}}
	c := reconcile.New(g, sup, rt, zap.NewNop(), []string{"tpc"})

	inputs := map[string]reconcile.DetectorInput{
		"tpc": {
			Aggregate:      daqstatus.AggregateStatus{Status: daqstatus.Error},
			Goal:           goalstate.GoalRecord{Active: true, Mode: "m1"},
			SuperDetectors: []string{"tpc"},
		},
	}
	c.Tick([]string{"tpc"}, inputs, time.Now())
	c.Tick([]string{"tpc"}, inputs, time.Now())

	cmds := g.issuedCommands("tpc")
	if len(cmds) != 2 {
		t.Fatalf("expected 2 stop commands across two ticks, got %+v", cmds)
	}
	if !cmds[0].force {
		t.Fatalf("expected the first ERROR-state stop to be forced, got %+v", cmds[0])
	}
	if cmds[1].force {
		t.Fatalf("expected the second ERROR-state stop to not be forced (can_force_stop cleared), got %+v", cmds[1])
	}
}

func TestTickArmingDelegatesToSupervisor(t *testing.T) {
	g := newFakeGate()
	sup := &fakeSupervisor{}
	rt := &fakeRunTimes{starts: map[uint64]time.Time{}}
	c := reconcile.New(g, sup, rt, zap.NewNop(), []string{"tpc"})

	inputs := map[string]reconcile.DetectorInput{
		"tpc": {
			Aggregate:      daqstatus.AggregateStatus{Status: daqstatus.Arming},
			Goal:           goalstate.GoalRecord{Active: true, Mode: "m1"},
			SuperDetectors: []string{"tpc"},
		},
	}
	c.Tick([]string{"tpc"}, inputs, time.Now())

	if len(sup.calls) != 1 || sup.calls[0].cmd != store.CmdArm {
		t.Fatalf("expected supervisor.CheckTimeout(arm) to be called, got %+v", sup.calls)
	}
}
