package dispatcherrun_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/coderdj/dispatcher/internal/config"
	"github.com/coderdj/dispatcher/internal/daqstatus"
	"github.com/coderdj/dispatcher/internal/dispatcherrun"
	"github.com/coderdj/dispatcher/internal/reconcile"
	"github.com/coderdj/dispatcher/internal/store"
)

// closedContext returns a context that is already cancelled, so Run
// returns on its very first select without ever ticking.
func closedContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// stopAfter returns a context cancelled as soon as stop is closed.
func stopAfter(stop <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stop
		cancel()
	}()
	return ctx
}

type fakeDB struct {
	mu         sync.Mutex
	directives map[string]store.Directive
	rows       map[string]daqstatus.NodeStatusRow
	snapshots  []string
	unacked    map[string]struct {
		cmd store.Command
		age time.Duration
	}
}

func newFakeDB() *fakeDB {
	return &fakeDB{directives: map[string]store.Directive{}, rows: map[string]daqstatus.NodeStatusRow{}}
}

func (f *fakeDB) setGoal(detector, field, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directives[detector+"|"+field] = store.Directive{Detector: detector, Field: field, Value: value, Time: time.Now()}
}

func (f *fakeDB) setRow(host string, row daqstatus.NodeStatusRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[host] = row
}

func (f *fakeDB) LatestDirective(detector, field string) (store.Directive, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.directives[detector+"|"+field]
	return d, ok, nil
}

func (f *fakeDB) LatestNodeStatusBulk(hosts []string) (map[string]daqstatus.NodeStatusRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]daqstatus.NodeStatusRow{}
	for _, h := range hosts {
		if row, ok := f.rows[h]; ok {
			out[h] = row
		}
	}
	return out, nil
}

func (f *fakeDB) PutAggregateSnapshot(detector string, agg daqstatus.AggregateStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, detector)
	return nil
}

func (f *fakeDB) UnacknowledgedFor(host string, now time.Time) (store.Command, time.Duration, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.unacked[host]
	if !ok {
		return "", 0, false, nil
	}
	return rec.cmd, rec.age, true, nil
}

func (f *fakeDB) setUnacknowledged(host string, cmd store.Command, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unacked == nil {
		f.unacked = map[string]struct {
			cmd store.Command
			age time.Duration
		}{}
	}
	f.unacked[host] = struct {
		cmd store.Command
		age time.Duration
	}{cmd, age}
}

// setAllGoals writes every control key config.Defaults() declares for
// detector, so goalstate.Resolve never skips the tick over an unrelated
// missing key — tests that only care about active/mode use this instead of
// setGoal directly, since key existence is all-or-nothing.
func (f *fakeDB) setAllGoals(detector, active, mode string) {
	f.setGoal(detector, "active", active)
	f.setGoal(detector, "mode", mode)
	f.setGoal(detector, "stop_after", "0")
	f.setGoal(detector, "link_mv", "false")
	f.setGoal(detector, "link_nv", "false")
	f.setGoal(detector, "user", "")
	f.setGoal(detector, "comment", "")
	f.setGoal(detector, "softstop", "false")
}

type fakeHypervisor struct {
	handleTimeoutCalls int
	nukeCalls          int
}

func (h *fakeHypervisor) HandleTimeout(host string) { h.handleTimeoutCalls++ }
func (h *fakeHypervisor) TacticalNuclearOption()    { h.nukeCalls++ }

type fakeController struct {
	calls int
	last  map[string]reconcile.DetectorInput
}

func (c *fakeController) Tick(detectors []string, inputs map[string]reconcile.DetectorInput, now time.Time) {
	c.calls++
	c.last = inputs
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.MasterDAQConfig = map[string]config.DetectorNodes{
		"tpc": {Readers: []string{"r0"}, Controller: []string{"cc0"}},
	}
	cfg.ClientTimeout = time.Hour
	cfg.TimeoutTakeAction = time.Hour
	return &cfg
}

func TestTickSkipsOnMissingGoal(t *testing.T) {
	db := newFakeDB()
	db.setGoal("tpc", "active", "true") // every other control key stays missing
	ctl := &fakeController{}
	hv := &fakeHypervisor{}
	cfg := testConfig()
	cfg.PollFrequency = 5 * time.Millisecond
	r := dispatcherrun.New(db, cfg, ctl, hv, nil, zap.NewNop())

	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		r.Run(stopAfter(stop))
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	<-done

	if ctl.calls != 0 {
		t.Fatalf("expected every tick to be skipped while goal keys are missing, got %d solver calls", ctl.calls)
	}
}

func TestRunnerAggregatesAndDispatchesOneDetector(t *testing.T) {
	db := newFakeDB()
	db.setAllGoals("tpc", "true", "m1")
	db.setRow("r0", daqstatus.NodeStatusRow{Status: daqstatus.Idle, GeneratedAt: time.Now()})
	db.setRow("cc0", daqstatus.NodeStatusRow{Status: daqstatus.Idle, GeneratedAt: time.Now()})

	ctl := &fakeController{}
	hv := &fakeHypervisor{}
	cfg := testConfig()
	cfg.PollFrequency = 10 * time.Millisecond
	r := dispatcherrun.New(db, cfg, ctl, hv, nil, zap.NewNop())

	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		r.Run(stopAfter(stop))
		close(done)
	}()
	time.Sleep(35 * time.Millisecond)
	close(stop)
	<-done

	if ctl.calls == 0 {
		t.Fatal("expected at least one reconciliation tick")
	}
	in, ok := ctl.last["tpc"]
	if !ok {
		t.Fatal("expected tpc to be present in the solver inputs")
	}
	if in.Aggregate.Status != daqstatus.Idle {
		t.Fatalf("expected aggregated IDLE status, got %s", in.Aggregate.Status)
	}
	if !in.Goal.Active || in.Goal.Mode != "m1" {
		t.Fatalf("expected resolved goal active/mode, got %+v", in.Goal)
	}
	if len(db.snapshots) == 0 {
		t.Fatal("expected at least one aggregate snapshot write")
	}
}

func TestTimeoutHookEscalatesStaleTPCNode(t *testing.T) {
	db := newFakeDB()
	db.setAllGoals("tpc", "true", "m1")
	staleRow := daqstatus.NodeStatusRow{Status: daqstatus.Idle, GeneratedAt: time.Now().Add(-time.Hour)}
	db.setRow("r0", staleRow)
	db.setRow("cc0", staleRow)

	ctl := &fakeController{}
	hv := &fakeHypervisor{}
	cfg := testConfig()
	cfg.ClientTimeout = time.Minute
	cfg.TimeoutTakeAction = time.Minute
	r := dispatcherrun.New(db, cfg, ctl, hv, nil, zap.NewNop())

	done := make(chan struct{})
	stop := make(chan struct{})
	cfg.PollFrequency = 5 * time.Millisecond
	go func() {
		r.Run(stopAfter(stop))
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	<-done

	if hv.handleTimeoutCalls == 0 {
		t.Fatal("expected at least one handle_timeout escalation for the stale tpc reader")
	}
}

// TestTimeoutHookEscalatesOnUnacknowledgedCommand proves the second trigger
// of spec.md §4.A's timeout action hook: a node with a perfectly fresh
// heartbeat (so it never trips the node-timeout check) still reaches
// hv.HandleTimeout once it is carrying a command nobody has acknowledged
// for longer than that command kind's own timeout.
func TestTimeoutHookEscalatesOnUnacknowledgedCommand(t *testing.T) {
	db := newFakeDB()
	db.setAllGoals("tpc", "true", "m1")
	freshRow := daqstatus.NodeStatusRow{Status: daqstatus.Idle, GeneratedAt: time.Now()}
	db.setRow("r0", freshRow)
	db.setRow("cc0", freshRow)
	db.setUnacknowledged("r0", store.CmdStart, time.Hour)

	ctl := &fakeController{}
	hv := &fakeHypervisor{}
	cfg := testConfig()
	cfg.Timeouts.Start = time.Minute
	cfg.PollFrequency = 5 * time.Millisecond
	r := dispatcherrun.New(db, cfg, ctl, hv, nil, zap.NewNop())

	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		r.Run(stopAfter(stop))
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	<-done

	if hv.handleTimeoutCalls == 0 {
		t.Fatal("expected handle_timeout for a reader with a long-unacknowledged start command")
	}
}
