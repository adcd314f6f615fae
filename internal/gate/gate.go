// Package gate implements the Command Gate (spec.md §4.D, component D):
// the single choke point through which every arm/start/stop command
// passes, enforcing cooldown timers, acknowledgement checks, sequencing
// and the global one-arming-at-a-time invariant. It owns the two pieces
// of global mutable state spec.md §9 requires be confined to a single
// component: last_command_at and one_detector_arming.
package gate

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coderdj/dispatcher/internal/daqstatus"
	"github.com/coderdj/dispatcher/internal/dispatchererr"
	"github.com/coderdj/dispatcher/internal/observability"
	"github.com/coderdj/dispatcher/internal/store"
)

// DetectorContext is the per-tick information the reconciler computes
// (from the goal resolver and topology planner, components B and C) that
// the gate needs but does not derive itself, since the gate depends only
// on the status aggregator and the scheduler (spec.md §2 dependency
// table). The reconciler calls SetContext once per detector per tick
// before issuing any commands.
type DetectorContext struct {
	Mode        string
	User        string
	Readers     []string
	Controllers []string
	Detectors   []string // the super-detector's constituent logical detectors, for the run record
	RunNumber   uint64   // the detector's current known run number, 0 if none
	Status      daqstatus.Status
}

// Scheduler is the delayed command scheduler's public seam, as seen by
// the gate.
type Scheduler interface {
	Enqueue(key []byte, rec store.CommandRecord)
}

// Storage is the subset of *store.DB the gate needs.
type Storage interface {
	NextRunNumber() (uint64, error)
	EnqueuePending(rec store.CommandRecord) ([]byte, error)
	Publish(rec store.CommandRecord) error
	AllAcknowledged(id string) (bool, error)
	ControllerAckTime(id string, controllerHosts []string) (time.Time, bool, error)
	InsertRun(run store.RunRecord) error
	CloseRun(number uint64, end time.Time) error
}

// nowFunc is the gate's clock source; New sets it to time.Now.
type nowFunc func() time.Time

// Gate is the Command Gate. One instance is created at startup and lives
// for the process lifetime.
type Gate struct {
	store Storage
	sched Scheduler
	log   *zap.Logger
	now   nowFunc

	timeouts            TimeoutConfig
	timeBetweenCommands time.Duration
	startCmdDelay       time.Duration
	stopCmdDelay        time.Duration
	ccStartWait         time.Duration

	contexts map[string]DetectorContext

	lastCommandAt      map[string]map[store.Command]time.Time
	lastStopIDs        map[string][]string
	candidateRunNumber map[string]uint64
	oneDetectorArming  bool

	metrics *observability.Metrics
}

// SetMetrics attaches the process's metrics registry. Optional: a Gate
// with no metrics set simply skips the observation.
func (g *Gate) SetMetrics(m *observability.Metrics) {
	g.metrics = m
}

// TimeoutConfig mirrors config.TimeoutsConfig without importing the config
// package, keeping the gate's dependency surface limited to A and G.
type TimeoutConfig struct {
	Arm   time.Duration
	Start time.Duration
	Stop  time.Duration
}

// Options bundles the gate's tunables, all sourced from configuration.
type Options struct {
	Timeouts            TimeoutConfig
	TimeBetweenCommands time.Duration
	StartCmdDelay       time.Duration
	StopCmdDelay        time.Duration
	CCStartWait         time.Duration
}

// New builds a Gate.
func New(store Storage, sched Scheduler, log *zap.Logger, opts Options) *Gate {
	return &Gate{
		store:               store,
		sched:               sched,
		log:                 log,
		now:                 time.Now,
		timeouts:            opts.Timeouts,
		timeBetweenCommands: opts.TimeBetweenCommands,
		startCmdDelay:       opts.StartCmdDelay,
		stopCmdDelay:        opts.StopCmdDelay,
		ccStartWait:         opts.CCStartWait,
		contexts:            map[string]DetectorContext{},
		lastCommandAt:       map[string]map[store.Command]time.Time{},
		lastStopIDs:         map[string][]string{},
		candidateRunNumber:  map[string]uint64{},
	}
}

// BeginTick clears the one-arming-at-a-time flag; the reconciler calls
// this exactly once at the start of each tick, before its reset hooks run
// (spec.md §4.E: "one_detector_arming" is recomputed fresh every tick from
// the observed statuses).
func (g *Gate) BeginTick() {
	g.oneDetectorArming = false
}

// SetArming sets the one-arming-at-a-time flag. The reconciler's reset
// hook calls this for any detector observed in ARMING or ARMED.
func (g *Gate) SetArming(v bool) {
	g.oneDetectorArming = v
}

// SetContext records the per-tick context for detector, consulted by
// Issue and by the supervisor's escalation calls for the remainder of the
// tick.
func (g *Gate) SetContext(detector string, ctx DetectorContext) {
	g.contexts[detector] = ctx
}

// LastCommandAt implements supervisor.CommandTimes.
func (g *Gate) LastCommandAt(detector string, cmd store.Command) (time.Time, bool) {
	byCmd, ok := g.lastCommandAt[detector]
	if !ok {
		return time.Time{}, false
	}
	t, ok := byCmd[cmd]
	return t, ok
}

// Issue implements supervisor.Issuer and is the gate's one public
// operation (spec.md §4.D).
func (g *Gate) Issue(cmd store.Command, detector string, force bool) error {
	now := g.now()
	ctx := g.contexts[detector]

	if err := g.checkPreconditions(cmd, detector, force, now); err != nil {
		g.observeRejection(cmd, detector, err)
		return err
	}

	var err error
	switch cmd {
	case store.CmdArm:
		err = g.issueArm(detector, ctx, now)
	case store.CmdStart:
		err = g.issueStart(detector, ctx, now)
	case store.CmdStop:
		err = g.issueStop(detector, ctx, now, force)
	default:
		err = fmt.Errorf("gate: unknown command %q", cmd)
	}
	if g.metrics != nil {
		outcome := "accepted"
		if err != nil {
			outcome = "rejected"
		}
		g.metrics.CommandsIssuedTotal.WithLabelValues(string(cmd), detector, outcome).Inc()
	}
	return err
}

// observeRejection records a precondition rejection under its specific
// counter in addition to the general commands-issued counter.
func (g *Gate) observeRejection(cmd store.Command, detector string, err error) {
	if g.metrics == nil {
		return
	}
	g.metrics.CommandsIssuedTotal.WithLabelValues(string(cmd), detector, "rejected").Inc()
	switch {
	case errors.Is(err, dispatchererr.ErrArmBusy):
		g.metrics.ArmBusyRejectionsTotal.Inc()
	case errors.Is(err, dispatchererr.ErrCooldown):
		g.metrics.CooldownRejectionsTotal.WithLabelValues(string(cmd)).Inc()
	}
}

func (g *Gate) checkPreconditions(cmd store.Command, detector string, force bool, now time.Time) error {
	// 1. Ack-pending: a previous unacknowledged stop blocks a new non-forced stop.
	if cmd == store.CmdStop && !force {
		acked, err := g.stopFullyAcknowledged(detector)
		if err != nil {
			return err
		}
		if !acked {
			return fmt.Errorf("gate: %s: %w", detector, dispatchererr.ErrAckPending)
		}
	}

	// 2. Cooldown.
	last, _ := g.LastCommandAt(detector, cmd)
	dt := now.Sub(last)
	if dt <= g.timeoutFor(cmd) && !force {
		return fmt.Errorf("gate: %s: %w", detector, dispatchererr.ErrCooldown)
	}

	// 3. Sequencing.
	switch cmd {
	case store.CmdStart:
		lastArm, _ := g.LastCommandAt(detector, store.CmdArm)
		if now.Sub(lastArm) <= g.timeBetweenCommands {
			return fmt.Errorf("gate: %s: %w", detector, dispatchererr.ErrSequencing)
		}
	case store.CmdArm:
		lastStop, _ := g.LastCommandAt(detector, store.CmdStop)
		if now.Sub(lastStop) <= g.timeBetweenCommands {
			return fmt.Errorf("gate: %s: %w", detector, dispatchererr.ErrSequencing)
		}
	}

	// 4. Arm-busy.
	if cmd == store.CmdArm && g.oneDetectorArming {
		return fmt.Errorf("gate: %s: %w", detector, dispatchererr.ErrArmBusy)
	}

	return nil
}

func (g *Gate) timeoutFor(cmd store.Command) time.Duration {
	switch cmd {
	case store.CmdArm:
		return g.timeouts.Arm
	case store.CmdStart:
		return g.timeouts.Start
	default:
		return g.timeouts.Stop
	}
}

func (g *Gate) issueArm(detector string, ctx DetectorContext, now time.Time) error {
	number, err := g.store.NextRunNumber()
	if err != nil {
		return err
	}
	hosts := append(append([]string{}, ctx.Controllers...), ctx.Readers...)
	rec := g.buildRecord(store.CmdArm, detector, ctx, "all", hosts, now, 0, &store.CommandOptions{Number: number})
	if err := g.publishOrSchedule(rec, 0); err != nil {
		return err
	}
	g.oneDetectorArming = true
	g.candidateRunNumber[detector] = number
	g.stampCommand(detector, store.CmdArm, now)
	return nil
}

func (g *Gate) issueStart(detector string, ctx DetectorContext, now time.Time) error {
	if len(ctx.Readers) > 0 {
		readerRec := g.buildRecord(store.CmdStart, detector, ctx, "readers", ctx.Readers, now, 0, nil)
		if err := g.publishOrSchedule(readerRec, 0); err != nil {
			return err
		}
	}
	if len(ctx.Controllers) > 0 {
		ctrlRec := g.buildRecord(store.CmdStart, detector, ctx, "controller", ctx.Controllers, now, g.startCmdDelay, nil)
		if err := g.publishOrSchedule(ctrlRec, g.startCmdDelay); err != nil {
			return err
		}
	}
	g.oneDetectorArming = false
	g.stampCommand(detector, store.CmdStart, now)

	if number, ok := g.candidateRunNumber[detector]; ok {
		delete(g.candidateRunNumber, detector)
		run := store.RunRecord{
			Number:    number,
			Detectors: ctx.Detectors,
			Mode:      ctx.Mode,
			User:      ctx.User,
			Start:     now,
		}
		if err := g.store.InsertRun(run); err != nil {
			g.log.Error("gate: insert run record failed", zap.String("detector", detector), zap.Uint64("number", number), zap.Error(err))
		}
	}
	return nil
}

func (g *Gate) issueStop(detector string, ctx DetectorContext, now time.Time, force bool) error {
	delay := g.stopCmdDelay
	if force {
		delay = 0
	}

	var ids []string
	if len(ctx.Controllers) > 0 {
		ctrlRec := g.buildRecord(store.CmdStop, detector, ctx, "controller", ctx.Controllers, now, 0, nil)
		if err := g.publishOrSchedule(ctrlRec, 0); err != nil {
			return err
		}
		ids = append(ids, ctrlRec.ID)
		if ctx.RunNumber != 0 {
			g.closeRunSync(ctx.RunNumber, ctrlRec.ID, ctx.Controllers)
		}
	}
	if len(ctx.Readers) > 0 {
		readerRec := g.buildRecord(store.CmdStop, detector, ctx, "readers", ctx.Readers, now, delay, nil)
		if err := g.publishOrSchedule(readerRec, delay); err != nil {
			return err
		}
		ids = append(ids, readerRec.ID)
	}
	g.lastStopIDs[detector] = ids

	if ctx.Status == daqstatus.Arming || ctx.Status == daqstatus.Armed {
		g.oneDetectorArming = false
	}
	delete(g.candidateRunNumber, detector)
	g.stampCommand(detector, store.CmdStop, now)
	return nil
}

// closeRunSync implements spec.md §4.D's bounded synchronous wait: block
// the reconciler while polling for the controller's acknowledgement of the
// stop, up to ccStartWait, then close the run record with that timestamp
// or a one-second-ago fallback. Runs inline inside Issue — there is no
// third concurrent task in this process beyond the reconciler and the
// scheduler worker (spec.md §5).
func (g *Gate) closeRunSync(number uint64, stopID string, controllerHosts []string) {
	deadline := g.now().Add(g.ccStartWait)
	for g.now().Before(deadline) {
		t, ok, err := g.store.ControllerAckTime(stopID, controllerHosts)
		if err == nil && ok {
			if err := g.store.CloseRun(number, t); err != nil {
				g.log.Error("gate: close run failed", zap.Uint64("number", number), zap.Error(err))
			}
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := g.store.CloseRun(number, g.now().Add(-time.Second)); err != nil {
		g.log.Error("gate: close run failed (fallback end time)", zap.Uint64("number", number), zap.Error(err))
	}
}

func (g *Gate) stopFullyAcknowledged(detector string) (bool, error) {
	ids, ok := g.lastStopIDs[detector]
	if !ok {
		return true, nil
	}
	for _, id := range ids {
		acked, err := g.store.AllAcknowledged(id)
		if err != nil {
			return false, err
		}
		if !acked {
			return false, nil
		}
	}
	return true, nil
}

func (g *Gate) buildRecord(cmd store.Command, detector string, ctx DetectorContext, group string, hosts []string, now time.Time, delay time.Duration, opts *store.CommandOptions) store.CommandRecord {
	ack := make(map[string]int64, len(hosts))
	for _, h := range hosts {
		ack[h] = 0
	}
	return store.CommandRecord{
		ID:              fmt.Sprintf("%s-%s-%s-%d", detector, cmd, group, now.UnixNano()),
		Command:         cmd,
		User:            ctx.User,
		Detector:        detector,
		Mode:            ctx.Mode,
		HostList:        hosts,
		OptionsOverride: opts,
		CreatedAt:       now,
		FireAt:          now.Add(delay),
		Acknowledged:    ack,
	}
}

func (g *Gate) publishOrSchedule(rec store.CommandRecord, delay time.Duration) error {
	if delay <= 0 {
		return g.store.Publish(rec)
	}
	key, err := g.store.EnqueuePending(rec)
	if err != nil {
		return err
	}
	g.sched.Enqueue(key, rec)
	return nil
}

func (g *Gate) stampCommand(detector string, cmd store.Command, now time.Time) {
	if g.lastCommandAt[detector] == nil {
		g.lastCommandAt[detector] = map[store.Command]time.Time{}
	}
	g.lastCommandAt[detector][cmd] = now
}
