// Package dispatcherrun wires components A through G into the single
// poll-driven control loop (spec.md's top-level main loop): once per
// poll_frequency tick, read status, resolve goals, plan topology, and
// run the reconciliation solver.
package dispatcherrun

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/coderdj/dispatcher/internal/config"
	"github.com/coderdj/dispatcher/internal/daqstatus"
	"github.com/coderdj/dispatcher/internal/dispatchererr"
	"github.com/coderdj/dispatcher/internal/goalstate"
	"github.com/coderdj/dispatcher/internal/hypervisor"
	"github.com/coderdj/dispatcher/internal/observability"
	"github.com/coderdj/dispatcher/internal/reconcile"
	"github.com/coderdj/dispatcher/internal/store"
	"github.com/coderdj/dispatcher/internal/topology"
)

// DB is the subset of *store.DB the run loop reads directly — goal
// directives, node status and the aggregate dashboard bulletin. Command
// emission itself happens inside the Command Gate, reached only through
// reconcile.Controller.
type DB interface {
	LatestDirective(detector, field string) (store.Directive, bool, error)
	LatestNodeStatusBulk(hosts []string) (map[string]daqstatus.NodeStatusRow, error)
	PutAggregateSnapshot(detector string, agg daqstatus.AggregateStatus) error
	UnacknowledgedFor(host string, now time.Time) (store.Command, time.Duration, bool, error)
}

// Controller is the reconciliation solver's seam, as seen by the run loop.
type Controller interface {
	Tick(detectors []string, inputs map[string]reconcile.DetectorInput, now time.Time)
}

// Runner owns the poll loop: sleep, gather, resolve, plan, reconcile.
type Runner struct {
	db      DB
	cfg     *config.Config
	ctl     Controller
	hv      hypervisor.Hypervisor
	metrics *observability.Metrics
	log     *zap.Logger
}

// New builds a Runner from its already-constructed collaborators.
func New(db DB, cfg *config.Config, ctl Controller, hv hypervisor.Hypervisor, metrics *observability.Metrics, log *zap.Logger) *Runner {
	return &Runner{db: db, cfg: cfg, ctl: ctl, hv: hv, metrics: metrics, log: log}
}

// Run blocks, ticking every cfg.PollFrequency, until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("dispatcher run loop stopping")
			return
		case now := <-ticker.C:
			r.tick(now)
		}
	}
}

// tick runs exactly one pass of the control loop: B (goal resolver), C
// (topology planner), A (status aggregator, once per super-detector), then
// E (the reconciliation solver) over every configured detector.
func (r *Runner) tick(now time.Time) {
	detectors := r.cfg.Detectors()

	goals, err := goalstate.Resolve(r.db, detectors, r.cfg.ControlKeys)
	if err != nil {
		if errors.Is(err, dispatchererr.ErrMissingGoal) {
			r.log.Debug("skipping tick: incomplete goal state", zap.Error(err))
			return
		}
		r.log.Error("goal resolution failed, skipping tick", zap.Error(err))
		return
	}

	supers := topology.Plan(goals, r.cfg.ModeDetectors)

	inputs := make(map[string]reconcile.DetectorInput, len(detectors))
	for _, sup := range supers {
		r.aggregateSuperDetector(sup, goals, inputs, now)
	}

	r.ctl.Tick(detectors, inputs, now)
}

func (r *Runner) aggregateSuperDetector(sup topology.SuperDetector, goals map[string]goalstate.GoalRecord, inputs map[string]reconcile.DetectorInput, now time.Time) {
	readers, controllers := r.nodesFor(sup.Constituents)
	hosts := make([]string, 0, len(readers)+len(controllers))
	hosts = append(hosts, readers...)
	hosts = append(hosts, controllers...)

	rows, err := r.db.LatestNodeStatusBulk(hosts)
	if err != nil {
		r.log.Error("status bulk read failed", zap.String("head", sup.Head), zap.Error(err))
		return
	}

	agg, effective, err := daqstatus.Aggregate(daqstatus.Input{
		Detector:      sup.Head,
		Readers:       readers,
		Controllers:   controllers,
		Rows:          rows,
		ModeReaders:   r.cfg.ModeReaders,
		Now:           now,
		ClientTimeout: r.cfg.ClientTimeout,
	})
	if err != nil {
		r.log.Warn("status aggregation skipped super-detector this tick", zap.String("head", sup.Head), zap.Error(err))
		return
	}

	r.handleTimeoutHook(sup, effective, now)

	for _, member := range sup.Constituents {
		if err := r.db.PutAggregateSnapshot(member, agg); err != nil {
			r.log.Warn("aggregate snapshot write failed", zap.String("detector", member), zap.Error(err))
		}
		if r.metrics != nil {
			r.metrics.DetectorStatus.WithLabelValues(member).Set(float64(agg.Status))
		}
		memberReaders, memberControllers := r.nodesFor([]string{member})
		inputs[member] = reconcile.DetectorInput{
			Aggregate:      agg,
			Goal:           goals[member],
			Readers:        memberReaders,
			Controllers:    memberControllers,
			SuperDetectors: sup.Constituents,
		}
	}

	if agg.Number > 0 && r.metrics != nil {
		r.metrics.RunNumber.Set(float64(agg.Number))
	}
}

// handleTimeoutHook implements spec.md §4.A's timeout action hook for tpc:
// a node gets an hv.HandleTimeout call if it has been timing out for
// longer than timeout_take_action, or if it is carrying a command nobody
// has acknowledged for longer than that command's own timeout — two
// distinct triggers, at most one escalation per tick per host.
func (r *Runner) handleTimeoutHook(sup topology.SuperDetector, effective []daqstatus.NodeEffective, now time.Time) {
	isTPC := false
	for _, m := range sup.Constituents {
		if m == topology.TPC {
			isTPC = true
			break
		}
	}
	if !isTPC {
		return
	}
	for _, ne := range effective {
		if !r.nodeNeedsHypervisor(ne, now) {
			continue
		}
		r.hv.HandleTimeout(ne.Host)
		if r.metrics != nil {
			r.metrics.HypervisorInvocationsTotal.WithLabelValues("handle_timeout").Inc()
		}
	}
}

// nodeNeedsHypervisor evaluates both timeout-action-hook triggers for one
// node: the heartbeat-based node timeout, and a command the node has never
// acknowledged past its own command-kind timeout.
func (r *Runner) nodeNeedsHypervisor(ne daqstatus.NodeEffective, now time.Time) bool {
	if ne.TimedOut && ne.TimedOutFor > r.cfg.TimeoutTakeAction {
		return true
	}
	cmd, age, found, err := r.db.UnacknowledgedFor(ne.Host, now)
	if err != nil || !found {
		return false
	}
	return age > r.timeoutFor(cmd)
}

func (r *Runner) timeoutFor(cmd store.Command) time.Duration {
	switch cmd {
	case store.CmdArm:
		return r.cfg.Timeouts.Arm
	case store.CmdStart:
		return r.cfg.Timeouts.Start
	default:
		return r.cfg.Timeouts.Stop
	}
}

func (r *Runner) nodesFor(members []string) (readers, controllers []string) {
	for _, m := range members {
		nodes := r.cfg.MasterDAQConfig[m]
		readers = append(readers, nodes.Readers...)
		controllers = append(controllers, nodes.Controller...)
	}
	return readers, controllers
}
