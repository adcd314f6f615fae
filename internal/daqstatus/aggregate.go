package daqstatus

import "time"

// Role distinguishes a reader (digitizer driver) from a crate controller
// within a logical detector's configured node list.
type Role uint8

const (
	RoleReader Role = iota
	RoleController
)

// NodeStatusRow is the most recent heartbeat a node has written, decoded
// into typed fields at the storage boundary. GeneratedAt is the timestamp
// the writer supplied: the store builds the row's key from it and returns
// it as stored in the row body; it is not checked against any other clock.
type NodeStatusRow struct {
	Host        string
	Status      Status
	Rate        float64
	BufferSize  int
	Mode        string
	Number      int
	PLLUnlocks  int
	GeneratedAt time.Time
}

// AggregateStatus is the per-detector (or per-super-detector) reduction of
// its member nodes' statuses.
type AggregateStatus struct {
	Status     Status
	Rate       float64
	Buffer     int
	Mode       string
	Number     int
	PLLUnlocks int
	UpdatedAt  time.Time
}

// NodeEffective is one node's status after the per-node timeout override
// (step 2 of the aggregation algorithm), returned alongside the aggregate
// so the caller can drive hypervisor escalation and per-host bookkeeping
// without the pure Aggregate function needing side effects.
type NodeEffective struct {
	Host         string
	Role         Role
	Status       Status
	TimedOut     bool
	TimedOutFor  time.Duration
	InAggregate  bool // false if excluded by a mode's board-list restriction
}

// Input bundles everything Aggregate needs for one logical detector.
type Input struct {
	Detector string

	// Readers and Controllers are the node hosts configured for this
	// detector in master_daq_config, independent of which reported.
	Readers     []string
	Controllers []string

	// Rows holds the most recent status row per host that did report;
	// a host configured but absent from Rows is treated as UNKNOWN.
	Rows map[string]NodeStatusRow

	// ModeReaders, given an active mode name, returns the reader hosts
	// that mode's board list declares, restricting aggregation per
	// spec.md §4.A step 4. Returns ok=false if the mode is unknown,
	// in which case aggregation falls back to all configured readers.
	ModeReaders func(mode string) (readers []string, ok bool)

	Now           time.Time
	ClientTimeout time.Duration
}

// ErrControllerDisagreement is returned when two or more crate controllers
// for the same detector report different mode or run number — step 3 of
// the algorithm requires surfacing this and skipping the detector.
type ErrControllerDisagreement struct {
	Detector string
	Field    string // "mode" or "number"
}

func (e *ErrControllerDisagreement) Error() string {
	return "daqstatus: controllers for " + e.Detector + " disagree on " + e.Field
}

// Aggregate implements spec.md §4.A: reduces the configured nodes of one
// logical detector into a single AggregateStatus, following the documented
// precedence and restricting to the active mode's reader set when known.
//
// Pure: Aggregate never touches storage or the hypervisor. The caller uses
// the returned []NodeEffective to drive timeout-escalation side effects.
func Aggregate(in Input) (AggregateStatus, []NodeEffective, error) {
	effective := make([]NodeEffective, 0, len(in.Readers)+len(in.Controllers))

	classify := func(host string, role Role) NodeEffective {
		row, ok := in.Rows[host]
		ne := NodeEffective{Host: host, Role: role, InAggregate: true}
		if !ok {
			ne.Status = Unknown
			return ne
		}
		ne.Status = row.Status
		age := in.Now.Sub(row.GeneratedAt)
		if age > in.ClientTimeout {
			ne.TimedOut = true
			ne.TimedOutFor = age
			ne.Status = Timeout
		}
		return ne
	}

	// Step 3: controllers determine mode/number; disagreement aborts.
	mode := ""
	number := -1
	modeSet, numberSet := false, false
	for _, host := range in.Controllers {
		ne := classify(host, RoleController)
		effective = append(effective, ne)
		row, ok := in.Rows[host]
		if !ok {
			continue
		}
		if !modeSet {
			mode = row.Mode
			modeSet = true
		} else if row.Mode != mode {
			return AggregateStatus{}, effective, &ErrControllerDisagreement{Detector: in.Detector, Field: "mode"}
		}
		if !numberSet {
			number = row.Number
			numberSet = true
		} else if row.Number != number {
			return AggregateStatus{}, effective, &ErrControllerDisagreement{Detector: in.Detector, Field: "number"}
		}
	}

	// Step 4: restrict reader aggregation to the active mode's board list.
	activeReaders := in.Readers
	if mode != "" && in.ModeReaders != nil {
		if restricted, ok := in.ModeReaders(mode); ok {
			activeReaders = restricted
		}
	}
	restrictedSet := make(map[string]bool, len(activeReaders))
	for _, h := range activeReaders {
		restrictedSet[h] = true
	}

	var rate float64
	var buffer, pll int
	statusList := make([]Status, 0, len(in.Readers))
	for _, host := range in.Readers {
		ne := classify(host, RoleReader)
		ne.InAggregate = restrictedSet[host]
		effective = append(effective, ne)
		if !ne.InAggregate {
			continue
		}
		statusList = append(statusList, ne.Status)
		if row, ok := in.Rows[host]; ok {
			rate += row.Rate
			buffer += row.BufferSize
			pll += row.PLLUnlocks
		}
	}
	for _, ne := range effective {
		if ne.Role == RoleController {
			statusList = append(statusList, ne.Status)
		}
	}

	return AggregateStatus{
		Status:     reduce(statusList),
		Rate:       rate,
		Buffer:     buffer,
		Mode:       mode,
		Number:     number,
		PLLUnlocks: pll,
		UpdatedAt:  in.Now,
	}, effective, nil
}

// reduce implements step 5's precedence: any ARMING/ERROR/TIMEOUT/UNKNOWN
// wins outright (in that priority order); otherwise all-equal collapses to
// that status; anything else is UNKNOWN.
func reduce(statuses []Status) Status {
	if len(statuses) == 0 {
		return Unknown
	}
	for _, want := range []Status{Arming, Error, Timeout, Unknown} {
		for _, s := range statuses {
			if s == want {
				return want
			}
		}
	}
	for _, want := range []Status{Idle, Armed, Running} {
		all := true
		for _, s := range statuses {
			if s != want {
				all = false
				break
			}
		}
		if all {
			return want
		}
	}
	return Unknown
}
