// Package goalstate resolves the operator-declared goal for each
// configured logical detector from the directive stream (spec.md §4.B).
package goalstate

import (
	"fmt"
	"strconv"

	"github.com/coderdj/dispatcher/internal/dispatchererr"
	"github.com/coderdj/dispatcher/internal/store"
)

// directiveReader is the subset of *store.DB goalstate needs — an
// interface so resolveOne is testable against a fake without a real
// database file.
type directiveReader interface {
	LatestDirective(detector, field string) (store.Directive, bool, error)
}

// GoalRecord is the per-detector goal assembled from the most recent
// directive for each recognised control key (spec.md §3).
type GoalRecord struct {
	Active           bool
	Mode             string
	StopAfterMinutes int
	HasStopAfter     bool
	User             string
	Comment          string
	LinkMV           bool
	LinkNV           bool
	SoftStop         bool
}

// Resolve reads the most recent directive per (detector, field) for every
// detector in detectors, for every key in controlKeys (config.Config's
// ControlKeys). Key existence is all-or-nothing: if any configured key has
// no directive document at all for a detector, the whole call fails with
// dispatchererr.ErrMissingGoal and the caller must skip the tick entirely —
// spec.md §4.B is explicit that a partial picture must never drive the
// DAQ, mirroring get_wanted_state's behaviour of returning nothing the
// moment any control key's document is missing. Only a key's parsed
// *value* — e.g. a non-numeric stop_after — is allowed to degrade
// gracefully to its zero value; a missing document never does.
func Resolve(db directiveReader, detectors []string, controlKeys []string) (map[string]GoalRecord, error) {
	goals := make(map[string]GoalRecord, len(detectors))
	for _, d := range detectors {
		g, err := resolveOne(db, d, controlKeys)
		if err != nil {
			return nil, err
		}
		goals[d] = g
	}
	return goals, nil
}

func resolveOne(db directiveReader, detector string, controlKeys []string) (GoalRecord, error) {
	var g GoalRecord

	for _, key := range controlKeys {
		dir, ok, err := db.LatestDirective(detector, key)
		if err != nil {
			return GoalRecord{}, err
		}
		if !ok {
			return GoalRecord{}, fmt.Errorf("goalstate: detector %q missing %q: %w", detector, key, dispatchererr.ErrMissingGoal)
		}
		switch key {
		case "active":
			g.Active = dir.Value == "true"
		case "mode":
			g.Mode = dir.Value
		case "stop_after":
			n, err := strconv.Atoi(dir.Value)
			if err == nil {
				g.StopAfterMinutes = n
				g.HasStopAfter = true
			}
		case "link_mv":
			g.LinkMV = dir.Value == "true"
		case "link_nv":
			g.LinkNV = dir.Value == "true"
		case "user":
			g.User = dir.Value
		case "comment":
			g.Comment = dir.Value
		case "softstop":
			g.SoftStop = dir.Value == "true"
		}
	}

	return g, nil
}
