// Package topology computes the super-detector grouping: which physical
// detectors are fused under which logical head, by bilateral mode
// agreement (spec.md §4.C).
package topology

import "github.com/coderdj/dispatcher/internal/goalstate"

// ModeDetectors, given a mode name, returns the detector ids that mode's
// configuration document declares as its members. tpc's goal record is the
// only one spec.md treats as carrying link_mv/link_nv; mv and nv never
// declare links of their own, so membership is always read from the mode
// document both sides resolved to, not from the goal record's link flags
// alone — a mode lists its detectors once, not per-detector.
type ModeDetectors func(mode string) (detectors []string, ok bool)

// SuperDetector is one logical head and the physical detectors fused
// under it for the current tick.
type SuperDetector struct {
	Head         string
	Constituents []string
}

// members are the three logical detectors spec.md names explicitly; the
// planner only ever considers linking among these.
const (
	TPC         = "tpc"
	MuonVeto    = "muon_veto"
	NeutronVeto = "neutron_veto"
)

// Plan enumerates the five linking cases from spec.md §4.C by testing each
// pair for bilateral compatible linkage: same mode, and the mode's
// declared detector list names both sides. The combined node list is
// owned by the head — tpc if present in the group, otherwise muon_veto.
func Plan(goals map[string]goalstate.GoalRecord, modeDetectors ModeDetectors) []SuperDetector {
	tpcLinksMV := compatiblyLinked(goals, modeDetectors, TPC, MuonVeto)
	tpcLinksNV := compatiblyLinked(goals, modeDetectors, TPC, NeutronVeto)
	mvLinksNV := compatiblyLinked(goals, modeDetectors, MuonVeto, NeutronVeto)

	_, hasTPC := goals[TPC]
	_, hasMV := goals[MuonVeto]
	_, hasNV := goals[NeutronVeto]

	linked := map[string]bool{}
	var supers []SuperDetector

	switch {
	case hasTPC && tpcLinksMV && tpcLinksNV && mvLinksNV:
		supers = append(supers, SuperDetector{Head: TPC, Constituents: []string{TPC, MuonVeto, NeutronVeto}})
		linked[TPC], linked[MuonVeto], linked[NeutronVeto] = true, true, true
	case hasTPC && tpcLinksMV:
		supers = append(supers, SuperDetector{Head: TPC, Constituents: []string{TPC, MuonVeto}})
		linked[TPC], linked[MuonVeto] = true, true
	case hasTPC && tpcLinksNV:
		supers = append(supers, SuperDetector{Head: TPC, Constituents: []string{TPC, NeutronVeto}})
		linked[TPC], linked[NeutronVeto] = true, true
	case hasMV && hasNV && mvLinksNV:
		supers = append(supers, SuperDetector{Head: MuonVeto, Constituents: []string{MuonVeto, NeutronVeto}})
		linked[MuonVeto], linked[NeutronVeto] = true, true
	}

	for d := range goals {
		if !linked[d] {
			supers = append(supers, SuperDetector{Head: d, Constituents: []string{d}})
		}
	}
	return supers
}

// compatiblyLinked implements the bilateral test: a and b must share the
// same mode, and that mode's declared detector list must name both.
func compatiblyLinked(goals map[string]goalstate.GoalRecord, modeDetectors ModeDetectors, a, b string) bool {
	ga, ok := goals[a]
	if !ok {
		return false
	}
	gb, ok := goals[b]
	if !ok {
		return false
	}
	if ga.Mode == "" || ga.Mode != gb.Mode {
		return false
	}
	members, ok := modeDetectors(ga.Mode)
	if !ok {
		return false
	}
	return contains(members, a) && contains(members, b)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
