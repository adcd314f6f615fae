package topology_test

import (
	"testing"

	"github.com/coderdj/dispatcher/internal/goalstate"
	"github.com/coderdj/dispatcher/internal/topology"
)

func modeDetectorsFor(members ...string) topology.ModeDetectors {
	return func(mode string) ([]string, bool) {
		if mode == "combined" {
			return members, true
		}
		return nil, false
	}
}

func TestPlanNoneLinked(t *testing.T) {
	goals := map[string]goalstate.GoalRecord{
		topology.TPC:         {Mode: "m1"},
		topology.MuonVeto:    {Mode: "m2"},
		topology.NeutronVeto: {Mode: "m3"},
	}
	supers := topology.Plan(goals, modeDetectorsFor(topology.TPC, topology.MuonVeto))
	if len(supers) != 3 {
		t.Fatalf("expected 3 unlinked super-detectors, got %d: %+v", len(supers), supers)
	}
}

func TestPlanTPCLinksMV(t *testing.T) {
	goals := map[string]goalstate.GoalRecord{
		topology.TPC:      {Mode: "combined"},
		topology.MuonVeto: {Mode: "combined"},
	}
	supers := topology.Plan(goals, modeDetectorsFor(topology.TPC, topology.MuonVeto))
	if len(supers) != 1 {
		t.Fatalf("expected one fused super-detector, got %d: %+v", len(supers), supers)
	}
	if supers[0].Head != topology.TPC {
		t.Errorf("expected tpc to be preferred head, got %q", supers[0].Head)
	}
	if len(supers[0].Constituents) != 2 {
		t.Errorf("expected 2 constituents, got %+v", supers[0].Constituents)
	}
}

func TestPlanAllThreeLinked(t *testing.T) {
	goals := map[string]goalstate.GoalRecord{
		topology.TPC:         {Mode: "combined"},
		topology.MuonVeto:    {Mode: "combined"},
		topology.NeutronVeto: {Mode: "combined"},
	}
	supers := topology.Plan(goals, modeDetectorsFor(topology.TPC, topology.MuonVeto, topology.NeutronVeto))
	if len(supers) != 1 || len(supers[0].Constituents) != 3 {
		t.Fatalf("expected one 3-way super-detector, got %+v", supers)
	}
}

func TestPlanMVLinksNVWithoutTPC(t *testing.T) {
	goals := map[string]goalstate.GoalRecord{
		topology.TPC:         {Mode: "solo"},
		topology.MuonVeto:    {Mode: "combined"},
		topology.NeutronVeto: {Mode: "combined"},
	}
	supers := topology.Plan(goals, modeDetectorsFor(topology.MuonVeto, topology.NeutronVeto))
	var tpcSolo, mvHead bool
	for _, s := range supers {
		if s.Head == topology.TPC && len(s.Constituents) == 1 {
			tpcSolo = true
		}
		if s.Head == topology.MuonVeto && len(s.Constituents) == 2 {
			mvHead = true
		}
	}
	if !tpcSolo || !mvHead {
		t.Errorf("expected tpc solo and muon_veto heading a 2-way link, got %+v", supers)
	}
}

func TestPlanUnilateralModeMatchNotSufficient(t *testing.T) {
	goals := map[string]goalstate.GoalRecord{
		topology.TPC:      {Mode: "combined"},
		topology.MuonVeto: {Mode: "combined"},
	}
	// mode document only names tpc, not mv: bilateral test must fail.
	supers := topology.Plan(goals, modeDetectorsFor(topology.TPC))
	if len(supers) != 2 {
		t.Fatalf("expected unilateral agreement to NOT link, got %+v", supers)
	}
}
