package daqstatus_test

import (
	"testing"
	"time"

	"github.com/coderdj/dispatcher/internal/daqstatus"
)

func row(status daqstatus.Status, genAt time.Time) daqstatus.NodeStatusRow {
	return daqstatus.NodeStatusRow{Status: status, GeneratedAt: genAt, Rate: 1, BufferSize: 2, PLLUnlocks: 1}
}

func TestAggregate_AllIdle(t *testing.T) {
	now := time.Now()
	in := daqstatus.Input{
		Detector:    "tpc",
		Readers:     []string{"r1", "r2"},
		Controllers: []string{"cc1"},
		Rows: map[string]daqstatus.NodeStatusRow{
			"r1":  row(daqstatus.Idle, now),
			"r2":  row(daqstatus.Idle, now),
			"cc1": row(daqstatus.Idle, now),
		},
		Now:           now,
		ClientTimeout: 10 * time.Second,
	}
	agg, _, err := daqstatus.Aggregate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agg.Status != daqstatus.Idle {
		t.Errorf("expected IDLE, got %s", agg.Status)
	}
	if agg.Rate != 2 || agg.Buffer != 4 || agg.PLLUnlocks != 2 {
		t.Errorf("unexpected summed fields: %+v", agg)
	}
}

func TestAggregate_MissingRowIsUnknown(t *testing.T) {
	now := time.Now()
	in := daqstatus.Input{
		Detector:      "tpc",
		Readers:       []string{"r1"},
		Controllers:   nil,
		Rows:          map[string]daqstatus.NodeStatusRow{},
		Now:           now,
		ClientTimeout: 10 * time.Second,
	}
	agg, nodes, err := daqstatus.Aggregate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agg.Status != daqstatus.Unknown {
		t.Errorf("expected UNKNOWN, got %s", agg.Status)
	}
	if len(nodes) != 1 || nodes[0].Status != daqstatus.Unknown {
		t.Errorf("expected single UNKNOWN node effective, got %+v", nodes)
	}
}

func TestAggregate_TimeoutOverride(t *testing.T) {
	now := time.Now()
	stale := now.Add(-1 * time.Hour)
	in := daqstatus.Input{
		Detector:      "tpc",
		Readers:       []string{"r1"},
		Rows:          map[string]daqstatus.NodeStatusRow{"r1": row(daqstatus.Running, stale)},
		Now:           now,
		ClientTimeout: 10 * time.Second,
	}
	agg, nodes, err := daqstatus.Aggregate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agg.Status != daqstatus.Timeout {
		t.Errorf("expected TIMEOUT override, got %s", agg.Status)
	}
	if !nodes[0].TimedOut {
		t.Errorf("expected node marked timed out")
	}
}

func TestAggregate_AnyErrorWins(t *testing.T) {
	now := time.Now()
	in := daqstatus.Input{
		Detector: "tpc",
		Readers:  []string{"r1", "r2"},
		Rows: map[string]daqstatus.NodeStatusRow{
			"r1": row(daqstatus.Running, now),
			"r2": row(daqstatus.Error, now),
		},
		Now:           now,
		ClientTimeout: 10 * time.Second,
	}
	agg, _, err := daqstatus.Aggregate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agg.Status != daqstatus.Error {
		t.Errorf("expected ERROR to win precedence, got %s", agg.Status)
	}
}

func TestAggregate_ControllerDisagreementOnMode(t *testing.T) {
	now := time.Now()
	r1 := row(daqstatus.Idle, now)
	r1.Mode = "m1"
	r2 := row(daqstatus.Idle, now)
	r2.Mode = "m2"
	in := daqstatus.Input{
		Detector:    "tpc",
		Controllers: []string{"cc1", "cc2"},
		Rows: map[string]daqstatus.NodeStatusRow{
			"cc1": r1,
			"cc2": r2,
		},
		Now:           now,
		ClientTimeout: 10 * time.Second,
	}
	_, _, err := daqstatus.Aggregate(in)
	if err == nil {
		t.Fatal("expected controller disagreement error")
	}
	var dErr *daqstatus.ErrControllerDisagreement
	if de, ok := err.(*daqstatus.ErrControllerDisagreement); ok {
		dErr = de
	}
	if dErr == nil || dErr.Field != "mode" {
		t.Errorf("expected mode disagreement error, got %v", err)
	}
}

func TestAggregate_ModeRestrictsReaders(t *testing.T) {
	now := time.Now()
	cc := row(daqstatus.Idle, now)
	cc.Mode = "combined"
	in := daqstatus.Input{
		Detector:    "tpc",
		Readers:     []string{"r1", "r2"},
		Controllers: []string{"cc1"},
		Rows: map[string]daqstatus.NodeStatusRow{
			"cc1": cc,
			"r1":  row(daqstatus.Idle, now),
			"r2":  row(daqstatus.Error, now), // not in mode's board list
		},
		ModeReaders: func(mode string) ([]string, bool) {
			if mode == "combined" {
				return []string{"r1"}, true
			}
			return nil, false
		},
		Now:           now,
		ClientTimeout: 10 * time.Second,
	}
	agg, nodes, err := daqstatus.Aggregate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agg.Status != daqstatus.Idle {
		t.Errorf("expected IDLE (r2 excluded by board list), got %s", agg.Status)
	}
	for _, n := range nodes {
		if n.Host == "r2" && n.InAggregate {
			t.Errorf("expected r2 excluded from aggregation")
		}
	}
}
