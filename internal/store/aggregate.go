package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coderdj/dispatcher/internal/daqstatus"
	"github.com/coderdj/dispatcher/internal/dispatchererr"
)

func aggregateKey(detector string, t time.Time) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d", detector, t.UnixNano()))
}

// PutAggregateSnapshot appends one tick's aggregate status for detector to
// the dashboard-facing bulletin (spec.md §4.A side effect). Failure here
// is logged by the caller but never aborts the tick.
func (d *DB) PutAggregateSnapshot(detector string, agg daqstatus.AggregateStatus) error {
	snap := AggregateSnapshot{
		Detector:   detector,
		Status:     agg.Status.String(),
		Rate:       agg.Rate,
		Buffer:     agg.Buffer,
		Mode:       agg.Mode,
		Number:     agg.Number,
		PLLUnlocks: agg.PLLUnlocks,
		UpdatedAt:  agg.UpdatedAt,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal aggregate snapshot: %w", err)
	}
	if err := d.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAggregateBulletin)).Put(aggregateKey(detector, agg.UpdatedAt), data)
	}); err != nil {
		return fmt.Errorf("store: PutAggregateSnapshot(%q): %w: %w", detector, dispatchererr.ErrStorageTransient, err)
	}
	return nil
}

// LatestAggregateSnapshot returns the most recently written aggregate
// bulletin entry for detector, if any tick has ever published one.
func (d *DB) LatestAggregateSnapshot(detector string) (AggregateSnapshot, bool, error) {
	var snap AggregateSnapshot
	found := false
	prefix := []byte(detector + "\x00")
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketAggregateBulletin)).Cursor()
		var lastVal []byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			lastVal = v
		}
		if lastVal == nil {
			return nil
		}
		found = true
		return json.Unmarshal(lastVal, &snap)
	})
	if err != nil {
		return AggregateSnapshot{}, false, fmt.Errorf("store: LatestAggregateSnapshot(%q): %w: %w", detector, dispatchererr.ErrStorageTransient, err)
	}
	return snap, found, nil
}
