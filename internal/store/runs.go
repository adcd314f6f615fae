package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coderdj/dispatcher/internal/dispatchererr"
)

func runKey(number uint64) []byte {
	return []byte(fmt.Sprintf("%020d", number))
}

// NextRunNumber allocates and persists the next monotonic run number in
// one ACID transaction — the single allocator invariant 2 requires. A
// crash between allocation and a failed downstream arm leaves a gap,
// which spec.md §8 (I2) explicitly permits.
func (d *DB) NextRunNumber() (uint64, error) {
	var n uint64
	err := d.update(func(tx *bolt.Tx) error {
		var err error
		n, err = nextSeq(tx, metaKeyNextRunNumber)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: NextRunNumber: %w: %w", dispatchererr.ErrStorageTransient, err)
	}
	return n, nil
}

// InsertRun writes a new run record. Called by the Command Gate on a
// successful arm-to-start transition's start emission.
func (d *DB) InsertRun(run RunRecord) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("store: marshal run record: %w", err)
	}
	if err := d.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRuns)).Put(runKey(run.Number), data)
	}); err != nil {
		return fmt.Errorf("store: InsertRun(%d): %w: %w", run.Number, dispatchererr.ErrStorageTransient, err)
	}
	return nil
}

// CloseRun stamps End on the run record with the given number.
func (d *DB) CloseRun(number uint64, end time.Time) error {
	if err := d.update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRuns))
		v := b.Get(runKey(number))
		if v == nil {
			return fmt.Errorf("no run record %d", number)
		}
		var run RunRecord
		if err := json.Unmarshal(v, &run); err != nil {
			return err
		}
		run.End = end
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put(runKey(number), data)
	}); err != nil {
		return fmt.Errorf("store: CloseRun(%d): %w: %w", number, dispatchererr.ErrStorageTransient, err)
	}
	return nil
}

// GetRun returns the run record for number, if it exists.
func (d *DB) GetRun(number uint64) (RunRecord, bool, error) {
	var run RunRecord
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketRuns)).Get(runKey(number))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &run)
	})
	if err != nil {
		return RunRecord{}, false, fmt.Errorf("store: GetRun(%d): %w: %w", number, dispatchererr.ErrStorageTransient, err)
	}
	return run, found, nil
}

// RunStart returns the start time of run number, used by reconcile's
// check-turnover to compute elapsed run duration.
func (d *DB) RunStart(number uint64) (time.Time, bool, error) {
	run, found, err := d.GetRun(number)
	if err != nil || !found {
		return time.Time{}, found, err
	}
	return run.Start, true, nil
}
