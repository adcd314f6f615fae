package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coderdj/dispatcher/internal/dispatchererr"
)

func pendingKey(fireAt time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d\x00%020d", fireAt.UnixNano(), seq))
}

// EnqueuePending writes a Command Gate output into the pending-command
// area with an assigned insertion-order sequence number, so that entries
// sharing the same FireAt keep FIFO order (spec.md §5 ordering guarantees).
// Returns the bucket key the scheduler must pass back to PendingDelete.
func (d *DB) EnqueuePending(rec CommandRecord) (key []byte, err error) {
	err = d.update(func(tx *bolt.Tx) error {
		seq, err := nextSeq(tx, metaKeyPendingSeq)
		if err != nil {
			return err
		}
		key = pendingKey(rec.FireAt, seq)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal pending command: %w", err)
		}
		b := tx.Bucket([]byte(bucketPendingCommands))
		return b.Put(key, data)
	})
	if err != nil {
		return nil, fmt.Errorf("store: EnqueuePending: %w: %w", dispatchererr.ErrStorageTransient, err)
	}
	return key, nil
}

// PendingPeek returns the earliest-fire-time entry in the pending area
// without removing it. The scheduler does not call it; it waits on its own
// in-memory heap.
func (d *DB) PendingPeek() (key []byte, rec CommandRecord, ok bool, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPendingCommands))
		k, v := b.Cursor().First()
		if k == nil {
			return nil
		}
		ok = true
		key = append([]byte(nil), k...)
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, CommandRecord{}, false, fmt.Errorf("store: PendingPeek: %w: %w", dispatchererr.ErrStorageTransient, err)
	}
	return key, rec, ok, nil
}

// PendingDue returns every pending entry whose FireAt is at or before now,
// in fire-time order. Startup crash recovery does not use it: scheduler.New
// loads every entry via PendingAll.
func (d *DB) PendingDue(now time.Time) (entries []struct {
	Key []byte
	Rec CommandRecord
}, err error) {
	cutoff := []byte(fmt.Sprintf("%020d\xff", now.UnixNano()))
	err = d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPendingCommands))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(k) > string(cutoff) {
				break
			}
			var rec CommandRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			entries = append(entries, struct {
				Key []byte
				Rec CommandRecord
			}{Key: append([]byte(nil), k...), Rec: rec})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: PendingDue: %w: %w", dispatchererr.ErrStorageTransient, err)
	}
	return entries, nil
}

// PendingAll returns every entry currently in the pending-command area, in
// fire-time order, regardless of whether it is due yet. The scheduler
// loads the full pending area into its in-memory heap on startup — a
// restart must not lose track of a future-dated entry, only the ones
// already due get published immediately once the worker runs.
func (d *DB) PendingAll() (entries []struct {
	Key []byte
	Rec CommandRecord
}, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPendingCommands))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec CommandRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			entries = append(entries, struct {
				Key []byte
				Rec CommandRecord
			}{Key: append([]byte(nil), k...), Rec: rec})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: PendingAll: %w: %w", dispatchererr.ErrStorageTransient, err)
	}
	return entries, nil
}

// PendingDelete removes a pending entry once the scheduler has moved it
// into the outgoing stream.
func (d *DB) PendingDelete(key []byte) error {
	if err := d.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPendingCommands)).Delete(key)
	}); err != nil {
		return fmt.Errorf("store: PendingDelete: %w: %w", dispatchererr.ErrStorageTransient, err)
	}
	return nil
}

// Publish writes rec into the outgoing-command stream, keyed by its ID.
// Recipients stamp Acknowledged[host] as they accept the command.
func (d *DB) Publish(rec CommandRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal outgoing command: %w", err)
	}
	if err := d.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketOutgoingCommands)).Put([]byte(rec.ID), data)
	}); err != nil {
		return fmt.Errorf("store: Publish(%q): %w: %w", rec.ID, dispatchererr.ErrStorageTransient, err)
	}
	return nil
}

// GetOutgoing reads back a published command by ID.
func (d *DB) GetOutgoing(id string) (CommandRecord, bool, error) {
	var rec CommandRecord
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketOutgoingCommands)).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return CommandRecord{}, false, fmt.Errorf("store: GetOutgoing(%q): %w: %w", id, dispatchererr.ErrStorageTransient, err)
	}
	return rec, found, nil
}

// Ack stamps host's acknowledgement time on the outgoing command with the
// given ID. Nothing in this module calls it outside tests; in production
// the reader and crate-controller processes stamp acknowledgements directly.
func (d *DB) Ack(id, host string, t time.Time) error {
	if err := d.update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOutgoingCommands))
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("no outgoing command %q", id)
		}
		var rec CommandRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if rec.Acknowledged == nil {
			rec.Acknowledged = map[string]int64{}
		}
		rec.Acknowledged[host] = t.UnixNano()
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	}); err != nil {
		return fmt.Errorf("store: Ack(%q,%q): %w: %w", id, host, dispatchererr.ErrStorageTransient, err)
	}
	return nil
}

// AllAcknowledged reports whether every recipient of the outgoing command
// with the given ID has a non-zero acknowledgement timestamp. Used by the
// Command Gate's AckPending precondition (spec.md §4.D, invariant 5).
func (d *DB) AllAcknowledged(id string) (bool, error) {
	rec, found, err := d.GetOutgoing(id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	for _, h := range rec.HostList {
		if rec.Acknowledged[h] == 0 {
			return false, nil
		}
	}
	return true, nil
}

// UnacknowledgedFor scans the outgoing-command stream for the oldest
// command addressed to host that host itself has not yet acknowledged,
// returning the command kind and its age. found=false if host carries no
// such outstanding command. Used by the status aggregator's per-host
// timeout-action hook (spec.md §4.A) to catch a node that never
// acknowledged its most recent command, independent of the node-timeout
// check that operates on heartbeats rather than commands.
func (d *DB) UnacknowledgedFor(host string, now time.Time) (Command, time.Duration, bool, error) {
	var (
		found   bool
		oldest  time.Time
		cmdKind Command
	)
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketOutgoingCommands)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec CommandRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !hostIn(rec.HostList, host) || rec.Acknowledged[host] != 0 {
				continue
			}
			if !found || rec.CreatedAt.Before(oldest) {
				found = true
				oldest = rec.CreatedAt
				cmdKind = rec.Command
			}
		}
		return nil
	})
	if err != nil {
		return "", 0, false, fmt.Errorf("store: UnacknowledgedFor(%q): %w: %w", host, dispatchererr.ErrStorageTransient, err)
	}
	if !found {
		return "", 0, false, nil
	}
	return cmdKind, now.Sub(oldest), true, nil
}

func hostIn(hosts []string, host string) bool {
	for _, h := range hosts {
		if h == host {
			return true
		}
	}
	return false
}

// ControllerAckTime returns the first controller host's acknowledgement
// time for the outgoing command with the given ID, used to close a run
// record after a stop (spec.md §4.D). controllerHosts narrows the search
// to the detector's configured controller(s).
func (d *DB) ControllerAckTime(id string, controllerHosts []string) (time.Time, bool, error) {
	rec, found, err := d.GetOutgoing(id)
	if err != nil {
		return time.Time{}, false, err
	}
	if !found {
		return time.Time{}, false, nil
	}
	for _, h := range controllerHosts {
		if ns := rec.Acknowledged[h]; ns != 0 {
			return time.Unix(0, ns), true, nil
		}
	}
	return time.Time{}, false, nil
}
