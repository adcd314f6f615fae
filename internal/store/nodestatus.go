package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coderdj/dispatcher/internal/daqstatus"
	"github.com/coderdj/dispatcher/internal/dispatchererr"
)

// nodeStatusKey is host + zero-padded nanosecond timestamp, so that a
// forward cursor scan over the host's key range visits rows in
// chronological order — mirroring the source's composite-with-embedded-
// timestamp row id (spec.md §6).
func nodeStatusKey(host string, t time.Time) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d", host, t.UnixNano()))
}

func nodeStatusPrefix(host string) []byte {
	return []byte(host + "\x00")
}

// PutNodeStatus appends a heartbeat row for host. cmd/daq-sim calls it to
// seed one row per configured host; the real fleet writes this bucket
// directly in production.
func (d *DB) PutNodeStatus(host string, row daqstatus.NodeStatusRow) error {
	row.Host = host
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: marshal node status: %w", err)
	}
	key := nodeStatusKey(host, row.GeneratedAt)
	if err := d.update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketStatusBulletin))
		return b.Put(key, data)
	}); err != nil {
		return fmt.Errorf("store: PutNodeStatus(%q): %w: %w", host, dispatchererr.ErrStorageTransient, err)
	}
	return nil
}

// LatestNodeStatus returns the most recent heartbeat row for host, if any.
func (d *DB) LatestNodeStatus(host string) (daqstatus.NodeStatusRow, bool, error) {
	var row daqstatus.NodeStatusRow
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketStatusBulletin))
		c := b.Cursor()
		prefix := nodeStatusPrefix(host)
		var lastVal []byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			lastVal = v
		}
		if lastVal == nil {
			return nil
		}
		found = true
		return json.Unmarshal(lastVal, &row)
	})
	if err != nil {
		return daqstatus.NodeStatusRow{}, false, fmt.Errorf("store: LatestNodeStatus(%q): %w: %w", host, dispatchererr.ErrStorageTransient, err)
	}
	return row, found, nil
}

// LatestNodeStatusBulk resolves LatestNodeStatus for every host in hosts in
// a single read transaction, skipping hosts with no recorded row (the
// caller, daqstatus.Aggregate, treats an absent entry as UNKNOWN).
func (d *DB) LatestNodeStatusBulk(hosts []string) (map[string]daqstatus.NodeStatusRow, error) {
	out := make(map[string]daqstatus.NodeStatusRow, len(hosts))
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketStatusBulletin))
		c := b.Cursor()
		for _, host := range hosts {
			prefix := nodeStatusPrefix(host)
			var lastVal []byte
			for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
				lastVal = v
			}
			if lastVal == nil {
				continue
			}
			var row daqstatus.NodeStatusRow
			if err := json.Unmarshal(lastVal, &row); err != nil {
				return fmt.Errorf("unmarshal node status for %q: %w", host, err)
			}
			out[host] = row
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: LatestNodeStatusBulk: %w: %w", dispatchererr.ErrStorageTransient, err)
	}
	return out, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
