// Package store is the sole importer of go.etcd.io/bbolt in this module.
// It implements the five external streams spec.md §6 names (goal directive
// stream, node status bulletin, pending/outgoing command areas, run
// records) plus the aggregate-status bulletin, as named BoltDB buckets
// inside a single database file. Every accessor returns or accepts a typed
// record — nothing above this package ever sees a bbolt key or a raw map.
package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coderdj/dispatcher/internal/observability"
)

const (
	// DefaultDBPath is where the dispatcher opens its database by default.
	DefaultDBPath = "/var/lib/dispatcher/dispatcher.db"

	// SchemaVersion is the current bucket layout version.
	SchemaVersion = "1"

	bucketStatusBulletin    = "status_bulletin"
	bucketDirectives        = "directives"
	bucketPendingCommands   = "pending_commands"
	bucketOutgoingCommands  = "outgoing_commands"
	bucketRuns              = "runs"
	bucketAggregateBulletin = "aggregate_bulletin"
	bucketMeta              = "meta"

	metaKeySchemaVersion = "schema_version"
	metaKeyNextRunNumber = "next_run_number"
	metaKeyPendingSeq    = "pending_seq"
)

var allBuckets = []string{
	bucketStatusBulletin,
	bucketDirectives,
	bucketPendingCommands,
	bucketOutgoingCommands,
	bucketRuns,
	bucketAggregateBulletin,
	bucketMeta,
}

// DB wraps a BoltDB instance with typed accessors for the dispatcher's
// five external streams.
type DB struct {
	db      *bolt.DB
	metrics *observability.Metrics
}

// SetMetrics attaches the process's metrics registry so every write
// transaction's latency is observed. Optional: a DB with no metrics set
// simply skips the observation.
func (d *DB) SetMetrics(m *observability.Metrics) {
	d.metrics = m
}

// update wraps a bolt write transaction, recording its latency when a
// metrics registry is attached. The sole write path every accessor in
// this package funnels through.
func (d *DB) update(fn func(tx *bolt.Tx) error) error {
	start := time.Now()
	err := d.db.Update(fn)
	if d.metrics != nil {
		d.metrics.StorageWriteLatency.Observe(time.Since(start).Seconds())
	}
	return err
}

// Open opens (or creates) the database at path, initialising every bucket
// and verifying the schema version in one startup transaction. A non-nil
// error here is fatal to the process (spec.md §7: StorageFatal).
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("store: bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte(metaKeySchemaVersion)) == nil {
			if err := meta.Put([]byte(metaKeySchemaVersion), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("store: initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte(metaKeySchemaVersion))
		if string(v) != SchemaVersion {
			return fmt.Errorf("store: schema version mismatch: database has %q, dispatcher requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying database file.
func (d *DB) Close() error {
	return d.db.Close()
}

// nextSeq reads-increments-writes a named counter in the meta bucket
// inside the given write transaction. Used for the pending-command
// insertion-order tiebreaker and the run-number allocator — both must
// survive a crash without reissuing a value, so the counter lives in the
// same ACID transaction as the record it numbers.
func nextSeq(tx *bolt.Tx, key string) (uint64, error) {
	meta := tx.Bucket([]byte(bucketMeta))
	var n uint64
	if raw := meta.Get([]byte(key)); raw != nil {
		n = decodeUint64(raw)
	}
	n++
	if err := meta.Put([]byte(key), encodeUint64(n)); err != nil {
		return 0, err
	}
	return n, nil
}

func encodeUint64(n uint64) []byte {
	return []byte(fmt.Sprintf("%020d", n))
}

func decodeUint64(b []byte) uint64 {
	var n uint64
	_, _ = fmt.Sscanf(string(b), "%020d", &n)
	return n
}
