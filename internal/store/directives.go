package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coderdj/dispatcher/internal/dispatchererr"
)

func directiveKey(detector, field string, t time.Time) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%020d", detector, field, t.UnixNano()))
}

func directivePrefix(detector, field string) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00", detector, field))
}

// PutDirective appends a new directive. The directive bus is append-only:
// a changed value is a new record, never an overwrite.
func (d *DB) PutDirective(dir Directive) error {
	data, err := json.Marshal(dir)
	if err != nil {
		return fmt.Errorf("store: marshal directive: %w", err)
	}
	key := directiveKey(dir.Detector, dir.Field, dir.Time)
	if err := d.update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDirectives))
		return b.Put(key, data)
	}); err != nil {
		return fmt.Errorf("store: PutDirective(%q,%q): %w: %w", dir.Detector, dir.Field, dispatchererr.ErrStorageTransient, err)
	}
	return nil
}

// LatestDirective returns the most recently timestamped directive for
// (detector, field), if any has ever been written.
func (d *DB) LatestDirective(detector, field string) (Directive, bool, error) {
	var dir Directive
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDirectives))
		c := b.Cursor()
		prefix := directivePrefix(detector, field)
		var lastVal []byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			lastVal = v
		}
		if lastVal == nil {
			return nil
		}
		found = true
		return json.Unmarshal(lastVal, &dir)
	})
	if err != nil {
		return Directive{}, false, fmt.Errorf("store: LatestDirective(%q,%q): %w: %w", detector, field, dispatchererr.ErrStorageTransient, err)
	}
	return dir, found, nil
}
