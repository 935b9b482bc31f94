// Package storage provides BoltDB-backed persistence for the orchestrator's
// state-machine snapshot and the dispatcher's delivery ledger.
//
// Schema (BoltDB bucket layout):
//
//	/snapshot
//	    key:   "state"
//	    value: JSON-encoded statemachine.Snapshot
//
//	/ledger
//	    key:   zero-padded UTC timestamp + "_" + delivery id  [sortable]
//	    value: JSON-encoded DeliveryRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model: single-process, single-writer; all writes are ACID
// bbolt transactions; reads use read-only transactions.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/engels74/mover-status-sub003/internal/statemachine"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketSnapshot = "snapshot"
	bucketLedger   = "ledger"
	bucketMeta     = "meta"

	snapshotKey = "state"
)

// DeliveryRecord is the persisted form of one notification delivery
// attempt.
type DeliveryRecord struct {
	DeliveryID string            `json:"delivery_id"`
	Title      string            `json:"title"`
	Priority   string            `json:"priority"`
	Providers  []string          `json:"providers"`
	Results    map[string]string `json:"results"` // provider -> "success"|"failed:<cause>"
	Aggregate  string            `json:"aggregate"`
	Timestamp  time.Time         `json:"timestamp"`
}

// DB wraps a BoltDB instance with typed accessors for moverstatusd's
// persisted state.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at path, initializing all
// required buckets and verifying the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("storage.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketSnapshot, bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("storage: database initialization failed: %w", err)
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
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("storage: schema version mismatch: database has %q, agent requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// SaveSnapshot persists the state machine's current snapshot. Round-trip
// lossless: a subsequent LoadSnapshot returns an equal {current, previous,
// context}.
func (d *DB) SaveSnapshot(snap statemachine.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("storage.SaveSnapshot marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSnapshot))
		return b.Put([]byte(snapshotKey), data)
	})
}

// LoadSnapshot reads the persisted state snapshot. Returns the zero
// Snapshot and ok=false if none has ever been saved.
func (d *DB) LoadSnapshot() (snap statemachine.Snapshot, ok bool, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSnapshot))
		data := b.Get([]byte(snapshotKey))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return statemachine.Snapshot{}, false, fmt.Errorf("storage.LoadSnapshot: %w", err)
	}
	return snap, ok, nil
}

// ledgerKeyTimeFormat zero-pads nanoseconds so keys sort lexicographically;
// RFC3339Nano trims trailing zeros and would break cursor-order pruning.
const ledgerKeyTimeFormat = "2006-01-02T15:04:05.000000000Z"

func ledgerKey(t time.Time, deliveryID string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(ledgerKeyTimeFormat), deliveryID))
}

// AppendDelivery writes one delivery record to the ledger.
func (d *DB) AppendDelivery(rec DeliveryRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage.AppendDelivery marshal: %w", err)
	}
	key := ledgerKey(rec.Timestamp, rec.DeliveryID)
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.Put(key, data)
	})
}

// PruneOldDeliveries deletes ledger entries older than the configured
// retention period. Returns the number of entries deleted.
func (d *DB) PruneOldDeliveries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, "")

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldDeliveries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadLedger returns all delivery records in chronological order. For
// operational inspection; not called on the hot path.
func (d *DB) ReadLedger() ([]DeliveryRecord, error) {
	var records []DeliveryRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var rec DeliveryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}
