// Package queue implements the durable sync-task queue (spec.md §4.6
// "Persisted state": "a sync-task queue keyed by (scheduling_priority,
// enqueued_at)"), backed by BoltDB so a scheduler restart re-derives
// pending work instead of replaying in-memory state (spec.md §9 design
// note on long-lived coordinators).
//
// Grounded on daemon/service/dtn_queue.go's DTNQueue (bolt.Open with a
// single bucket, Enqueue/DequeueBatch), replacing its hand-rolled
// colon-delimited key parser with a fixed-width, sort-correct binary key
// so bucket iteration order IS priority order without any string
// parsing.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

var bucketSyncTasks = []byte("sync_tasks")

// Task is one sync-task queue entry (spec.md §3's implicit sync_tasks row).
type Task struct {
	ID         string    `json:"id"`
	Priority   int       `json:"scheduling_priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	EdgeID     string    `json:"edge_id"`
	ArtifactID string    `json:"artifact_id"`
}

// Queue wraps a BoltDB-backed durable priority queue.
type Queue struct {
	db *bolt.DB
}

// Open opens (creating if absent) the queue database at path.
func Open(path string) (*Queue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketSyncTasks)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: create bucket: %w", err)
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// key packs (priority, enqueued_at, id) into a byte slice whose
// lexicographic order matches queue order: lower scheduling_priority
// number (P0=0 most urgent) first, then earlier enqueued_at, then id as
// a tiebreaker. priority is stored with its sign bit flipped so negative
// priorities (unused today, but future-proof) still sort correctly.
func key(priority int, enqueuedAt time.Time, id string) []byte {
	buf := make([]byte, 8+8+len(id))
	binary.BigEndian.PutUint64(buf[0:8], uint64(priority)^0x8000000000000000)
	binary.BigEndian.PutUint64(buf[8:16], uint64(enqueuedAt.UnixNano()))
	copy(buf[16:], id)
	return buf
}

// Enqueue durably adds a task. Ties on (priority, enqueued_at) break by
// id for deterministic ordering.
func (q *Queue) Enqueue(t Task) error {
	val, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("queue: marshal task: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncTasks)
		return b.Put(key(t.Priority, t.EnqueuedAt, t.ID), val)
	})
}

// DequeueBatch removes and returns up to n tasks in priority order
// (lowest numeric priority, i.e. most urgent, first).
func (q *Queue) DequeueBatch(n int) ([]Task, error) {
	var out []Task
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncTasks)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil && len(out) < n; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("queue: unmarshal task: %w", err)
			}
			out = append(out, t)
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Len returns the number of pending tasks.
func (q *Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncTasks)
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}
