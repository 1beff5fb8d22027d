// Package chunkstore persists an edge's own verified chunk bytes so they
// can be served to peers over the REST surface's raw-chunk endpoint
// (spec.md §6: "GET /edge-nodes/:id/transfer/:sid/chunk/:n").
//
// Grounded on daemon/manager/cas_bolt.go's BoltCAS, generalized from a
// presence-only content-addressed store (hash -> timestamp) to one that
// holds the actual chunk bytes keyed by (artifact_id, index), since
// replication needs to re-serve the bytes, not just prove it once had them.
// GC carries forward BoltCAS's age-based retention sweep, gated by a
// keep predicate so a completed session's chunks are never reclaimed.
package chunkstore

import (
	"encoding/binary"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var (
	bucketChunks = []byte("chunks")
	bucketStamps = []byte("stamps")
)

// Store is a BoltDB-backed blob store for verified chunk bytes.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the chunk store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(bucketChunks); e != nil {
			return e
		}
		_, e := tx.CreateBucketIfNotExists(bucketStamps)
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func key(artifactID string, index int) []byte {
	k := make([]byte, len(artifactID)+1+4)
	copy(k, artifactID)
	k[len(artifactID)] = ':'
	binary.BigEndian.PutUint32(k[len(artifactID)+1:], uint32(index))
	return k
}

// parseKey splits a stored key back into its (artifactID, index) pair.
func parseKey(k []byte) (artifactID string, index int, ok bool) {
	if len(k) < 5 {
		return "", 0, false
	}
	sep := len(k) - 5
	if k[sep] != ':' {
		return "", 0, false
	}
	return string(k[:sep]), int(binary.BigEndian.Uint32(k[sep+1:])), true
}

// Put stores data for (artifactID, index), overwriting any prior value, and
// stamps it with the current time for GC's retention check.
func (s *Store) Put(artifactID string, index int, data []byte) error {
	k := key(artifactID, index)
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketChunks).Put(k, data); err != nil {
			return err
		}
		stamp := make([]byte, 8)
		binary.BigEndian.PutUint64(stamp, uint64(time.Now().Unix()))
		return tx.Bucket(bucketStamps).Put(k, stamp)
	})
}

// Get returns the stored bytes for (artifactID, index), or ok=false if absent.
func (s *Store) Get(artifactID string, index int) (data []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChunks).Get(key(artifactID, index))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
			ok = true
		}
		return nil
	})
	return data, ok, err
}

// Has reports whether (artifactID, index) is stored, without copying bytes.
func (s *Store) Has(artifactID string, index int) bool {
	var ok bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketChunks).Get(key(artifactID, index)) != nil
		return nil
	})
	return ok
}

// Retain reports whether a chunk must survive GC regardless of age — a
// caller-supplied predicate over the (artifactID, index) pair, typically
// backed by availability.Registry ("is this bit set for a completed
// session's artifact").
type Retain func(artifactID string, index int) bool

// GC deletes chunks older than maxAge for which keep returns false,
// reclaiming disk space from chunks that belonged only to cancelled or
// failed sessions. It never considers a chunk keep reports true for,
// regardless of age — a completed session's availability bit always wins.
func (s *Store) GC(maxAge time.Duration, keep Retain) (removed int, err error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	err = s.db.Update(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		stamps := tx.Bucket(bucketStamps)
		c := stamps.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 8 {
				continue
			}
			ts := int64(binary.BigEndian.Uint64(v))
			if ts >= cutoff {
				continue
			}
			artifactID, index, ok := parseKey(k)
			if ok && keep != nil && keep(artifactID, index) {
				continue
			}
			if err := chunks.Delete(k); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
