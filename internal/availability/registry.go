// Package availability implements the availability registry (spec.md
// §4.3): the authoritative {(node, artifact) -> bitfield} table other
// peers consult to decide who has which chunks.
//
// Grounded on daemon/manager/bitmap.go's BitmapStore (SQLite-backed
// persistence of a ChunkBitmap), generalized from one bitmap per transfer
// session to one row per (edge, artifact) keyed the way spec.md §3's
// ChunkAvailability entity requires, and with record_chunk made a single
// atomic SQL transaction so bit-set and counter-increment can never be
// observed torn (spec.md §5 ordering guarantee; resolves Open Question 1).
package availability

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/artifactkeeper/replicore/internal/bitfield"
	"github.com/artifactkeeper/replicore/internal/errs"
)

// Registry is the narrow service exposing Get/Put/RecordChunk/SeedersOf.
// Internal concurrency (row-level locking) is confined here; callers never
// see a lock.
type Registry struct {
	db *sql.DB
}

func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Row is a snapshot of one (edge, artifact) availability record.
type Row struct {
	EdgeID         string
	ArtifactID     string
	Bitfield       *bitfield.Bitfield
	TotalChunks    int
	AvailableCount int
	UpdatedAt      time.Time
}

// Get returns the current availability row. An unknown (node, artifact)
// returns an empty bitfield, not an error (spec.md §4.3 Failure).
func (r *Registry) Get(edgeID, artifactID string, totalChunks int) (*Row, error) {
	var raw []byte
	var storedTotal, available int
	var updatedAt time.Time

	err := r.db.QueryRow(
		`SELECT bitfield, total_chunks, available_count, updated_at
		 FROM chunk_availability WHERE edge_id = ? AND artifact_id = ?`,
		edgeID, artifactID,
	).Scan(&raw, &storedTotal, &available, &updatedAt)

	if err == sql.ErrNoRows {
		return &Row{
			EdgeID:      edgeID,
			ArtifactID:  artifactID,
			Bitfield:    bitfield.New(totalChunks),
			TotalChunks: totalChunks,
		}, nil
	}
	if err != nil {
		return nil, errs.E("availability.Get", errs.KindTransportError, err)
	}

	bf, err := bitfield.FromRaw(raw, storedTotal)
	if err != nil {
		return nil, errs.E("availability.Get", errs.KindMalformedInput, err)
	}
	return &Row{
		EdgeID:         edgeID,
		ArtifactID:     artifactID,
		Bitfield:       bf,
		TotalChunks:    storedTotal,
		AvailableCount: available,
		UpdatedAt:      updatedAt,
	}, nil
}

// Put replaces an edge's availability atomically (REST PUT
// /chunks/:artifact_id). available_count is recomputed from the bitfield
// so it can never drift from popcount (invariant I2).
func (r *Registry) Put(edgeID, artifactID string, bf *bitfield.Bitfield) error {
	_, err := r.db.Exec(
		`INSERT INTO chunk_availability (edge_id, artifact_id, bitfield, total_chunks, available_count, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (edge_id, artifact_id) DO UPDATE SET
		   bitfield = excluded.bitfield,
		   total_chunks = excluded.total_chunks,
		   available_count = excluded.available_count,
		   updated_at = excluded.updated_at`,
		edgeID, artifactID, bf.Raw(), bf.TotalChunks(), bf.Popcount(), time.Now().UTC(),
	)
	if err != nil {
		return errs.E("availability.Put", errs.KindTransportError, err)
	}
	return nil
}

// RecordChunk atomically sets the bit for index and increments
// available_count, in one transaction — the single write path that keeps
// I1 and I2 true for every verified chunk. Idempotent: re-recording an
// already-set bit is a no-op that leaves available_count unchanged.
func (r *Registry) RecordChunk(edgeID, artifactID string, totalChunks, index int) (available int, err error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, errs.E("availability.RecordChunk", errs.KindTransportError, err)
	}
	defer tx.Rollback()

	var raw []byte
	var storedTotal, currentAvailable int
	row := tx.QueryRow(
		`SELECT bitfield, total_chunks, available_count FROM chunk_availability
		 WHERE edge_id = ? AND artifact_id = ?`, edgeID, artifactID)
	scanErr := row.Scan(&raw, &storedTotal, &currentAvailable)

	var bf *bitfield.Bitfield
	switch {
	case scanErr == sql.ErrNoRows:
		bf = bitfield.New(totalChunks)
		storedTotal = totalChunks
	case scanErr != nil:
		return 0, errs.E("availability.RecordChunk", errs.KindTransportError, scanErr)
	default:
		bf, err = bitfield.FromRaw(raw, storedTotal)
		if err != nil {
			return 0, errs.E("availability.RecordChunk", errs.KindMalformedInput, err)
		}
	}

	alreadySet := bf.Has(index)
	if !alreadySet {
		if err := bf.Set(index); err != nil {
			return 0, errs.E("availability.RecordChunk", errs.KindMalformedInput, err)
		}
	}

	newAvailable := bf.Popcount()
	_, err = tx.Exec(
		`INSERT INTO chunk_availability (edge_id, artifact_id, bitfield, total_chunks, available_count, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (edge_id, artifact_id) DO UPDATE SET
		   bitfield = excluded.bitfield,
		   total_chunks = excluded.total_chunks,
		   available_count = excluded.available_count,
		   updated_at = excluded.updated_at`,
		edgeID, artifactID, bf.Raw(), storedTotal, newAvailable, time.Now().UTC(),
	)
	if err != nil {
		return 0, errs.E("availability.RecordChunk", errs.KindTransportError, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.E("availability.RecordChunk", errs.KindTransportError, err)
	}
	return newAvailable, nil
}

// SeederRow is one entry of SeedersOf's result.
type SeederRow struct {
	EdgeID         string
	Bitfield       *bitfield.Bitfield
	AvailableCount int
}

// SeedersOf returns every edge with available_count > 0 for artifactID.
// Liveness is joined in by the caller (peer catalog owns that table);
// this method only reports availability state.
func (r *Registry) SeedersOf(artifactID string) ([]SeederRow, error) {
	rows, err := r.db.Query(
		`SELECT edge_id, bitfield, total_chunks, available_count
		 FROM chunk_availability WHERE artifact_id = ? AND available_count > 0`,
		artifactID,
	)
	if err != nil {
		return nil, errs.E("availability.SeedersOf", errs.KindTransportError, err)
	}
	defer rows.Close()

	var out []SeederRow
	for rows.Next() {
		var edgeID string
		var raw []byte
		var totalChunks, available int
		if err := rows.Scan(&edgeID, &raw, &totalChunks, &available); err != nil {
			return nil, errs.E("availability.SeedersOf", errs.KindTransportError, err)
		}
		bf, err := bitfield.FromRaw(raw, totalChunks)
		if err != nil {
			return nil, errs.E("availability.SeedersOf", errs.KindMalformedInput, fmt.Errorf("edge %s: %w", edgeID, err))
		}
		out = append(out, SeederRow{EdgeID: edgeID, Bitfield: bf, AvailableCount: available})
	}
	return out, rows.Err()
}
