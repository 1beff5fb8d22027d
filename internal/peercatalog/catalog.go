// Package peercatalog implements spec.md §4.4: network metrics and
// liveness for (source, target) edge pairs, fed by probe results and
// consulted by the assigner.
//
// Grounded on daemon/service/dtn_worker.go's supervised-ticking-goroutine
// shape for the probe scheduler, and on daemon/manager/persistence.go's
// SQLite access patterns for the peer_connections table itself (spec.md
// §3's PeerConnection entity).
package peercatalog

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/artifactkeeper/replicore/internal/errs"
)

var errSelfProbe = errors.New("peercatalog: source and target must differ")

// Status mirrors spec.md §3 PeerConnection.status.
type Status string

const (
	StatusProbing    Status = "probing"
	StatusActive     Status = "active"
	StatusUnreachable Status = "unreachable"
	StatusDisabled   Status = "disabled"
)

// Defaults from spec.md §6 Configuration.
const (
	DefaultProbeInterval   = 300 * time.Second
	DefaultStaleHeartbeat  = 5 * time.Minute
	emaSmoothingFactor     = 0.3
	consecutiveFailureCap  = 3
)

// Connection is a snapshot of one (source, target) peer_connections row.
type Connection struct {
	Source       string
	Target       string
	LatencyMS    float64
	BandwidthBps float64
	Status       Status
	LastProbedAt time.Time
	SuccessCt    int
	FailureCt    int
}

// Catalog is the narrow service owning peer_connections. Internal
// concurrency (EMA update serialization) is confined to ProbeResult and
// ProbeFailure; callers never see a lock (spec.md §9 design note).
type Catalog struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(db *sql.DB) *Catalog {
	return &Catalog{db: db, locks: make(map[string]*sync.Mutex)}
}

// ProbeResult ingests a (source, target, latency, bandwidth) sample,
// updating exponential-moving-average metrics (spec.md §4.4). A
// successful probe resets failure_ct and, if the connection had been
// demoted, re-promotes status to active.
func (c *Catalog) ProbeResult(source, target string, latencyMs, bandwidthBps float64, sampledAt time.Time) error {
	if source == target {
		return errs.E("peercatalog.ProbeResult", errs.KindMalformedInput, errSelfProbe)
	}
	lock := c.lockFor(source, target)
	lock.Lock()
	defer lock.Unlock()

	existing, err := c.get(source, target)
	if err != nil {
		return err
	}

	newLatency := latencyMs
	newBandwidth := bandwidthBps
	if existing != nil && existing.LastProbedAt.After(time.Time{}) {
		newLatency = emaSmoothingFactor*latencyMs + (1-emaSmoothingFactor)*existing.LatencyMS
		newBandwidth = emaSmoothingFactor*bandwidthBps + (1-emaSmoothingFactor)*existing.BandwidthBps
	}

	_, err = c.db.Exec(
		`INSERT INTO peer_connections (source_node, target_node, latency_ms, bandwidth_bps, status, last_probed_at, success_ct, failure_ct)
		 VALUES (?, ?, ?, ?, ?, ?, 1, 0)
		 ON CONFLICT (source_node, target_node) DO UPDATE SET
		   latency_ms = excluded.latency_ms,
		   bandwidth_bps = excluded.bandwidth_bps,
		   status = ?,
		   last_probed_at = excluded.last_probed_at,
		   success_ct = success_ct + 1,
		   failure_ct = 0`,
		source, target, newLatency, newBandwidth, StatusActive, sampledAt, StatusActive,
	)
	if err != nil {
		return errs.E("peercatalog.ProbeResult", errs.KindTransportError, err)
	}
	return nil
}

// ProbeFailure records a failed probe attempt. After three consecutive
// failures the connection transitions to unreachable until a successful
// probe re-promotes it (spec.md §4.4).
func (c *Catalog) ProbeFailure(source, target string, at time.Time) error {
	lock := c.lockFor(source, target)
	lock.Lock()
	defer lock.Unlock()

	existing, err := c.get(source, target)
	if err != nil {
		return err
	}
	failureCt := 1
	if existing != nil {
		failureCt = existing.FailureCt + 1
	}
	status := StatusActive
	if existing != nil {
		status = existing.Status
	}
	if failureCt >= consecutiveFailureCap {
		status = StatusUnreachable
	}

	_, err = c.db.Exec(
		`INSERT INTO peer_connections (source_node, target_node, status, last_probed_at, success_ct, failure_ct)
		 VALUES (?, ?, ?, ?, 0, 1)
		 ON CONFLICT (source_node, target_node) DO UPDATE SET
		   status = ?,
		   last_probed_at = excluded.last_probed_at,
		   failure_ct = ?`,
		source, target, status, at, status, failureCt,
	)
	if err != nil {
		return errs.E("peercatalog.ProbeFailure", errs.KindTransportError, err)
	}
	return nil
}

func (c *Catalog) get(source, target string) (*Connection, error) {
	var conn Connection
	var latency, bandwidth sql.NullFloat64
	var lastProbed sql.NullTime
	err := c.db.QueryRow(
		`SELECT source_node, target_node, latency_ms, bandwidth_bps, status, last_probed_at, success_ct, failure_ct
		 FROM peer_connections WHERE source_node = ? AND target_node = ?`,
		source, target,
	).Scan(&conn.Source, &conn.Target, &latency, &bandwidth, &conn.Status, &lastProbed, &conn.SuccessCt, &conn.FailureCt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.E("peercatalog.get", errs.KindTransportError, err)
	}
	conn.LatencyMS = latency.Float64
	conn.BandwidthBps = bandwidth.Float64
	if lastProbed.Valid {
		conn.LastProbedAt = lastProbed.Time
	}
	return &conn, nil
}

// Get returns the current connection state, or nil if no probe has ever
// been recorded for the pair.
func (c *Catalog) Get(source, target string) (*Connection, error) {
	return c.get(source, target)
}

// CandidateFilter narrows PeersOf's result set.
type CandidateFilter struct {
	// ExcludeDisabled drops status=disabled rows (administrative opt-out).
	ExcludeDisabled bool
}

// PeersOf returns active peers of source ordered by a provisional score
// (bandwidth/latency, descending) — spec.md §4.4 Query. The assigner
// (internal/assign) applies the real per-artifact scoring formula on top
// of this candidate list.
func (c *Catalog) PeersOf(source string, filter CandidateFilter) ([]Connection, error) {
	query := `SELECT source_node, target_node, latency_ms, bandwidth_bps, status, last_probed_at, success_ct, failure_ct
	          FROM peer_connections WHERE source_node = ? AND status = ?
	          ORDER BY COALESCE(bandwidth_bps, 0) / MAX(COALESCE(latency_ms, 0), 1) DESC, target_node`
	rows, err := c.db.Query(query, source, StatusActive)
	if err != nil {
		return nil, errs.E("peercatalog.PeersOf", errs.KindTransportError, err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		var conn Connection
		var latency, bandwidth sql.NullFloat64
		var lastProbed sql.NullTime
		if err := rows.Scan(&conn.Source, &conn.Target, &latency, &bandwidth, &conn.Status, &lastProbed, &conn.SuccessCt, &conn.FailureCt); err != nil {
			return nil, errs.E("peercatalog.PeersOf", errs.KindTransportError, err)
		}
		conn.LatencyMS = latency.Float64
		conn.BandwidthBps = bandwidth.Float64
		if lastProbed.Valid {
			conn.LastProbedAt = lastProbed.Time
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

// SweepStale demotes active connections whose last successful probe
// predates staleAfter to unreachable, so PeersOf stops offering a peer
// nothing has confirmed liveness for recently. Complements ProbeFailure's
// reactive demotion for the case where a peer simply stops being probed
// at all rather than actively failing probes.
func (c *Catalog) SweepStale(staleAfter time.Duration, at time.Time) (demoted int, err error) {
	cutoff := at.Add(-staleAfter)
	res, err := c.db.Exec(
		`UPDATE peer_connections SET status = ? WHERE status = ? AND last_probed_at < ?`,
		StatusUnreachable, StatusActive, cutoff,
	)
	if err != nil {
		return 0, errs.E("peercatalog.SweepStale", errs.KindTransportError, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.E("peercatalog.SweepStale", errs.KindTransportError, err)
	}
	return int(n), nil
}

func (c *Catalog) lockFor(source, target string) *sync.Mutex {
	key := source + "\x00" + target
	// Single coarse lock guards the map itself; fine-grained enough since
	// catalog updates are infrequent relative to chunk transfer volume.
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	if c.locks[key] == nil {
		c.locks[key] = &sync.Mutex{}
	}
	return c.locks[key]
}
