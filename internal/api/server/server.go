// Package server implements the REST surface of spec.md §6 ("External
// interfaces"): repository priority, edge-repo assignment, transfer
// lifecycle, peer probing, chunk availability, network profile, and
// heartbeat.
//
// Grounded on daemon/api/server/server.go's DaemonAPIServer: plain
// net/http.ServeMux routing, the same writeJSON/writeJSONError helper
// pair, and JSON request/response struct naming conventions — generalized
// from the teacher's send/receive file-transfer contract to the spec's
// swarm replication contract (manifests, bitfields, peer probes).
package server

import (
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/artifactkeeper/replicore/internal/availability"
	"github.com/artifactkeeper/replicore/internal/bitfield"
	"github.com/artifactkeeper/replicore/internal/chunkstore"
	"github.com/artifactkeeper/replicore/internal/errs"
	"github.com/artifactkeeper/replicore/internal/manifest"
	"github.com/artifactkeeper/replicore/internal/peercatalog"
	"github.com/artifactkeeper/replicore/internal/scheduler"
	"github.com/artifactkeeper/replicore/internal/store"
	"github.com/artifactkeeper/replicore/internal/transfer"
	"github.com/google/uuid"
)

// Server wires the replication-core components to HTTP handlers.
type Server struct {
	DB           *store.DB
	Availability *availability.Registry
	Catalog      *peercatalog.Catalog
	Chunks       *chunkstore.Store
	Sessions     *transfer.SessionStore
	SignerKey    ed25519.PrivateKey

	mu        sync.Mutex
	manifests map[string]*manifest.Manifest // session_id -> manifest
}

func New(db *store.DB, avail *availability.Registry, catalog *peercatalog.Catalog, chunks *chunkstore.Store, signer ed25519.PrivateKey) *Server {
	return &Server{
		DB:           db,
		Availability: avail,
		Catalog:      catalog,
		Chunks:       chunks,
		Sessions:     transfer.NewSessionStore(),
		SignerKey:    signer,
		manifests:    make(map[string]*manifest.Manifest),
	}
}

// RegisterHTTP registers every route named in spec.md §6 on mux.
func (s *Server) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/repositories/", s.handleRepositoryPrefix)
	mux.HandleFunc("/api/v1/edge-nodes/", s.handleEdgeNodePrefix)
}

// --- repositories/:id/replication-priority ---

type setPriorityRequest struct {
	Priority int `json:"priority"`
}

func (s *Server) handleRepositoryPrefix(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/repositories/"), "/")
	if len(parts) != 2 || parts[1] != "replication-priority" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPut {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	repoID := parts[0]
	var req setPriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "MalformedInput", "invalid JSON body")
		return
	}
	if req.Priority < 0 || req.Priority > 3 {
		writeJSONError(w, http.StatusBadRequest, "MalformedInput", "priority must be 0..3")
		return
	}
	_, err := s.DB.SQL.Exec(
		`INSERT INTO repositories (id, default_priority) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET default_priority = excluded.default_priority`,
		repoID, req.Priority,
	)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "TransportError", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- edge-nodes/:id/... ---

func (s *Server) handleEdgeNodePrefix(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/v1/edge-nodes/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	edgeID, rest := parts[0], parts[1]

	switch {
	case rest == "repositories":
		s.handleAssignRepository(w, r, edgeID)
	case rest == "transfer/init":
		s.handleTransferInit(w, r, edgeID)
	case strings.HasPrefix(rest, "transfer/") && strings.HasSuffix(rest, "/chunks"):
		s.handleTransferChunks(w, r, edgeID, trimBetween(rest, "transfer/", "/chunks"))
	case strings.HasPrefix(rest, "transfer/") && strings.Contains(rest, "/chunks/") && strings.HasSuffix(rest, "/debug"):
		s.handleChunkDebug(w, r, edgeID, rest)
	case strings.HasPrefix(rest, "transfer/") && strings.Contains(rest, "/chunk/") && strings.HasSuffix(rest, "/verify"):
		s.handleChunkVerify(w, r, edgeID, rest)
	case strings.HasPrefix(rest, "transfer/") && strings.Contains(rest, "/chunk/"):
		s.handleChunkBytes(w, r, edgeID, rest)
	case strings.HasPrefix(rest, "transfer/") && strings.HasSuffix(rest, "/complete"):
		s.handleTransferComplete(w, r, edgeID, trimBetween(rest, "transfer/", "/complete"))
	case rest == "peers":
		s.handlePeers(w, r, edgeID)
	case rest == "peers/probe":
		s.handlePeerProbe(w, r, edgeID)
	case strings.HasPrefix(rest, "chunks/"):
		s.handleEdgeChunks(w, r, edgeID, strings.TrimPrefix(rest, "chunks/"))
	case rest == "network-profile":
		s.handleNetworkProfile(w, r, edgeID)
	case rest == "heartbeat":
		s.handleHeartbeat(w, r, edgeID)
	default:
		http.NotFound(w, r)
	}
}

func trimBetween(s, prefix, suffix string) string {
	s = strings.TrimPrefix(s, prefix)
	return strings.TrimSuffix(s, suffix)
}

type assignRepoRequest struct {
	RepositoryID        string  `json:"repository_id"`
	PriorityOverride    *int    `json:"priority_override"`
	ReplicationSchedule *string `json:"replication_schedule"`
}

func (s *Server) handleAssignRepository(w http.ResponseWriter, r *http.Request, edgeID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req assignRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RepositoryID == "" {
		writeJSONError(w, http.StatusBadRequest, "MalformedInput", "repository_id is required")
		return
	}
	var defaultPriority int
	err := s.DB.SQL.QueryRow(`SELECT default_priority FROM repositories WHERE id = ?`, req.RepositoryID).Scan(&defaultPriority)
	if err == sql.ErrNoRows {
		writeJSONError(w, http.StatusNotFound, "NotFound", "unknown repository")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "TransportError", err.Error())
		return
	}

	var existing int
	s.DB.SQL.QueryRow(`SELECT COUNT(1) FROM repo_assignments WHERE edge_id = ? AND repo_id = ?`, edgeID, req.RepositoryID).Scan(&existing)
	if existing > 0 {
		writeJSONError(w, http.StatusConflict, "ConflictState", "assignment already exists")
		return
	}

	_, err = s.DB.SQL.Exec(
		`INSERT INTO repo_assignments (edge_id, repo_id, sync_enabled, priority_override, repo_default_priority, schedule)
		 VALUES (?, ?, 1, ?, ?, ?)`,
		edgeID, req.RepositoryID, req.PriorityOverride, defaultPriority, req.ReplicationSchedule,
	)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "TransportError", err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// --- transfer/init ---

type transferInitRequest struct {
	ArtifactID string `json:"artifact_id"`
}
type transferInitResponse struct {
	SessionID      string `json:"session_id"`
	TotalChunks    int    `json:"total_chunks"`
	ChunkSize      int64  `json:"chunk_size"`
	ArtifactSHA256 string `json:"artifact_sha256"`
}

func (s *Server) handleTransferInit(w http.ResponseWriter, r *http.Request, edgeID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req transferInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ArtifactID == "" {
		writeJSONError(w, http.StatusBadRequest, "MalformedInput", "artifact_id is required")
		return
	}

	var repoID string
	var chunkSize int64
	var totalChunks int
	var digest string
	err := s.DB.SQL.QueryRow(
		`SELECT repo_id, chunk_size, total_chunks, whole_digest FROM artifacts WHERE id = ?`, req.ArtifactID,
	).Scan(&repoID, &chunkSize, &totalChunks, &digest)
	if err == sql.ErrNoRows {
		writeJSONError(w, http.StatusNotFound, "NotFound", "unknown artifact")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "TransportError", err.Error())
		return
	}

	var defaultPriority int
	var override sql.NullInt64
	err = s.DB.SQL.QueryRow(
		`SELECT repo_default_priority, priority_override FROM repo_assignments
		 WHERE edge_id = ? AND repo_id = ?`,
		edgeID, repoID,
	).Scan(&defaultPriority, &override)
	if err != nil && err != sql.ErrNoRows {
		writeJSONError(w, http.StatusInternalServerError, "TransportError", err.Error())
		return
	}
	effective := scheduler.Priority(defaultPriority)
	if override.Valid {
		p := scheduler.Priority(override.Int64)
		effective = scheduler.Resolve(&p, effective)
	}
	if effective == scheduler.P3LocalOnly {
		writeJSONError(w, http.StatusForbidden, "ConflictState", scheduler.ErrLocalOnly.Error())
		return
	}

	if existing, ok := s.Sessions.ByPair(req.ArtifactID, edgeID); ok {
		st := existing.Status()
		if st != transfer.StatusCompleted && st != transfer.StatusFailed && st != transfer.StatusCancelled {
			writeJSONError(w, http.StatusConflict, "ConflictState", "session already exists in a non-terminal state")
			return
		}
	}

	sessionID := uuid.New().String()
	sess := transfer.New(sessionID, req.ArtifactID, edgeID, totalChunks, chunkSize, digest, effective.SchedulingPriority())
	if err := s.Sessions.Add(sess); err != nil {
		writeJSONError(w, http.StatusConflict, "ConflictState", err.Error())
		return
	}
	// A session starts pending and moves to active the moment a caller
	// has it in hand to begin fetching chunks; nothing else drives this
	// edge in the REST-only path.
	sess.TransitionTo(transfer.StatusActive, "")

	writeJSON(w, http.StatusCreated, transferInitResponse{
		SessionID:      sessionID,
		TotalChunks:    totalChunks,
		ChunkSize:      chunkSize,
		ArtifactSHA256: digest,
	})
}

// --- transfer/:sid/chunks (manifest) ---

func (s *Server) handleTransferChunks(w http.ResponseWriter, r *http.Request, edgeID, sessionID string) {
	if _, err := s.Sessions.Get(sessionID); err != nil {
		writeJSONError(w, http.StatusNotFound, "NotFound", "unknown session")
		return
	}
	s.mu.Lock()
	m, ok := s.manifests[sessionID]
	s.mu.Unlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NotFound", "manifest not yet available")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- transfer/:sid/chunk/:n (raw bytes) ---

func (s *Server) handleChunkBytes(w http.ResponseWriter, r *http.Request, edgeID, rest string) {
	sessionID, index, ok := parseSessionAndChunk(rest, "transfer/", "/chunk/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	sess, err := s.Sessions.Get(sessionID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "NotFound", "unknown session")
		return
	}
	data, found, err := s.Chunks.Get(sess.ArtifactID, index)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "TransportError", err.Error())
		return
	}
	if !found {
		writeJSONError(w, http.StatusNotFound, "NotFound", "chunk not present")
		return
	}
	if _, ok := sess.ChunkState(index); !ok {
		writeJSONError(w, http.StatusRequestedRangeNotSatisfiable, "MalformedInput", "chunk index out of range")
		return
	}
	s.mu.Lock()
	m := s.manifests[sessionID]
	s.mu.Unlock()
	if m != nil && index < len(m.Chunks) {
		w.Header().Set("X-Chunk-SHA256", m.Chunks[index].SHA256)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// parseSessionChunkDebug parses "transfer/<sid>/chunks/<n>/debug".
func parseSessionChunkDebug(rest string) (sessionID string, index int, ok bool) {
	rest = strings.TrimPrefix(rest, "transfer/")
	rest = strings.TrimSuffix(rest, "/debug")
	i := strings.Index(rest, "/chunks/")
	if i < 0 {
		return "", 0, false
	}
	sessionID = rest[:i]
	n, err := strconv.Atoi(rest[i+len("/chunks/"):])
	if err != nil {
		return "", 0, false
	}
	return sessionID, n, true
}

func parseSessionAndChunk(rest, prefix, mid string) (sessionID string, index int, ok bool) {
	rest = strings.TrimPrefix(rest, prefix)
	i := strings.Index(rest, mid)
	if i < 0 {
		return "", 0, false
	}
	sessionID = rest[:i]
	tail := rest[i+len(mid):]
	tail = strings.TrimSuffix(tail, "/verify")
	n, err := strconv.Atoi(tail)
	if err != nil {
		return "", 0, false
	}
	return sessionID, n, true
}

// --- transfer/:sid/chunk/:n/verify ---

type chunkVerifyRequest struct {
	SHA256   string `json:"sha256"`
	Verified bool   `json:"verified"`
}

func (s *Server) handleChunkVerify(w http.ResponseWriter, r *http.Request, edgeID, rest string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID, index, ok := parseSessionAndChunk(rest, "transfer/", "/chunk/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	sess, err := s.Sessions.Get(sessionID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "NotFound", "unknown session")
		return
	}
	var req chunkVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "MalformedInput", "invalid JSON body")
		return
	}
	cs, ok := sess.ChunkState(index)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NotFound", "unknown chunk index")
		return
	}
	if cs.Status == transfer.ChunkVerified {
		writeJSONError(w, http.StatusConflict, "ConflictState", "chunk already verified")
		return
	}
	if req.Verified {
		sess.MarkVerified(index, "")
		s.Availability.RecordChunk(edgeID, sess.ArtifactID, sess.TotalChunks, index)
	} else {
		sess.MarkFailed(index, "", "reported not verified")
	}
	w.WriteHeader(http.StatusOK)
}

// --- transfer/:sid/chunks/:n/debug (operator diagnostics) ---

type chunkDebugResponse struct {
	Index      int    `json:"index"`
	Status     string `json:"status"`
	SourcePeer string `json:"source_peer,omitempty"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}

// handleChunkDebug exposes one chunk's full lifecycle for operator
// debugging: which peer it's being fetched from (or was last fetched
// from), how many attempts it has taken, and its last recorded error.
func (s *Server) handleChunkDebug(w http.ResponseWriter, r *http.Request, edgeID, rest string) {
	sessionID, index, ok := parseSessionChunkDebug(rest)
	if !ok {
		http.NotFound(w, r)
		return
	}
	sess, err := s.Sessions.Get(sessionID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "NotFound", "unknown session")
		return
	}
	cs, ok := sess.ChunkState(index)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NotFound", "unknown chunk index")
		return
	}
	writeJSON(w, http.StatusOK, chunkDebugResponse{
		Index:      cs.Index,
		Status:     string(cs.Status),
		SourcePeer: cs.SourcePeer,
		Attempts:   cs.Attempts,
		LastError:  cs.LastError,
		UpdatedAt:  cs.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// --- transfer/:sid/complete ---

type transferCompleteRequest struct {
	ArtifactSHA256 string `json:"artifact_sha256"`
}

func (s *Server) handleTransferComplete(w http.ResponseWriter, r *http.Request, edgeID, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.Sessions.Get(sessionID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "NotFound", "unknown session")
		return
	}
	var req transferCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "MalformedInput", "invalid JSON body")
		return
	}
	if req.ArtifactSHA256 != sess.ArtifactDigest {
		sess.TransitionTo(transfer.StatusFailed, "whole-artifact digest mismatch on complete")
		writeJSONError(w, http.StatusConflict, "IntegrityError", "artifact digest mismatch")
		return
	}
	// A replay of a correct-digest complete against an already-completed
	// session is success, not a conflict (P8) — the digest check above
	// already confirmed this replay agrees with what completed it.
	if sess.Status() == transfer.StatusCompleted {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := sess.TransitionTo(transfer.StatusCompleted, ""); err != nil {
		writeJSONError(w, http.StatusConflict, "ConflictState", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- peers ---

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request, edgeID string) {
	peers, err := s.Catalog.PeersOf(edgeID, peercatalog.CandidateFilter{})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "TransportError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, peers)
}

type peerProbeRequest struct {
	TargetNodeID         string   `json:"target_node_id"`
	LatencyMS            *float64 `json:"latency_ms"`
	BandwidthEstimateBps *float64 `json:"bandwidth_estimate_bps"`
}

func (s *Server) handlePeerProbe(w http.ResponseWriter, r *http.Request, edgeID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req peerProbeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetNodeID == "" {
		writeJSONError(w, http.StatusBadRequest, "MalformedInput", "target_node_id is required")
		return
	}
	latency, bandwidth := 0.0, 0.0
	if req.LatencyMS != nil {
		latency = *req.LatencyMS
	}
	if req.BandwidthEstimateBps != nil {
		bandwidth = *req.BandwidthEstimateBps
	}
	if err := s.Catalog.ProbeResult(edgeID, req.TargetNodeID, latency, bandwidth, time.Now().UTC()); err != nil {
		if errs.KindOf(err) == errs.KindMalformedInput {
			writeJSONError(w, http.StatusBadRequest, "MalformedInput", err.Error())
			return
		}
		writeJSONError(w, http.StatusNotFound, "NotFound", err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// --- chunks/:artifact_id (own availability) ---

type chunkAvailabilityResponse struct {
	TotalChunks    int    `json:"total_chunks"`
	Bitfield       string `json:"bitfield"`
	AvailableCount int    `json:"available_count"`
	Complete       bool   `json:"complete"`
}

func (s *Server) handleEdgeChunks(w http.ResponseWriter, r *http.Request, edgeID, artifactID string) {
	switch r.Method {
	case http.MethodGet:
		var totalChunks int
		s.DB.SQL.QueryRow(`SELECT total_chunks FROM artifacts WHERE id = ?`, artifactID).Scan(&totalChunks)
		row, err := s.Availability.Get(edgeID, artifactID, totalChunks)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "TransportError", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, chunkAvailabilityResponse{
			TotalChunks:    row.TotalChunks,
			Bitfield:       row.Bitfield.ToBase64(),
			AvailableCount: row.AvailableCount,
			Complete:       row.Bitfield.IsComplete(),
		})
	case http.MethodPut:
		var req struct {
			Bitfield    string `json:"bitfield"`
			TotalChunks int    `json:"total_chunks"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "MalformedInput", "invalid JSON body")
			return
		}
		bf, err := bitfield.FromBase64(req.Bitfield, req.TotalChunks)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "MalformedInput", err.Error())
			return
		}
		if err := s.Availability.Put(edgeID, artifactID, bf); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "TransportError", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// --- network-profile ---

type networkProfileRequest struct {
	MaxUploadBps           *int64  `json:"max_upload_bps"`
	MaxDownloadBps         *int64  `json:"max_download_bps"`
	SyncWindowStart        *string `json:"sync_window_start"`
	SyncWindowEnd          *string `json:"sync_window_end"`
	MaxTransferConcurrency *int    `json:"max_transfer_concurrency"`
}

func (s *Server) handleNetworkProfile(w http.ResponseWriter, r *http.Request, edgeID string) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req networkProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "MalformedInput", "invalid JSON body")
		return
	}
	_, err := s.DB.SQL.Exec(
		`UPDATE edge_nodes SET
			max_upload_bps = COALESCE(?, max_upload_bps),
			max_download_bps = COALESCE(?, max_download_bps),
			sync_window_start = COALESCE(?, sync_window_start),
			sync_window_end = COALESCE(?, sync_window_end),
			max_concurrency = COALESCE(?, max_concurrency)
		 WHERE id = ?`,
		req.MaxUploadBps, req.MaxDownloadBps, req.SyncWindowStart, req.SyncWindowEnd, req.MaxTransferConcurrency, edgeID,
	)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "TransportError", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- heartbeat ---

type heartbeatRequest struct {
	CacheUsedBytes int64 `json:"cache_used_bytes"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, edgeID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "MalformedInput", "invalid JSON body")
		return
	}
	res, err := s.DB.SQL.Exec(
		`UPDATE edge_nodes SET last_seen = ?, cache_used_bytes = ? WHERE id = ?`,
		time.Now().UTC(), req.CacheUsedBytes, edgeID,
	)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "TransportError", err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeJSONError(w, http.StatusNotFound, "NotFound", "unknown edge node")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SeedManifest registers a built manifest for a session, making it
// retrievable via GET .../chunks. The scheduler/engine (not an HTTP
// caller) produces manifests; this is their handoff point into the REST
// layer's in-memory cache.
func (s *Server) SeedManifest(sessionID string, m *manifest.Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[sessionID] = m
}

// Manifest returns the manifest registered for sessionID, if any. The
// mesh-driven fetch loop (transfer.Driver) uses this to learn a
// session's chunk plan without duplicating the REST layer's cache.
func (s *Server) Manifest(sessionID string) (*manifest.Manifest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[sessionID]
	return m, ok
}

// JSON helpers.

type jsonError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, jsonError{Code: code, Message: msg})
}
