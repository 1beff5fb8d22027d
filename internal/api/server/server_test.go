package server

import (
	"bytes"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/artifactkeeper/replicore/internal/availability"
	"github.com/artifactkeeper/replicore/internal/bitfield"
	"github.com/artifactkeeper/replicore/internal/chunkstore"
	"github.com/artifactkeeper/replicore/internal/manifest"
	"github.com/artifactkeeper/replicore/internal/peercatalog"
	"github.com/artifactkeeper/replicore/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	chunks, err := chunkstore.Open(t.TempDir() + "/chunks.db")
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	t.Cleanup(func() { chunks.Close() })

	_, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	return New(db, availability.New(db.SQL), peercatalog.New(db.SQL), chunks, priv)
}

func seedArtifact(t *testing.T, s *Server, artifactID, repoID string, totalChunks int, chunkSize int64, digest string) {
	t.Helper()
	_, err := s.DB.SQL.Exec(
		`INSERT INTO artifacts (id, repo_id, byte_size, whole_digest, chunk_size, total_chunks, created_at) VALUES (?, ?, ?, ?, ?, ?, datetime('now'))`,
		artifactID, repoID, chunkSize*int64(totalChunks), digest, chunkSize, totalChunks,
	)
	if err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
}

func seedEdgeNode(t *testing.T, s *Server, edgeID string) {
	t.Helper()
	_, err := s.DB.SQL.Exec(
		`INSERT INTO edge_nodes (id, endpoint, region, status) VALUES (?, 'https://edge.example', 'us', 'active')`,
		edgeID,
	)
	if err != nil {
		t.Fatalf("seed edge node: %v", err)
	}
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func newMux(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	s.RegisterHTTP(mux)
	return mux
}

func TestSetReplicationPriorityCreatesThenUpdates(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)

	rec := doJSON(t, mux, http.MethodPut, "/api/v1/repositories/repo-a/replication-priority", setPriorityRequest{Priority: 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT replication-priority status = %d, want 200, body=%s", rec.Code, rec.Body)
	}

	var got int
	if err := s.DB.SQL.QueryRow(`SELECT default_priority FROM repositories WHERE id = ?`, "repo-a").Scan(&got); err != nil {
		t.Fatalf("query default_priority: %v", err)
	}
	if got != 1 {
		t.Fatalf("default_priority = %d, want 1", got)
	}

	rec = doJSON(t, mux, http.MethodPut, "/api/v1/repositories/repo-a/replication-priority", setPriorityRequest{Priority: 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT replication-priority (update) status = %d, want 200", rec.Code)
	}
	s.DB.SQL.QueryRow(`SELECT default_priority FROM repositories WHERE id = ?`, "repo-a").Scan(&got)
	if got != 3 {
		t.Fatalf("default_priority after update = %d, want 3", got)
	}
}

func TestSetReplicationPriorityRejectsOutOfRange(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)
	rec := doJSON(t, mux, http.MethodPut, "/api/v1/repositories/repo-a/replication-priority", setPriorityRequest{Priority: 9})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAssignRepositoryToEdgeNode(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)
	doJSON(t, mux, http.MethodPut, "/api/v1/repositories/repo-a/replication-priority", setPriorityRequest{Priority: 2})

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/repositories", assignRepoRequest{RepositoryID: "repo-a"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("assign repository status = %d, want 201, body=%s", rec.Code, rec.Body)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/repositories", assignRepoRequest{RepositoryID: "repo-a"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate assign status = %d, want 409", rec.Code)
	}
}

func TestAssignRepositoryUnknownRepoIsNotFound(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)
	rec := doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/repositories", assignRepoRequest{RepositoryID: "nope"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTransferInitRejectsLocalOnlyRepo(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)
	doJSON(t, mux, http.MethodPut, "/api/v1/repositories/repo-a/replication-priority", setPriorityRequest{Priority: 3})
	doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/repositories", assignRepoRequest{RepositoryID: "repo-a"})
	seedArtifact(t, s, "artifact-1", "repo-a", 2, 1024, "deadbeef")

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/transfer/init", transferInitRequest{ArtifactID: "artifact-1"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body=%s", rec.Code, rec.Body)
	}
}

func TestTransferInitUnknownArtifactIsNotFound(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)
	rec := doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/transfer/init", transferInitRequest{ArtifactID: "nope"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTransferLifecycle(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)

	doJSON(t, mux, http.MethodPut, "/api/v1/repositories/repo-a/replication-priority", setPriorityRequest{Priority: 1})
	doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/repositories", assignRepoRequest{RepositoryID: "repo-a"})

	chunkData := []byte("hello world, this is chunk zero")
	m, err := manifest.Build("artifact-1", int64(len(chunkData)), sha256Hex(chunkData), int64(len(chunkData)), bytes.NewReader(chunkData))
	if err != nil {
		t.Fatalf("manifest.Build: %v", err)
	}
	seedArtifact(t, s, "artifact-1", "repo-a", m.TotalChunks, m.ChunkSize, m.ArtifactSHA256)
	if err := s.Chunks.Put("artifact-1", 0, chunkData); err != nil {
		t.Fatalf("Chunks.Put: %v", err)
	}

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/transfer/init", transferInitRequest{ArtifactID: "artifact-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("transfer init status = %d, want 201, body=%s", rec.Code, rec.Body)
	}
	var initResp transferInitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &initResp); err != nil {
		t.Fatalf("decode init response: %v", err)
	}
	if initResp.SessionID == "" {
		t.Fatal("expected non-empty session_id")
	}

	s.SeedManifest(initResp.SessionID, m)

	rec = doJSON(t, mux, http.MethodGet, "/api/v1/edge-nodes/edge-a/transfer/"+initResp.SessionID+"/chunks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET chunks status = %d, want 200, body=%s", rec.Code, rec.Body)
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/v1/edge-nodes/edge-a/transfer/"+initResp.SessionID+"/chunk/0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET chunk bytes status = %d, want 200, body=%s", rec.Code, rec.Body)
	}
	if got := rec.Body.String(); got != string(chunkData) {
		t.Fatalf("chunk bytes = %q, want %q", got, chunkData)
	}
	if got := rec.Header().Get("X-Chunk-SHA256"); got != m.Chunks[0].SHA256 {
		t.Fatalf("X-Chunk-SHA256 = %q, want %q", got, m.Chunks[0].SHA256)
	}

	verifyReq := chunkVerifyRequest{SHA256: m.Chunks[0].SHA256, Verified: true}
	rec = doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/transfer/"+initResp.SessionID+"/chunk/0/verify", verifyReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d, want 200, body=%s", rec.Code, rec.Body)
	}
	rec = doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/transfer/"+initResp.SessionID+"/chunk/0/verify", verifyReq)
	if rec.Code != http.StatusConflict {
		t.Fatalf("re-verify status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/transfer/"+initResp.SessionID+"/complete",
		transferCompleteRequest{ArtifactSHA256: m.ArtifactSHA256})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d, want 200, body=%s", rec.Code, rec.Body)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/transfer/"+initResp.SessionID+"/complete",
		transferCompleteRequest{ArtifactSHA256: "wrongdigest"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second complete status = %d, want 409 (digest mismatch)", rec.Code)
	}
}

func TestTransferCompleteDigestMismatchFails(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)
	doJSON(t, mux, http.MethodPut, "/api/v1/repositories/repo-a/replication-priority", setPriorityRequest{Priority: 1})
	doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/repositories", assignRepoRequest{RepositoryID: "repo-a"})
	seedArtifact(t, s, "artifact-1", "repo-a", 1, 1024, "deadbeef")

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/transfer/init", transferInitRequest{ArtifactID: "artifact-1"})
	var initResp transferInitResponse
	json.Unmarshal(rec.Body.Bytes(), &initResp)

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/transfer/"+initResp.SessionID+"/complete",
		transferCompleteRequest{ArtifactSHA256: "not-the-digest"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestChunkDebugReportsLifecycleAfterVerify(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)
	doJSON(t, mux, http.MethodPut, "/api/v1/repositories/repo-a/replication-priority", setPriorityRequest{Priority: 1})
	doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/repositories", assignRepoRequest{RepositoryID: "repo-a"})
	seedArtifact(t, s, "artifact-1", "repo-a", 1, 1024, "deadbeef")

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/transfer/init", transferInitRequest{ArtifactID: "artifact-1"})
	var initResp transferInitResponse
	json.Unmarshal(rec.Body.Bytes(), &initResp)

	rec = doJSON(t, mux, http.MethodGet, "/api/v1/edge-nodes/edge-a/transfer/"+initResp.SessionID+"/chunks/0/debug", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("debug status = %d, want 200, body=%s", rec.Code, rec.Body)
	}
	var before chunkDebugResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &before); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if before.Status != "pending" {
		t.Fatalf("status before verify = %q, want pending", before.Status)
	}

	doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/transfer/"+initResp.SessionID+"/chunk/0/verify", chunkVerifyRequest{Verified: true})

	rec = doJSON(t, mux, http.MethodGet, "/api/v1/edge-nodes/edge-a/transfer/"+initResp.SessionID+"/chunks/0/debug", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("debug status = %d, want 200, body=%s", rec.Code, rec.Body)
	}
	var after chunkDebugResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &after); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if after.Status != "verified" {
		t.Fatalf("status after verify = %q, want verified", after.Status)
	}
}

func TestChunkDebugUnknownIndexIsNotFound(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)
	doJSON(t, mux, http.MethodPut, "/api/v1/repositories/repo-a/replication-priority", setPriorityRequest{Priority: 1})
	doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/repositories", assignRepoRequest{RepositoryID: "repo-a"})
	seedArtifact(t, s, "artifact-1", "repo-a", 1, 1024, "deadbeef")

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/transfer/init", transferInitRequest{ArtifactID: "artifact-1"})
	var initResp transferInitResponse
	json.Unmarshal(rec.Body.Bytes(), &initResp)

	rec = doJSON(t, mux, http.MethodGet, "/api/v1/edge-nodes/edge-a/transfer/"+initResp.SessionID+"/chunks/99/debug", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPeerProbeThenListPeers(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)

	latency, bandwidth := 42.0, 5_000_000.0
	rec := doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/peers/probe",
		peerProbeRequest{TargetNodeID: "edge-b", LatencyMS: &latency, BandwidthEstimateBps: &bandwidth})
	if rec.Code != http.StatusCreated {
		t.Fatalf("probe status = %d, want 201, body=%s", rec.Code, rec.Body)
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/v1/edge-nodes/edge-a/peers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list peers status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "edge-b") {
		t.Fatalf("peers response missing edge-b: %s", rec.Body)
	}
}

func TestPeerProbeRejectsSelfTarget(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)
	latency, bandwidth := 1.0, 1.0
	rec := doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/peers/probe",
		peerProbeRequest{TargetNodeID: "edge-a", LatencyMS: &latency, BandwidthEstimateBps: &bandwidth})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEdgeChunksPutThenGet(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)
	seedArtifact(t, s, "artifact-1", "repo-a", 4, 1024, "deadbeef")

	bf := bitfield.New(4)
	bf.Set(0)
	bf.Set(2)

	rec := doJSON(t, mux, http.MethodPut, "/api/v1/edge-nodes/edge-a/chunks/artifact-1", struct {
		Bitfield    string `json:"bitfield"`
		TotalChunks int    `json:"total_chunks"`
	}{Bitfield: bf.ToBase64(), TotalChunks: 4})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("PUT chunks status = %d, want 204, body=%s", rec.Code, rec.Body)
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/v1/edge-nodes/edge-a/chunks/artifact-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET chunks status = %d, want 200, body=%s", rec.Code, rec.Body)
	}
	var resp chunkAvailabilityResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AvailableCount != 2 {
		t.Fatalf("available_count = %d, want 2", resp.AvailableCount)
	}
	if resp.Complete {
		t.Fatal("complete = true, want false")
	}
}

func TestNetworkProfileUpdatesOnlyGivenFields(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)
	seedEdgeNode(t, s, "edge-a")

	upload := int64(10_000_000)
	rec := doJSON(t, mux, http.MethodPut, "/api/v1/edge-nodes/edge-a/network-profile", networkProfileRequest{MaxUploadBps: &upload})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204, body=%s", rec.Code, rec.Body)
	}

	var gotUpload, gotDownload int64
	s.DB.SQL.QueryRow(`SELECT max_upload_bps, max_download_bps FROM edge_nodes WHERE id = ?`, "edge-a").Scan(&gotUpload, &gotDownload)
	if gotUpload != upload {
		t.Fatalf("max_upload_bps = %d, want %d", gotUpload, upload)
	}
	if gotDownload != 0 {
		t.Fatalf("max_download_bps = %d, want unchanged 0", gotDownload)
	}
}

func TestHeartbeatUpdatesKnownNode(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)
	seedEdgeNode(t, s, "edge-a")

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/edge-a/heartbeat", heartbeatRequest{CacheUsedBytes: 2048})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204, body=%s", rec.Code, rec.Body)
	}

	var got int64
	s.DB.SQL.QueryRow(`SELECT cache_used_bytes FROM edge_nodes WHERE id = ?`, "edge-a").Scan(&got)
	if got != 2048 {
		t.Fatalf("cache_used_bytes = %d, want 2048", got)
	}
}

func TestHeartbeatUnknownNodeIsNotFound(t *testing.T) {
	s := newTestServer(t)
	mux := newMux(s)
	rec := doJSON(t, mux, http.MethodPost, "/api/v1/edge-nodes/ghost/heartbeat", heartbeatRequest{CacheUsedBytes: 1})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
