package peercatalog

import (
	"testing"
	"time"

	"github.com/artifactkeeper/replicore/internal/store"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db.SQL)
}

func TestProbeResultCreatesActiveConnection(t *testing.T) {
	cat := newTestCatalog(t)

	if err := cat.ProbeResult("edge-a", "edge-b", 40, 1_000_000, time.Now()); err != nil {
		t.Fatalf("ProbeResult: %v", err)
	}

	conn, err := cat.Get("edge-a", "edge-b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conn == nil {
		t.Fatal("expected a connection row")
	}
	if conn.Status != StatusActive {
		t.Errorf("status = %q, want active", conn.Status)
	}
	if conn.LatencyMS != 40 {
		t.Errorf("latency = %v, want 40 (no prior sample to average against)", conn.LatencyMS)
	}
}

func TestProbeResultSmoothsWithEMA(t *testing.T) {
	cat := newTestCatalog(t)
	now := time.Now()

	if err := cat.ProbeResult("edge-a", "edge-b", 100, 1000, now); err != nil {
		t.Fatalf("ProbeResult 1: %v", err)
	}
	if err := cat.ProbeResult("edge-a", "edge-b", 50, 2000, now.Add(time.Second)); err != nil {
		t.Fatalf("ProbeResult 2: %v", err)
	}

	conn, err := cat.Get("edge-a", "edge-b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := emaSmoothingFactor*50 + (1-emaSmoothingFactor)*100
	if diff := conn.LatencyMS - want; diff > 0.001 || diff < -0.001 {
		t.Errorf("latency = %v, want %v", conn.LatencyMS, want)
	}
}

func TestProbeFailureDemotesAfterThreeConsecutive(t *testing.T) {
	cat := newTestCatalog(t)
	now := time.Now()

	if err := cat.ProbeResult("edge-a", "edge-b", 10, 100, now); err != nil {
		t.Fatalf("ProbeResult: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := cat.ProbeFailure("edge-a", "edge-b", now.Add(time.Duration(i+1)*time.Second)); err != nil {
			t.Fatalf("ProbeFailure %d: %v", i, err)
		}
	}
	conn, err := cat.Get("edge-a", "edge-b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conn.Status != StatusActive {
		t.Fatalf("status after 2 failures = %q, want still active", conn.Status)
	}

	if err := cat.ProbeFailure("edge-a", "edge-b", now.Add(3*time.Second)); err != nil {
		t.Fatalf("ProbeFailure 3: %v", err)
	}
	conn, err = cat.Get("edge-a", "edge-b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conn.Status != StatusUnreachable {
		t.Errorf("status after 3 consecutive failures = %q, want unreachable", conn.Status)
	}
}

func TestProbeSuccessRePromotesUnreachable(t *testing.T) {
	cat := newTestCatalog(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if err := cat.ProbeFailure("edge-a", "edge-b", now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("ProbeFailure %d: %v", i, err)
		}
	}
	conn, _ := cat.Get("edge-a", "edge-b")
	if conn.Status != StatusUnreachable {
		t.Fatalf("setup: status = %q, want unreachable", conn.Status)
	}

	if err := cat.ProbeResult("edge-a", "edge-b", 20, 500, now.Add(10*time.Second)); err != nil {
		t.Fatalf("ProbeResult: %v", err)
	}
	conn, err := cat.Get("edge-a", "edge-b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conn.Status != StatusActive {
		t.Errorf("status after re-promotion = %q, want active", conn.Status)
	}
	if conn.FailureCt != 0 {
		t.Errorf("failure_ct after re-promotion = %d, want 0", conn.FailureCt)
	}
}

func TestProbeResultRejectsSelfLoop(t *testing.T) {
	cat := newTestCatalog(t)
	if err := cat.ProbeResult("edge-a", "edge-a", 1, 1, time.Now()); err == nil {
		t.Fatal("expected error probing a node against itself")
	}
}

func TestPeersOfFiltersUnreachable(t *testing.T) {
	cat := newTestCatalog(t)
	now := time.Now()

	if err := cat.ProbeResult("edge-a", "edge-b", 10, 1000, now); err != nil {
		t.Fatalf("ProbeResult edge-b: %v", err)
	}
	if err := cat.ProbeResult("edge-a", "edge-c", 20, 2000, now); err != nil {
		t.Fatalf("ProbeResult edge-c: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := cat.ProbeFailure("edge-a", "edge-c", now.Add(time.Duration(i+1)*time.Second)); err != nil {
			t.Fatalf("ProbeFailure: %v", err)
		}
	}

	peers, err := cat.PeersOf("edge-a", CandidateFilter{})
	if err != nil {
		t.Fatalf("PeersOf: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("len(peers) = %d, want 1 (edge-c should be excluded as unreachable)", len(peers))
	}
	if peers[0].Target != "edge-b" {
		t.Errorf("peers[0].Target = %q, want edge-b", peers[0].Target)
	}
}

func TestGetUnknownPairReturnsNilNotError(t *testing.T) {
	cat := newTestCatalog(t)
	conn, err := cat.Get("edge-x", "edge-y")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conn != nil {
		t.Errorf("expected nil for unknown pair, got %+v", conn)
	}
}
