package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/artifactkeeper/replicore/internal/assign"
	"github.com/artifactkeeper/replicore/internal/availability"
	"github.com/artifactkeeper/replicore/internal/bitfield"
	"github.com/artifactkeeper/replicore/internal/errs"
	"github.com/artifactkeeper/replicore/internal/manifest"
	"github.com/artifactkeeper/replicore/internal/peercatalog"
	"github.com/artifactkeeper/replicore/internal/ratelimit"
	"github.com/artifactkeeper/replicore/internal/store"
)

type fakeFetcher struct {
	data        map[int][]byte
	corruptOnce map[int]bool // chunk index -> still needs to return bad bytes once per call
	fail        map[string]bool
	calls       int
}

func (f *fakeFetcher) FetchChunk(ctx context.Context, peer string, cd manifest.ChunkDescriptor) ([]byte, error) {
	f.calls++
	if f.fail[peer] {
		return nil, errTransport
	}
	if f.corruptOnce != nil && f.corruptOnce[cd.Index] {
		return []byte("corrupt-bytes-not-matching-digest"), nil
	}
	return f.data[cd.Index], nil
}

var errTransport = &testTransportError{}

type testTransportError struct{}

func (e *testTransportError) Error() string { return "simulated transport failure" }

func digestHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func setupSingleChunkFixture(t *testing.T) (*availability.Registry, *peercatalog.Catalog, *manifest.Manifest) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := availability.New(db.SQL)
	cat := peercatalog.New(db.SQL)

	data := []byte("hello, this is a tiny 500-byte-ish artifact used in scenario 1")
	m := &manifest.Manifest{
		ArtifactID:  "art-tiny",
		TotalChunks: 1,
		Chunks: []manifest.ChunkDescriptor{
			{Index: 0, ByteOffset: 0, ByteLength: int64(len(data)), SHA256: digestHex(data)},
		},
	}

	if _, err := reg.RecordChunk("seeder-1", "art-tiny", 1, 0); err != nil {
		t.Fatalf("seed RecordChunk: %v", err)
	}
	if err := cat.ProbeResult("edge-target", "seeder-1", 5, 10_000_000, time.Now()); err != nil {
		t.Fatalf("ProbeResult: %v", err)
	}
	return reg, cat, m
}

func TestEngineSingleChunkScenarioCompletes(t *testing.T) {
	reg, cat, m := setupSingleChunkFixture(t)
	data := []byte("hello, this is a tiny 500-byte-ish artifact used in scenario 1")

	engine := &Engine{
		Availability: reg,
		Catalog:      cat,
		Fetcher:      &fakeFetcher{data: map[int][]byte{0: data}},
	}
	s := New("sess-1", "art-tiny", "edge-target", 1, manifest.DefaultChunkSize, digestHex(data), 2)
	own := bitfield.New(1)

	updated, receipt, err := engine.RunCycle(context.Background(), s, m, own, assign.Options{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !updated.IsComplete() {
		t.Fatal("expected bitfield to be complete after single-chunk transfer")
	}
	if s.Status() != StatusCompleted {
		t.Fatalf("session status = %s, want completed", s.Status())
	}
	_ = receipt // no signer key configured in this fixture; receipt may be nil

	available, err := reg.Get("edge-target", "art-tiny", 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if available.AvailableCount != 1 {
		t.Errorf("available_count = %d, want 1", available.AvailableCount)
	}
	if available.Bitfield.ToBase64() != "gA==" {
		t.Errorf("final bitfield base64 = %q, want gA== (scenario 1 literal)", available.Bitfield.ToBase64())
	}
}

func TestEngineResourceExhaustedWhenNoPeerHoldsMissingChunk(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()
	reg := availability.New(db.SQL)
	cat := peercatalog.New(db.SQL)

	m := &manifest.Manifest{
		ArtifactID:  "art-lonely",
		TotalChunks: 1,
		Chunks:      []manifest.ChunkDescriptor{{Index: 0, ByteLength: 10, SHA256: "deadbeef"}},
	}
	engine := &Engine{Availability: reg, Catalog: cat, Fetcher: &fakeFetcher{}}
	s := New("sess-2", "art-lonely", "edge-target", 1, manifest.DefaultChunkSize, "deadbeef", 2)
	own := bitfield.New(1)

	_, _, err = engine.RunCycle(context.Background(), s, m, own, assign.Options{})
	if errs.KindOf(err) != errs.KindResourceExhausted {
		t.Fatalf("RunCycle err = %v, want ResourceExhausted when no seeder exists", err)
	}
}

func TestEngineBandwidthGateAllowsFetchOnceTokensAvailable(t *testing.T) {
	reg, cat, m := setupSingleChunkFixture(t)
	data := []byte("hello, this is a tiny 500-byte-ish artifact used in scenario 1")

	// Burst sized to the chunk itself: the first fetch draws down the
	// bucket without blocking, proving the gate is wired into the fetch
	// path (a too-small burst would instead block RunCycle indefinitely).
	engine := &Engine{
		Availability: reg,
		Catalog:      cat,
		Fetcher:      &fakeFetcher{data: map[int][]byte{0: data}},
		Limiter:      ratelimit.NewTokenBucket(float64(len(data)), len(data)),
	}
	s := New("sess-limiter", "art-tiny", "edge-target", 1, manifest.DefaultChunkSize, digestHex(data), 2)
	own := bitfield.New(1)

	updated, _, err := engine.RunCycle(context.Background(), s, m, own, assign.Options{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !updated.IsComplete() {
		t.Fatal("expected bitfield to be complete")
	}

	// A second fetch over budget (bucket now empty) must block until ctx
	// is cancelled, proving Limiter.Wait is actually consulted per fetch
	// rather than only checked once.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := engine.Limiter.Wait(ctx, len(data)); err == nil {
		t.Error("expected the drained bucket to block past the short ctx deadline")
	}
}

func TestEngineSyncWindowBypassedByP0(t *testing.T) {
	reg, cat, m := setupSingleChunkFixture(t)
	data := []byte("hello, this is a tiny 500-byte-ish artifact used in scenario 1")

	called := false
	engine := &Engine{
		Availability: reg,
		Catalog:      cat,
		Fetcher:      &fakeFetcher{data: map[int][]byte{0: data}},
		SyncWindowWait: func(ctx context.Context) error {
			called = true
			return nil
		},
	}
	// scheduling priority 0 (P0) must bypass the sync-window gate entirely.
	s := New("sess-p0", "art-tiny", "edge-target", 1, manifest.DefaultChunkSize, digestHex(data), 0)
	own := bitfield.New(1)

	if _, _, err := engine.RunCycle(context.Background(), s, m, own, assign.Options{}); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if called {
		t.Error("expected SyncWindowWait not to be called for a P0 (scheduling priority 0) session")
	}
}

func TestEngineSyncWindowAppliedToNonP0(t *testing.T) {
	reg, cat, m := setupSingleChunkFixture(t)
	data := []byte("hello, this is a tiny 500-byte-ish artifact used in scenario 1")

	called := false
	engine := &Engine{
		Availability: reg,
		Catalog:      cat,
		Fetcher:      &fakeFetcher{data: map[int][]byte{0: data}},
		SyncWindowWait: func(ctx context.Context) error {
			called = true
			return nil
		},
	}
	s := New("sess-p2", "art-tiny", "edge-target", 1, manifest.DefaultChunkSize, digestHex(data), 2)
	own := bitfield.New(1)

	if _, _, err := engine.RunCycle(context.Background(), s, m, own, assign.Options{}); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !called {
		t.Error("expected SyncWindowWait to be called for a non-P0 session")
	}
}

func TestEngineBackoffKeyedOffChunkAttemptsNotSessionAttempts(t *testing.T) {
	s := New("sess-retry", "art-retry", "edge-target", 1, manifest.DefaultChunkSize, "deadbeef", 2)

	// Session-level Attempts only moves via an explicit Retry() and stays
	// 0 through a normal run — if backoff were still keyed off it, every
	// retry would compute the same Backoff(0/1, ...) delay regardless of
	// how many times this chunk itself had been retried.
	first := s.MarkDownloading(0, "seeder-1")
	second := s.MarkDownloading(0, "seeder-1")
	third := s.MarkDownloading(0, "seeder-1")

	if first != 1 || second != 2 || third != 3 {
		t.Fatalf("MarkDownloading attempts = %d, %d, %d, want 1, 2, 3", first, second, third)
	}
	if s.Attempts != 0 {
		t.Fatalf("session-level Attempts = %d, want 0 (only Retry() bumps it)", s.Attempts)
	}

	d1, d2, d3 := Backoff(first, 3600), Backoff(second, 3600), Backoff(third, 3600)
	if !(d1 < d2 && d2 < d3) {
		t.Errorf("expected strictly growing per-chunk backoff, got %v, %v, %v", d1, d2, d3)
	}
}
