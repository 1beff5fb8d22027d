package assign

import (
	"testing"

	"github.com/artifactkeeper/replicore/internal/bitfield"
)

func bitfieldWith(total int, indices ...int) *bitfield.Bitfield {
	bf := bitfield.New(total)
	for _, i := range indices {
		if err := bf.Set(i); err != nil {
			panic(err)
		}
	}
	return bf
}

func rangeIndices(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

// TestSwarmScenario reproduces spec.md §8 scenario 2: peer C holds
// chunks 0-7 at higher score, peer B holds all 48. The initial cycle's
// 8-slot budget is split proportionally to score (C:160, B:120 ->
// 5 slots to C, 3 to B) and spent on the lowest sequential indices,
// all of which both peers hold.
func TestSwarmScenario(t *testing.T) {
	own := bitfield.New(48)
	peerB := Peer{ID: "B", Bitfield: bitfieldWith(48, rangeIndices(0, 48)...), LatencyMS: 20, BandwidthBps: 50_000_000}
	peerC := Peer{ID: "C", Bitfield: bitfieldWith(48, rangeIndices(0, 8)...), LatencyMS: 5, BandwidthBps: 100_000_000}

	plan := Assign(own, 48, []Peer{peerB, peerC}, Options{})

	if plan.RarestFirst {
		t.Fatal("completion 0 should be below rarest-first threshold")
	}
	if len(plan.Assignments) != 8 {
		t.Fatalf("len(assignments) = %d, want 8 (P4 max concurrent downloads)", len(plan.Assignments))
	}

	fromC, fromB := 0, 0
	for i, a := range plan.Assignments {
		if a.ChunkIndex != i {
			t.Errorf("assignment[%d].ChunkIndex = %d, want %d (sequential order below rarest-first threshold)", i, a.ChunkIndex, i)
		}
		switch a.PeerID {
		case "C":
			fromC++
			if a.ChunkIndex < 0 || a.ChunkIndex > 7 {
				t.Errorf("chunk %d assigned to C but C doesn't hold it", a.ChunkIndex)
			}
		case "B":
			fromB++
		}
	}
	if fromC <= fromB {
		t.Errorf("chunks assigned to C = %d, B = %d: C scores highest (needed=8, bandwidth=100e6, latency=5) and should take the larger share", fromC, fromB)
	}
	if fromC != 5 {
		t.Errorf("chunks assigned to C = %d, want 5 (round(160/280*8))", fromC)
	}
	if fromB != 3 {
		t.Errorf("chunks assigned to B = %d, want 3 (round(120/280*8))", fromB)
	}
}

// TestSwarmScenarioSecondWave checks that once own covers chunks 0-15,
// remaining chunks come exclusively from B.
func TestSwarmScenarioSecondWave(t *testing.T) {
	own := bitfieldWith(48, rangeIndices(0, 16)...)
	peerB := Peer{ID: "B", Bitfield: bitfieldWith(48, rangeIndices(0, 48)...), LatencyMS: 20, BandwidthBps: 50_000_000}
	peerC := Peer{ID: "C", Bitfield: bitfieldWith(48, rangeIndices(0, 8)...), LatencyMS: 5, BandwidthBps: 100_000_000}

	plan := Assign(own, 48, []Peer{peerB, peerC}, Options{})
	for _, a := range plan.Assignments {
		if a.PeerID != "B" {
			t.Errorf("chunk %d assigned to %s, want B (C is exhausted of needed chunks)", a.ChunkIndex, a.PeerID)
		}
	}
}

func TestNoOverAssignment(t *testing.T) {
	own := bitfield.New(10)
	peers := []Peer{
		{ID: "p1", Bitfield: bitfieldWith(10, rangeIndices(0, 10)...), LatencyMS: 10, BandwidthBps: 1000},
		{ID: "p2", Bitfield: bitfieldWith(10, rangeIndices(0, 10)...), LatencyMS: 10, BandwidthBps: 1000},
	}
	plan := Assign(own, 10, peers, Options{MaxConcurrentChunkDownloads: 4})
	if len(plan.Assignments) > 4 {
		t.Fatalf("len(assignments) = %d, want <= 4", len(plan.Assignments))
	}
	for _, a := range plan.Assignments {
		found := false
		for _, p := range peers {
			if p.ID == a.PeerID && p.Bitfield.Has(a.ChunkIndex) {
				found = true
			}
		}
		if !found {
			t.Errorf("chunk %d assigned to %s, which does not hold it", a.ChunkIndex, a.PeerID)
		}
	}
}

func TestAssignmentDeterminism(t *testing.T) {
	own := bitfield.New(48)
	peerB := Peer{ID: "B", Bitfield: bitfieldWith(48, rangeIndices(0, 48)...), LatencyMS: 20, BandwidthBps: 50_000_000}
	peerC := Peer{ID: "C", Bitfield: bitfieldWith(48, rangeIndices(0, 8)...), LatencyMS: 5, BandwidthBps: 100_000_000}

	p1 := Assign(own, 48, []Peer{peerB, peerC}, Options{})
	p2 := Assign(own, 48, []Peer{peerB, peerC}, Options{})

	if len(p1.Assignments) != len(p2.Assignments) {
		t.Fatalf("assignment counts differ: %d vs %d", len(p1.Assignments), len(p2.Assignments))
	}
	for i := range p1.Assignments {
		if p1.Assignments[i] != p2.Assignments[i] {
			t.Fatalf("assignment %d differs: %+v vs %+v", i, p1.Assignments[i], p2.Assignments[i])
		}
	}
}

func TestRarestFirstTransition(t *testing.T) {
	// completion 0.5 < 0.8 default threshold -> sequential.
	own := bitfieldWith(10, rangeIndices(0, 5)...)
	peer := Peer{ID: "p1", Bitfield: bitfieldWith(10, rangeIndices(0, 10)...), LatencyMS: 10, BandwidthBps: 1000}
	plan := Assign(own, 10, []Peer{peer}, Options{MaxConcurrentChunkDownloads: 20})
	if plan.RarestFirst {
		t.Fatal("completion 0.5 should stay below default 0.8 threshold")
	}
	for i, a := range plan.Assignments {
		if a.ChunkIndex != 5+i {
			t.Fatalf("sequential order broken: assignment[%d].ChunkIndex = %d, want %d", i, a.ChunkIndex, 5+i)
		}
	}

	// completion 0.85 >= threshold -> rarity ordering. Missing chunks are
	// 17, 18, 19; only "common" holds 17 and 18 (rarity 1), while 19 is
	// held by both "sole" and "common", making it the least rare among the
	// missing set (rarity 2). Rarest-first must visit 17 and 18 before 19.
	own2 := bitfieldWith(20, rangeIndices(0, 17)...)
	sole := Peer{ID: "sole", Bitfield: bitfieldWith(20, 19), LatencyMS: 10, BandwidthBps: 1000}
	common := Peer{ID: "common", Bitfield: bitfieldWith(20, 17, 18, 19), LatencyMS: 10, BandwidthBps: 1000}
	plan2 := Assign(own2, 20, []Peer{sole, common}, Options{MaxConcurrentChunkDownloads: 20})
	if !plan2.RarestFirst {
		t.Fatal("completion 0.85 should trigger rarest-first")
	}
	if len(plan2.Assignments) != 3 {
		t.Fatalf("len(assignments) = %d, want 3", len(plan2.Assignments))
	}
	if plan2.Assignments[2].ChunkIndex != 19 {
		t.Errorf("last assignment should be the least-rare chunk (19, held by 2 peers), got %d", plan2.Assignments[2].ChunkIndex)
	}
	for _, a := range plan2.Assignments[:2] {
		if a.ChunkIndex != 17 && a.ChunkIndex != 18 {
			t.Errorf("expected chunks 17/18 (rarity 1) assigned before 19, got %d", a.ChunkIndex)
		}
	}
}

func TestBlacklistExcludesPeer(t *testing.T) {
	own := bitfield.New(5)
	peer := Peer{ID: "bad", Bitfield: bitfieldWith(5, rangeIndices(0, 5)...), LatencyMS: 10, BandwidthBps: 1000}
	plan := Assign(own, 5, []Peer{peer}, Options{Blacklisted: map[string]bool{"bad": true}})
	if len(plan.Assignments) != 0 {
		t.Fatalf("blacklisted peer should receive no assignments, got %d", len(plan.Assignments))
	}
}

func TestPeerWithNothingNeededExcluded(t *testing.T) {
	own := bitfieldWith(5, rangeIndices(0, 5)...)
	peer := Peer{ID: "p1", Bitfield: bitfieldWith(5, rangeIndices(0, 5)...), LatencyMS: 10, BandwidthBps: 1000}
	plan := Assign(own, 5, []Peer{peer}, Options{})
	if len(plan.Assignments) != 0 {
		t.Fatalf("peer with needed=0 should be excluded, got %d assignments", len(plan.Assignments))
	}
}
