// Package assign implements the peer scorer and chunk assigner (spec.md
// §4.5): given a node's own bitfield, an artifact's manifest, and a set
// of candidate peers, it decides which peer fetches which chunk next.
//
// Grounded on daemon/transport/scheduler.go's pure, input-to-plan
// assignment shape (no network calls inside the decision function
// itself, so it can be exercised deterministically in tests — spec.md
// P3 assignment-determinism property) and daemon/transport/priorities.go
// for the proportional-slot distribution idea, generalized from
// stream-priority weighting to the peer-scoring formula below.
package assign

import (
	"math"
	"sort"

	"github.com/artifactkeeper/replicore/internal/bitfield"
)

// DefaultMaxConcurrentChunkDownloads is MAX_CONCURRENT_CHUNK_DOWNLOADS
// (spec.md §6).
const DefaultMaxConcurrentChunkDownloads = 8

// DefaultRarestFirstThreshold is RAREST_FIRST_THRESHOLD (spec.md §6).
const DefaultRarestFirstThreshold = 0.8

// Peer is one assignment candidate: an active peer with a known bitfield
// and network metrics (spec.md §4.5 "Inputs to an assignment cycle").
type Peer struct {
	ID           string
	Bitfield     *bitfield.Bitfield
	LatencyMS    float64
	BandwidthBps float64
}

// Assignment maps a chunk index to the peer chosen to deliver it.
type Assignment struct {
	ChunkIndex int
	PeerID     string
}

// Plan is the result of one assignment cycle.
type Plan struct {
	Assignments []Assignment
	// RarestFirst reports which chunk-ordering policy this cycle used,
	// for observability and test assertions (P5).
	RarestFirst bool
}

// Options tunes an assignment cycle; zero values fall back to spec
// defaults.
type Options struct {
	MaxConcurrentChunkDownloads int
	RarestFirstThreshold        float64
	// Blacklisted peer IDs excluded from this session (spec.md P7).
	Blacklisted map[string]bool
}

func (o Options) maxSlots() int {
	if o.MaxConcurrentChunkDownloads > 0 {
		return o.MaxConcurrentChunkDownloads
	}
	return DefaultMaxConcurrentChunkDownloads
}

func (o Options) rarestFirstThreshold() float64 {
	if o.RarestFirstThreshold > 0 {
		return o.RarestFirstThreshold
	}
	return DefaultRarestFirstThreshold
}

// score computes needed(peer) * bandwidth_bps / max(latency_ms, 1),
// spec.md §4.5.
func score(needed int, bandwidthBps, latencyMs float64) float64 {
	if needed == 0 {
		return 0
	}
	l := latencyMs
	if l < 1 {
		l = 1
	}
	return float64(needed) * bandwidthBps / l
}

type scoredPeer struct {
	peer   Peer
	needed int
	score  float64
	slots  int
}

// Assign runs one assignment cycle: own is this node's current bitfield,
// peers is the active candidate set, totalChunks is the artifact's chunk
// count. The result is a deterministic plan (spec.md P3): identical
// inputs always produce an identical Plan.
func Assign(own *bitfield.Bitfield, totalChunks int, peers []Peer, opts Options) Plan {
	candidates := make([]scoredPeer, 0, len(peers))
	for _, p := range peers {
		if opts.Blacklisted != nil && opts.Blacklisted[p.ID] {
			continue
		}
		needed := bitfield.Needed(own, p.Bitfield)
		sc := score(needed, p.BandwidthBps, p.LatencyMS)
		if needed == 0 {
			continue
		}
		candidates = append(candidates, scoredPeer{peer: p, needed: needed, score: sc})
	}
	// Deterministic order: score descending, tie-break by peer id
	// ascending (spec.md §4.5 "Ties broken by peer id").
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].peer.ID < candidates[j].peer.ID
	})

	maxSlots := opts.maxSlots()
	var totalScore float64
	for _, c := range candidates {
		totalScore += c.score
	}
	assignedSlots := 0
	for i := range candidates {
		c := &candidates[i]
		slots := 1
		if totalScore > 0 {
			slots = int(math.Round(c.score / totalScore * float64(maxSlots)))
			if slots < 1 {
				slots = 1
			}
		}
		if assignedSlots+slots > maxSlots {
			slots = maxSlots - assignedSlots
		}
		c.slots = slots
		assignedSlots += slots
	}

	completion := 0.0
	if totalChunks > 0 {
		completion = float64(own.Popcount()) / float64(totalChunks)
	}
	rarestFirst := completion >= opts.rarestFirstThreshold()

	order := chunkOrder(own, totalChunks, candidates, rarestFirst)

	used := make(map[string]int, len(candidates))

	var assignments []Assignment
	assignedTotal := 0
	for _, idx := range order {
		if assignedTotal >= maxSlots {
			break
		}
		var chosen *scoredPeer
		for i := range candidates {
			c := &candidates[i]
			if !c.peer.Bitfield.Has(idx) {
				continue
			}
			if used[c.peer.ID] >= c.slots {
				continue
			}
			chosen = c
			break
		}
		if chosen == nil {
			continue
		}
		assignments = append(assignments, Assignment{ChunkIndex: idx, PeerID: chosen.peer.ID})
		used[chosen.peer.ID]++
		assignedTotal++
	}

	return Plan{Assignments: assignments, RarestFirst: rarestFirst}
}

// chunkOrder produces the ordered list of chunk indices still needed by
// own, per spec.md §4.5's chunk ordering policy: sequential below the
// rarest-first threshold, rarity-ascending (tie-break by index) at or
// above it.
func chunkOrder(own *bitfield.Bitfield, totalChunks int, candidates []scoredPeer, rarestFirst bool) []int {
	missing := make([]int, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		if !own.Has(i) {
			missing = append(missing, i)
		}
	}
	if !rarestFirst {
		return missing
	}

	rarity := make(map[int]int, len(missing))
	for _, idx := range missing {
		count := 0
		for _, c := range candidates {
			if c.peer.Bitfield.Has(idx) {
				count++
			}
		}
		rarity[idx] = count
	}
	sort.SliceStable(missing, func(i, j int) bool {
		ri, rj := rarity[missing[i]], rarity[missing[j]]
		if ri != rj {
			return ri < rj
		}
		return missing[i] < missing[j]
	})
	return missing
}
