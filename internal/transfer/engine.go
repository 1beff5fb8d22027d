package transfer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/artifactkeeper/replicore/internal/assign"
	"github.com/artifactkeeper/replicore/internal/availability"
	"github.com/artifactkeeper/replicore/internal/bitfield"
	"github.com/artifactkeeper/replicore/internal/errs"
	"github.com/artifactkeeper/replicore/internal/manifest"
	"github.com/artifactkeeper/replicore/internal/peercatalog"
	"github.com/artifactkeeper/replicore/internal/ratelimit"
)

// Fetcher retrieves one chunk's bytes from a peer. Implementations live
// in internal/peertransport (direct QUIC peer fetch) or a hub-mediated
// HTTP client; spec.md §9 Open Question 2 leaves the transport
// deployment-dependent, so the engine only depends on this interface.
type Fetcher interface {
	FetchChunk(ctx context.Context, peer string, cd manifest.ChunkDescriptor) ([]byte, error)
}

// Engine drives one session's chunks to completion: assignment cycles,
// fetch, per-chunk verification, availability recording, and backoff.
// Grounded on daemon/service/transfer.go's TransferService composition
// (store + identity + chunk size), stripped of its domain-routing
// switches and re-aimed at spec.md §4.6.
type Engine struct {
	Availability *availability.Registry
	Catalog      *peercatalog.Catalog
	Fetcher      Fetcher
	SignerKey    ed25519.PrivateKey
	MaxBackoff   int // seconds; 0 uses DefaultMaxBackoffSecs

	// Limiter gates chunk-fetch initiation on the target edge's
	// per-edge bandwidth budget (spec.md §4.7, §5): a chunk must
	// acquire byte_length tokens before the fetch starts. Nil means no
	// bandwidth gate (e.g. a deployment with no configured max_bps).
	Limiter *ratelimit.TokenBucket

	// SyncWindowWait, if set, blocks until the target edge's sync
	// window is open or ctx is cancelled (spec.md §4.7: "Before
	// starting a chunk fetch, the engine checks the target edge's
	// window ... outside the window, non-P0 transfers sleep until the
	// window opens"). P0 sessions bypass it regardless of whether it's
	// set. Nil means no window configured (always open).
	SyncWindowWait func(ctx context.Context) error
}

// RunCycle executes one assignment-and-fetch cycle for session against
// manifest m, using own as the session's current availability bitfield
// (each verified chunk is persisted via Availability.RecordChunk inside
// fetchAndVerify; own is the caller's in-memory copy).
// It returns the updated bitfield and, once the session is complete, a
// signed CompletionReceipt.
func (e *Engine) RunCycle(ctx context.Context, s *Session, m *manifest.Manifest, own *bitfield.Bitfield, opts assign.Options) (*bitfield.Bitfield, *CompletionReceipt, error) {
	if s.Status() == StatusPending {
		if err := s.TransitionTo(StatusActive, ""); err != nil {
			return own, nil, errs.E("transfer.RunCycle", errs.KindConflictState, err)
		}
	}

	peerConns, err := e.Catalog.PeersOf(s.TargetNode, peercatalog.CandidateFilter{})
	if err != nil {
		return own, nil, errs.E("transfer.RunCycle", errs.KindTransportError, err)
	}

	seeders, err := e.Availability.SeedersOf(s.ArtifactID)
	if err != nil {
		return own, nil, errs.E("transfer.RunCycle", errs.KindTransportError, err)
	}
	liveness := make(map[string]bool, len(peerConns))
	for _, pc := range peerConns {
		liveness[pc.Target] = true
	}

	candidates := make([]assign.Peer, 0, len(seeders))
	metricsByPeer := make(map[string]peercatalog.Connection, len(peerConns))
	for _, pc := range peerConns {
		metricsByPeer[pc.Target] = pc
	}
	for _, seeder := range seeders {
		if seeder.EdgeID == s.TargetNode {
			continue
		}
		if !liveness[seeder.EdgeID] {
			continue
		}
		pc := metricsByPeer[seeder.EdgeID]
		candidates = append(candidates, assign.Peer{
			ID:           seeder.EdgeID,
			Bitfield:     seeder.Bitfield,
			LatencyMS:    pc.LatencyMS,
			BandwidthBps: pc.BandwidthBps,
		})
	}

	if opts.Blacklisted == nil {
		opts.Blacklisted = s.BlacklistSnapshot()
	}
	plan := assign.Assign(own, s.TotalChunks, candidates, opts)

	if len(plan.Assignments) == 0 && len(s.MissingChunks()) > 0 {
		return own, nil, errs.E("transfer.RunCycle", errs.KindResourceExhausted,
			fmt.Errorf("no eligible peer holds any of %d missing chunks", len(s.MissingChunks())))
	}

	for _, a := range plan.Assignments {
		cd := m.Chunks[a.ChunkIndex]
		own, err = e.fetchAndVerify(ctx, s, own, cd, a.PeerID)
		if err != nil {
			var classified *errs.Error
			if !errors.As(err, &classified) {
				return own, nil, errs.E("transfer.RunCycle", errs.KindResourceExhausted, err)
			}
			if classified.Kind == errs.KindResourceExhausted {
				if ferr := s.TransitionTo(StatusFailed, classified.Error()); ferr != nil {
					return own, nil, ferr
				}
				return own, nil, classified
			}
			continue // transport/integrity errors: backoff and reassign next cycle
		}
	}

	if own.IsComplete() {
		if err := s.TransitionTo(StatusCompleted, ""); err != nil {
			return own, nil, errs.E("transfer.RunCycle", errs.KindConflictState, err)
		}
		var receipt *CompletionReceipt
		if e.SignerKey != nil {
			receipt, err = SignReceipt(s, e.SignerKey)
			if err != nil {
				return own, nil, err
			}
		}
		return own, receipt, nil
	}

	return own, nil, nil
}

// fetchAndVerify fetches one chunk, verifies its digest, records it in
// the availability registry on success, and applies backoff/blacklist
// bookkeeping on failure (spec.md §4.6, §7 IntegrityError/TransportError
// recovery policy).
func (e *Engine) fetchAndVerify(ctx context.Context, s *Session, own *bitfield.Bitfield, cd manifest.ChunkDescriptor, peerID string) (*bitfield.Bitfield, error) {
	// P0 (scheduling priority 0) bypasses the sync window entirely
	// (spec.md §4.7: "P0 ignores windows"); every other priority sleeps
	// until the edge's window opens before the fetch is allowed to start.
	if s.SchedulingPriority != 0 && e.SyncWindowWait != nil {
		if err := e.SyncWindowWait(ctx); err != nil {
			return own, errs.E("transfer.fetchAndVerify", errs.KindTransportError, err)
		}
	}
	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx, int(cd.ByteLength)); err != nil {
			return own, errs.E("transfer.fetchAndVerify", errs.KindTransportError, err)
		}
	}

	attempts := s.MarkDownloading(cd.Index, peerID)

	data, err := e.Fetcher.FetchChunk(ctx, peerID, cd)
	if err != nil {
		blacklisted := s.MarkFailed(cd.Index, peerID, err.Error())
		delay := Backoff(attempts, e.MaxBackoff)
		time.Sleep(delay)
		if blacklisted {
			return own, errs.E("transfer.fetchAndVerify", errs.KindTransportError, fmt.Errorf("peer %s blacklisted after repeated failures: %w", peerID, err))
		}
		return own, errs.E("transfer.fetchAndVerify", errs.KindTransportError, err)
	}

	if !manifest.VerifyChunk(cd, data) {
		blacklisted := s.MarkFailed(cd.Index, peerID, "digest mismatch")
		delay := Backoff(attempts, e.MaxBackoff)
		time.Sleep(delay)
		if blacklisted {
			return own, errs.E("transfer.fetchAndVerify", errs.KindIntegrityError, fmt.Errorf("peer %s blacklisted after repeated corrupt chunks", peerID))
		}
		return own, errs.E("transfer.fetchAndVerify", errs.KindIntegrityError, fmt.Errorf("chunk %d digest mismatch from peer %s", cd.Index, peerID))
	}

	available, err := e.Availability.RecordChunk(s.TargetNode, s.ArtifactID, s.TotalChunks, cd.Index)
	if err != nil {
		return own, err
	}
	s.MarkVerified(cd.Index, peerID)

	if err := own.Set(cd.Index); err != nil {
		return own, errs.E("transfer.fetchAndVerify", errs.KindMalformedInput, err)
	}
	_ = available
	return own, nil
}
