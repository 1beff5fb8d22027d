package transfer

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/artifactkeeper/replicore/internal/assign"
	"github.com/artifactkeeper/replicore/internal/availability"
	"github.com/artifactkeeper/replicore/internal/bitfield"
	"github.com/artifactkeeper/replicore/internal/manifest"
	"github.com/artifactkeeper/replicore/internal/peercatalog"
	"github.com/artifactkeeper/replicore/internal/ratelimit"
)

// LimiterFor resolves the per-edge bandwidth token bucket for edgeID, or
// nil if that edge has no configured bandwidth limit.
type LimiterFor func(edgeID string) *ratelimit.TokenBucket

// SyncWindowFor resolves a blocking gate that waits until edgeID's sync
// window is open (or ctx is cancelled), or nil if edgeID has no
// configured window (always open). Kept as a plain function type rather
// than importing internal/scheduler's Window directly so this package
// never depends on the scheduler that in turn depends on it for session
// lifecycle (internal/scheduler.Coordinator) — the caller wiring Driver
// together is the one place both packages meet.
type SyncWindowFor func(edgeID string) func(ctx context.Context) error

// ManifestLookup resolves a session's chunk manifest, e.g.
// api/server.Server.Manifest.
type ManifestLookup func(sessionID string) (*manifest.Manifest, bool)

// FetcherFor builds a Fetcher scoped to one artifact's transfer, e.g.
// (*peertransport.Dialer).ForArtifact. Engine's Fetcher interface has no
// artifact ID of its own (a chunk descriptor only carries its index and
// digest), so a direct-mesh implementation binds the artifact once per
// session rather than threading it through every FetchChunk call.
type FetcherFor func(artifactID string) Fetcher

// Driver periodically runs an assignment-and-fetch cycle for every
// active session, the proactive mesh-replication half of spec.md's
// transfer model: an edge node doesn't only answer a hub's REST-mediated
// pull, it also drives its own sessions forward against whatever peers
// currently hold the missing chunks (spec.md §4.6's assignment cycle,
// §9 Open Question 2's "direct peer mesh" deployment mode).
//
// Grounded on daemon/service/dtn_worker.go's supervised-ticking-goroutine
// shape, re-aimed from DTN store-and-forward delivery at the replication
// engine's assignment cycle. A fresh Engine is built per session per
// tick (Availability/Catalog/SignerKey/MaxBackoff are shared, Fetcher is
// session-specific) since Engine itself holds no per-session state
// beyond what RunCycle's parameters already carry.
type Driver struct {
	Sessions      *SessionStore
	Manifests     ManifestLookup
	Availability  *availability.Registry
	Catalog       *peercatalog.Catalog
	FetcherFor    FetcherFor
	SignerKey     ed25519.PrivateKey
	MaxBackoff    int
	Interval      time.Duration
	AssignOptions assign.Options

	// LimiterFor and SyncWindowFor, if set, back every cycle's
	// bandwidth and sync-window gates (spec.md §4.7, §5). Nil means no
	// gating — the REST-only deployment mode's default.
	LimiterFor    LimiterFor
	SyncWindowFor SyncWindowFor

	// Gate, if set, reports whether s may be driven forward this tick.
	// Wired to internal/scheduler.Coordinator.Gate so a session the
	// coordinator has paused for pre-emption is left untouched until a
	// concurrency slot frees; nil drives every active session (the
	// REST-only deployment, where transfer/init activates a session the
	// instant it's created with no external concurrency coordinator).
	Gate func(s *Session) bool

	mu        sync.Mutex
	bitfields map[string]*bitfield.Bitfield
}

// DefaultDriverInterval is how often Run drives a cycle over every
// active session absent an explicit Interval.
const DefaultDriverInterval = 5 * time.Second

// NewDriver wires a Driver. A zero or negative interval falls back to
// DefaultDriverInterval.
func NewDriver(sessions *SessionStore, manifests ManifestLookup, avail *availability.Registry, catalog *peercatalog.Catalog, fetcherFor FetcherFor, signerKey ed25519.PrivateKey, maxBackoffSecs int, interval time.Duration, opts assign.Options) *Driver {
	if interval <= 0 {
		interval = DefaultDriverInterval
	}
	return &Driver{
		Sessions:      sessions,
		Manifests:     manifests,
		Availability:  avail,
		Catalog:       catalog,
		FetcherFor:    fetcherFor,
		SignerKey:     signerKey,
		MaxBackoff:    maxBackoffSecs,
		Interval:      interval,
		AssignOptions: opts,
		bitfields:     make(map[string]*bitfield.Bitfield),
	}
}

// Run ticks every Interval until ctx is cancelled, driving one
// assignment-and-fetch cycle per active session each tick. It never
// returns an error: a single session's transient failure (peer
// unreachable, digest mismatch) is retried on the next tick, the same
// recovery policy RunCycle documents for its own callers.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one cycle over every currently active session. Exported so
// tests and callers with their own scheduling loop can drive it directly
// instead of waiting out Run's ticker.
func (d *Driver) Tick(ctx context.Context) {
	for _, s := range d.Sessions.Active() {
		if d.Gate != nil && !d.Gate(s) {
			continue
		}
		m, ok := d.Manifests(s.ID)
		if !ok {
			continue
		}
		var limiter *ratelimit.TokenBucket
		if d.LimiterFor != nil {
			limiter = d.LimiterFor(s.TargetNode)
		}
		var waitWindow func(context.Context) error
		if d.SyncWindowFor != nil {
			waitWindow = d.SyncWindowFor(s.TargetNode)
		}
		engine := &Engine{
			Availability:   d.Availability,
			Catalog:        d.Catalog,
			Fetcher:        d.FetcherFor(s.ArtifactID),
			SignerKey:      d.SignerKey,
			MaxBackoff:     d.MaxBackoff,
			Limiter:        limiter,
			SyncWindowWait: waitWindow,
		}
		own := d.bitfieldFor(s)
		updated, _, _ := engine.RunCycle(ctx, s, m, own, d.AssignOptions)
		d.setBitfield(s.ID, updated)
	}
}

func (d *Driver) bitfieldFor(s *Session) *bitfield.Bitfield {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bf, ok := d.bitfields[s.ID]; ok {
		return bf
	}
	bf := bitfield.New(s.TotalChunks)
	d.bitfields[s.ID] = bf
	return bf
}

func (d *Driver) setBitfield(sessionID string, bf *bitfield.Bitfield) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bitfields[sessionID] = bf
}
