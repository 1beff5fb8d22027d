// Command replicated is the replication-core daemon: it loads
// configuration, opens the relational store and the chunk/sync-queue
// BoltDB files, serves the REST API described in spec.md §6, and runs
// the mesh side of replication — a QUIC listener answering peers'
// direct chunk requests (internal/peertransport), a background driver
// pulling this node's own active sessions forward against whatever peers
// currently hold their missing chunks, a peer-catalog health sweep, and a
// chunk-store garbage collector.
//
// Grounded on daemon/main.go's flag-parsing / observability-bootstrap /
// graceful-shutdown shape, trimmed of the gRPC gateway the teacher wires
// there (no replication-core counterpart, see DESIGN.md) and with the
// QUIC accept loop re-aimed from file-transfer delivery at chunk serving.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/artifactkeeper/replicore/internal/api/server"
	"github.com/artifactkeeper/replicore/internal/assign"
	"github.com/artifactkeeper/replicore/internal/availability"
	"github.com/artifactkeeper/replicore/internal/chunkstore"
	"github.com/artifactkeeper/replicore/internal/config"
	"github.com/artifactkeeper/replicore/internal/identity"
	"github.com/artifactkeeper/replicore/internal/observability"
	"github.com/artifactkeeper/replicore/internal/peercatalog"
	"github.com/artifactkeeper/replicore/internal/peertransport"
	"github.com/artifactkeeper/replicore/internal/queue"
	"github.com/artifactkeeper/replicore/internal/quicutil"
	"github.com/artifactkeeper/replicore/internal/ratelimit"
	"github.com/artifactkeeper/replicore/internal/scheduler"
	"github.com/artifactkeeper/replicore/internal/store"
	"github.com/artifactkeeper/replicore/internal/transfer"
)

func main() {
	restAddr := flag.String("rest-addr", "", "REST API address (overrides REST_ADDRESS)")
	observAddr := flag.String("observ-addr", "", "Observability server address (overrides OBSERV_ADDRESS)")
	peerAddr := flag.String("peer-addr", "", "Peer-transport QUIC address (overrides PEER_ADDRESS)")
	dataDir := flag.String("data-dir", "", "Data directory (overrides REPLICORE_DATA_DIR)")
	flag.Parse()

	if *dataDir != "" {
		os.Setenv("REPLICORE_DATA_DIR", *dataDir)
	}
	cfg := config.LoadFromEnv()
	if *restAddr != "" {
		cfg.RESTAddress = *restAddr
	}
	if *observAddr != "" {
		cfg.ObservAddress = *observAddr
	}
	if *peerAddr != "" {
		cfg.PeerAddress = *peerAddr
	}

	logger := observability.NewLogger("replicore-daemon", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")
	if shutdown, err := observability.InitTracing(context.Background(), "replicore-daemon"); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("replication-core daemon starting")

	if err := cfg.Validate(); err != nil {
		logger.Fatal(err, "invalid configuration")
	}
	for _, dir := range []string{cfg.DataDirectory, cfg.KeysDirectory} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal(err, "failed to create data directory")
		}
	}

	keyPair, err := identity.LoadOrGenerate(filepath.Join(cfg.KeysDirectory, "node.key"))
	if err != nil {
		logger.Fatal(err, "failed to load or generate node identity")
	}
	logger.Info("node identity ready: " + keyPair.Fingerprint())

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal(err, "failed to open replication-core database")
	}
	defer db.Close()

	chunks, err := chunkstore.Open(cfg.ChunkStorePath)
	if err != nil {
		logger.Fatal(err, "failed to open chunk store")
	}
	defer chunks.Close()

	avail := availability.New(db.SQL)
	catalog := peercatalog.New(db.SQL)
	srv := server.New(db, avail, catalog, chunks, keyPair.Private)

	syncQueue, err := queue.Open(cfg.QueuePath)
	if err != nil {
		logger.Fatal(err, "failed to open sync-task queue")
	}
	defer syncQueue.Close()

	coordinator := scheduler.NewCoordinator(db.SQL, srv.Sessions, syncQueue)
	edgeLimiters := newEdgeLimiters(db.SQL)

	peerCertPEM, peerKeyPEM, err := quicutil.LoadOrGenerateCert(
		filepath.Join(cfg.KeysDirectory, "peer-cert.pem"),
		filepath.Join(cfg.KeysDirectory, "peer-key.pem"),
	)
	if err != nil {
		logger.Fatal(err, "failed to load or generate peer-transport TLS identity")
	}
	peerTLS, err := quicutil.MakeTLSConfig(peerCertPEM, peerKeyPEM)
	if err != nil {
		logger.Fatal(err, "failed to build peer-transport TLS config")
	}
	peerServer := peertransport.NewServer(chunks, logger)
	if err := peerServer.Listen(cfg.PeerAddress, peerTLS); err != nil {
		logger.Fatal(err, "failed to open peer-transport QUIC listener")
	}
	peerDialer := peertransport.NewDialer(peertransport.SQLResolver(db.SQL), quicutil.MakeClientTLSConfig())
	defer peerDialer.Close()

	meshCtx, stopMesh := context.WithCancel(context.Background())
	defer stopMesh()

	driver := transfer.NewDriver(
		srv.Sessions,
		srv.Manifest,
		avail,
		catalog,
		func(artifactID string) transfer.Fetcher { return peerDialer.ForArtifact(artifactID) },
		keyPair.Private,
		cfg.MaxBackoffSecs,
		0, // DefaultDriverInterval
		assign.Options{
			MaxConcurrentChunkDownloads: cfg.MaxConcurrentChunkDownloads,
			RarestFirstThreshold:        cfg.RarestFirstThreshold,
		},
	)
	driver.Gate = coordinator.Gate
	driver.LimiterFor = edgeLimiters.forEdge
	driver.SyncWindowFor = windowForEdge(db.SQL)

	healthChecker.RegisterCheck("database", observability.DatabaseCheck(db.SQL))
	healthChecker.RegisterCheck("keystore", observability.KeystoreCheck(keyPair != nil))
	healthChecker.RegisterCheck("rest_listener", observability.RESTListenerCheck(cfg.RESTAddress))
	healthChecker.RegisterCheck("chunk_store", observability.ChunkStoreCheck(func() error {
		chunks.Has("__healthcheck__", 0)
		return nil
	}))

	mux := http.NewServeMux()
	srv.RegisterHTTP(mux)
	apiServer := &http.Server{Addr: cfg.RESTAddress, Handler: mux}

	go func() {
		logger.Info("REST API listening on " + cfg.RESTAddress)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "REST API server error")
		}
	}()

	go func() {
		logger.Info("peer-transport QUIC listener serving on " + cfg.PeerAddress)
		if err := peerServer.Serve(meshCtx); err != nil {
			logger.Error(err, "peer-transport server error")
		}
	}()

	go driver.Run(meshCtx)

	go coordinator.Run(meshCtx, 0, func(err error) {
		logger.Error(err, "scheduler coordinator tick failed")
	})

	go peercatalog.NewHealthLoop(catalog).Run(meshCtx)

	go runChunkGC(meshCtx, chunks, avail, keyPair.Fingerprint(), logger)

	go startObservabilityServer(cfg.ObservAddress, metrics, healthChecker, logger)

	logger.Info("replication-core daemon running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	stopMesh()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Error(err, "REST API shutdown error")
	}
	logger.Info("daemon stopped")
}

const (
	chunkGCInterval  = 30 * time.Minute
	chunkGCRetention = 24 * time.Hour
)

// runChunkGC periodically reclaims chunk bytes this node no longer needs
// to serve: a chunk older than chunkGCRetention survives only if selfID's
// own availability bitmap still has the bit set for its artifact (i.e. a completed or still-active
// session claims it), so cancelled/failed sessions' leftover bytes don't
// accumulate forever. Grounded on daemon/manager/cas_bolt.go's GC(maxAge).
func runChunkGC(ctx context.Context, chunks *chunkstore.Store, avail *availability.Registry, selfID string, logger *observability.Logger) {
	ticker := time.NewTicker(chunkGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := chunks.GC(chunkGCRetention, func(artifactID string, index int) bool {
				row, err := avail.Get(selfID, artifactID, 0)
				if err != nil || row.Bitfield == nil {
					return true // can't confirm safety to delete, keep it
				}
				return row.Bitfield.Has(index)
			})
			if err != nil {
				logger.Error(err, "chunk store GC sweep failed")
				continue
			}
			if removed > 0 {
				logger.Info("chunk store GC reclaimed " + strconv.Itoa(removed) + " chunks")
			}
		}
	}
}

// edgeLimiters caches one ratelimit.TokenBucket per edge so the driver
// doesn't rebuild (and reset) a fresh bucket every tick — a bucket's
// whole purpose is accumulating tokens between fetches.
type edgeLimiters struct {
	db *sql.DB

	mu      sync.Mutex
	buckets map[string]*ratelimit.TokenBucket
}

func newEdgeLimiters(db *sql.DB) *edgeLimiters {
	return &edgeLimiters{db: db, buckets: make(map[string]*ratelimit.TokenBucket)}
}

// forEdge resolves edgeID's configured max_download_bps, returning nil
// (no gate) if the edge has none configured.
func (l *edgeLimiters) forEdge(edgeID string) *ratelimit.TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tb, ok := l.buckets[edgeID]; ok {
		return tb
	}
	var maxBps sql.NullInt64
	if err := l.db.QueryRow(`SELECT max_download_bps FROM edge_nodes WHERE id = ?`, edgeID).Scan(&maxBps); err != nil || !maxBps.Valid || maxBps.Int64 <= 0 {
		l.buckets[edgeID] = nil
		return nil
	}
	tb := ratelimit.NewForEdge(maxBps.Int64)
	l.buckets[edgeID] = tb
	return tb
}

// windowForEdge builds a transfer.SyncWindowFor reading edgeID's
// configured sync window fresh on every call, since a window's "is it
// open" answer changes with wall-clock time rather than once at startup.
func windowForEdge(db *sql.DB) transfer.SyncWindowFor {
	return func(edgeID string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			var start, end, tz sql.NullString
			if err := db.QueryRow(
				`SELECT sync_window_start, sync_window_end, sync_window_tz FROM edge_nodes WHERE id = ?`, edgeID,
			).Scan(&start, &end, &tz); err != nil {
				return nil // edge row missing: treat as no window configured
			}
			w := scheduler.Window{Start: start.String, End: end.String, TZ: tz.String}
			d, err := scheduler.UntilWindowOpens(w, time.Now())
			if err != nil || d <= 0 {
				return nil
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr + " (metrics, health, pprof)")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}
