package peertransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/artifactkeeper/replicore/internal/manifest"
)

// EndpointResolver maps an edge node ID (transfer.Engine's peerID) to the
// host:port its QUIC listener answers on. Grounded on the edge_nodes
// table's endpoint column (internal/store); the REST layer already
// reads/writes that column, so the daemon wires this as a closure over
// its *sql.DB rather than peertransport depending on internal/store
// directly.
type EndpointResolver func(edgeID string) (endpoint string, err error)

// Dialer owns the QUIC connections to peers, reusing one connection per
// endpoint across fetches instead of dialing fresh per chunk. Grounded
// on daemon/transport/quic_connection.go's long-lived QUICConnection
// wrapper, generalized from one connection per transfer session to a
// pool shared across every session a daemon is driving at once.
type Dialer struct {
	Resolve   EndpointResolver
	TLSConfig *tls.Config

	mu    sync.Mutex
	conns map[string]*quic.Conn
}

// NewDialer builds a peer connection pool. tlsConfig is typically
// quicutil.MakeClientTLSConfig() for a mesh of self-signed edges.
func NewDialer(resolve EndpointResolver, tlsConfig *tls.Config) *Dialer {
	return &Dialer{
		Resolve:   resolve,
		TLSConfig: tlsConfig,
		conns:     make(map[string]*quic.Conn),
	}
}

// ForArtifact returns a transfer.Fetcher bound to one artifact, the unit
// transfer.Engine.RunCycle operates on. manifest.ChunkDescriptor carries
// a chunk's index and digest but not its owning artifact ID (that lives
// on the enclosing Manifest), so the scheduler that drives RunCycle for
// a session binds the Fetcher to that session's ArtifactID once, up
// front, rather than threading it through every FetchChunk call.
func (d *Dialer) ForArtifact(artifactID string) *Fetcher {
	return &Fetcher{dialer: d, artifactID: artifactID}
}

func (d *Dialer) connFor(ctx context.Context, peer string) (*quic.Conn, error) {
	d.mu.Lock()
	if c, ok := d.conns[peer]; ok {
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()

	endpoint, err := d.Resolve(peer)
	if err != nil {
		return nil, fmt.Errorf("peertransport: resolve peer %s: %w", peer, err)
	}

	if len(d.TLSConfig.NextProtos) == 0 {
		d.TLSConfig.NextProtos = []string{alpn}
	}
	conn, err := quic.DialAddr(ctx, endpoint, d.TLSConfig, &quic.Config{
		KeepAlivePeriod: defaultKeepAlive,
		MaxIdleTimeout:  defaultIdleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("peertransport: dial %s (%s): %w", peer, endpoint, err)
	}

	d.mu.Lock()
	d.conns[peer] = conn
	d.mu.Unlock()
	return conn, nil
}

func (d *Dialer) forget(peer string) {
	d.mu.Lock()
	delete(d.conns, peer)
	d.mu.Unlock()
}

// Close tears down every cached connection, e.g. on daemon shutdown.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for peer, c := range d.conns {
		if err := c.CloseWithError(0, "dialer closing"); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.conns, peer)
	}
	return firstErr
}

// Fetcher implements transfer.Fetcher for one artifact's transfer
// session, fetching chunk bytes directly from a peer over QUIC.
type Fetcher struct {
	dialer     *Dialer
	artifactID string
}

// FetchChunk dials (or reuses a connection to) peer and pulls one
// chunk's bytes, satisfying transfer.Fetcher.
func (f *Fetcher) FetchChunk(ctx context.Context, peer string, cd manifest.ChunkDescriptor) ([]byte, error) {
	conn, err := f.dialer.connFor(ctx, peer)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		// The cached connection may have gone dead between fetches;
		// drop it so the next call redials instead of failing forever.
		f.dialer.forget(peer)
		return nil, fmt.Errorf("peertransport: open stream to %s: %w", peer, err)
	}
	defer stream.Close()

	if err := writeRequest(stream, f.artifactID, cd.Index); err != nil {
		return nil, fmt.Errorf("peertransport: send request to %s: %w", peer, err)
	}
	data, err := readResponse(stream)
	if err != nil {
		return nil, fmt.Errorf("peertransport: read response from %s: %w", peer, err)
	}
	return data, nil
}
