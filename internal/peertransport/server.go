package peertransport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/artifactkeeper/replicore/internal/chunkstore"
	"github.com/artifactkeeper/replicore/internal/observability"
)

const (
	defaultKeepAlive  = 10 * time.Second
	defaultIdleTimeout = 60 * time.Second

	// alpn is the QUIC ALPN protocol ID the mesh dials and listens under.
	// Grounded on the teacher's quic_send/quic_recv/relay convention of
	// stamping NextProtos onto a shared TLS config at the call site
	// (backend/cmd/quic_recv/main.go sets "quantarax-quic"); applied
	// here as a default so a caller's tls.Config doesn't need to know
	// this package's wire identity.
	alpn = "replicore-peer/1"
)

// Server accepts QUIC connections from peers and answers chunk requests
// out of a local chunkstore.Store, the direct-mesh half of spec.md §9
// Open Question 2. Grounded on daemon/transport/quic_connection.go's
// QUICListener/Accept loop and chunk_receiver.go's AcceptAndProcessStreams
// per-stream dispatch, with the session-key decrypt/Merkle-verify
// pipeline dropped: a served chunk is whatever internal/chunkstore holds,
// and the requester verifies it against the manifest digest itself
// (internal/manifest.VerifyChunk), same as a hub-mediated REST fetch
// would.
type Server struct {
	Chunks *chunkstore.Store
	Logger *observability.Logger

	listener *quic.Listener
}

// NewServer wires a Server against the local chunk store.
func NewServer(chunks *chunkstore.Store, logger *observability.Logger) *Server {
	return &Server{Chunks: chunks, Logger: logger}
}

// Listen opens the QUIC listener on addr without serving yet, so a
// caller that bound to addr "host:0" can read back the picked port via
// Addr before accepting connections.
func (s *Server) Listen(addr string, tlsConfig *tls.Config) error {
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{alpn}
	}
	listener, err := quic.ListenAddr(addr, tlsConfig, &quic.Config{
		KeepAlivePeriod: defaultKeepAlive,
		MaxIdleTimeout:  defaultIdleTimeout,
	})
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

// Addr returns the listener's bound address. Listen must be called first.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled or Close is called.
// Listen must be called first.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(conn)
	}
}

// ListenAndServe is the convenience composition of Listen and Serve for
// a caller that doesn't need the bound address ahead of time. The daemon
// entrypoint does not use it; it calls Listen and Serve separately.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	if err := s.Listen(addr, tlsConfig); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) serveConn(conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(conn.Context())
		if err != nil {
			return
		}
		go s.serveStream(stream)
	}
}

func (s *Server) serveStream(stream *quic.Stream) {
	defer stream.Close()

	artifactID, chunkIndex, err := readRequest(stream)
	if err != nil {
		if s.Logger != nil && !errors.Is(err, io.EOF) {
			s.Logger.Warn("peertransport: malformed request: " + err.Error())
		}
		return
	}

	data, ok, err := s.Chunks.Get(artifactID, chunkIndex)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error(err, "peertransport: chunk store read failed")
		}
		return
	}

	if writeErr := writeResponse(stream, data, ok); writeErr != nil && s.Logger != nil {
		s.Logger.Warn("peertransport: failed to write response: " + writeErr.Error())
	}
}
