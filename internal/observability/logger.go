package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithEdge adds edge_id context to logger.
func (l *Logger) WithEdge(edgeID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("edge_id", edgeID).Logger(),
	}
}

// WithArtifact adds artifact context to logger.
func (l *Logger) WithArtifact(artifactID string, byteSize int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("artifact_id", artifactID).
			Int64("byte_size", byteSize).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// TransferInitiated logs a session opening between an edge and an
// artifact (spec.md §4.1, transfer/init).
func (l *Logger) TransferInitiated(sessionID, artifactID, targetNode string, totalChunks int, priority int) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("artifact_id", artifactID).
		Str("target_node", targetNode).
		Int("total_chunks", totalChunks).
		Int("scheduling_priority", priority).
		Msg("transfer session initiated")
}

// ChunkAssigned logs a chunk handed to a source peer by the assigner
// (spec.md §4.5).
func (l *Logger) ChunkAssigned(sessionID string, chunkIndex int, sourcePeer string) {
	l.logger.Debug().
		Str("session_id", sessionID).
		Int("chunk_index", chunkIndex).
		Str("source_peer", sourcePeer).
		Msg("chunk assigned")
}

// ChunkVerificationFailed logs a chunk that failed digest verification
// (spec.md §4.6, P7).
func (l *Logger) ChunkVerificationFailed(sessionID string, chunkIndex int, sourcePeer, reason string, blacklisted bool) {
	l.logger.Warn().
		Str("session_id", sessionID).
		Int("chunk_index", chunkIndex).
		Str("source_peer", sourcePeer).
		Str("reason", reason).
		Bool("peer_blacklisted", blacklisted).
		Msg("chunk verification failed")
}

// TransferCompleted logs transfer completion.
func (l *Logger) TransferCompleted(sessionID, artifactID string, totalChunks int, duration time.Duration) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("artifact_id", artifactID).
		Int("total_chunks", totalChunks).
		Float64("duration_seconds", duration.Seconds()).
		Msg("transfer completed successfully")
}

// TransferFailed logs a transfer that transitioned to failed.
func (l *Logger) TransferFailed(sessionID, reason string) {
	l.logger.Error().
		Str("session_id", sessionID).
		Str("reason", reason).
		Msg("transfer session failed")
}

// PeerProbeRecorded logs a completed network probe between two edges
// (spec.md §4.4).
func (l *Logger) PeerProbeRecorded(source, target string, latencyMs, bandwidthBps float64) {
	l.logger.Debug().
		Str("source", source).
		Str("target", target).
		Float64("latency_ms", latencyMs).
		Float64("bandwidth_bps", bandwidthBps).
		Msg("peer probe recorded")
}

// PeerUnreachable logs a connection demoted to unreachable after
// repeated probe failures.
func (l *Logger) PeerUnreachable(source, target string, consecutiveFailures int) {
	l.logger.Warn().
		Str("source", source).
		Str("target", target).
		Int("consecutive_failures", consecutiveFailures).
		Msg("peer connection marked unreachable")
}

// SchedulerPreempted logs a lower-priority session paused to free a slot
// for a higher-priority one (spec.md §4.7).
func (l *Logger) SchedulerPreempted(preemptedSessionID, byPriority string) {
	l.logger.Info().
		Str("preempted_session_id", preemptedSessionID).
		Str("preempting_priority", byPriority).
		Msg("session preempted")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
