// Package manifest derives the per-artifact chunk plan from an artifact's
// authoritative size and whole-artifact digest plus a restartable byte
// source, per spec.md §4.2.
//
// Grounded on internal/chunker/chunker.go's ComputeManifest/Chunker, with
// BLAKE3 swapped for SHA-256 (spec.md §3: "All digests are SHA-256" — a
// fixed wire invariant, not a place to keep the teacher's hash choice) and
// the ad hoc Merkle-root field dropped in favor of the spec's explicit
// whole-artifact digest field.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// DefaultChunkSize is CHUNK_SIZE_BYTES's default (spec.md §6).
const DefaultChunkSize = 1048576

// ChunkDescriptor is one chunk's position and digest within an artifact.
type ChunkDescriptor struct {
	Index      int    `json:"index"`
	ByteOffset int64  `json:"byte_offset"`
	ByteLength int64  `json:"byte_length"`
	SHA256     string `json:"sha256"` // hex-encoded
}

// Manifest is the chunk plan for one artifact, matching the wire form in
// spec.md §6 ("Wire: chunk manifest (JSON)").
type Manifest struct {
	SessionID      string            `json:"session_id"`
	ArtifactID     string            `json:"artifact_id"`
	ArtifactSHA256 string            `json:"artifact_sha256"`
	ArtifactSize   int64             `json:"artifact_size"`
	ChunkSize      int64             `json:"chunk_size"`
	TotalChunks    int               `json:"total_chunks"`
	Chunks         []ChunkDescriptor `json:"chunks"`
}

// TotalChunksFor computes ⌈byteSize/chunkSize⌉, the spec.md §3 formula for
// Artifact.total_chunks.
func TotalChunksFor(byteSize, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	n := byteSize / chunkSize
	if byteSize%chunkSize != 0 {
		n++
	}
	if n == 0 {
		n = 1
	}
	return int(n)
}

// ErrDigestMismatch is returned when the streamed bytes' whole digest
// differs from the artifact's expected digest (spec.md §4.2 Failure).
type ErrDigestMismatch struct {
	Expected string
	Computed string
}

func (e *ErrDigestMismatch) Error() string {
	return fmt.Sprintf("manifest: whole-artifact digest mismatch: expected %s, computed %s", e.Expected, e.Computed)
}

// Build streams src exactly once, computing per-chunk SHA-256 digests and
// the whole-artifact SHA-256 digest incrementally (never buffering the
// whole artifact in memory, per spec.md §9's streaming-I/O design note),
// and returns the deterministic manifest described in spec.md §4.2.
//
// byteSize and expectedDigest (hex-encoded SHA-256) are the registry's
// authoritative values for the artifact; Build aborts with
// *ErrDigestMismatch before returning any chunk descriptors if the bytes
// read from src don't match.
func Build(artifactID string, byteSize int64, expectedDigestHex string, chunkSize int64, src io.Reader) (*Manifest, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	totalChunks := TotalChunksFor(byteSize, chunkSize)

	whole := sha256.New()
	chunks := make([]ChunkDescriptor, 0, totalChunks)

	buf := make([]byte, chunkSize)
	var offset int64
	for idx := 0; ; idx++ {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			whole.Write(buf[:n])
			chunkHash := sha256.Sum256(buf[:n])
			chunks = append(chunks, ChunkDescriptor{
				Index:      idx,
				ByteOffset: offset,
				ByteLength: int64(n),
				SHA256:     hex.EncodeToString(chunkHash[:]),
			})
			offset += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("manifest: source read error: %w", readErr)
		}
	}

	// Degenerate zero-byte artifact still gets exactly one (empty) chunk,
	// matching total_chunks = max(⌈0/chunkSize⌉, 1) above.
	if byteSize == 0 && len(chunks) == 0 {
		emptyHash := sha256.Sum256(nil)
		chunks = append(chunks, ChunkDescriptor{Index: 0, ByteOffset: 0, ByteLength: 0, SHA256: hex.EncodeToString(emptyHash[:])})
	}

	computedDigest := hex.EncodeToString(whole.Sum(nil))
	if computedDigest != expectedDigestHex {
		return nil, &ErrDigestMismatch{Expected: expectedDigestHex, Computed: computedDigest}
	}

	if len(chunks) != totalChunks {
		return nil, fmt.Errorf("manifest: streamed %d chunks, expected %d for byte_size=%d chunk_size=%d", len(chunks), totalChunks, byteSize, chunkSize)
	}

	return &Manifest{
		SessionID:      uuid.New().String(),
		ArtifactID:     artifactID,
		ArtifactSHA256: expectedDigestHex,
		ArtifactSize:   byteSize,
		ChunkSize:      chunkSize,
		TotalChunks:    totalChunks,
		Chunks:         chunks,
	}, nil
}

// VerifyChunk reports whether data's SHA-256 digest matches the chunk
// descriptor's recorded digest.
func VerifyChunk(cd ChunkDescriptor, data []byte) bool {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == cd.SHA256
}

// VerifyWhole reports whether the concatenation digest of all chunks (in
// index order, already hashed incrementally by the caller) matches the
// manifest's artifact digest — spec.md invariant I3's second conjunct.
func VerifyWhole(m *Manifest, wholeDigestHex string) bool {
	return m.ArtifactSHA256 == wholeDigestHex
}
