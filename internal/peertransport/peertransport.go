// Package peertransport implements the direct QUIC peer-to-peer chunk
// fetch path: an edge serving chunks out of its own internal/chunkstore,
// and the client side that dials one peer and pulls a single chunk's
// bytes (spec.md §9 Open Question 2: "transport for actual chunk
// transfer is deployment-dependent (direct peer mesh vs hub-mediated)").
// This package implements the direct-mesh side; transfer.Engine depends
// only on the Fetcher interface, so a hub-mediated HTTP implementation
// could live alongside this one without touching the engine.
//
// Grounded on daemon/transport/quic_connection.go's dial/listen wrapper
// and daemon/transport/chunk_sender.go's stream-framed chunk protocol,
// stripped of session-key AES-256-GCM encryption, FEC, and the Merkle
// completion handshake: spec.md's integrity model is a SHA-256 digest
// check over plaintext bytes (internal/manifest.VerifyChunk), not an
// encrypted session payload, so there is nothing for those layers to
// protect here that the digest check doesn't already cover end to end.
package peertransport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// protocolMagic identifies a peertransport request/response frame on the
// wire, rejecting a stray connection from an unrelated QUIC ALPN user.
const protocolMagic = 0x52504331 // "RPC1"

// statusOK and statusNotFound are the single response-status byte values.
const (
	statusOK       byte = 0x00
	statusNotFound byte = 0x01
)

// maxArtifactIDLen bounds the request's variable-length artifact ID so a
// malformed or hostile peer can't make the reader allocate unbounded memory.
const maxArtifactIDLen = 4096

// maxChunkLen bounds a response payload a server will send, matching the
// largest chunk size a sane deployment would configure
// (CHUNK_SIZE_BYTES, spec.md §6) with headroom for oversized tail chunks.
const maxChunkLen = 64 << 20

var (
	// ErrBadMagic means the peer on the other end of the stream isn't
	// speaking this protocol (wrong port, wrong ALPN, garbled frame).
	ErrBadMagic = errors.New("peertransport: bad protocol magic")
	// ErrChunkNotFound means the serving peer has no bytes for the
	// requested (artifact ID, index) pair in its chunk store.
	ErrChunkNotFound = errors.New("peertransport: chunk not found on peer")
	// ErrRequestTooLarge means a request frame exceeded maxArtifactIDLen.
	ErrRequestTooLarge = errors.New("peertransport: request exceeds size limit")
	// ErrResponseTooLarge means a response frame exceeded maxChunkLen.
	ErrResponseTooLarge = errors.New("peertransport: response exceeds size limit")
)

// request is "fetch chunk N of artifact A", framed as:
//
//	magic(4) | artifactIDLen(2) | artifactID(n) | chunkIndex(4)
func writeRequest(w io.Writer, artifactID string, chunkIndex int) error {
	if len(artifactID) > maxArtifactIDLen {
		return ErrRequestTooLarge
	}
	buf := make([]byte, 4+2+len(artifactID)+4)
	binary.BigEndian.PutUint32(buf[0:4], protocolMagic)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(artifactID)))
	copy(buf[6:6+len(artifactID)], artifactID)
	binary.BigEndian.PutUint32(buf[6+len(artifactID):], uint32(chunkIndex))
	_, err := w.Write(buf)
	return err
}

func readRequest(r io.Reader) (artifactID string, chunkIndex int, err error) {
	var head [6]byte
	if _, err = io.ReadFull(r, head[:]); err != nil {
		return "", 0, err
	}
	if binary.BigEndian.Uint32(head[0:4]) != protocolMagic {
		return "", 0, ErrBadMagic
	}
	idLen := int(binary.BigEndian.Uint16(head[4:6]))
	if idLen > maxArtifactIDLen {
		return "", 0, ErrRequestTooLarge
	}
	rest := make([]byte, idLen+4)
	if _, err = io.ReadFull(r, rest); err != nil {
		return "", 0, err
	}
	artifactID = string(rest[:idLen])
	chunkIndex = int(binary.BigEndian.Uint32(rest[idLen:]))
	return artifactID, chunkIndex, nil
}

// response is "here are the bytes" or "I don't have that chunk", framed as:
//
//	status(1) | [payloadLen(4) | payload(n)]  (payload fields absent on not-found)
func writeResponse(w io.Writer, data []byte, found bool) error {
	if !found {
		_, err := w.Write([]byte{statusNotFound})
		return err
	}
	if len(data) > maxChunkLen {
		return ErrResponseTooLarge
	}
	buf := make([]byte, 1+4+len(data))
	buf[0] = statusOK
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(data)))
	copy(buf[5:], data)
	_, err := w.Write(buf)
	return err
}

func readResponse(r io.Reader) ([]byte, error) {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return nil, err
	}
	switch status[0] {
	case statusNotFound:
		return nil, ErrChunkNotFound
	case statusOK:
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxChunkLen {
			return nil, ErrResponseTooLarge
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		return data, nil
	default:
		return nil, fmt.Errorf("peertransport: unknown response status 0x%02x", status[0])
	}
}
