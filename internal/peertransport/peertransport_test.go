package peertransport

import (
	"bytes"
	"testing"
)

func TestRequestRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := writeRequest(&buf, "artifact-1", 42); err != nil {
		t.Fatalf("writeRequest: %v", err)
	}
	artifactID, chunkIndex, err := readRequest(&buf)
	if err != nil {
		t.Fatalf("readRequest: %v", err)
	}
	if artifactID != "artifact-1" || chunkIndex != 42 {
		t.Fatalf("readRequest = (%q, %d), want (%q, %d)", artifactID, chunkIndex, "artifact-1", 42)
	}
}

func TestReadRequestRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0, 0, 0})
	if _, _, err := readRequest(buf); err != ErrBadMagic {
		t.Fatalf("readRequest err = %v, want ErrBadMagic", err)
	}
}

func TestResponseRoundTripsFound(t *testing.T) {
	var buf bytes.Buffer
	want := []byte("chunk payload bytes")
	if err := writeResponse(&buf, want, true); err != nil {
		t.Fatalf("writeResponse: %v", err)
	}
	got, err := readResponse(&buf)
	if err != nil {
		t.Fatalf("readResponse: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("readResponse = %q, want %q", got, want)
	}
}

func TestResponseRoundTripsNotFound(t *testing.T) {
	var buf bytes.Buffer
	if err := writeResponse(&buf, nil, false); err != nil {
		t.Fatalf("writeResponse: %v", err)
	}
	if _, err := readResponse(&buf); err != ErrChunkNotFound {
		t.Fatalf("readResponse err = %v, want ErrChunkNotFound", err)
	}
}

func TestWriteRequestRejectsOversizedArtifactID(t *testing.T) {
	var buf bytes.Buffer
	huge := make([]byte, maxArtifactIDLen+1)
	if err := writeRequest(&buf, string(huge), 0); err != ErrRequestTooLarge {
		t.Fatalf("writeRequest err = %v, want ErrRequestTooLarge", err)
	}
}
