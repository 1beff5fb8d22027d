// Package transfer implements the transfer session engine (spec.md
// §4.6): per-(artifact, target_node) state machines that drive chunk
// fetch orchestration, digest verification, backoff, and session-scoped
// peer blacklisting to completion.
//
// Grounded on daemon/manager/session.go's Session/TransferState/
// TransitionTo pattern (explicit validTransitions map, mutex-guarded
// state field), generalized from send/receive file transfer states to
// spec.md §3's TransferSession lifecycle including the explicit-retry
// failed->pending edge and a cancelled terminal state.
package transfer

import (
	"errors"
	"sync"
	"time"
)

// Status mirrors spec.md §3 TransferSession.status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrInvalidTransition is returned by TransitionTo for a disallowed edge.
var ErrInvalidTransition = errors.New("transfer: invalid state transition")

// validTransitions enumerates every allowed edge in the session state
// machine. failed->pending exists only via explicit retry (Retry), never
// via TransitionTo, so it is intentionally absent here.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusCancelled, StatusFailed},
	StatusActive:    {StatusCompleted, StatusFailed, StatusCancelled, StatusPending}, // pending: pre-emption pause
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// ChunkStatus is one chunk's lifecycle tag (spec.md §9's tagged-variant
// design note).
type ChunkStatus string

const (
	ChunkPending     ChunkStatus = "pending"
	ChunkDownloading ChunkStatus = "downloading"
	ChunkVerified    ChunkStatus = "verified"
	ChunkFailed      ChunkStatus = "failed"
)

// ChunkState is one chunk's full lifecycle record within a session.
type ChunkState struct {
	Index      int
	Status     ChunkStatus
	SourcePeer string
	Attempts   int
	LastError  string
	UpdatedAt  time.Time
}

// Session is an in-memory, mutex-guarded transfer session matching
// spec.md §3's TransferSession entity. Sessions live only in memory
// (SessionStore); nothing writes them to the transfer_sessions table.
// Session itself only enforces the state machine and chunk bookkeeping.
type Session struct {
	ID                 string
	ArtifactID         string
	TargetNode         string
	TotalChunks        int
	ChunkSize          int64
	ArtifactDigest     string
	SchedulingPriority int
	CreatedAt          time.Time
	CompletedAt        time.Time
	ErrorMessage       string
	Attempts           int

	mu         sync.Mutex
	status     Status
	chunks     map[int]*ChunkState
	blacklist  map[string]bool
	failureCtr map[string]int // consecutive failures per peer, this session only
}

// New creates a pending session with every chunk initialized to pending,
// spec.md §3 "created en-masse when session opens."
func New(id, artifactID, targetNode string, totalChunks int, chunkSize int64, artifactDigest string, priority int) *Session {
	chunks := make(map[int]*ChunkState, totalChunks)
	now := time.Now()
	for i := 0; i < totalChunks; i++ {
		chunks[i] = &ChunkState{Index: i, Status: ChunkPending, UpdatedAt: now}
	}
	return &Session{
		ID:                 id,
		ArtifactID:         artifactID,
		TargetNode:         targetNode,
		TotalChunks:        totalChunks,
		ChunkSize:          chunkSize,
		ArtifactDigest:     artifactDigest,
		SchedulingPriority: priority,
		CreatedAt:          now,
		status:             StatusPending,
		chunks:             chunks,
		blacklist:          make(map[string]bool),
		failureCtr:         make(map[string]int),
	}
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// TransitionTo moves the session to newState if the edge is valid.
func (s *Session) TransitionTo(newState Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(newState, errMsg)
}

func (s *Session) transitionLocked(newState Status, errMsg string) error {
	for _, allowed := range validTransitions[s.status] {
		if allowed == newState {
			s.status = newState
			if errMsg != "" {
				s.ErrorMessage = errMsg
			}
			if newState == StatusCompleted {
				s.CompletedAt = time.Now()
			}
			return nil
		}
	}
	return ErrInvalidTransition
}

// Retry resets a failed session back to pending for a fresh attempt
// (spec.md §3: "terminal states are sticky except failed -> pending on
// explicit retry"). Verified chunks and availability state are untouched
// — only the session's own status/error are reset.
func (s *Session) Retry() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusFailed {
		return ErrInvalidTransition
	}
	s.status = StatusPending
	s.ErrorMessage = ""
	s.Attempts++
	s.blacklist = make(map[string]bool)
	s.failureCtr = make(map[string]int)
	return nil
}

// ChunkState returns a copy of the chunk's current state.
func (s *Session) ChunkState(index int) (ChunkState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[index]
	if !ok {
		return ChunkState{}, false
	}
	return *c, true
}

// MarkDownloading transitions chunk index to downloading from peer and
// returns the chunk's attempt count after this call (its first attempt
// returns 1), so callers can compute per-chunk backoff without a second
// lookup.
func (s *Session) MarkDownloading(index int, peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chunks[index]
	if c == nil {
		return 0
	}
	c.Status = ChunkDownloading
	c.SourcePeer = peer
	c.Attempts++
	c.UpdatedAt = time.Now()
	return c.Attempts
}

// consecutiveChunkFailureBlacklistThreshold is spec.md §4.6 / §9's
// session-scoped blacklist trigger.
const consecutiveChunkFailureBlacklistThreshold = 3

// MarkVerified transitions chunk index to verified. Returns true if this
// call completed every chunk in the session (caller still must check the
// whole-artifact digest before transitioning the session itself).
func (s *Session) MarkVerified(index int, peer string) (allChunksVerified bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chunks[index]
	if c == nil {
		return false
	}
	c.Status = ChunkVerified
	c.SourcePeer = peer
	c.UpdatedAt = time.Now()
	delete(s.failureCtr, peer) // I4: consecutive_failures resets on success

	for _, c := range s.chunks {
		if c.Status != ChunkVerified {
			return false
		}
	}
	return true
}

// MarkFailed transitions chunk index to failed and bumps the per-peer
// consecutive failure counter, blacklisting peer for this session after
// three in a row (spec.md §4.6, P7).
func (s *Session) MarkFailed(index int, peer, reason string) (blacklisted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chunks[index]
	if c != nil {
		c.Status = ChunkFailed
		c.LastError = reason
		c.UpdatedAt = time.Now()
	}
	s.failureCtr[peer]++
	if s.failureCtr[peer] >= consecutiveChunkFailureBlacklistThreshold {
		s.blacklist[peer] = true
		return true
	}
	return false
}

// IsBlacklisted reports whether peer is excluded from this session.
func (s *Session) IsBlacklisted(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blacklist[peer]
}

// BlacklistSnapshot returns a snapshot of the session-scoped blacklist, keyed by
// peer ID — for handing to the assigner as Options.Blacklisted.
func (s *Session) BlacklistSnapshot() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.blacklist))
	for k, v := range s.blacklist {
		out[k] = v
	}
	return out
}

// MissingChunks returns the ascending indices of chunks not yet verified.
func (s *Session) MissingChunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for i := 0; i < s.TotalChunks; i++ {
		if s.chunks[i].Status != ChunkVerified {
			out = append(out, i)
		}
	}
	return out
}

// VerifiedCount returns the number of chunks currently verified.
func (s *Session) VerifiedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.chunks {
		if c.Status == ChunkVerified {
			n++
		}
	}
	return n
}
