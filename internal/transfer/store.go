package transfer

import (
	"sync"

	"github.com/artifactkeeper/replicore/internal/errs"
)

// SessionStore is an in-memory registry of active Sessions keyed by ID,
// plus the (artifact_id, target_node) index the REST init endpoint needs
// to detect "session already exists in a non-terminal state" (spec.md
// §6, 409 on POST .../transfer/init).
//
// Grounded on daemon/manager/store.go's SessionStore, generalized from a
// single global map to also track the per-(artifact,node) uniqueness
// constraint the spec's transfer_sessions table enforces.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byKey    map[string]string // artifactID+"\x00"+targetNode -> session ID
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		byKey:    make(map[string]string),
	}
}

func pairKey(artifactID, targetNode string) string {
	return artifactID + "\x00" + targetNode
}

// Add registers a new session. Returns ConflictState if a session for the
// same (artifact, target) pair already exists in a non-terminal state.
func (s *SessionStore) Add(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey(sess.ArtifactID, sess.TargetNode)
	if existingID, ok := s.byKey[k]; ok {
		if existing, ok := s.sessions[existingID]; ok && !isTerminal(existing.Status()) {
			return errs.E("transfer.SessionStore.Add", errs.KindConflictState, ErrInvalidTransition)
		}
	}
	s.sessions[sess.ID] = sess
	s.byKey[k] = sess.ID
	return nil
}

func isTerminal(st Status) bool {
	return st == StatusCompleted || st == StatusFailed || st == StatusCancelled
}

// Get returns the session with id, or KindNotFound.
func (s *SessionStore) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errs.E("transfer.SessionStore.Get", errs.KindNotFound, nil)
	}
	return sess, nil
}

// ByPair returns the session for (artifactID, targetNode), if any, and
// reports whether one exists regardless of its status.
func (s *SessionStore) ByPair(artifactID, targetNode string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[pairKey(artifactID, targetNode)]
	if !ok {
		return nil, false
	}
	sess, ok := s.sessions[id]
	return sess, ok
}

// Active returns every session not yet in a terminal state, the set a
// mesh-driven fetch loop (Driver) needs to keep cycling.
func (s *SessionStore) Active() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if !isTerminal(sess.Status()) {
			active = append(active, sess)
		}
	}
	return active
}
