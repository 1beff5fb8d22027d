package scheduler

import "sync"

// ActiveSession is the minimal view of an active session the scheduler's
// pre-emption logic needs — just enough to pick a victim, not the full
// transfer.Session state machine.
type ActiveSession struct {
	SessionID string
	Priority  Priority
	StartedAt int64 // unix nanos; used to find the oldest P1 among ties
}

// EdgeConcurrency tracks one edge's active-session slots and implements
// spec.md §4.7's pre-emption rule: "When a P0 arrives and counters are
// saturated, it pauses the lowest-priority active session on that edge
// (first P2, then oldest P1)."
//
// Grounded on daemon/transport/scheduler.go's per-connection slot
// bookkeeping, generalized from QUIC stream slots to transfer-session
// slots keyed by edge.
type EdgeConcurrency struct {
	mu          sync.Mutex
	maxSlots    int
	active      map[string]ActiveSession // sessionID -> session
	pausedOrder []string                 // paused session IDs, resume order (FIFO)
}

// NewEdgeConcurrency builds a tracker bounded by maxConcurrency.
func NewEdgeConcurrency(maxConcurrency int) *EdgeConcurrency {
	return &EdgeConcurrency{maxSlots: maxConcurrency, active: make(map[string]ActiveSession)}
}

// TryStart attempts to occupy a slot for s. If slots are saturated and s
// is P0, it pre-empts the lowest-priority active session and returns its
// ID as pausedSessionID so the caller can pause it; ok is false only when
// no slot is available and no session could be pre-empted (s is not P0,
// or nothing is saturating that outranks it).
func (c *EdgeConcurrency) TryStart(s ActiveSession) (pausedSessionID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.active) < c.maxSlots {
		c.active[s.SessionID] = s
		return "", true
	}
	if s.Priority != P0Immediate {
		return "", false
	}

	victim, found := lowestPriorityVictim(c.active)
	if !found {
		return "", false
	}
	delete(c.active, victim.SessionID)
	c.pausedOrder = append(c.pausedOrder, victim.SessionID)
	c.active[s.SessionID] = s
	return victim.SessionID, true
}

// lowestPriorityVictim picks P2 over P1 (P0 is never a pre-emption
// target since only P0 pre-empts); among same-priority candidates picks
// the oldest by StartedAt.
func lowestPriorityVictim(active map[string]ActiveSession) (ActiveSession, bool) {
	var victim ActiveSession
	found := false
	for _, s := range active {
		if s.Priority == P0Immediate {
			continue
		}
		if !found {
			victim, found = s, true
			continue
		}
		if s.Priority > victim.Priority || (s.Priority == victim.Priority && s.StartedAt < victim.StartedAt) {
			victim = s
		}
	}
	return victim, found
}

// Finish releases sessionID's slot, clearing room for the next paused
// session to resume (spec.md §4.7: "Paused sessions resume when a slot
// frees and are never dropped to failed due to pre-emption").
func (c *EdgeConcurrency) Finish(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, sessionID)
}

// NextPaused pops the oldest paused session, if any, for the caller to
// resume into a freed slot.
func (c *EdgeConcurrency) NextPaused() (sessionID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pausedOrder) == 0 {
		return "", false
	}
	sessionID = c.pausedOrder[0]
	c.pausedOrder = c.pausedOrder[1:]
	return sessionID, true
}

// ActiveCount returns the number of currently occupied slots.
func (c *EdgeConcurrency) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// IsActive reports whether sessionID currently holds a slot.
func (c *EdgeConcurrency) IsActive(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[sessionID]
	return ok
}

// ActiveSessions returns a snapshot of the session IDs currently holding
// a slot, for a coordinator to reconcile against each session's actual
// terminal/non-terminal status.
func (c *EdgeConcurrency) ActiveSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.active))
	for id := range c.active {
		out = append(out, id)
	}
	return out
}
