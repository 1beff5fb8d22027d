package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/artifactkeeper/replicore/internal/queue"
	"github.com/artifactkeeper/replicore/internal/transfer"
)

// DefaultCoordinatorInterval is how often Run drives a Tick absent an
// explicit interval.
const DefaultCoordinatorInterval = 10 * time.Second

// drainBatchSize bounds how many queued tasks one Tick attempts to start,
// the same failure-isolation concern as spec.md §4.7's "scheduler never
// blocks on a single session": a saturated edge re-queues its overflow
// rather than spinning the whole batch through repeated failed TryStarts.
const drainBatchSize = 32

// Coordinator is the running scheduler spec.md §4.7 describes: it
// resolves effective priority for every sync-enabled (edge, repo)
// assignment, enqueues P0 (immediate) and cron-due P1 work into the
// durable sync-task queue, and drains that queue against each edge's
// concurrency budget — pre-empting a lower-priority session when a P0
// arrives saturated, and resuming paused sessions as slots free.
//
// Grounded on daemon/service/dtn_worker.go's ticking-coordinator shape
// (periodic scan, no blocking on a single unit of work), generalized from
// DTN store-and-forward delivery to replication-session scheduling, with
// daemon/transport/scheduler.go's per-connection slot bookkeeping now
// backing per-edge concurrency via EdgeConcurrency.
type Coordinator struct {
	DB       *sql.DB
	Sessions *transfer.SessionStore
	Queue    *queue.Queue

	mu          sync.Mutex
	concurrency map[string]*EdgeConcurrency
	managed     map[string]bool // session IDs this coordinator created
}

// NewCoordinator wires a Coordinator against the shared relational store,
// the in-memory session registry, and the durable sync-task queue.
func NewCoordinator(db *sql.DB, sessions *transfer.SessionStore, q *queue.Queue) *Coordinator {
	return &Coordinator{
		DB:          db,
		Sessions:    sessions,
		Queue:       q,
		concurrency: make(map[string]*EdgeConcurrency),
		managed:     make(map[string]bool),
	}
}

// Run ticks the coordinator every interval until ctx is cancelled. A
// zero or negative interval falls back to DefaultCoordinatorInterval.
// onErr, if non-nil, is called with any error a Tick returns; Run itself
// never stops on one, the same failure-isolation stance §4.7 requires of
// the scheduler.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration, onErr func(error)) {
	if interval <= 0 {
		interval = DefaultCoordinatorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Tick(time.Now()); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}

// Tick runs one full scheduling pass: reconcile freed concurrency slots,
// scan assignments for due P0/P1 work, and drain the queue against
// whatever concurrency is now available.
func (c *Coordinator) Tick(now time.Time) error {
	c.reconcile()
	if err := c.scan(now); err != nil {
		return err
	}
	return c.drain(now)
}

// Gate reports whether s may be driven forward this tick. Sessions this
// coordinator never started (e.g. the REST surface's transfer/init,
// which activates a session the instant it's created) always return
// true — this coordinator only throttles the sessions it is itself
// responsible for admitting.
func (c *Coordinator) Gate(s *transfer.Session) bool {
	c.mu.Lock()
	isManaged := c.managed[s.ID]
	c.mu.Unlock()
	if !isManaged {
		return true
	}
	return c.concurrencyFor(s.TargetNode).IsActive(s.ID)
}

func (c *Coordinator) concurrencyFor(edgeID string) *EdgeConcurrency {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ec, ok := c.concurrency[edgeID]; ok {
		return ec
	}
	maxConcurrency := 4
	var n int
	if err := c.DB.QueryRow(`SELECT max_concurrency FROM edge_nodes WHERE id = ?`, edgeID).Scan(&n); err == nil && n > 0 {
		maxConcurrency = n
	}
	ec := NewEdgeConcurrency(maxConcurrency)
	c.concurrency[edgeID] = ec
	return ec
}

// reconcile releases concurrency slots held by sessions that turned
// terminal since the last tick and resumes the oldest paused session
// into any slot that frees (spec.md §4.7: "Paused sessions resume when a
// slot frees and are never dropped to failed due to pre-emption").
func (c *Coordinator) reconcile() {
	c.mu.Lock()
	edges := make([]string, 0, len(c.concurrency))
	for edgeID := range c.concurrency {
		edges = append(edges, edgeID)
	}
	c.mu.Unlock()

	for _, edgeID := range edges {
		ec := c.concurrencyFor(edgeID)
		for _, sessionID := range ec.ActiveSessions() {
			sess, err := c.Sessions.Get(sessionID)
			if err != nil || isTerminalStatus(sess.Status()) {
				ec.Finish(sessionID)
				c.resumeNext(ec)
			}
		}
	}
}

func (c *Coordinator) resumeNext(ec *EdgeConcurrency) {
	sessionID, ok := ec.NextPaused()
	if !ok {
		return
	}
	sess, err := c.Sessions.Get(sessionID)
	if err != nil {
		return // stale entry: the session is gone, the slot stays free for drain
	}
	priority := priorityFromScheduling(sess.SchedulingPriority)
	if _, ok := ec.TryStart(ActiveSession{SessionID: sessionID, Priority: priority, StartedAt: time.Now().UnixNano()}); ok {
		sess.TransitionTo(transfer.StatusActive, "")
	}
}

func isTerminalStatus(st transfer.Status) bool {
	return st == transfer.StatusCompleted || st == transfer.StatusFailed || st == transfer.StatusCancelled
}

type assignmentRow struct {
	EdgeID           string
	RepoID           string
	PriorityOverride sql.NullInt64
	DefaultPriority  int
	Schedule         sql.NullString
	LastReplicated   sql.NullTime
}

// scan resolves effective priority for every sync-enabled assignment and
// enqueues due work (spec.md §4.7's "On every publish event and on a
// periodic scan"). This build has no publish-event bus (artifact
// registration is out of scope, see DESIGN.md), so the periodic scan is
// the sole trigger; P0 is therefore re-evaluated, not just cron-fired,
// on every tick.
func (c *Coordinator) scan(now time.Time) error {
	rows, err := c.DB.Query(`
		SELECT edge_id, repo_id, priority_override, repo_default_priority, schedule, last_replicated_at
		FROM repo_assignments WHERE sync_enabled = 1`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var assignments []assignmentRow
	for rows.Next() {
		var a assignmentRow
		if err := rows.Scan(&a.EdgeID, &a.RepoID, &a.PriorityOverride, &a.DefaultPriority, &a.Schedule, &a.LastReplicated); err != nil {
			return err
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, a := range assignments {
		effective := Priority(a.DefaultPriority)
		if a.PriorityOverride.Valid {
			p := Priority(a.PriorityOverride.Int64)
			effective = Resolve(&p, effective)
		}

		switch effective {
		case P3LocalOnly:
			continue
		case P2OnDemand:
			continue // no scheduler enqueue; requests originate from the edge's pull API
		case P0Immediate:
			if err := c.enqueuePending(a.EdgeID, a.RepoID, effective, now); err != nil {
				return err
			}
		case P1Scheduled:
			schedule := ""
			if a.Schedule.Valid {
				schedule = a.Schedule.String
			}
			var last time.Time // never replicated: the first scheduled fire is already due
			if a.LastReplicated.Valid {
				last = a.LastReplicated.Time
			}
			fire, err := NextFire(schedule, last)
			if err != nil {
				return err
			}
			if fire.After(now) {
				continue
			}
			if err := c.enqueuePending(a.EdgeID, a.RepoID, effective, now); err != nil {
				return err
			}
			if _, err := c.DB.Exec(
				`UPDATE repo_assignments SET last_replicated_at = ? WHERE edge_id = ? AND repo_id = ?`,
				now, a.EdgeID, a.RepoID,
			); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Coordinator) enqueuePending(edgeID, repoID string, priority Priority, now time.Time) error {
	rows, err := c.DB.Query(`SELECT id FROM artifacts WHERE repo_id = ?`, repoID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var artifactIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		artifactIDs = append(artifactIDs, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, artifactID := range artifactIDs {
		if !c.needsSession(artifactID, edgeID) {
			continue
		}
		task := queue.Task{
			ID:         uuid.New().String(),
			Priority:   priority.SchedulingPriority(),
			EnqueuedAt: now,
			EdgeID:     edgeID,
			ArtifactID: artifactID,
		}
		if err := c.Queue.Enqueue(task); err != nil {
			return err
		}
	}
	return nil
}

// needsSession reports whether (artifactID, edgeID) has no session
// already in flight or completed — the dedup check that keeps a periodic
// scan from re-enqueuing the same pair every tick.
func (c *Coordinator) needsSession(artifactID, edgeID string) bool {
	sess, ok := c.Sessions.ByPair(artifactID, edgeID)
	if !ok {
		return true
	}
	switch sess.Status() {
	case transfer.StatusCompleted:
		return false
	case transfer.StatusFailed, transfer.StatusCancelled:
		return true
	default:
		return false // pending/active: already in flight
	}
}

// drain pulls up to drainBatchSize tasks off the durable queue and
// attempts to admit each against its edge's concurrency budget.
func (c *Coordinator) drain(now time.Time) error {
	tasks, err := c.Queue.DequeueBatch(drainBatchSize)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := c.start(t, now); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) start(t queue.Task, now time.Time) error {
	if !c.needsSession(t.ArtifactID, t.EdgeID) {
		return nil // superseded since enqueue
	}

	var chunkSize int64
	var totalChunks int
	var digest string
	err := c.DB.QueryRow(
		`SELECT chunk_size, total_chunks, whole_digest FROM artifacts WHERE id = ?`, t.ArtifactID,
	).Scan(&chunkSize, &totalChunks, &digest)
	if err == sql.ErrNoRows {
		return nil // artifact deleted since enqueue
	}
	if err != nil {
		return err
	}

	ec := c.concurrencyFor(t.EdgeID)
	priority := priorityFromScheduling(t.Priority)
	victim, ok := ec.TryStart(ActiveSession{SessionID: t.ID, Priority: priority, StartedAt: now.UnixNano()})
	if !ok {
		return c.Queue.Enqueue(t) // no slot yet; try again next tick
	}
	if victim != "" {
		if vs, err := c.Sessions.Get(victim); err == nil {
			vs.TransitionTo(transfer.StatusPending, "pre-empted by higher-priority session")
		}
	}

	sess := transfer.New(t.ID, t.ArtifactID, t.EdgeID, totalChunks, chunkSize, digest, t.Priority)
	if err := c.Sessions.Add(sess); err != nil {
		ec.Finish(t.ID) // couldn't materialize; release the slot we just claimed
		return nil
	}
	c.mu.Lock()
	c.managed[t.ID] = true
	c.mu.Unlock()
	sess.TransitionTo(transfer.StatusActive, "")
	return nil
}
