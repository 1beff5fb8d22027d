// Package scheduler implements the replication scheduler (spec.md §4.7):
// effective-priority resolution, P0 immediate dispatch, P1 cron-driven
// batches, P2 on-demand (no scheduler enqueue), P3 denial, per-edge
// concurrency with pre-emption, and sync-window/bandwidth gating.
//
// Grounded on daemon/transport/priorities.go's P0/P1/P2 class vocabulary
// (extended here with the spec's P3 local-only class) and
// daemon/service/dtn_worker.go's supervised-ticker coordinator shape for
// the cron-driven P1 wake loop.
package scheduler

import "github.com/artifactkeeper/replicore/internal/errs"

// Priority mirrors spec.md §3 EffectivePriority.
type Priority int

const (
	P0Immediate Priority = iota
	P1Scheduled
	P2OnDemand
	P3LocalOnly
)

func (p Priority) String() string {
	switch p {
	case P0Immediate:
		return "P0"
	case P1Scheduled:
		return "P1"
	case P2OnDemand:
		return "P2"
	case P3LocalOnly:
		return "P3"
	default:
		return "UNKNOWN"
	}
}

// SchedulingPriority maps an EffectivePriority to the numeric value
// stored on TransferSession.scheduling_priority and sync_tasks rows
// (spec.md §4.7: P0 enqueues at 0, P1-cron-fired enqueues at 10).
func (p Priority) SchedulingPriority() int {
	switch p {
	case P0Immediate:
		return 0
	case P1Scheduled:
		return 10
	default:
		return 20
	}
}

// ErrLocalOnly is returned when an operation is attempted against a P3
// artifact from a non-origin node (spec.md I5).
var ErrLocalOnly = errs.E("scheduler.Resolve", errs.KindConflictState, errLocalOnlySentinel{})

type errLocalOnlySentinel struct{}

func (errLocalOnlySentinel) Error() string { return "artifact is local-only (P3): no session may be created" }

// Resolve computes effective = override ?? repoDefault (spec.md §4.7,
// P9). override of nil means "no override."
func Resolve(override *Priority, repoDefault Priority) Priority {
	if override != nil {
		return *override
	}
	return repoDefault
}

// priorityFromScheduling inverts SchedulingPriority for a value read back
// off a persisted sync-task or session row: 0 is always P0, 10 is always
// P1 (spec.md §4.7's literal constants), anything else is treated as P2
// since P3 artifacts never reach a queued task in the first place.
func priorityFromScheduling(n int) Priority {
	switch n {
	case 0:
		return P0Immediate
	case 10:
		return P1Scheduled
	default:
		return P2OnDemand
	}
}
