// P1 scheduled replication fires on a cron schedule per (edge, repo)
// assignment (spec.md §4.7: "ensure a cron-driven wake exists using the
// assignment's schedule (fallback 0 */6 * * *); on cron fire, enqueue
// all pending artifacts in that assignment at scheduling priority 10").
//
// Grounded on the cron dependency surfaced by the example pack's backup
// tooling (nishisan-dev/n-backup's go.mod); compute-next-fire stays a
// pure function of (cron, now) per spec.md §9's design note, so the
// scheduler library is only asked for parsing/next-fire math, never for
// "sleep until" scheduling of its own loop.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultP1Schedule is the fallback cron expression (spec.md §4.7).
const DefaultP1Schedule = "0 */6 * * *"

// P1SchedulingPriority is the scheduling_priority value cron-fired P1
// batches enqueue at (spec.md §4.7).
const P1SchedulingPriority = 10

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextFire computes the first fire time of schedule strictly after now, a
// pure function with no side effects or wall-clock sleeping of its own.
// An empty schedule falls back to DefaultP1Schedule.
func NextFire(schedule string, now time.Time) (time.Time, error) {
	if schedule == "" {
		schedule = DefaultP1Schedule
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: invalid cron expression %q: %w", schedule, err)
	}
	return sched.Next(now), nil
}

// P1Assignment is one (edge, repo) assignment whose schedule drives a P1
// wake, and the artifacts pending replication under it at the time the
// schedule is evaluated.
type P1Assignment struct {
	EdgeID     string
	RepoID     string
	Schedule   string
	ArtifactID string
}

// DueAssignments filters assignments whose schedule fires at least once
// within (lastScan, now] — the set to enqueue on this
// scheduler tick. A periodic scan loop (not this pure function) tracks
// lastScan per assignment.
func DueAssignments(assignments []P1Assignment, lastScan, now time.Time) ([]P1Assignment, error) {
	var due []P1Assignment
	for _, a := range assignments {
		fire, err := NextFire(a.Schedule, lastScan)
		if err != nil {
			return nil, err
		}
		if !fire.After(now) {
			due = append(due, a)
		}
	}
	return due, nil
}
