package scheduler

import "time"

// Window is an edge's sync window, spec.md §3 EdgeNode's
// sync-window [start,end,tz] triple. Start/End are "HH:MM" in the given
// timezone; an empty Start means "no window configured" (always open).
type Window struct {
	Start string
	End   string
	TZ    string
}

// InWindow reports whether at is currently inside w's [start,end) range
// in w's timezone. A zero-value Window (no Start configured) is always
// open. P0 sessions bypass this entirely per spec.md §5 / Open Question 3
// — callers must check priority before calling InWindow.
func InWindow(w Window, at time.Time) (bool, error) {
	if w.Start == "" || w.End == "" {
		return true, nil
	}
	loc := time.UTC
	if w.TZ != "" {
		l, err := time.LoadLocation(w.TZ)
		if err != nil {
			return false, err
		}
		loc = l
	}
	local := at.In(loc)
	start, err := parseClock(w.Start, local)
	if err != nil {
		return false, err
	}
	end, err := parseClock(w.End, local)
	if err != nil {
		return false, err
	}
	if end.Before(start) {
		// Window spans midnight, e.g. 22:00-06:00.
		return !local.Before(start) || local.Before(end), nil
	}
	return !local.Before(start) && local.Before(end), nil
}

func parseClock(hhmm string, ref time.Time) (time.Time, error) {
	t, err := time.ParseInLocation("15:04", hhmm, ref.Location())
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, ref.Location()), nil
}

// UntilWindowOpens returns the duration a non-P0 transfer must sleep
// before at.Add(d) falls inside w (spec.md §4.7: "outside the window,
// non-P0 transfers sleep until the window opens"). Returns zero if
// already inside the window.
func UntilWindowOpens(w Window, at time.Time) (time.Duration, error) {
	open, err := InWindow(w, at)
	if err != nil {
		return 0, err
	}
	if open {
		return 0, nil
	}
	loc := time.UTC
	if w.TZ != "" {
		l, err := time.LoadLocation(w.TZ)
		if err != nil {
			return 0, err
		}
		loc = l
	}
	local := at.In(loc)
	start, err := parseClock(w.Start, local)
	if err != nil {
		return 0, err
	}
	if start.Before(local) {
		start = start.AddDate(0, 0, 1)
	}
	return start.Sub(local), nil
}
