// Package recurrence materializes event definitions into concrete
// occurrence rows. Expansion is pure: same inputs, same output, no I/O.
package recurrence

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"calsyncd/internal/domain"
)

// MaxOccurrences caps expansion for rules with neither COUNT nor UNTIL,
// guaranteeing termination even though the true series is infinite.
const MaxOccurrences = 1000

// Expand materializes a master event into its occurrences within
// [windowStart, windowEnd), ordered by start time. Exceptions are the
// master's override events; a candidate instant matching an exception's
// original-instance time keeps its occurrence slot but carries the
// exception's times and display identity (or is marked cancelled).
//
// The viewer location is used only for day-code bucketing of timed
// events; all-day events are bucketed in UTC. See domain.DayCode.
func Expand(master *domain.Event, exceptions []*domain.Event, windowStart, windowEnd time.Time, loc *time.Location) ([]domain.Occurrence, error) {
	if !windowEnd.After(windowStart) {
		return nil, fmt.Errorf("expand: window end %v not after start %v", windowEnd, windowStart)
	}
	if loc == nil {
		loc = time.Local
	}

	starts, err := candidateStarts(master, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}

	duration := master.Duration()
	byInstance := exceptionsByInstance(exceptions)

	occs := make([]domain.Occurrence, 0, len(starts))
	for _, start := range starts {
		startTs := start.UnixMilli()
		endTs := start.Add(duration).UnixMilli()

		occ := domain.Occurrence{
			EventID: master.ID,
			StartTs: startTs,
			EndTs:   endTs,
		}

		if exc, ok := byInstance[startTs]; ok {
			delete(byInstance, startTs) // at most one occurrence per exception
			if exc.Cancelled {
				occ.IsCancelled = true
			} else {
				occ.StartTs = exc.StartTs
				occ.EndTs = exc.EndTs
				id := exc.ID
				occ.ExceptionEventID = &id
			}
		}

		occ.StartDayCode = domain.DayCode(occ.StartTs, master.AllDay, loc)
		occ.EndDayCode = domain.DayCode(occ.EndTs-1, master.AllDay, loc)
		occs = append(occs, occ)
	}

	sort.Slice(occs, func(i, j int) bool { return occs[i].StartTs < occs[j].StartTs })
	return occs, nil
}

// candidateStarts generates the ascending, deduplicated instants the
// series hits inside the window, rrule plus rdate minus exdate.
func candidateStarts(master *domain.Event, windowStart, windowEnd time.Time) ([]time.Time, error) {
	dtstart := time.UnixMilli(master.StartTs).UTC()

	if !master.IsRecurring() {
		if overlaps(master.StartTs, master.EndTs, windowStart.UnixMilli(), windowEnd.UnixMilli()) {
			return []time.Time{dtstart}, nil
		}
		return nil, nil
	}

	var set rrule.Set
	set.DTStart(dtstart)

	if master.RRule != "" {
		r, err := rrule.StrToRRule(master.RRule)
		if err != nil {
			return nil, fmt.Errorf("parse RRULE %q: %w", master.RRule, err)
		}
		r.DTStart(dtstart)
		set.RRule(r)
	} else {
		// rdate-only series still include the base instant
		set.RDate(dtstart)
	}

	for _, ts := range ParseTsList(master.RDate) {
		set.RDate(time.UnixMilli(ts).UTC())
	}
	for _, ts := range ParseTsList(master.ExDate) {
		set.ExDate(time.UnixMilli(ts).UTC())
	}

	starts := set.Between(windowStart.UTC(), windowEnd.UTC(), true)
	if len(starts) > MaxOccurrences {
		starts = starts[:MaxOccurrences]
	}

	// Between returns sorted instants but RDATE can duplicate a rule hit.
	dedup := starts[:0]
	var prev time.Time
	for i, t := range starts {
		if i > 0 && t.Equal(prev) {
			continue
		}
		dedup = append(dedup, t)
		prev = t
	}
	return dedup, nil
}

// SeriesEnd returns the instant after which the event can produce no more
// occurrences, and whether the series is bounded at all. A rule with
// neither COUNT nor UNTIL is unbounded; so is one whose bound lies beyond
// MaxOccurrences instances, since walking further cannot be afforded. An
// unparseable rule also reports unbounded: a caller deciding whether a
// missing event was really deleted must not act on a bound it cannot
// compute.
func SeriesEnd(ev *domain.Event) (time.Time, bool) {
	duration := ev.Duration()
	end := time.UnixMilli(ev.EndTs).UTC()

	if ev.RRule != "" {
		opt, err := rrule.StrToROption(ev.RRule)
		if err != nil {
			return time.Time{}, false
		}
		if opt.Count == 0 && opt.Until.IsZero() {
			return time.Time{}, false
		}

		r, err := rrule.StrToRRule(ev.RRule)
		if err != nil {
			return time.Time{}, false
		}
		r.DTStart(time.UnixMilli(ev.StartTs).UTC())

		next := r.Iterator()
		var walked int
		for {
			t, ok := next()
			if !ok {
				break
			}
			if walked++; walked > MaxOccurrences {
				return time.Time{}, false
			}
			if last := t.Add(duration); last.After(end) {
				end = last
			}
		}
	}

	for _, ts := range ParseTsList(ev.RDate) {
		if last := time.UnixMilli(ts).UTC().Add(duration); last.After(end) {
			end = last
		}
	}
	return end, true
}

func exceptionsByInstance(exceptions []*domain.Event) map[int64]*domain.Event {
	m := make(map[int64]*domain.Event, len(exceptions))
	for _, exc := range exceptions {
		if exc.OriginalInstanceTime == nil {
			continue
		}
		m[*exc.OriginalInstanceTime] = exc
	}
	return m
}

func overlaps(aStart, aEnd, bStart, bEnd int64) bool {
	if aEnd < aStart {
		aEnd = aStart
	}
	return aStart < bEnd && aEnd > bStart
}

// ParseTsList parses the comma-separated unix-milli lists stored in
// Event.RDate / Event.ExDate. Malformed entries are dropped.
func ParseTsList(s string) []int64 {
	if s == "" {
		return nil
	}
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ts, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ts)
	}
	return out
}

// FormatTsList is the inverse of ParseTsList, used when converting wire
// EXDATE/RDATE values into the stored representation.
func FormatTsList(times []time.Time) string {
	parts := make([]string, 0, len(times))
	for _, t := range times {
		parts = append(parts, strconv.FormatInt(t.UnixMilli(), 10))
	}
	return strings.Join(parts, ",")
}
