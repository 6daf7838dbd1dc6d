package domain

import "time"

// Occurrence is one materialized instance of an event at a concrete time.
// It is cache, never authoritative: it is fully derivable from its Event
// and is rebuilt wholesale whenever the event's temporal definition
// changes.
type Occurrence struct {
	ID      int64
	EventID int64
	StartTs int64 // unix millis, UTC
	EndTs   int64

	// StartDayCode/EndDayCode are YYYYMMDD buckets for calendar-grid
	// queries. Computed in UTC for all-day events and in the viewer's
	// local zone for timed events; see DayCode.
	StartDayCode int
	EndDayCode   int

	IsCancelled bool

	// ExceptionEventID links a recurrence slot to the exception event
	// that overrides its display data, if any.
	ExceptionEventID *int64
}

// DayCode buckets an instant into a YYYYMMDD integer. All-day events are
// stored at UTC midnight and must be bucketed in UTC; timed events are
// bucketed in the viewer's zone. Mixing the two reintroduces
// off-by-one-day display bugs, so the asymmetry is deliberate.
func DayCode(ts int64, allDay bool, loc *time.Location) int {
	t := time.UnixMilli(ts)
	if allDay {
		t = t.UTC()
	} else {
		t = t.In(loc)
	}
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// IsPast reports whether the occurrence has ended. All-day occurrences
// compare by date in the given zone; timed occurrences compare the raw
// end timestamp. The asymmetry matches DayCode and is load-bearing.
func (o *Occurrence) IsPast(now time.Time, allDay bool, loc *time.Location) bool {
	if allDay {
		end := time.UnixMilli(o.EndTs).UTC()
		endCode := end.Year()*10000 + int(end.Month())*100 + end.Day()
		n := now.In(loc)
		nowCode := n.Year()*10000 + int(n.Month())*100 + n.Day()
		return endCode <= nowCode
	}
	return o.EndTs <= now.UnixMilli()
}
