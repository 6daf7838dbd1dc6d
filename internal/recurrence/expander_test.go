package recurrence

import (
	"testing"
	"time"

	"calsyncd/internal/domain"
)

func ts(y int, m time.Month, d, hh, mm int) int64 {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC).UnixMilli()
}

func masterEvent(start, end int64, rrule string) *domain.Event {
	return &domain.Event{
		ID:      1,
		StartTs: start,
		EndTs:   end,
		RRule:   rrule,
	}
}

func TestSeriesEnd(t *testing.T) {
	// Non-recurring: the event's own end.
	ev := masterEvent(ts(2024, 1, 10, 10, 0), ts(2024, 1, 10, 11, 0), "")
	end, bounded := SeriesEnd(ev)
	if !bounded || end.UnixMilli() != ev.EndTs {
		t.Errorf("non-recurring end %v bounded=%v", end, bounded)
	}

	// COUNT: last instance plus the event duration.
	ev = masterEvent(ts(2024, 1, 1, 10, 0), ts(2024, 1, 1, 11, 0), "FREQ=WEEKLY;COUNT=5")
	end, bounded = SeriesEnd(ev)
	if !bounded || end.UnixMilli() != ts(2024, 1, 29, 11, 0) {
		t.Errorf("COUNT series end %v bounded=%v, want 2024-01-29 11:00", end, bounded)
	}

	// UNTIL: no instance after the bound.
	ev = masterEvent(ts(2024, 1, 1, 10, 0), ts(2024, 1, 1, 11, 0), "FREQ=DAILY;UNTIL=20240105T100000Z")
	end, bounded = SeriesEnd(ev)
	if !bounded || end.UnixMilli() != ts(2024, 1, 5, 11, 0) {
		t.Errorf("UNTIL series end %v bounded=%v, want 2024-01-05 11:00", end, bounded)
	}

	// An RDATE past the rule's bound extends the series.
	ev = masterEvent(ts(2024, 1, 1, 10, 0), ts(2024, 1, 1, 11, 0), "FREQ=WEEKLY;COUNT=2")
	ev.RDate = FormatTsList([]time.Time{time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)})
	end, bounded = SeriesEnd(ev)
	if !bounded || end.UnixMilli() != ts(2024, 6, 1, 11, 0) {
		t.Errorf("RDATE-extended end %v bounded=%v, want 2024-06-01 11:00", end, bounded)
	}

	// No COUNT, no UNTIL: unbounded.
	ev = masterEvent(ts(2024, 1, 1, 10, 0), ts(2024, 1, 1, 11, 0), "FREQ=DAILY")
	if _, bounded = SeriesEnd(ev); bounded {
		t.Error("unbounded rule reported a series end")
	}

	// A bound past the expansion cap is as good as none.
	ev = masterEvent(ts(2024, 1, 1, 10, 0), ts(2024, 1, 1, 11, 0), "FREQ=DAILY;COUNT=5000")
	if _, bounded = SeriesEnd(ev); bounded {
		t.Error("bound beyond the cap reported as computable")
	}

	// Unparseable rules must not yield a bound anyone acts on.
	ev = masterEvent(ts(2024, 1, 1, 10, 0), ts(2024, 1, 1, 11, 0), "FREQ=NOPE")
	if _, bounded = SeriesEnd(ev); bounded {
		t.Error("unparseable rule reported a series end")
	}
}

func TestExpandNonRecurring(t *testing.T) {
	ev := masterEvent(ts(2024, 1, 10, 10, 0), ts(2024, 1, 10, 11, 0), "")

	occs, err := Expand(ev, nil, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(occs) != 1 {
		t.Fatalf("got %d occurrences, want 1", len(occs))
	}
	if occs[0].StartTs != ev.StartTs || occs[0].EndTs != ev.EndTs {
		t.Errorf("occurrence times %d-%d, want %d-%d", occs[0].StartTs, occs[0].EndTs, ev.StartTs, ev.EndTs)
	}

	occs, err = Expand(ev, nil, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(occs) != 0 {
		t.Fatalf("got %d occurrences outside window, want 0", len(occs))
	}
}

func TestExpandWeeklyCount(t *testing.T) {
	ev := masterEvent(ts(2024, 1, 1, 10, 0), ts(2024, 1, 1, 11, 0), "FREQ=WEEKLY;COUNT=5")

	occs, err := Expand(ev, nil, time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(occs) != 5 {
		t.Fatalf("got %d occurrences, want 5", len(occs))
	}
	for i, occ := range occs {
		want := ts(2024, 1, 1+7*i, 10, 0)
		if occ.StartTs != want {
			t.Errorf("occurrence %d starts at %d, want %d", i, occ.StartTs, want)
		}
		if occ.EndTs-occ.StartTs != int64(time.Hour/time.Millisecond) {
			t.Errorf("occurrence %d duration wrong", i)
		}
	}
}

func TestExpandExDateRemovesInstance(t *testing.T) {
	ev := masterEvent(ts(2024, 1, 1, 10, 0), ts(2024, 1, 1, 11, 0), "FREQ=WEEKLY;COUNT=4")
	ev.ExDate = FormatTsList([]time.Time{time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)})

	occs, err := Expand(ev, nil, time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(occs) != 3 {
		t.Fatalf("got %d occurrences, want 3", len(occs))
	}
	for _, occ := range occs {
		if occ.StartTs == ts(2024, 1, 8, 10, 0) {
			t.Error("excluded instance still present")
		}
	}
}

func TestExpandRDateAddsAndDeduplicates(t *testing.T) {
	ev := masterEvent(ts(2024, 1, 1, 10, 0), ts(2024, 1, 1, 11, 0), "FREQ=WEEKLY;COUNT=2")
	// One genuinely new instant plus one that duplicates a rule hit.
	ev.RDate = FormatTsList([]time.Time{
		time.Date(2024, 1, 3, 15, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC),
	})

	occs, err := Expand(ev, nil, time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(occs) != 3 {
		t.Fatalf("got %d occurrences, want 3 (rdate duplicate must collapse)", len(occs))
	}
	if occs[1].StartTs != ts(2024, 1, 3, 15, 0) {
		t.Errorf("rdate instance missing or out of order: %d", occs[1].StartTs)
	}
}

func TestExpandCapsUnboundedRule(t *testing.T) {
	ev := masterEvent(ts(2024, 1, 1, 10, 0), ts(2024, 1, 1, 11, 0), "FREQ=DAILY")

	occs, err := Expand(ev, nil, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2034, 1, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(occs) != MaxOccurrences {
		t.Fatalf("got %d occurrences, want cap %d", len(occs), MaxOccurrences)
	}
}

func TestExpandIdempotent(t *testing.T) {
	ev := masterEvent(ts(2024, 1, 1, 10, 0), ts(2024, 1, 1, 11, 0), "FREQ=DAILY;COUNT=10")
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	first, err := Expand(ev, nil, from, to, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Expand(ev, nil, from, to, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("runs disagree: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("occurrence %d differs between runs", i)
		}
	}
}

func TestExpandExceptionOverridesInstance(t *testing.T) {
	ev := masterEvent(ts(2024, 1, 1, 10, 0), ts(2024, 1, 1, 11, 0), "FREQ=WEEKLY;COUNT=3")

	instance := ts(2024, 1, 8, 10, 0)
	exc := &domain.Event{
		ID:                   42,
		StartTs:              ts(2024, 1, 8, 14, 0), // moved 4 hours later
		EndTs:                ts(2024, 1, 8, 15, 0),
		OriginalEventID:      &ev.ID,
		OriginalInstanceTime: &instance,
	}

	occs, err := Expand(ev, []*domain.Event{exc}, time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(occs) != 3 {
		t.Fatalf("got %d occurrences, want 3", len(occs))
	}

	moved := occs[1]
	if moved.StartTs != exc.StartTs || moved.EndTs != exc.EndTs {
		t.Errorf("overridden slot keeps master times %d-%d", moved.StartTs, moved.EndTs)
	}
	if moved.ExceptionEventID == nil || *moved.ExceptionEventID != exc.ID {
		t.Error("overridden slot not linked to exception event")
	}
	for _, i := range []int{0, 2} {
		if occs[i].ExceptionEventID != nil {
			t.Errorf("occurrence %d wrongly linked to exception", i)
		}
	}
}

func TestExpandCancelledException(t *testing.T) {
	ev := masterEvent(ts(2024, 1, 1, 10, 0), ts(2024, 1, 1, 11, 0), "FREQ=WEEKLY;COUNT=3")

	instance := ts(2024, 1, 8, 10, 0)
	exc := &domain.Event{
		ID:                   42,
		StartTs:              instance,
		EndTs:                instance + 3600_000,
		Cancelled:            true,
		OriginalEventID:      &ev.ID,
		OriginalInstanceTime: &instance,
	}

	occs, err := Expand(ev, []*domain.Event{exc}, time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(occs) != 3 {
		t.Fatalf("got %d occurrences, want 3 (cancelled slot stays, marked)", len(occs))
	}
	if !occs[1].IsCancelled {
		t.Error("cancelled slot not marked")
	}
	if occs[0].IsCancelled || occs[2].IsCancelled {
		t.Error("untouched slots marked cancelled")
	}
}

func TestExpandDayCodes(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}

	// 03:00 UTC on Jan 2 is still Jan 1 in New York; timed events bucket
	// in the viewer's zone.
	timed := masterEvent(ts(2024, 1, 2, 3, 0), ts(2024, 1, 2, 4, 0), "")
	occs, err := Expand(timed, nil, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), ny)
	if err != nil {
		t.Fatal(err)
	}
	if occs[0].StartDayCode != 20240101 {
		t.Errorf("timed start day code %d, want 20240101", occs[0].StartDayCode)
	}

	// All-day events bucket in UTC regardless of the viewer's zone.
	allDay := masterEvent(ts(2024, 1, 2, 0, 0), ts(2024, 1, 3, 0, 0), "")
	allDay.AllDay = true
	occs, err = Expand(allDay, nil, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), ny)
	if err != nil {
		t.Fatal(err)
	}
	if occs[0].StartDayCode != 20240102 {
		t.Errorf("all-day start day code %d, want 20240102", occs[0].StartDayCode)
	}
	if occs[0].EndDayCode != 20240102 {
		t.Errorf("all-day end day code %d, want 20240102 (exclusive end)", occs[0].EndDayCode)
	}
}

func TestExpandRejectsEmptyWindow(t *testing.T) {
	ev := masterEvent(ts(2024, 1, 1, 10, 0), ts(2024, 1, 1, 11, 0), "")
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := Expand(ev, nil, at, at, time.UTC); err == nil {
		t.Error("expected error for empty window")
	}
}

func TestParseTsListDropsGarbage(t *testing.T) {
	got := ParseTsList("100, ,abc,200,")
	if len(got) != 2 || got[0] != 100 || got[1] != 200 {
		t.Errorf("got %v, want [100 200]", got)
	}
	if ParseTsList("") != nil {
		t.Error("empty input should yield nil")
	}
}
