package storage

import (
	"testing"
	"time"

	"calsyncd/internal/domain"
)

func testStore(t *testing.T) *Storage {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCalendar(t *testing.T, s *Storage) (*domain.Account, *domain.Calendar) {
	t.Helper()
	account := &domain.Account{Provider: domain.ProviderGeneric, Username: "u", Enabled: true}
	if err := s.CreateAccount(account); err != nil {
		t.Fatal(err)
	}
	cal := &domain.Calendar{AccountID: account.ID, URL: "/cal/", DisplayName: "Main"}
	if err := s.CreateCalendar(cal); err != nil {
		t.Fatal(err)
	}
	return account, cal
}

func seedEvent(t *testing.T, s *Storage, calID int64, uid string) *domain.Event {
	t.Helper()
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	ev := &domain.Event{
		CalendarID: calID,
		UID:        uid,
		Title:      uid,
		StartTs:    start.UnixMilli(),
		EndTs:      start.Add(time.Hour).UnixMilli(),
		SyncStatus: domain.SyncStatusSynced,
	}
	if err := s.CreateEvent(ev); err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestMasterUIDUniquePerCalendar(t *testing.T) {
	s := testStore(t)
	_, cal := seedCalendar(t, s)
	master := seedEvent(t, s, cal.ID, "dup")

	// A second master with the same UID in the same calendar must fail.
	clash := &domain.Event{
		CalendarID: cal.ID,
		UID:        "dup",
		StartTs:    master.StartTs,
		EndTs:      master.EndTs,
	}
	if err := s.CreateEvent(clash); err == nil {
		t.Fatal("duplicate master accepted")
	}

	// An exception sharing the master's UID is fine; the uniqueness rule
	// covers masters only.
	instance := master.StartTs
	exc := &domain.Event{
		CalendarID:           cal.ID,
		UID:                  "dup",
		StartTs:              master.StartTs,
		EndTs:                master.EndTs,
		OriginalEventID:      &master.ID,
		OriginalInstanceTime: &instance,
	}
	if err := s.CreateEvent(exc); err != nil {
		t.Fatalf("exception with shared uid rejected: %v", err)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	s := testStore(t)
	account, cal := seedCalendar(t, s)
	ev := seedEvent(t, s, cal.ID, "e1")

	occ := domain.Occurrence{EventID: ev.ID, StartTs: ev.StartTs, EndTs: ev.EndTs, StartDayCode: 20240601, EndDayCode: 20240601}
	if err := s.ReplaceOccurrences(ev.ID, []domain.Occurrence{occ}); err != nil {
		t.Fatal(err)
	}
	r := &domain.ScheduledReminder{EventID: ev.ID, OccurrenceTime: ev.StartTs, TriggerTime: ev.StartTs, Offset: "-PT15M"}
	if err := s.CreateReminder(r); err != nil {
		t.Fatal(err)
	}
	op := &domain.PendingOperation{EventID: ev.ID, CalendarID: cal.ID, Type: domain.OpUpdate, UID: "e1"}
	if err := s.CreatePendingOperation(op); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteAccount(account.ID); err != nil {
		t.Fatal(err)
	}

	if got, _ := s.GetAccount(account.ID); got != nil {
		t.Error("account survived")
	}
	if got, _ := s.GetCalendar(cal.ID); got != nil {
		t.Error("calendar survived")
	}
	if got, _ := s.GetEvent(ev.ID); got != nil {
		t.Error("event survived")
	}
	if got, _ := s.GetReminder(r.ID); got != nil {
		t.Error("reminder survived")
	}
	if got, _ := s.GetPendingOperation(op.ID); got != nil {
		t.Error("pending operation survived")
	}
	if occs, _ := s.ListOccurrencesByEvent(ev.ID); len(occs) != 0 {
		t.Error("occurrences survived")
	}
}

func TestReplaceOccurrencesIsWholesale(t *testing.T) {
	s := testStore(t)
	_, cal := seedCalendar(t, s)
	ev := seedEvent(t, s, cal.ID, "e1")

	first := []domain.Occurrence{
		{EventID: ev.ID, StartTs: 100, EndTs: 200, StartDayCode: 20240601, EndDayCode: 20240601},
		{EventID: ev.ID, StartTs: 300, EndTs: 400, StartDayCode: 20240602, EndDayCode: 20240602},
	}
	if err := s.ReplaceOccurrences(ev.ID, first); err != nil {
		t.Fatal(err)
	}

	second := []domain.Occurrence{
		{EventID: ev.ID, StartTs: 500, EndTs: 600, StartDayCode: 20240603, EndDayCode: 20240603},
	}
	if err := s.ReplaceOccurrences(ev.ID, second); err != nil {
		t.Fatal(err)
	}

	occs, err := s.ListOccurrencesByEvent(ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(occs) != 1 || occs[0].StartTs != 500 {
		t.Fatalf("stale occurrences remain: %+v", occs)
	}

	// Replacing with an empty set clears the cache.
	if err := s.ReplaceOccurrences(ev.ID, nil); err != nil {
		t.Fatal(err)
	}
	if occs, _ := s.ListOccurrencesByEvent(ev.ID); len(occs) != 0 {
		t.Error("empty replacement left rows behind")
	}
}

func TestGetMasterEventByUIDIgnoresExceptions(t *testing.T) {
	s := testStore(t)
	_, cal := seedCalendar(t, s)
	master := seedEvent(t, s, cal.ID, "series")

	instance := master.StartTs
	exc := &domain.Event{
		CalendarID:           cal.ID,
		UID:                  "series",
		StartTs:              master.StartTs,
		EndTs:                master.EndTs,
		OriginalEventID:      &master.ID,
		OriginalInstanceTime: &instance,
	}
	if err := s.CreateEvent(exc); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMasterEventByUID(cal.ID, "series")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != master.ID {
		t.Errorf("got %+v, want master %d", got, master.ID)
	}

	exceptions, err := s.ListExceptions(master.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(exceptions) != 1 || exceptions[0].ID != exc.ID {
		t.Errorf("exceptions %+v", exceptions)
	}
}

func TestScanMissingRowsReturnNil(t *testing.T) {
	s := testStore(t)
	if got, err := s.GetAccount(999); err != nil || got != nil {
		t.Errorf("got %v, %v", got, err)
	}
	if got, err := s.GetEvent(999); err != nil || got != nil {
		t.Errorf("got %v, %v", got, err)
	}
	if got, err := s.GetReminder(999); err != nil || got != nil {
		t.Errorf("got %v, %v", got, err)
	}
	if got, err := s.FindReminder(1, 2, "-PT15M"); err != nil || got != nil {
		t.Errorf("got %v, %v", got, err)
	}
}

func TestRecordSyncFailureTracksStreak(t *testing.T) {
	s := testStore(t)
	account, _ := seedCalendar(t, s)

	for want := 1; want <= 3; want++ {
		streak, err := s.RecordSyncFailure(account.ID, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if streak != want {
			t.Errorf("streak %d, want %d", streak, want)
		}
	}

	if err := s.RecordSyncSuccess(account.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetAccount(account.ID)
	if got.ConsecutiveFailures != 0 {
		t.Errorf("streak %d after success, want 0", got.ConsecutiveFailures)
	}
}

func TestDeleteRemindersReturningIDs(t *testing.T) {
	s := testStore(t)
	_, cal := seedCalendar(t, s)
	ev := seedEvent(t, s, cal.ID, "e1")

	for i, offset := range []string{"-PT15M", "-PT30M", "-PT1H"} {
		r := &domain.ScheduledReminder{
			EventID:        ev.ID,
			OccurrenceTime: ev.StartTs + int64(i),
			TriggerTime:    ev.StartTs,
			Offset:         offset,
		}
		if err := s.CreateReminder(r); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := s.DeleteRemindersByEvent(ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Errorf("got %d ids, want 3 (caller must cancel each alarm)", len(ids))
	}
	if remaining, _ := s.ListPendingReminders(); len(remaining) != 0 {
		t.Errorf("%d reminders remain", len(remaining))
	}
}

func TestUpdateCalendarCursorAndClear(t *testing.T) {
	s := testStore(t)
	_, cal := seedCalendar(t, s)

	if err := s.UpdateCalendarCursor(cal.ID, "ctag-1", "token-1"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetCalendar(cal.ID)
	if got.CTag != "ctag-1" || got.SyncToken != "token-1" {
		t.Errorf("cursor %q/%q", got.CTag, got.SyncToken)
	}

	if err := s.ClearCalendarCursor(cal.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetCalendar(cal.ID)
	if got.CTag != "" || got.SyncToken != "" {
		t.Errorf("cursor not cleared: %q/%q", got.CTag, got.SyncToken)
	}
}
