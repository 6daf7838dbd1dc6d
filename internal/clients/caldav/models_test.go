package caldav

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	webcaldav "github.com/emersion/go-webdav/caldav"
)

func decodeObject(t *testing.T, lines []string) *webcaldav.CalendarObject {
	t.Helper()
	raw := strings.Join(lines, "\r\n") + "\r\n"
	cal, err := ical.NewDecoder(strings.NewReader(raw)).Decode()
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return &webcaldav.CalendarObject{Path: "/cal/x.ics", ETag: "e1", Data: cal}
}

func TestParseObjectMasterAndOverride(t *testing.T) {
	obj := decodeObject(t, []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:series@example.com",
		"SUMMARY:Weekly standup",
		"LOCATION:Room 4",
		"DTSTART:20240101T100000Z",
		"DTEND:20240101T103000Z",
		"RRULE:FREQ=WEEKLY",
		"EXDATE:20240115T100000Z,20240122T100000Z",
		"SEQUENCE:2",
		"BEGIN:VALARM",
		"ACTION:DISPLAY",
		"TRIGGER:-PT15M",
		"END:VALARM",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:series@example.com",
		"RECURRENCE-ID:20240108T100000Z",
		"SUMMARY:Weekly standup (moved)",
		"DTSTART:20240108T140000Z",
		"DTEND:20240108T143000Z",
		"END:VEVENT",
		"END:VCALENDAR",
	})

	out, err := ParseObject(obj)
	if err != nil {
		t.Fatal(err)
	}

	ev := out.Event
	if ev.UID != "series@example.com" || ev.Summary != "Weekly standup" || ev.Location != "Room 4" {
		t.Errorf("master fields wrong: %+v", ev)
	}
	if !ev.Start.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("start %v", ev.Start)
	}
	if ev.RRule != "FREQ=WEEKLY" || ev.Sequence != 2 {
		t.Errorf("rrule=%q seq=%d", ev.RRule, ev.Sequence)
	}
	if len(ev.ExDates) != 2 {
		t.Errorf("exdates %v", ev.ExDates)
	}
	if len(ev.ReminderTriggers) != 1 || ev.ReminderTriggers[0] != "-PT15M" {
		t.Errorf("triggers %v", ev.ReminderTriggers)
	}
	if ev.RecurrenceID != nil {
		t.Error("master must not carry a recurrence id")
	}

	if len(out.Overrides) != 1 {
		t.Fatalf("got %d overrides, want 1", len(out.Overrides))
	}
	ov := out.Overrides[0]
	if ov.RecurrenceID == nil || !ov.RecurrenceID.Equal(time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("override recurrence id %v", ov.RecurrenceID)
	}
	if ov.Summary != "Weekly standup (moved)" {
		t.Errorf("override summary %q", ov.Summary)
	}
}

func TestParseObjectAllDay(t *testing.T) {
	obj := decodeObject(t, []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:allday@example.com",
		"SUMMARY:Conference",
		"DTSTART;VALUE=DATE:20240310",
		"DTEND;VALUE=DATE:20240312",
		"END:VEVENT",
		"END:VCALENDAR",
	})

	out, err := ParseObject(obj)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Event.AllDay {
		t.Error("VALUE=DATE start not detected as all-day")
	}
	if !out.Event.Start.Equal(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start %v", out.Event.Start)
	}
}

func TestParseObjectCancelledStatus(t *testing.T) {
	obj := decodeObject(t, []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:gone@example.com",
		"SUMMARY:Cancelled thing",
		"DTSTART:20240101T100000Z",
		"STATUS:CANCELLED",
		"END:VEVENT",
		"END:VCALENDAR",
	})

	out, err := ParseObject(obj)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Event.Cancelled {
		t.Error("STATUS:CANCELLED not detected")
	}
}

func TestParseObjectRejectsNonEvent(t *testing.T) {
	obj := decodeObject(t, []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VTODO",
		"UID:todo@example.com",
		"SUMMARY:Not an event",
		"END:VTODO",
		"END:VCALENDAR",
	})

	if _, err := ParseObject(obj); !IsKind(err, KindParse) {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestEncodeObjectWritesOverridesAndAlarms(t *testing.T) {
	rid := time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)
	master := RemoteEvent{
		UID:              "series@example.com",
		Summary:          "Weekly",
		Start:            time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		End:              time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC),
		RRule:            "FREQ=WEEKLY",
		ExDates:          []time.Time{time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)},
		Sequence:         1,
		ReminderTriggers: []string{"-PT15M"},
	}
	override := RemoteEvent{
		UID:          "series@example.com",
		Summary:      "Weekly (cancelled)",
		Start:        rid,
		End:          rid.Add(time.Hour),
		RecurrenceID: &rid,
		Cancelled:    true,
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(EncodeObject(master, []RemoteEvent{override})); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	for _, want := range []string{
		"UID:series@example.com",
		"RRULE:FREQ=WEEKLY",
		"EXDATE:20240115T100000Z",
		"TRIGGER:-PT15M",
		"RECURRENCE-ID:20240108T100000Z",
		"STATUS:CANCELLED",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("encoded output missing %q", want)
		}
	}
	if strings.Count(out, "BEGIN:VEVENT") != 2 {
		t.Errorf("expected 2 VEVENTs:\n%s", out)
	}
}
