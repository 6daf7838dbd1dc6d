package caldav

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
)

// CalendarInfo describes one remote collection as seen by discovery.
type CalendarInfo struct {
	URL         string
	DisplayName string
	Description string
	Color       string
	ReadOnly    bool
}

// RemoteEvent is one VEVENT as parsed off the wire. A component carrying
// RECURRENCE-ID is an override of a single instance of the master that
// shares its UID.
type RemoteEvent struct {
	UID         string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool

	RRule   string
	RDates  []time.Time
	ExDates []time.Time

	// RecurrenceID is set on overrides only and names the instance being
	// overridden.
	RecurrenceID *time.Time

	Sequence  int
	Cancelled bool

	// ReminderTriggers holds raw VALARM TRIGGER durations, e.g. "-PT15M".
	ReminderTriggers []string
}

// RemoteObject is a calendar resource: its path, its ETag, and the parsed
// master event plus any per-instance overrides.
type RemoteObject struct {
	Path      string
	ETag      string
	Event     RemoteEvent
	Overrides []RemoteEvent
}

// ParseObject decodes a CalDAV calendar object into master + overrides.
// Objects without any VEVENT yield a parse error.
func ParseObject(obj *caldav.CalendarObject) (*RemoteObject, error) {
	if obj.Data == nil {
		return nil, &Error{Kind: KindParse, Err: fmt.Errorf("no data in calendar object %s", obj.Path)}
	}

	out := &RemoteObject{Path: obj.Path, ETag: obj.ETag}
	found := false

	for _, comp := range obj.Data.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		ev, err := parseVEvent(comp)
		if err != nil {
			return nil, &Error{Kind: KindParse, Err: fmt.Errorf("parse VEVENT in %s: %w", obj.Path, err)}
		}
		if ev.RecurrenceID != nil {
			out.Overrides = append(out.Overrides, ev)
		} else if !found {
			out.Event = ev
			found = true
		}
	}

	if !found {
		return nil, &Error{Kind: KindParse, Err: fmt.Errorf("no master VEVENT in %s", obj.Path)}
	}
	return out, nil
}

func parseVEvent(comp *ical.Component) (RemoteEvent, error) {
	ev := RemoteEvent{}

	if prop := comp.Props.Get(ical.PropUID); prop != nil {
		ev.UID = prop.Value
	}
	if ev.UID == "" {
		return ev, fmt.Errorf("VEVENT without UID")
	}
	if prop := comp.Props.Get(ical.PropSummary); prop != nil {
		ev.Summary = prop.Value
	}
	if prop := comp.Props.Get(ical.PropDescription); prop != nil {
		ev.Description = prop.Value
	}
	if prop := comp.Props.Get(ical.PropLocation); prop != nil {
		ev.Location = prop.Value
	}

	if prop := comp.Props.Get(ical.PropDateTimeStart); prop != nil {
		t, err := prop.DateTime(time.UTC)
		if err != nil {
			return ev, fmt.Errorf("parse DTSTART: %w", err)
		}
		ev.Start = t
		if prop.Params.Get(ical.ParamValue) == string(ical.ValueDate) {
			ev.AllDay = true
		}
	} else {
		return ev, fmt.Errorf("VEVENT without DTSTART")
	}

	if prop := comp.Props.Get(ical.PropDateTimeEnd); prop != nil {
		t, err := prop.DateTime(time.UTC)
		if err == nil {
			ev.End = t
		}
	}
	if ev.End.IsZero() {
		if ev.AllDay {
			ev.End = ev.Start.Add(24 * time.Hour)
		} else {
			ev.End = ev.Start
		}
	}

	if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil {
		ev.RRule = prop.Value
	}
	if prop := comp.Props.Get(ical.PropSequence); prop != nil {
		fmt.Sscanf(prop.Value, "%d", &ev.Sequence)
	}
	if prop := comp.Props.Get(ical.PropStatus); prop != nil {
		ev.Cancelled = strings.EqualFold(prop.Value, "CANCELLED")
	}

	if prop := comp.Props.Get(ical.PropRecurrenceID); prop != nil {
		t, err := prop.DateTime(time.UTC)
		if err != nil {
			return ev, fmt.Errorf("parse RECURRENCE-ID: %w", err)
		}
		ev.RecurrenceID = &t
	}

	for _, prop := range comp.Props.Values(ical.PropExceptionDates) {
		ev.ExDates = append(ev.ExDates, parseDateList(prop.Value)...)
	}
	for _, prop := range comp.Props.Values(ical.PropRecurrenceDates) {
		ev.RDates = append(ev.RDates, parseDateList(prop.Value)...)
	}

	for _, alarm := range comp.Children {
		if alarm.Name != ical.CompAlarm {
			continue
		}
		if prop := alarm.Props.Get(ical.PropTrigger); prop != nil {
			ev.ReminderTriggers = append(ev.ReminderTriggers, prop.Value)
		}
	}

	return ev, nil
}

// parseDateList handles the comma-separated EXDATE/RDATE value forms.
// Unparseable entries are skipped; a missing exclusion only causes an
// extra occurrence, never data loss.
func parseDateList(value string) []time.Time {
	var out []time.Time
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		for _, layout := range []string{"20060102T150405Z", "20060102T150405", "20060102"} {
			if t, err := time.Parse(layout, part); err == nil {
				out = append(out, t.UTC())
				break
			}
		}
	}
	return out
}

// EncodeObject serializes master + overrides back into a VCALENDAR for
// PUT. All timed instants are written in UTC.
func EncodeObject(master RemoteEvent, overrides []RemoteEvent) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calsyncd//CalDAV//EN")

	cal.Children = append(cal.Children, encodeVEvent(master))
	for _, ov := range overrides {
		cal.Children = append(cal.Children, encodeVEvent(ov))
	}
	return cal
}

func encodeVEvent(ev RemoteEvent) *ical.Component {
	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, ev.UID)
	vevent.Props.SetText(ical.PropSummary, ev.Summary)

	if ev.Description != "" {
		vevent.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		vevent.Props.SetText(ical.PropLocation, ev.Location)
	}

	if ev.AllDay {
		vevent.Props.SetDate(ical.PropDateTimeStart, ev.Start)
		if !ev.End.IsZero() {
			vevent.Props.SetDate(ical.PropDateTimeEnd, ev.End)
		}
	} else {
		vevent.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
		if !ev.End.IsZero() {
			vevent.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
		}
	}

	if ev.RRule != "" {
		vevent.Props.SetText(ical.PropRecurrenceRule, ev.RRule)
	}
	if len(ev.ExDates) > 0 {
		vevent.Props.SetText(ical.PropExceptionDates, formatDateList(ev.ExDates, ev.AllDay))
	}
	if len(ev.RDates) > 0 {
		vevent.Props.SetText(ical.PropRecurrenceDates, formatDateList(ev.RDates, ev.AllDay))
	}
	if ev.RecurrenceID != nil {
		vevent.Props.SetDateTime(ical.PropRecurrenceID, ev.RecurrenceID.UTC())
	}
	if ev.Sequence > 0 {
		vevent.Props.SetText(ical.PropSequence, fmt.Sprintf("%d", ev.Sequence))
	}
	if ev.Cancelled {
		vevent.Props.SetText(ical.PropStatus, "CANCELLED")
	}

	for _, trigger := range ev.ReminderTriggers {
		alarm := ical.NewComponent(ical.CompAlarm)
		alarm.Props.SetText(ical.PropAction, "DISPLAY")
		alarm.Props.SetText(ical.PropTrigger, trigger)
		alarm.Props.SetText(ical.PropDescription, ev.Summary)
		vevent.Children = append(vevent.Children, alarm)
	}

	vevent.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	return vevent.Component
}

func formatDateList(dates []time.Time, allDay bool) string {
	parts := make([]string, 0, len(dates))
	for _, d := range dates {
		if allDay {
			parts = append(parts, d.UTC().Format("20060102"))
		} else {
			parts = append(parts, d.UTC().Format("20060102T150405Z"))
		}
	}
	return strings.Join(parts, ",")
}
