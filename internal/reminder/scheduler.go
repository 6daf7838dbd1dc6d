// Package reminder turns reminder offsets and materialized occurrences
// into scheduled alarms, and owns the alarm lifecycle.
package reminder

import (
	"fmt"
	"log"
	"time"

	"calsyncd/internal/domain"
	"calsyncd/internal/storage"
)

const (
	// DefaultLookahead is how far ahead of now reminders are scheduled.
	DefaultLookahead = 48 * time.Hour
	// DefaultRetention keeps fired/dismissed reminders around for a while
	// before they are purged.
	DefaultRetention = 7 * 24 * time.Hour
	// allDayFireHour is the local hour at which day-granularity offsets
	// for all-day events fire.
	allDayFireHour = 9
)

// Notifier renders a reminder to the user. Notification channels are an
// external collaborator; this is the whole contract.
type Notifier interface {
	Notify(title, body string) error
}

// Scheduler creates, cancels and fires scheduled reminders.
type Scheduler struct {
	store    *storage.Storage
	alarms   AlarmRegistrar
	notifier Notifier

	lookahead time.Duration

	// now and location are injectable for deterministic tests. location
	// is re-read on every trigger computation: a device timezone change
	// invalidates previously computed all-day triggers.
	now      func() time.Time
	location func() *time.Location
}

func NewScheduler(store *storage.Storage, alarms AlarmRegistrar, notifier Notifier, lookahead time.Duration) *Scheduler {
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	return &Scheduler{
		store:     store,
		alarms:    alarms,
		notifier:  notifier,
		lookahead: lookahead,
		now:       time.Now,
		location:  func() *time.Location { return time.Local },
	}
}

// ComputeTrigger computes the absolute instant an offset fires for an
// occurrence. Timed events are plain instant arithmetic and zone
// invariant. For all-day events a day-granularity offset means "fire at
// a fixed local hour N days before/after the date", computed in the
// current local zone, not a literal subtraction from UTC midnight.
func (s *Scheduler) ComputeTrigger(occStart int64, allDay bool, offset time.Duration) time.Time {
	start := time.UnixMilli(occStart)
	if !allDay {
		return start.Add(offset)
	}
	if days, ok := wholeDays(offset); ok {
		d := start.UTC()
		return time.Date(d.Year(), d.Month(), d.Day(), allDayFireHour, 0, 0, 0, s.location()).AddDate(0, 0, days)
	}
	return start.Add(offset)
}

// ScheduleEvent creates any missing reminders for the event's
// occurrences inside the scheduling window and registers their alarms.
// Idempotent: an existing (event, occurrence, offset) row is left alone.
func (s *Scheduler) ScheduleEvent(master *domain.Event) error {
	occs, err := s.store.ListOccurrencesByEvent(master.ID)
	if err != nil {
		return fmt.Errorf("list occurrences: %w", err)
	}

	windowStart := s.now().UnixMilli()
	windowEnd := s.now().Add(s.lookahead).UnixMilli()

	for _, occ := range occs {
		if occ.IsCancelled || occ.StartTs < windowStart || occ.StartTs >= windowEnd {
			continue
		}
		if err := s.scheduleOccurrence(master, occ); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleMissing is the periodic gap-filling pass: it scans every
// occurrence that has entered the window since the last pass and
// schedules whatever is absent.
func (s *Scheduler) ScheduleMissing() error {
	now := s.now()
	occs, err := s.store.ListOccurrencesInRange(now.UnixMilli(), now.Add(s.lookahead).UnixMilli())
	if err != nil {
		return fmt.Errorf("list occurrences in window: %w", err)
	}

	events := make(map[int64]*domain.Event)
	for _, occ := range occs {
		master, ok := events[occ.EventID]
		if !ok {
			master, err = s.store.GetEvent(occ.EventID)
			if err != nil {
				return fmt.Errorf("get event %d: %w", occ.EventID, err)
			}
			events[occ.EventID] = master
		}
		if master == nil {
			continue
		}
		if err := s.scheduleOccurrence(master, occ); err != nil {
			log.Printf("Error scheduling reminders for event %d: %v", occ.EventID, err)
		}
	}
	return nil
}

// scheduleOccurrence applies the dedup check and creates one reminder
// per offset. When the occurrence is overridden by an exception, the
// reminder targets the exception's identity and display fields, driven
// by the master's offsets unless the exception carries its own.
func (s *Scheduler) scheduleOccurrence(master *domain.Event, occ *domain.Occurrence) error {
	display := master
	if occ.ExceptionEventID != nil {
		exc, err := s.store.GetEvent(*occ.ExceptionEventID)
		if err != nil {
			return fmt.Errorf("get exception event: %w", err)
		}
		if exc != nil {
			display = exc
		}
	}

	offsets := master.ReminderOffsets
	if display != master && display.ReminderOffsets != "" {
		offsets = display.ReminderOffsets
	}

	for _, offsetStr := range SplitOffsets(offsets) {
		offset, err := ParseOffset(offsetStr)
		if err != nil {
			log.Printf("Skipping unparseable reminder offset %q on event %d: %v", offsetStr, display.ID, err)
			continue
		}

		trigger := s.ComputeTrigger(occ.StartTs, master.AllDay, offset)
		if trigger.Before(s.now()) {
			continue
		}

		existing, err := s.store.FindReminder(display.ID, occ.StartTs, offsetStr)
		if err != nil {
			return fmt.Errorf("find reminder: %w", err)
		}
		if existing != nil {
			continue
		}

		r := &domain.ScheduledReminder{
			EventID:        display.ID,
			OccurrenceTime: occ.StartTs,
			TriggerTime:    trigger.UnixMilli(),
			Offset:         offsetStr,
			Title:          display.Title,
			Location:       display.Location,
			AllDay:         master.AllDay,
		}
		if err := s.store.CreateReminder(r); err != nil {
			return fmt.Errorf("create reminder: %w", err)
		}
		s.alarms.Register(r.ID, trigger)
	}
	return nil
}

// CancelEvent drops all reminders for an event and their alarms; the
// start of a cascade delete.
func (s *Scheduler) CancelEvent(eventID int64) error {
	ids, err := s.store.DeleteRemindersByEvent(eventID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.alarms.Cancel(id)
	}
	return nil
}

// CancelOccurrence drops reminders for a single occurrence.
func (s *Scheduler) CancelOccurrence(eventID, occurrenceTime int64) error {
	ids, err := s.store.DeleteRemindersByOccurrence(eventID, occurrenceTime)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.alarms.Cancel(id)
	}
	return nil
}

// CancelFrom drops reminders for occurrences at or after the given
// instant, used when a recurring series is truncated.
func (s *Scheduler) CancelFrom(eventID, fromTs int64) error {
	ids, err := s.store.DeleteRemindersFrom(eventID, fromTs)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.alarms.Cancel(id)
	}
	return nil
}

// Snooze reschedules a reminder to now+d.
func (s *Scheduler) Snooze(reminderID int64, d time.Duration) error {
	r, err := s.store.GetReminder(reminderID)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("reminder %d not found", reminderID)
	}

	s.alarms.Cancel(reminderID)
	trigger := s.now().Add(d)
	triggerTs := trigger.UnixMilli()
	if err := s.store.UpdateReminderTrigger(reminderID, triggerTs, &triggerTs); err != nil {
		return err
	}
	s.alarms.Register(reminderID, trigger)
	return nil
}

// MarkDismissed dismisses a reminder and cancels its alarm.
func (s *Scheduler) MarkDismissed(reminderID int64) error {
	s.alarms.Cancel(reminderID)
	return s.store.UpdateReminderStatus(reminderID, domain.ReminderDismissed)
}

// HandleFire is the alarm callback: look the reminder up, skip it if it
// was dismissed meanwhile, render the notification and mark it fired.
func (s *Scheduler) HandleFire(reminderID int64) {
	r, err := s.store.GetReminder(reminderID)
	if err != nil {
		log.Printf("Error loading reminder %d on fire: %v", reminderID, err)
		return
	}
	if r == nil || r.Status != domain.ReminderPending {
		return
	}

	body := time.UnixMilli(r.OccurrenceTime).In(s.location()).Format("02.01.2006 15:04")
	if r.AllDay {
		body = time.UnixMilli(r.OccurrenceTime).UTC().Format("02.01.2006")
	}
	if r.Location != "" {
		body += " @ " + r.Location
	}
	if err := s.notifier.Notify(r.Title, body); err != nil {
		log.Printf("Error delivering reminder %d: %v", reminderID, err)
		return
	}

	if err := s.store.UpdateReminderStatus(reminderID, domain.ReminderFired); err != nil {
		log.Printf("Error marking reminder %d fired: %v", reminderID, err)
	}
}

// RescheduleAll re-registers every pending reminder from durable
// storage. Called on boot/app update, since alarms do not survive a
// restart. All-day triggers are recomputed in the current local zone; a
// timezone change since they were stored moves them.
func (s *Scheduler) RescheduleAll() error {
	reminders, err := s.store.ListPendingReminders()
	if err != nil {
		return fmt.Errorf("list pending reminders: %w", err)
	}

	for _, r := range reminders {
		trigger := time.UnixMilli(r.TriggerTime)

		if r.AllDay && r.SnoozedUntil == nil {
			offset, err := ParseOffset(r.Offset)
			if err == nil {
				recomputed := s.ComputeTrigger(r.OccurrenceTime, true, offset)
				if recomputed.UnixMilli() != r.TriggerTime {
					if err := s.store.UpdateReminderTrigger(r.ID, recomputed.UnixMilli(), nil); err != nil {
						log.Printf("Error updating trigger for reminder %d: %v", r.ID, err)
						continue
					}
					trigger = recomputed
				}
			}
		}

		s.alarms.Register(r.ID, trigger)
	}

	log.Printf("Rescheduled %d pending reminders", len(reminders))
	return nil
}

// PurgeOld drops fired/dismissed reminders older than the retention
// threshold.
func (s *Scheduler) PurgeOld(retention time.Duration) error {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := s.now().Add(-retention).UnixMilli()
	n, err := s.store.PurgeOldReminders(cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("Purged %d old reminders", n)
	}
	return nil
}
