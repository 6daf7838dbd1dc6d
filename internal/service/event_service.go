package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"calsyncd/internal/clients/caldav"
	"calsyncd/internal/domain"
	"calsyncd/internal/reminder"
	"calsyncd/internal/storage"
	"calsyncd/internal/sync"
)

// EventService performs local calendar mutations. Every write on a
// non-read-only calendar produces a durable pending operation before the
// call returns, then rebuilds occurrences and reminders; the sync engine
// pushes the queue later.
type EventService struct {
	storage   *storage.Storage
	mat       *sync.Materializer
	reminders *reminder.Scheduler
}

func NewEventService(s *storage.Storage, mat *sync.Materializer, reminders *reminder.Scheduler) *EventService {
	return &EventService{storage: s, mat: mat, reminders: reminders}
}

// CreateEvent stores a new master event and queues its push. The UID is
// generated if the caller left it empty.
func (s *EventService) CreateEvent(ev *domain.Event) error {
	cal, err := s.writableCalendar(ev.CalendarID)
	if err != nil {
		return err
	}

	if ev.UID == "" {
		ev.UID = newUID()
	}
	ev.Sequence = 0
	ev.SyncStatus = domain.SyncStatusPending
	ev.DTStamp = time.Now().UnixMilli()

	if err := s.storage.CreateEvent(ev); err != nil {
		return fmt.Errorf("create event: %w", err)
	}

	op := &domain.PendingOperation{
		EventID:    ev.ID,
		CalendarID: cal.ID,
		Type:       domain.OpCreate,
		ObjectURL:  caldav.ObjectPath(cal.URL, ev.UID),
		UID:        ev.UID,
	}
	if err := s.storage.CreatePendingOperation(op); err != nil {
		return fmt.Errorf("enqueue create: %w", err)
	}

	return s.mat.Regenerate(ev)
}

// UpdateEvent stores changed master fields and queues a push. Repeated
// edits collapse onto one queued operation: the push reads the event's
// state at push time, so a second entry would send the same bytes twice.
func (s *EventService) UpdateEvent(ev *domain.Event) error {
	cal, err := s.writableCalendar(ev.CalendarID)
	if err != nil {
		return err
	}

	ev.Sequence++
	ev.SyncStatus = domain.SyncStatusPending
	ev.DTStamp = time.Now().UnixMilli()

	if err := s.storage.UpdateEvent(ev); err != nil {
		return fmt.Errorf("update event: %w", err)
	}

	if err := s.enqueueUpdate(cal, ev); err != nil {
		return err
	}
	return s.mat.Regenerate(ev)
}

// DeleteEvent removes a master event (and its exceptions, occurrences and
// reminders via cascade) and queues the remote delete. An event the
// server never saw is simply dropped together with its queued create.
func (s *EventService) DeleteEvent(eventID int64) error {
	ev, err := s.storage.GetEvent(eventID)
	if err != nil {
		return err
	}
	if ev == nil {
		return fmt.Errorf("event %d not found", eventID)
	}
	cal, err := s.writableCalendar(ev.CalendarID)
	if err != nil {
		return err
	}

	if err := s.reminders.CancelEvent(ev.ID); err != nil {
		return fmt.Errorf("cancel reminders: %w", err)
	}

	exceptions, err := s.storage.ListExceptions(ev.ID)
	if err != nil {
		return err
	}
	for _, exc := range exceptions {
		if err := s.reminders.CancelEvent(exc.ID); err != nil {
			return err
		}
		if _, err := s.storage.DeleteOperationsByEvent(exc.ID); err != nil {
			return err
		}
	}

	neverPushed := ev.ETag == ""
	if _, err := s.storage.DeleteOperationsByEvent(ev.ID); err != nil {
		return fmt.Errorf("drop queued operations: %w", err)
	}

	if err := s.storage.DeleteEvent(ev.ID); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}

	if neverPushed {
		return nil
	}

	op := &domain.PendingOperation{
		EventID:    ev.ID,
		CalendarID: cal.ID,
		Type:       domain.OpDelete,
		ObjectURL:  caldav.ObjectPath(cal.URL, ev.UID),
		UID:        ev.UID,
		ETag:       ev.ETag,
	}
	if err := s.storage.CreatePendingOperation(op); err != nil {
		return fmt.Errorf("enqueue delete: %w", err)
	}
	return nil
}

// EditOccurrence detaches one instance of a recurring master into an
// exception event carrying the modified fields. On the wire this is an
// update of the master's object, so the queued operation targets the
// master.
func (s *EventService) EditOccurrence(masterID, instanceTime int64, modify func(*domain.Event)) error {
	master, cal, exc, err := s.loadInstance(masterID, instanceTime)
	if err != nil {
		return err
	}

	if exc == nil {
		exc = newException(master, instanceTime)
	}
	modify(exc)
	exc.Cancelled = false

	if err := s.saveException(master, exc); err != nil {
		return err
	}
	if err := s.enqueueUpdate(cal, master); err != nil {
		return err
	}
	return s.mat.Regenerate(master)
}

// CancelOccurrence removes one instance of a recurring master by writing
// a cancelled exception, keeping the rest of the series intact.
func (s *EventService) CancelOccurrence(masterID, instanceTime int64) error {
	master, cal, exc, err := s.loadInstance(masterID, instanceTime)
	if err != nil {
		return err
	}

	if exc == nil {
		exc = newException(master, instanceTime)
	}
	exc.Cancelled = true

	if err := s.saveException(master, exc); err != nil {
		return err
	}
	if err := s.reminders.CancelOccurrence(master.ID, instanceTime); err != nil {
		return err
	}
	if err := s.enqueueUpdate(cal, master); err != nil {
		return err
	}
	return s.mat.Regenerate(master)
}

func (s *EventService) loadInstance(masterID, instanceTime int64) (*domain.Event, *domain.Calendar, *domain.Event, error) {
	master, err := s.storage.GetEvent(masterID)
	if err != nil {
		return nil, nil, nil, err
	}
	if master == nil {
		return nil, nil, nil, fmt.Errorf("event %d not found", masterID)
	}
	if !master.IsMaster() {
		return nil, nil, nil, fmt.Errorf("event %d is an exception, not a master", masterID)
	}
	cal, err := s.writableCalendar(master.CalendarID)
	if err != nil {
		return nil, nil, nil, err
	}

	exceptions, err := s.storage.ListExceptions(master.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, e := range exceptions {
		if e.OriginalInstanceTime != nil && *e.OriginalInstanceTime == instanceTime {
			return master, cal, e, nil
		}
	}
	return master, cal, nil, nil
}

func (s *EventService) saveException(master, exc *domain.Event) error {
	exc.Sequence++
	exc.SyncStatus = domain.SyncStatusPending
	exc.DTStamp = time.Now().UnixMilli()

	if exc.ID == 0 {
		if err := s.storage.CreateEvent(exc); err != nil {
			return fmt.Errorf("create exception: %w", err)
		}
	} else {
		if err := s.storage.UpdateEvent(exc); err != nil {
			return fmt.Errorf("update exception: %w", err)
		}
	}

	master.SyncStatus = domain.SyncStatusPending
	if err := s.storage.UpdateEvent(master); err != nil {
		return fmt.Errorf("mark master pending: %w", err)
	}
	return nil
}

func (s *EventService) enqueueUpdate(cal *domain.Calendar, ev *domain.Event) error {
	existing, err := s.storage.FindLiveOperationByEvent(ev.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		// A queued create or update already covers this edit.
		return nil
	}

	op := &domain.PendingOperation{
		EventID:    ev.ID,
		CalendarID: cal.ID,
		Type:       domain.OpUpdate,
		ObjectURL:  caldav.ObjectPath(cal.URL, ev.UID),
		UID:        ev.UID,
		ETag:       ev.ETag,
	}
	if err := s.storage.CreatePendingOperation(op); err != nil {
		return fmt.Errorf("enqueue update: %w", err)
	}
	return nil
}

func (s *EventService) writableCalendar(calendarID int64) (*domain.Calendar, error) {
	cal, err := s.storage.GetCalendar(calendarID)
	if err != nil {
		return nil, err
	}
	if cal == nil {
		return nil, fmt.Errorf("calendar %d not found", calendarID)
	}
	if cal.ReadOnly {
		return nil, fmt.Errorf("calendar %s is read-only", cal.DisplayName)
	}
	return cal, nil
}

func newException(master *domain.Event, instanceTime int64) *domain.Event {
	masterID := master.ID
	instance := instanceTime
	return &domain.Event{
		CalendarID:           master.CalendarID,
		UID:                  master.UID,
		Title:                master.Title,
		Description:          master.Description,
		Location:             master.Location,
		StartTs:              instanceTime,
		EndTs:                instanceTime + master.EndTs - master.StartTs,
		AllDay:               master.AllDay,
		OriginalEventID:      &masterID,
		OriginalInstanceTime: &instance,
		ReminderOffsets:      master.ReminderOffsets,
	}
}

func newUID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d@calsyncd", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf) + "@calsyncd"
}
