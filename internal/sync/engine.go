package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"calsyncd/internal/clients/caldav"
	"calsyncd/internal/domain"
	"calsyncd/internal/recurrence"
	"calsyncd/internal/reminder"
	"calsyncd/internal/storage"
)

// RemoteClient is what the engine needs from a CalDAV connection. Each
// account gets its own isolated instance bound to that account's
// credentials; a shared client could race concurrent account syncs onto
// the wrong auth.
type RemoteClient interface {
	GetCTag(ctx context.Context, calendarURL string) (string, error)
	ListObjects(ctx context.Context, calendarURL string, from, to time.Time) ([]*caldav.RemoteObject, []error, error)
	PutObject(ctx context.Context, path string, master caldav.RemoteEvent, overrides []caldav.RemoteEvent, etag string) (string, error)
	DeleteObject(ctx context.Context, path, etag string) error
}

// AccountResult aggregates one account's sync cycle.
type AccountResult struct {
	AccountID       int64
	CalendarsSynced int
	Pulled          int
	Pushed          int
	Conflicts       int
	ChangedEventIDs []int64
	Errors          []error
	AuthFailed      bool
}

func (r *AccountResult) addError(err error) {
	r.Errors = append(r.Errors, err)
}

// Changed reports whether the cycle moved any data.
func (r *AccountResult) Changed() bool {
	return r.Pulled > 0 || r.Pushed > 0
}

// Engine synchronizes one account at a time: per calendar it pulls
// remote changes, applies them locally (re-running expansion and
// reminder scheduling), then drains the pending-operation queue.
// Pull-then-push is sequential on purpose; push decisions depend on the
// just-pulled state.
type Engine struct {
	store *storage.Storage
	mat   *Materializer
	rem   *reminder.Scheduler

	pullAhead time.Duration
	now       func() time.Time
}

func NewEngine(store *storage.Storage, mat *Materializer, rem *reminder.Scheduler, pullAhead time.Duration) *Engine {
	if pullAhead <= 0 {
		pullAhead = DefaultExpandAhead
	}
	return &Engine{
		store:     store,
		mat:       mat,
		rem:       rem,
		pullAhead: pullAhead,
		now:       time.Now,
	}
}

// SyncAccount runs the full cycle for one account. Per-calendar errors
// are recorded and the remaining calendars continue; an authentication
// error aborts the whole account, since every further request would fail
// the same way.
func (e *Engine) SyncAccount(ctx context.Context, account *domain.Account, client RemoteClient, force bool) *AccountResult {
	res := &AccountResult{AccountID: account.ID}

	cals, err := e.store.ListCalendarsByAccount(account.ID)
	if err != nil {
		res.addError(fmt.Errorf("list calendars: %w", err))
		return res
	}

	for _, cal := range cals {
		if err := ctx.Err(); err != nil {
			res.addError(err)
			break
		}

		if err := e.syncCalendar(ctx, account, cal, client, force, res); err != nil {
			res.addError(fmt.Errorf("calendar %s: %w", cal.DisplayName, err))
			if caldav.IsKind(err, caldav.KindAuth) {
				res.AuthFailed = true
				break
			}
			continue
		}
		res.CalendarsSynced++
	}

	return res
}

func (e *Engine) syncCalendar(ctx context.Context, account *domain.Account, cal *domain.Calendar, client RemoteClient, force bool, res *AccountResult) error {
	ctag, err := client.GetCTag(ctx, cal.URL)
	if err != nil {
		e.logAction(account.ID, &cal.ID, "pull", "error", "", err)
		return err
	}

	unchanged := !force && ctag != "" && ctag == cal.CTag
	if !unchanged {
		if err := e.pull(ctx, account, cal, client, res); err != nil {
			return err
		}
		if err := e.store.UpdateCalendarCursor(cal.ID, ctag, cal.SyncToken); err != nil {
			return fmt.Errorf("store cursor: %w", err)
		}
	}

	if cal.ReadOnly {
		return nil
	}
	return e.push(ctx, account, cal, client, res)
}

// pull lists the remote window, diffs against local state and applies
// creates, updates and deletes. Locally modified events are never
// clobbered by a remote change; the divergence is logged as a conflict
// and left for push to surface.
func (e *Engine) pull(ctx context.Context, account *domain.Account, cal *domain.Calendar, client RemoteClient, res *AccountResult) error {
	now := e.now()
	from := now.Add(-ExpandBackfill)
	to := now.Add(e.pullAhead)

	objects, parseErrs, err := client.ListObjects(ctx, cal.URL, from, to)
	if err != nil {
		e.logAction(account.ID, &cal.ID, "pull", "error", "", err)
		return err
	}
	for _, perr := range parseErrs {
		// Malformed items are skipped; the rest of the pull continues.
		log.Printf("Skipping unparseable object in %s: %v", cal.DisplayName, perr)
		e.logAction(account.ID, &cal.ID, "pull", "skipped", "", perr)
	}

	seen := make(map[string]bool, len(objects))
	for _, obj := range objects {
		seen[obj.Event.UID] = true
		if err := e.applyRemote(account, cal, obj, res); err != nil {
			res.addError(fmt.Errorf("apply %s: %w", obj.Event.UID, err))
		}
	}

	// Local synced masters missing remotely were deleted on the server.
	locals, err := e.store.ListMasterEventsByCalendar(cal.ID)
	if err != nil {
		return fmt.Errorf("list local events: %w", err)
	}
	for _, local := range locals {
		if seen[local.UID] || local.SyncStatus != domain.SyncStatusSynced {
			continue
		}
		if !seriesInWindow(local, from, to) {
			continue // outside the listed window; absence proves nothing
		}
		if err := e.deleteLocal(local); err != nil {
			res.addError(fmt.Errorf("delete %s: %w", local.UID, err))
			continue
		}
		res.Pulled++
		e.logAction(account.ID, &cal.ID, "pull", "ok", local.UID, fmt.Errorf("deleted remotely"))
	}

	return nil
}

// seriesInWindow reports whether any occurrence of the event can fall in
// [from, to). Only then does absence from the server's time-range listing
// prove a remote deletion; a series living entirely outside the window is
// never a deletion candidate, recurring or not.
func seriesInWindow(ev *domain.Event, from, to time.Time) bool {
	if ev.StartTs >= to.UnixMilli() {
		return false
	}
	end, bounded := recurrence.SeriesEnd(ev)
	if !bounded {
		return true
	}
	return end.UnixMilli() >= from.UnixMilli()
}

func (e *Engine) applyRemote(account *domain.Account, cal *domain.Calendar, obj *caldav.RemoteObject, res *AccountResult) error {
	local, err := e.store.GetMasterEventByUID(cal.ID, obj.Event.UID)
	if err != nil {
		return err
	}

	if local == nil {
		master := remoteToEvent(cal.ID, obj.Event)
		master.ETag = obj.ETag
		if err := e.store.CreateEvent(master); err != nil {
			return err
		}
		if err := e.applyOverrides(cal.ID, master, obj.Overrides); err != nil {
			return err
		}
		if err := e.mat.Regenerate(master); err != nil {
			return err
		}
		res.Pulled++
		res.ChangedEventIDs = append(res.ChangedEventIDs, master.ID)
		return nil
	}

	if obj.ETag == local.ETag {
		return nil // nothing changed remotely
	}

	if local.SyncStatus == domain.SyncStatusPending {
		// Remote moved while a local change is queued. The local change
		// is not dropped; push will hit the ETag mismatch and surface it.
		res.Conflicts++
		e.logAction(account.ID, &cal.ID, "conflict", "skipped", local.UID,
			fmt.Errorf("remote etag %s, local pending on %s", obj.ETag, local.ETag))
		return nil
	}

	updated := remoteToEvent(cal.ID, obj.Event)
	updated.ID = local.ID
	updated.ETag = obj.ETag
	if err := e.store.UpdateEvent(updated); err != nil {
		return err
	}
	if err := e.replaceOverrides(cal.ID, updated, obj.Overrides); err != nil {
		return err
	}
	if err := e.mat.Regenerate(updated); err != nil {
		return err
	}
	res.Pulled++
	res.ChangedEventIDs = append(res.ChangedEventIDs, updated.ID)
	return nil
}

func (e *Engine) applyOverrides(calendarID int64, master *domain.Event, overrides []caldav.RemoteEvent) error {
	for _, ov := range overrides {
		if ov.RecurrenceID == nil {
			continue
		}
		exc := remoteToEvent(calendarID, ov)
		masterID := master.ID
		instance := ov.RecurrenceID.UnixMilli()
		exc.OriginalEventID = &masterID
		exc.OriginalInstanceTime = &instance
		if err := e.store.CreateEvent(exc); err != nil {
			return fmt.Errorf("create exception: %w", err)
		}
	}
	return nil
}

func (e *Engine) replaceOverrides(calendarID int64, master *domain.Event, overrides []caldav.RemoteEvent) error {
	existing, err := e.store.ListExceptions(master.ID)
	if err != nil {
		return err
	}
	for _, exc := range existing {
		if err := e.rem.CancelEvent(exc.ID); err != nil {
			return err
		}
		if err := e.store.DeleteEvent(exc.ID); err != nil {
			return err
		}
	}
	return e.applyOverrides(calendarID, master, overrides)
}

func (e *Engine) deleteLocal(master *domain.Event) error {
	exceptions, err := e.store.ListExceptions(master.ID)
	if err != nil {
		return err
	}
	for _, exc := range exceptions {
		if err := e.rem.CancelEvent(exc.ID); err != nil {
			return err
		}
	}
	if err := e.rem.CancelEvent(master.ID); err != nil {
		return err
	}
	return e.store.DeleteEvent(master.ID)
}

// push drains the calendar's pending operations in enqueue order. Each
// item fails or succeeds on its own; only an authentication error stops
// the drain.
func (e *Engine) push(ctx context.Context, account *domain.Account, cal *domain.Calendar, client RemoteClient, res *AccountResult) error {
	ops, err := e.store.ListPendingOperations([]int64{cal.ID})
	if err != nil {
		return fmt.Errorf("list pending operations: %w", err)
	}

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := e.store.MarkOperationInProgress(op.ID); err != nil {
			return err
		}

		err := e.pushOperation(ctx, cal, client, op, res)
		switch {
		case err == nil:
			if derr := e.store.DeleteOperation(op.ID); derr != nil {
				return derr
			}
			res.Pushed++
			e.logAction(account.ID, &cal.ID, "push", "ok", op.UID, nil)

		case caldav.IsKind(err, caldav.KindAuth):
			// Systemic; recoverable as stale IN_PROGRESS on the next run.
			e.logAction(account.ID, &cal.ID, "push", "error", op.UID, err)
			return err

		case caldav.IsKind(err, caldav.KindConflict):
			res.Conflicts++
			res.addError(fmt.Errorf("push %s: %w", op.UID, err))
			e.logAction(account.ID, &cal.ID, "conflict", "error", op.UID, err)
			if ferr := e.store.MarkOperationFailed(op.ID, e.now()); ferr != nil {
				return ferr
			}

		default:
			res.addError(fmt.Errorf("push %s: %w", op.UID, err))
			e.logAction(account.ID, &cal.ID, "push", "error", op.UID, err)
			if ferr := e.store.MarkOperationFailed(op.ID, e.now()); ferr != nil {
				return ferr
			}
		}
	}
	return nil
}

func (e *Engine) pushOperation(ctx context.Context, cal *domain.Calendar, client RemoteClient, op *domain.PendingOperation, res *AccountResult) error {
	if op.Type == domain.OpDelete {
		err := client.DeleteObject(ctx, op.ObjectURL, op.ETag)
		if caldav.IsKind(err, caldav.KindNotFound) {
			return nil // already gone remotely
		}
		return err
	}

	ev, err := e.store.GetEvent(op.EventID)
	if err != nil {
		return err
	}
	if ev == nil {
		// The event vanished locally; nothing left to push.
		return nil
	}

	exceptions, err := e.store.ListExceptions(ev.ID)
	if err != nil {
		return err
	}

	master := eventToRemote(ev)
	overrides := make([]caldav.RemoteEvent, 0, len(exceptions))
	for _, exc := range exceptions {
		overrides = append(overrides, eventToRemote(exc))
	}

	path := op.ObjectURL
	if path == "" {
		path = caldav.ObjectPath(cal.URL, ev.UID)
	}

	etag := ""
	if op.Type == domain.OpUpdate {
		etag = ev.ETag
	}

	newETag, err := client.PutObject(ctx, path, master, overrides, etag)
	if caldav.IsKind(err, caldav.KindNotFound) && op.Type == domain.OpUpdate {
		// 404 on a known resource is a deletion signal: the remote side
		// removed the event from under our update.
		if derr := e.deleteLocal(ev); derr != nil {
			return derr
		}
		res.Pulled++
		return nil
	}
	if err != nil {
		return err
	}

	return e.store.UpdateEventSyncStatus(ev.ID, domain.SyncStatusSynced, newETag)
}

func (e *Engine) logAction(accountID int64, calendarID *int64, action, result, uid string, err error) {
	entry := &domain.SyncLogEntry{
		AccountID:  accountID,
		CalendarID: calendarID,
		Action:     action,
		Result:     result,
		EventUID:   uid,
	}
	if err != nil {
		entry.Detail = err.Error()
		var ce *caldav.Error
		if errors.As(err, &ce) {
			entry.HTTPStatus = ce.HTTPStatus
		}
	}
	if lerr := e.store.AppendSyncLog(entry); lerr != nil {
		log.Printf("Error appending sync log: %v", lerr)
	}
}

// === wire <-> local conversion ===

func remoteToEvent(calendarID int64, re caldav.RemoteEvent) *domain.Event {
	return &domain.Event{
		CalendarID:      calendarID,
		UID:             re.UID,
		Title:           re.Summary,
		Description:     re.Description,
		Location:        re.Location,
		StartTs:         re.Start.UnixMilli(),
		EndTs:           re.End.UnixMilli(),
		AllDay:          re.AllDay,
		RRule:           re.RRule,
		RDate:           recurrence.FormatTsList(re.RDates),
		ExDate:          recurrence.FormatTsList(re.ExDates),
		Cancelled:       re.Cancelled,
		ReminderOffsets: strings.Join(re.ReminderTriggers, ","),
		Sequence:        re.Sequence,
		SyncStatus:      domain.SyncStatusSynced,
		DTStamp:         time.Now().UnixMilli(),
	}
}

func eventToRemote(ev *domain.Event) caldav.RemoteEvent {
	re := caldav.RemoteEvent{
		UID:              ev.UID,
		Summary:          ev.Title,
		Description:      ev.Description,
		Location:         ev.Location,
		Start:            time.UnixMilli(ev.StartTs).UTC(),
		End:              time.UnixMilli(ev.EndTs).UTC(),
		AllDay:           ev.AllDay,
		RRule:            ev.RRule,
		Sequence:         ev.Sequence,
		Cancelled:        ev.Cancelled,
		ReminderTriggers: reminder.SplitOffsets(ev.ReminderOffsets),
	}
	for _, ts := range recurrence.ParseTsList(ev.RDate) {
		re.RDates = append(re.RDates, time.UnixMilli(ts).UTC())
	}
	for _, ts := range recurrence.ParseTsList(ev.ExDate) {
		re.ExDates = append(re.ExDates, time.UnixMilli(ts).UTC())
	}
	if ev.OriginalInstanceTime != nil {
		rid := time.UnixMilli(*ev.OriginalInstanceTime).UTC()
		re.RecurrenceID = &rid
	}
	return re
}
