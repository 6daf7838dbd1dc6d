package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"calsyncd/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			username TEXT NOT NULL,
			password TEXT NOT NULL DEFAULT '',
			server_url TEXT NOT NULL DEFAULT '',
			principal_url TEXT NOT NULL DEFAULT '',
			home_set_url TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_sync_success DATETIME,
			last_sync_failure DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS calendars (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			url TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			read_only INTEGER NOT NULL DEFAULT 0,
			visible INTEGER NOT NULL DEFAULT 1,
			is_default INTEGER NOT NULL DEFAULT 0,
			ctag TEXT NOT NULL DEFAULT '',
			sync_token TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
			UNIQUE (account_id, url)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			calendar_id INTEGER NOT NULL,
			uid TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			all_day INTEGER NOT NULL DEFAULT 0,
			rrule TEXT NOT NULL DEFAULT '',
			rdate TEXT NOT NULL DEFAULT '',
			exdate TEXT NOT NULL DEFAULT '',
			original_event_id INTEGER,
			original_instance_time INTEGER,
			cancelled INTEGER NOT NULL DEFAULT 0,
			reminder_offsets TEXT NOT NULL DEFAULT '',
			etag TEXT NOT NULL DEFAULT '',
			sequence INTEGER NOT NULL DEFAULT 0,
			sync_status TEXT NOT NULL DEFAULT 'synced',
			dtstamp INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (calendar_id) REFERENCES calendars(id) ON DELETE CASCADE,
			FOREIGN KEY (original_event_id) REFERENCES events(id) ON DELETE CASCADE
		)`,
		// One master event per (uid, calendar); exceptions share the uid.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_master_uid
			ON events(calendar_id, uid) WHERE original_event_id IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_events_calendar ON events(calendar_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_original ON events(original_event_id)`,
		`CREATE TABLE IF NOT EXISTS occurrences (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id INTEGER NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			start_day_code INTEGER NOT NULL,
			end_day_code INTEGER NOT NULL,
			is_cancelled INTEGER NOT NULL DEFAULT 0,
			exception_event_id INTEGER,
			FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE,
			FOREIGN KEY (exception_event_id) REFERENCES events(id) ON DELETE SET NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_occurrences_event ON occurrences(event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_occurrences_start ON occurrences(start_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_occurrences_days ON occurrences(start_day_code, end_day_code)`,
		`CREATE TABLE IF NOT EXISTS pending_operations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id INTEGER NOT NULL DEFAULT 0,
			calendar_id INTEGER NOT NULL,
			op_type TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'PENDING',
			object_url TEXT NOT NULL DEFAULT '',
			uid TEXT NOT NULL DEFAULT '',
			etag TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			failed_at DATETIME,
			lifetime_reset_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			abandon_reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (calendar_id) REFERENCES calendars(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_state ON pending_operations(state)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_calendar ON pending_operations(calendar_id)`,
		`CREATE TABLE IF NOT EXISTS scheduled_reminders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id INTEGER NOT NULL,
			occurrence_time INTEGER NOT NULL,
			trigger_time INTEGER NOT NULL,
			reminder_offset TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			title TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			all_day INTEGER NOT NULL DEFAULT 0,
			snoozed_until INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE,
			UNIQUE (event_id, occurrence_time, reminder_offset)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_trigger ON scheduled_reminders(trigger_time)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_status ON scheduled_reminders(status)`,
		`CREATE TABLE IF NOT EXISTS sync_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			calendar_id INTEGER,
			action TEXT NOT NULL,
			result TEXT NOT NULL,
			event_uid TEXT NOT NULL DEFAULT '',
			http_status INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_log_created ON sync_log(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("exec migration: %w", err)
			}
		}
	}
	return nil
}

// === Accounts ===

func (s *Storage) CreateAccount(a *domain.Account) error {
	res, err := s.db.Exec(
		`INSERT INTO accounts (provider, username, password, server_url, principal_url, home_set_url, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Provider, a.Username, a.Password, a.ServerURL, a.PrincipalURL, a.HomeSetURL, a.Enabled,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	a.ID = id
	a.CreatedAt = time.Now()
	return nil
}

const accountCols = `id, provider, username, password, server_url, principal_url, home_set_url,
	enabled, consecutive_failures, last_sync_success, last_sync_failure, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*domain.Account, error) {
	a := &domain.Account{}
	err := row.Scan(&a.ID, &a.Provider, &a.Username, &a.Password, &a.ServerURL,
		&a.PrincipalURL, &a.HomeSetURL, &a.Enabled, &a.ConsecutiveFailures,
		&a.LastSyncSuccess, &a.LastSyncFailure, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *Storage) GetAccount(id int64) (*domain.Account, error) {
	return scanAccount(s.db.QueryRow(`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
}

func (s *Storage) GetAccountByUsername(provider domain.Provider, username string) (*domain.Account, error) {
	return scanAccount(s.db.QueryRow(
		`SELECT `+accountCols+` FROM accounts WHERE provider = ? AND username = ?`,
		provider, username))
}

func (s *Storage) ListAccounts(enabledOnly bool) ([]*domain.Account, error) {
	query := `SELECT ` + accountCols + ` FROM accounts`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Storage) UpdateAccountDiscovery(id int64, principalURL, homeSetURL string) error {
	_, err := s.db.Exec(
		`UPDATE accounts SET principal_url = ?, home_set_url = ? WHERE id = ?`,
		principalURL, homeSetURL, id,
	)
	return err
}

// RecordSyncSuccess resets the failure streak and stamps the success time.
func (s *Storage) RecordSyncSuccess(id int64, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE accounts SET consecutive_failures = 0, last_sync_success = ? WHERE id = ?`,
		at, id,
	)
	return err
}

// RecordSyncFailure bumps the failure streak and returns its new value.
func (s *Storage) RecordSyncFailure(id int64, at time.Time) (int, error) {
	_, err := s.db.Exec(
		`UPDATE accounts SET consecutive_failures = consecutive_failures + 1, last_sync_failure = ? WHERE id = ?`,
		at, id,
	)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRow(`SELECT consecutive_failures FROM accounts WHERE id = ?`, id).Scan(&n)
	return n, err
}

// DeleteAccount removes the account and everything hanging off it in one
// transaction: calendars, events, occurrences, reminders, pending
// operations. The FK cascades would do most of this, but the invariant is
// enforced explicitly at the transaction boundary.
func (s *Storage) DeleteAccount(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM scheduled_reminders WHERE event_id IN (
			SELECT e.id FROM events e JOIN calendars c ON e.calendar_id = c.id WHERE c.account_id = ?)`,
		`DELETE FROM occurrences WHERE event_id IN (
			SELECT e.id FROM events e JOIN calendars c ON e.calendar_id = c.id WHERE c.account_id = ?)`,
		`DELETE FROM pending_operations WHERE calendar_id IN (
			SELECT id FROM calendars WHERE account_id = ?)`,
		`DELETE FROM events WHERE calendar_id IN (
			SELECT id FROM calendars WHERE account_id = ?)`,
		`DELETE FROM calendars WHERE account_id = ?`,
		`DELETE FROM accounts WHERE id = ?`,
	}
	for _, q := range stmts {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("delete account cascade: %w", err)
		}
	}
	return tx.Commit()
}

// === Calendars ===

func (s *Storage) CreateCalendar(c *domain.Calendar) error {
	res, err := s.db.Exec(
		`INSERT INTO calendars (account_id, url, display_name, color, read_only, visible, is_default, ctag, sync_token)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.AccountID, c.URL, c.DisplayName, c.Color, c.ReadOnly, c.Visible, c.IsDefault, c.CTag, c.SyncToken,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	c.ID = id
	c.CreatedAt = time.Now()
	return nil
}

const calendarCols = `id, account_id, url, display_name, color, read_only, visible, is_default,
	ctag, sync_token, created_at, updated_at`

func scanCalendar(row interface{ Scan(...any) error }) (*domain.Calendar, error) {
	c := &domain.Calendar{}
	err := row.Scan(&c.ID, &c.AccountID, &c.URL, &c.DisplayName, &c.Color, &c.ReadOnly,
		&c.Visible, &c.IsDefault, &c.CTag, &c.SyncToken, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *Storage) GetCalendar(id int64) (*domain.Calendar, error) {
	return scanCalendar(s.db.QueryRow(`SELECT `+calendarCols+` FROM calendars WHERE id = ?`, id))
}

func (s *Storage) GetCalendarByURL(accountID int64, url string) (*domain.Calendar, error) {
	return scanCalendar(s.db.QueryRow(
		`SELECT `+calendarCols+` FROM calendars WHERE account_id = ? AND url = ?`, accountID, url))
}

func (s *Storage) ListCalendarsByAccount(accountID int64) ([]*domain.Calendar, error) {
	rows, err := s.db.Query(
		`SELECT `+calendarCols+` FROM calendars WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cals []*domain.Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		cals = append(cals, c)
	}
	return cals, rows.Err()
}

func (s *Storage) UpdateCalendar(c *domain.Calendar) error {
	_, err := s.db.Exec(
		`UPDATE calendars SET display_name = ?, color = ?, read_only = ?, visible = ?, is_default = ?,
			ctag = ?, sync_token = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		c.DisplayName, c.Color, c.ReadOnly, c.Visible, c.IsDefault, c.CTag, c.SyncToken, c.ID,
	)
	return err
}

func (s *Storage) UpdateCalendarCursor(id int64, ctag, syncToken string) error {
	_, err := s.db.Exec(
		`UPDATE calendars SET ctag = ?, sync_token = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		ctag, syncToken, id,
	)
	return err
}

// ClearCalendarCursor forces a full pull on the next sync.
func (s *Storage) ClearCalendarCursor(id int64) error {
	return s.UpdateCalendarCursor(id, "", "")
}

func (s *Storage) DeleteCalendar(id int64) error {
	_, err := s.db.Exec(`DELETE FROM calendars WHERE id = ?`, id)
	return err
}

// === Events ===

func (s *Storage) CreateEvent(e *domain.Event) error {
	res, err := s.db.Exec(
		`INSERT INTO events (calendar_id, uid, title, description, location, start_ts, end_ts, all_day,
			rrule, rdate, exdate, original_event_id, original_instance_time, cancelled, reminder_offsets,
			etag, sequence, sync_status, dtstamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CalendarID, e.UID, e.Title, e.Description, e.Location, e.StartTs, e.EndTs, e.AllDay,
		e.RRule, e.RDate, e.ExDate, e.OriginalEventID, e.OriginalInstanceTime, e.Cancelled, e.ReminderOffsets,
		e.ETag, e.Sequence, e.SyncStatus, e.DTStamp,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	e.ID = id
	e.CreatedAt = time.Now()
	return nil
}

const eventCols = `id, calendar_id, uid, title, description, location, start_ts, end_ts, all_day,
	rrule, rdate, exdate, original_event_id, original_instance_time, cancelled, reminder_offsets,
	etag, sequence, sync_status, dtstamp, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*domain.Event, error) {
	e := &domain.Event{}
	err := row.Scan(&e.ID, &e.CalendarID, &e.UID, &e.Title, &e.Description, &e.Location,
		&e.StartTs, &e.EndTs, &e.AllDay, &e.RRule, &e.RDate, &e.ExDate,
		&e.OriginalEventID, &e.OriginalInstanceTime, &e.Cancelled, &e.ReminderOffsets,
		&e.ETag, &e.Sequence, &e.SyncStatus, &e.DTStamp, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *Storage) GetEvent(id int64) (*domain.Event, error) {
	return scanEvent(s.db.QueryRow(`SELECT `+eventCols+` FROM events WHERE id = ?`, id))
}

// GetMasterEventByUID returns the master event for a (calendar, uid) pair.
// Exceptions share the uid and are excluded.
func (s *Storage) GetMasterEventByUID(calendarID int64, uid string) (*domain.Event, error) {
	return scanEvent(s.db.QueryRow(
		`SELECT `+eventCols+` FROM events WHERE calendar_id = ? AND uid = ? AND original_event_id IS NULL`,
		calendarID, uid))
}

func (s *Storage) ListExceptions(masterEventID int64) ([]*domain.Event, error) {
	return s.queryEvents(`SELECT `+eventCols+` FROM events WHERE original_event_id = ? ORDER BY original_instance_time`, masterEventID)
}

func (s *Storage) ListEventsByCalendar(calendarID int64) ([]*domain.Event, error) {
	return s.queryEvents(`SELECT `+eventCols+` FROM events WHERE calendar_id = ? ORDER BY id`, calendarID)
}

func (s *Storage) ListMasterEventsByCalendar(calendarID int64) ([]*domain.Event, error) {
	return s.queryEvents(
		`SELECT `+eventCols+` FROM events WHERE calendar_id = ? AND original_event_id IS NULL ORDER BY id`,
		calendarID)
}

func (s *Storage) queryEvents(query string, args ...any) ([]*domain.Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Storage) UpdateEvent(e *domain.Event) error {
	_, err := s.db.Exec(
		`UPDATE events SET title = ?, description = ?, location = ?, start_ts = ?, end_ts = ?, all_day = ?,
			rrule = ?, rdate = ?, exdate = ?, original_instance_time = ?, cancelled = ?, reminder_offsets = ?,
			etag = ?, sequence = ?, sync_status = ?, dtstamp = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		e.Title, e.Description, e.Location, e.StartTs, e.EndTs, e.AllDay,
		e.RRule, e.RDate, e.ExDate, e.OriginalInstanceTime, e.Cancelled, e.ReminderOffsets,
		e.ETag, e.Sequence, e.SyncStatus, e.DTStamp, e.ID,
	)
	return err
}

func (s *Storage) UpdateEventSyncStatus(id int64, status domain.SyncStatus, etag string) error {
	_, err := s.db.Exec(
		`UPDATE events SET sync_status = ?, etag = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, etag, id,
	)
	return err
}

// DeleteEvent removes the event; occurrences, reminders and exception
// events go with it via FK cascade.
func (s *Storage) DeleteEvent(id int64) error {
	_, err := s.db.Exec(`DELETE FROM events WHERE id = ?`, id)
	return err
}

// === Occurrences ===

// ReplaceOccurrences swaps an event's materialized occurrence set in one
// transaction. Readers never observe a partial set.
func (s *Storage) ReplaceOccurrences(eventID int64, occs []domain.Occurrence) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM occurrences WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("clear occurrences: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO occurrences (event_id, start_ts, end_ts, start_day_code, end_day_code, is_cancelled, exception_event_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range occs {
		if _, err := stmt.Exec(eventID, o.StartTs, o.EndTs, o.StartDayCode, o.EndDayCode, o.IsCancelled, o.ExceptionEventID); err != nil {
			return fmt.Errorf("insert occurrence: %w", err)
		}
	}
	return tx.Commit()
}

const occurrenceCols = `id, event_id, start_ts, end_ts, start_day_code, end_day_code, is_cancelled, exception_event_id`

func scanOccurrence(row interface{ Scan(...any) error }) (*domain.Occurrence, error) {
	o := &domain.Occurrence{}
	err := row.Scan(&o.ID, &o.EventID, &o.StartTs, &o.EndTs, &o.StartDayCode, &o.EndDayCode, &o.IsCancelled, &o.ExceptionEventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *Storage) ListOccurrencesByEvent(eventID int64) ([]*domain.Occurrence, error) {
	return s.queryOccurrences(
		`SELECT `+occurrenceCols+` FROM occurrences WHERE event_id = ? ORDER BY start_ts`, eventID)
}

// ListOccurrencesInRange returns non-cancelled occurrences overlapping
// [startTs, endTs), ordered by start.
func (s *Storage) ListOccurrencesInRange(startTs, endTs int64) ([]*domain.Occurrence, error) {
	return s.queryOccurrences(
		`SELECT `+occurrenceCols+` FROM occurrences
		 WHERE start_ts < ? AND end_ts > ? AND is_cancelled = 0 ORDER BY start_ts`,
		endTs, startTs)
}

// ListOccurrencesByDayCode serves calendar-grid queries.
func (s *Storage) ListOccurrencesByDayCode(dayCode int) ([]*domain.Occurrence, error) {
	return s.queryOccurrences(
		`SELECT `+occurrenceCols+` FROM occurrences
		 WHERE start_day_code <= ? AND end_day_code >= ? AND is_cancelled = 0 ORDER BY start_ts`,
		dayCode, dayCode)
}

func (s *Storage) queryOccurrences(query string, args ...any) ([]*domain.Occurrence, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var occs []*domain.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		occs = append(occs, o)
	}
	return occs, rows.Err()
}

// === Pending operations ===

func (s *Storage) CreatePendingOperation(op *domain.PendingOperation) error {
	if op.State == "" {
		op.State = domain.OpStatePending
	}
	now := time.Now()
	if op.LifetimeResetAt.IsZero() {
		op.LifetimeResetAt = now
	}
	res, err := s.db.Exec(
		`INSERT INTO pending_operations (event_id, calendar_id, op_type, state, object_url, uid, etag, lifetime_reset_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.EventID, op.CalendarID, op.Type, op.State, op.ObjectURL, op.UID, op.ETag, op.LifetimeResetAt,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	op.ID = id
	op.CreatedAt = now
	return nil
}

const pendingCols = `id, event_id, calendar_id, op_type, state, object_url, uid, etag,
	attempts, failed_at, lifetime_reset_at, abandon_reason, created_at, updated_at`

func scanPending(row interface{ Scan(...any) error }) (*domain.PendingOperation, error) {
	op := &domain.PendingOperation{}
	err := row.Scan(&op.ID, &op.EventID, &op.CalendarID, &op.Type, &op.State,
		&op.ObjectURL, &op.UID, &op.ETag, &op.Attempts, &op.FailedAt,
		&op.LifetimeResetAt, &op.AbandonReason, &op.CreatedAt, &op.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return op, err
}

func (s *Storage) GetPendingOperation(id int64) (*domain.PendingOperation, error) {
	return scanPending(s.db.QueryRow(`SELECT `+pendingCols+` FROM pending_operations WHERE id = ?`, id))
}

// ListPendingOperations returns PENDING operations for the given
// calendars in enqueue order.
func (s *Storage) ListPendingOperations(calendarIDs []int64) ([]*domain.PendingOperation, error) {
	if len(calendarIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(calendarIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(calendarIDs))
	for i, id := range calendarIDs {
		args[i] = id
	}

	rows, err := s.db.Query(
		`SELECT `+pendingCols+` FROM pending_operations
		 WHERE state = 'PENDING' AND calendar_id IN (`+placeholders+`) ORDER BY id`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*domain.PendingOperation
	for rows.Next() {
		op, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *Storage) MarkOperationInProgress(id int64) error {
	_, err := s.db.Exec(
		`UPDATE pending_operations SET state = 'IN_PROGRESS', attempts = attempts + 1,
			updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

// DeleteOperation removes a completed (or explicitly abandoned) operation.
func (s *Storage) DeleteOperation(id int64) error {
	_, err := s.db.Exec(`DELETE FROM pending_operations WHERE id = ?`, id)
	return err
}

// FindLiveOperationByEvent returns the newest PENDING or FAILED operation
// for an event, used to collapse repeated local edits into one push.
func (s *Storage) FindLiveOperationByEvent(eventID int64) (*domain.PendingOperation, error) {
	return scanPending(s.db.QueryRow(
		`SELECT `+pendingCols+` FROM pending_operations
		 WHERE event_id = ? AND state IN ('PENDING', 'FAILED')
		 ORDER BY id DESC LIMIT 1`, eventID))
}

// DeleteOperationsByEvent removes every queued operation for an event.
func (s *Storage) DeleteOperationsByEvent(eventID int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM pending_operations WHERE event_id = ?`, eventID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Storage) MarkOperationFailed(id int64, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE pending_operations SET state = 'FAILED', failed_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		at, id)
	return err
}

// ResetStaleOperations recovers operations stuck IN_PROGRESS longer than
// the timeout, e.g. after a crash mid-sync.
func (s *Storage) ResetStaleOperations(before time.Time) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE pending_operations SET state = 'PENDING', updated_at = CURRENT_TIMESTAMP
		 WHERE state = 'IN_PROGRESS' AND updated_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetAllFailedOperations is the forced-full-sync path: every FAILED
// operation becomes retryable and its lifetime clock restarts.
func (s *Storage) ResetAllFailedOperations(now time.Time) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE pending_operations SET state = 'PENDING', failed_at = NULL,
			lifetime_reset_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE state = 'FAILED'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AbandonExpiredOperations marks operations whose lifetime clock is older
// than the cutoff as ABANDONED. Terminal; not retried automatically.
func (s *Storage) AbandonExpiredOperations(cutoff time.Time, reason string) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE pending_operations SET state = 'ABANDONED', abandon_reason = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE state IN ('PENDING', 'FAILED') AND lifetime_reset_at < ?`, reason, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetOldFailedOperations auto-retries operations that have sat FAILED
// since before the cutoff, bridging transient outages.
func (s *Storage) ResetOldFailedOperations(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE pending_operations SET state = 'PENDING', updated_at = CURRENT_TIMESTAMP
		 WHERE state = 'FAILED' AND failed_at IS NOT NULL AND failed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Storage) CountOperationsByState(state domain.OperationState) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_operations WHERE state = ?`, state).Scan(&n)
	return n, err
}

// === Scheduled reminders ===

func (s *Storage) CreateReminder(r *domain.ScheduledReminder) error {
	if r.Status == "" {
		r.Status = domain.ReminderPending
	}
	res, err := s.db.Exec(
		`INSERT INTO scheduled_reminders (event_id, occurrence_time, trigger_time, reminder_offset, status, title, location, all_day)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EventID, r.OccurrenceTime, r.TriggerTime, r.Offset, r.Status, r.Title, r.Location, r.AllDay,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	r.ID = id
	r.CreatedAt = time.Now()
	return nil
}

const reminderCols = `id, event_id, occurrence_time, trigger_time, reminder_offset, status,
	title, location, all_day, snoozed_until, created_at, updated_at`

func scanReminder(row interface{ Scan(...any) error }) (*domain.ScheduledReminder, error) {
	r := &domain.ScheduledReminder{}
	err := row.Scan(&r.ID, &r.EventID, &r.OccurrenceTime, &r.TriggerTime, &r.Offset, &r.Status,
		&r.Title, &r.Location, &r.AllDay, &r.SnoozedUntil, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *Storage) GetReminder(id int64) (*domain.ScheduledReminder, error) {
	return scanReminder(s.db.QueryRow(`SELECT `+reminderCols+` FROM scheduled_reminders WHERE id = ?`, id))
}

// FindReminder looks up by the (event, occurrence, offset) identity used
// for dedup.
func (s *Storage) FindReminder(eventID, occurrenceTime int64, offset string) (*domain.ScheduledReminder, error) {
	return scanReminder(s.db.QueryRow(
		`SELECT `+reminderCols+` FROM scheduled_reminders
		 WHERE event_id = ? AND occurrence_time = ? AND reminder_offset = ?`,
		eventID, occurrenceTime, offset))
}

func (s *Storage) ListPendingReminders() ([]*domain.ScheduledReminder, error) {
	return s.queryReminders(
		`SELECT ` + reminderCols + ` FROM scheduled_reminders WHERE status = 'PENDING' ORDER BY trigger_time`)
}

func (s *Storage) queryReminders(query string, args ...any) ([]*domain.ScheduledReminder, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reminders []*domain.ScheduledReminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

func (s *Storage) UpdateReminderStatus(id int64, status domain.ReminderStatus) error {
	_, err := s.db.Exec(
		`UPDATE scheduled_reminders SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, id)
	return err
}

func (s *Storage) UpdateReminderTrigger(id int64, triggerTime int64, snoozedUntil *int64) error {
	_, err := s.db.Exec(
		`UPDATE scheduled_reminders SET trigger_time = ?, snoozed_until = ?, status = 'PENDING',
			updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		triggerTime, snoozedUntil, id)
	return err
}

func (s *Storage) DeleteRemindersByEvent(eventID int64) ([]int64, error) {
	return s.deleteRemindersReturning(
		`SELECT id FROM scheduled_reminders WHERE event_id = ?`,
		`DELETE FROM scheduled_reminders WHERE event_id = ?`, eventID)
}

func (s *Storage) DeleteRemindersByOccurrence(eventID, occurrenceTime int64) ([]int64, error) {
	return s.deleteRemindersReturning(
		`SELECT id FROM scheduled_reminders WHERE event_id = ? AND occurrence_time = ?`,
		`DELETE FROM scheduled_reminders WHERE event_id = ? AND occurrence_time = ?`,
		eventID, occurrenceTime)
}

// DeleteRemindersFrom removes reminders for occurrences at or after the
// given instant, used when a recurring series is truncated.
func (s *Storage) DeleteRemindersFrom(eventID, fromTs int64) ([]int64, error) {
	return s.deleteRemindersReturning(
		`SELECT id FROM scheduled_reminders WHERE event_id = ? AND occurrence_time >= ?`,
		`DELETE FROM scheduled_reminders WHERE event_id = ? AND occurrence_time >= ?`,
		eventID, fromTs)
}

// deleteRemindersReturning returns the deleted ids so the caller can
// cancel the matching OS alarms.
func (s *Storage) deleteRemindersReturning(selectQ, deleteQ string, args ...any) ([]int64, error) {
	rows, err := s.db.Query(selectQ, args...)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(deleteQ, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

// PurgeOldReminders drops fired/dismissed reminders older than the cutoff.
func (s *Storage) PurgeOldReminders(cutoffTs int64) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM scheduled_reminders WHERE status IN ('FIRED', 'DISMISSED') AND trigger_time < ?`,
		cutoffTs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// === Sync log ===

func (s *Storage) AppendSyncLog(entry *domain.SyncLogEntry) error {
	res, err := s.db.Exec(
		`INSERT INTO sync_log (account_id, calendar_id, action, result, event_uid, http_status, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.AccountID, entry.CalendarID, entry.Action, entry.Result, entry.EventUID, entry.HTTPStatus, entry.Detail,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	entry.ID = id
	return nil
}

func (s *Storage) PurgeSyncLog(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sync_log WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
