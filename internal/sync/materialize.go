package sync

import (
	"fmt"
	"log"
	"time"

	"calsyncd/internal/domain"
	"calsyncd/internal/recurrence"
	"calsyncd/internal/reminder"
	"calsyncd/internal/storage"
)

const (
	// ExpandBackfill is how far into the past the expansion window
	// reaches, so recently finished occurrences stay queryable.
	ExpandBackfill = 30 * 24 * time.Hour
	// DefaultExpandAhead bounds the forward expansion window.
	DefaultExpandAhead = 6 * 30 * 24 * time.Hour
)

// Materializer rebuilds an event's occurrence rows and reschedules its
// reminders. Occurrence replacement is wholesale and transactional;
// incremental patching would drift.
type Materializer struct {
	store     *storage.Storage
	reminders *reminder.Scheduler
	loc       *time.Location

	ahead time.Duration
	now   func() time.Time
}

func NewMaterializer(store *storage.Storage, reminders *reminder.Scheduler, loc *time.Location, ahead time.Duration) *Materializer {
	if ahead <= 0 {
		ahead = DefaultExpandAhead
	}
	if loc == nil {
		loc = time.Local
	}
	return &Materializer{
		store:     store,
		reminders: reminders,
		loc:       loc,
		ahead:     ahead,
		now:       time.Now,
	}
}

// Regenerate replaces the master's occurrence set from scratch and
// schedules reminders for what landed in the scheduling window.
// Reminder errors are logged, not returned: scheduling is best-effort
// relative to sync success.
func (m *Materializer) Regenerate(master *domain.Event) error {
	exceptions, err := m.store.ListExceptions(master.ID)
	if err != nil {
		return fmt.Errorf("list exceptions: %w", err)
	}

	now := m.now()
	occs, err := recurrence.Expand(master, exceptions, now.Add(-ExpandBackfill), now.Add(m.ahead), m.loc)
	if err != nil {
		return fmt.Errorf("expand event %d: %w", master.ID, err)
	}

	if err := m.store.ReplaceOccurrences(master.ID, occs); err != nil {
		return fmt.Errorf("replace occurrences for event %d: %w", master.ID, err)
	}

	if err := m.reminders.ScheduleEvent(master); err != nil {
		log.Printf("Error scheduling reminders for event %d: %v", master.ID, err)
	}
	return nil
}
