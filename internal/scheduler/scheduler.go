package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"calsyncd/internal/reminder"
	"calsyncd/internal/storage"
	"calsyncd/internal/sync"
)

// SyncLogRetention is how long sync diagnostics are kept.
const SyncLogRetention = 30 * 24 * time.Hour

// Scheduler owns the periodic jobs: the sync cycle, reminder gap fill,
// and retention purges. Every trigger source, periodic tick, user pull
// and server push hint alike, funnels into the same orchestrator entry.
type Scheduler struct {
	cron         *cron.Cron
	storage      *storage.Storage
	orchestrator *sync.Orchestrator
	reminders    *reminder.Scheduler

	syncInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func New(loc *time.Location, store *storage.Storage, orch *sync.Orchestrator, rem *reminder.Scheduler, syncInterval time.Duration) *Scheduler {
	return &Scheduler{
		cron:         cron.New(cron.WithLocation(loc)),
		storage:      store,
		orchestrator: orch,
		reminders:    rem,
		syncInterval: syncInterval,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	syncSpec := fmt.Sprintf("@every %s", s.syncInterval)
	if _, err := s.cron.AddFunc(syncSpec, func() { s.runSync("periodic", false) }); err != nil {
		return fmt.Errorf("add periodic sync: %w", err)
	}

	// The reminder window only looks ahead a couple of days, so refill it
	// hourly to pick up occurrences that slid into range.
	if _, err := s.cron.AddFunc("@hourly", s.fillReminders); err != nil {
		return fmt.Errorf("add reminder fill: %w", err)
	}

	if _, err := s.cron.AddFunc("@daily", s.purge); err != nil {
		return fmt.Errorf("add retention purge: %w", err)
	}

	s.cron.Start()
	log.Printf("Scheduler started (sync every %s)", s.syncInterval)

	<-ctx.Done()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("Scheduler stopped")
}

// TriggerSync runs one cycle outside the periodic cadence, e.g. for a
// user-initiated refresh or a server push hint.
func (s *Scheduler) TriggerSync(trigger string, forceFullSync bool) {
	s.runSync(trigger, forceFullSync)
}

func (s *Scheduler) runSync(trigger string, force bool) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.orchestrator.RunCycle(ctx, trigger, force); err != nil {
		log.Printf("Error running sync cycle (trigger=%s): %v", trigger, err)
	}
}

func (s *Scheduler) fillReminders() {
	if err := s.reminders.ScheduleMissing(); err != nil {
		log.Printf("Error filling reminder window: %v", err)
	}
}

func (s *Scheduler) purge() {
	if err := s.reminders.PurgeOld(reminder.DefaultRetention); err != nil {
		log.Printf("Error purging old reminders: %v", err)
	}
	n, err := s.storage.PurgeSyncLog(time.Now().Add(-SyncLogRetention))
	if err != nil {
		log.Printf("Error purging sync log: %v", err)
	} else if n > 0 {
		log.Printf("Purged %d sync log entries", n)
	}
}
