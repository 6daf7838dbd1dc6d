package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"calsyncd/config"
	"calsyncd/internal/clients/caldav"
	"calsyncd/internal/domain"
	"calsyncd/internal/reminder"
	"calsyncd/internal/scheduler"
	"calsyncd/internal/service"
	"calsyncd/internal/storage"
	"calsyncd/internal/sync"
)

// logNotifier is the stand-in presentation layer: sync and reminder
// notifications go to the process log.
type logNotifier struct{}

func (logNotifier) Notify(title, body string) error {
	log.Printf("NOTIFY %s: %s", title, body)
	return nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to init storage: %v", err)
	}
	defer store.Close()

	notifier := logNotifier{}

	// Alarms call back into the reminder scheduler, so the registrar is
	// built around a late-bound reference.
	var reminders *reminder.Scheduler
	alarms := reminder.NewTimerAlarms(func(id int64) { reminders.HandleFire(id) })
	defer alarms.Stop()
	reminders = reminder.NewScheduler(store, alarms, notifier, cfg.ReminderLookahead)

	mat := sync.NewMaterializer(store, reminders, cfg.Timezone, cfg.SyncWindowAhead())
	engine := sync.NewEngine(store, mat, reminders, cfg.SyncWindowAhead())
	queue := sync.NewQueueManager(store)

	clientFactory := func(account *domain.Account) (sync.RemoteClient, error) {
		endpoint := account.ServerURL
		if q := caldav.QuirksFor(account.Provider); q.FixedEndpoint != "" {
			endpoint = q.FixedEndpoint
		}
		return caldav.NewClient(endpoint, account.Username, account.Password, cfg.InsecureSkipVerify)
	}

	orch := sync.NewOrchestrator(store, engine, queue, clientFactory, notifier)

	accountSvc := service.NewAccountService(store, cfg.InsecureSkipVerify)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.HasBootstrapAccount() {
		if _, err := accountSvc.BootstrapAccount(ctx, cfg.CalDAVProvider,
			cfg.CalDAVURL, cfg.CalDAVUsername, cfg.CalDAVPassword); err != nil {
			log.Fatalf("Failed to bootstrap account: %v", err)
		}
	}

	// Boot recovery: timers did not survive the restart, so re-register
	// every pending reminder (recomputing all-day triggers in the current
	// zone) and drop expired leftovers.
	if err := reminders.RescheduleAll(); err != nil {
		log.Printf("Error rescheduling reminders: %v", err)
	}
	if err := reminders.PurgeOld(reminder.DefaultRetention); err != nil {
		log.Printf("Error purging old reminders: %v", err)
	}

	sched := scheduler.New(cfg.Timezone, store, orch, reminders, cfg.SyncInterval)

	go func() {
		if err := sched.Start(ctx); err != nil {
			log.Printf("Scheduler error: %v", err)
		}
	}()

	// First cycle right away instead of waiting out the interval.
	go sched.TriggerSync("startup", false)

	log.Println("calsyncd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	sched.Stop()
	log.Println("calsyncd stopped")
}
