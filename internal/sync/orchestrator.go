package sync

import (
	"context"
	"fmt"
	"log"
	"time"

	"calsyncd/internal/domain"
	"calsyncd/internal/storage"
)

// FailureNotifyThreshold is the consecutive-failure streak at which one
// user-facing notification is raised. Edge-triggered: it fires exactly
// when the streak reaches the threshold, not on every later cycle.
const FailureNotifyThreshold = 5

// ClientFactory constructs an isolated RemoteClient bound to one
// account's credentials. Called once per account per cycle.
type ClientFactory func(account *domain.Account) (RemoteClient, error)

// Notifier surfaces sync-level problems to the user. Rendering is an
// external collaborator.
type Notifier interface {
	Notify(title, body string) error
}

// CycleStatus is the aggregated outcome of one orchestration cycle.
type CycleStatus int

const (
	// CycleSuccess: every account synced cleanly.
	CycleSuccess CycleStatus = iota
	// CyclePartial: some items or accounts failed but sync progressed.
	// One broken account must not turn the whole cycle into a failure.
	CyclePartial
	// CycleFailed: no account made any progress.
	CycleFailed
)

func (s CycleStatus) String() string {
	switch s {
	case CycleSuccess:
		return "success"
	case CyclePartial:
		return "partial"
	case CycleFailed:
		return "failed"
	}
	return "unknown"
}

// CycleResult sums all accounts' results.
type CycleResult struct {
	Status          CycleStatus
	Trigger         string
	CalendarsSynced int
	Pulled          int
	Pushed          int
	Conflicts       int
	ChangedEventIDs []int64
	AccountErrors   map[int64][]error
	Queue           LifecycleStats
}

// Changed reports whether anything moved this cycle.
func (r *CycleResult) Changed() bool {
	return r.Pulled > 0 || r.Pushed > 0
}

// Orchestrator iterates enabled accounts, runs the engine for each, and
// aggregates the outcome. Periodic jobs, user action and push hints all
// funnel into RunCycle with a trigger tag and a forceFullSync flag.
type Orchestrator struct {
	store    *storage.Storage
	engine   *Engine
	queue    *QueueManager
	clients  ClientFactory
	notifier Notifier

	// OnChanged, when set, is invoked after a cycle that moved data so
	// dependent materialized views (widgets, summaries) can refresh.
	OnChanged func()
}

func NewOrchestrator(store *storage.Storage, engine *Engine, queue *QueueManager, clients ClientFactory, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		store:    store,
		engine:   engine,
		queue:    queue,
		clients:  clients,
		notifier: notifier,
	}
}

// RunCycle executes one full orchestration cycle. The queue lifecycle
// pass runs first (with the forced-reset rule honoring forceFullSync),
// then each enabled account syncs with its own isolated client.
func (o *Orchestrator) RunCycle(ctx context.Context, trigger string, forceFullSync bool) (*CycleResult, error) {
	result := &CycleResult{
		Trigger:       trigger,
		AccountErrors: make(map[int64][]error),
	}

	queueStats, err := o.queue.RunLifecycle(forceFullSync)
	if err != nil {
		return nil, fmt.Errorf("queue lifecycle: %w", err)
	}
	result.Queue = queueStats
	if queueStats.Abandoned > 0 {
		o.notify("Sync gave up on some changes",
			fmt.Sprintf("%d local changes could not be synced within %d days and were abandoned",
				queueStats.Abandoned, int(OperationLifetime.Hours()/24)))
	}

	accounts, err := o.store.ListAccounts(true)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	if len(accounts) == 0 {
		return result, nil
	}

	progressed := false
	failed := false

	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		res := o.syncOne(ctx, account, forceFullSync)

		result.CalendarsSynced += res.CalendarsSynced
		result.Pulled += res.Pulled
		result.Pushed += res.Pushed
		result.Conflicts += res.Conflicts
		result.ChangedEventIDs = append(result.ChangedEventIDs, res.ChangedEventIDs...)
		if len(res.Errors) > 0 {
			result.AccountErrors[account.ID] = res.Errors
			failed = true
		}
		if res.CalendarsSynced > 0 || res.Changed() {
			progressed = true
		}
	}

	switch {
	case !failed:
		result.Status = CycleSuccess
	case progressed:
		result.Status = CyclePartial
	default:
		result.Status = CycleFailed
	}

	if result.Changed() && o.OnChanged != nil {
		o.OnChanged()
	}

	log.Printf("Sync cycle done (trigger=%s force=%v): %s, %d calendars, %d pulled, %d pushed, %d conflicts",
		trigger, forceFullSync, result.Status, result.CalendarsSynced, result.Pulled, result.Pushed, result.Conflicts)
	return result, nil
}

// syncOne runs one account and records its success/failure streak.
func (o *Orchestrator) syncOne(ctx context.Context, account *domain.Account, force bool) *AccountResult {
	client, err := o.clients(account)
	if err != nil {
		res := &AccountResult{AccountID: account.ID}
		res.addError(fmt.Errorf("construct client: %w", err))
		o.recordFailure(account)
		return res
	}

	res := o.engine.SyncAccount(ctx, account, client, force)

	// Partial progress still counts as a successful contact with the
	// server; only a cycle with zero synced calendars is a failure.
	if res.CalendarsSynced > 0 && !res.AuthFailed {
		if err := o.store.RecordSyncSuccess(account.ID, time.Now()); err != nil {
			log.Printf("Error recording sync success for account %d: %v", account.ID, err)
		}
		return res
	}

	o.recordFailure(account)
	if res.AuthFailed {
		o.notify("Calendar sign-in needed",
			fmt.Sprintf("The credentials for %s were rejected. Please sign in again.", account.Username))
	}
	return res
}

func (o *Orchestrator) recordFailure(account *domain.Account) {
	streak, err := o.store.RecordSyncFailure(account.ID, time.Now())
	if err != nil {
		log.Printf("Error recording sync failure for account %d: %v", account.ID, err)
		return
	}
	if streak == FailureNotifyThreshold {
		o.notify("Calendar sync keeps failing",
			fmt.Sprintf("Syncing %s has failed %d times in a row.", account.Username, streak))
	}
}

func (o *Orchestrator) notify(title, body string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(title, body); err != nil {
		log.Printf("Error sending notification %q: %v", title, err)
	}
}
