package reminder

import (
	"sync"
	"time"
)

// AlarmRegistrar is the narrow capability the scheduler needs from an
// exact-alarm facility. Tests substitute an in-memory fake that records
// calls.
type AlarmRegistrar interface {
	Register(reminderID int64, at time.Time)
	Cancel(reminderID int64)
}

// TimerAlarms backs AlarmRegistrar with in-process timers. Timers do not
// survive a restart; boot recovery re-registers everything pending from
// durable storage.
type TimerAlarms struct {
	mu     sync.Mutex
	timers map[int64]*time.Timer
	fire   func(reminderID int64)
}

func NewTimerAlarms(fire func(reminderID int64)) *TimerAlarms {
	return &TimerAlarms{
		timers: make(map[int64]*time.Timer),
		fire:   fire,
	}
}

func (a *TimerAlarms) Register(reminderID int64, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.timers[reminderID]; ok {
		t.Stop()
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	a.timers[reminderID] = time.AfterFunc(delay, func() {
		a.mu.Lock()
		delete(a.timers, reminderID)
		a.mu.Unlock()
		a.fire(reminderID)
	})
}

func (a *TimerAlarms) Cancel(reminderID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[reminderID]; ok {
		t.Stop()
		delete(a.timers, reminderID)
	}
}

// Stop cancels every registered timer.
func (a *TimerAlarms) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
}
