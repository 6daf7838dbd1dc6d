package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"calsyncd/internal/clients/caldav"
	"calsyncd/internal/domain"
	"calsyncd/internal/reminder"
	"calsyncd/internal/storage"
)

type recordingNotifier struct {
	titles []string
}

func (r *recordingNotifier) Notify(title, body string) error {
	r.titles = append(r.titles, title)
	return nil
}

type orchFixture struct {
	store *storage.Storage
	orch  *Orchestrator
	notes *recordingNotifier

	remotes map[int64]RemoteClient
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	rem := reminder.NewScheduler(store, noopAlarms{}, noopNotifier{}, reminder.DefaultLookahead)
	mat := NewMaterializer(store, rem, time.UTC, DefaultExpandAhead)
	engine := NewEngine(store, mat, rem, DefaultExpandAhead)
	queue := NewQueueManager(store)
	notes := &recordingNotifier{}

	f := &orchFixture{store: store, notes: notes, remotes: make(map[int64]RemoteClient)}
	factory := func(account *domain.Account) (RemoteClient, error) {
		client, ok := f.remotes[account.ID]
		if !ok {
			return nil, errors.New("no remote scripted")
		}
		return client, nil
	}
	f.orch = NewOrchestrator(store, engine, queue, factory, notes)
	return f
}

func (f *orchFixture) addAccount(t *testing.T, username string, client RemoteClient) *domain.Account {
	t.Helper()
	account := &domain.Account{Provider: domain.ProviderGeneric, Username: username, Enabled: true}
	if err := f.store.CreateAccount(account); err != nil {
		t.Fatal(err)
	}
	cal := &domain.Calendar{AccountID: account.ID, URL: "/" + username + "/cal/"}
	if err := f.store.CreateCalendar(cal); err != nil {
		t.Fatal(err)
	}
	f.remotes[account.ID] = client
	return account
}

func TestRunCycleAllAccountsHealthy(t *testing.T) {
	f := newOrchFixture(t)
	start := time.Now().Add(24 * time.Hour)
	f.addAccount(t, "alice", &fakeRemote{ctag: "c1", objects: []*caldav.RemoteObject{remoteObject("a", "e1", start)}})
	f.addAccount(t, "bob", &fakeRemote{ctag: "c1"})

	res, err := f.orch.RunCycle(context.Background(), "periodic", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != CycleSuccess {
		t.Errorf("status %s, want success", res.Status)
	}
	if res.Pulled != 1 || res.CalendarsSynced != 2 {
		t.Errorf("pulled=%d synced=%d", res.Pulled, res.CalendarsSynced)
	}
}

func TestRunCycleOneBrokenAccountIsPartial(t *testing.T) {
	f := newOrchFixture(t)
	start := time.Now().Add(24 * time.Hour)
	f.addAccount(t, "alice", &fakeRemote{ctag: "c1", objects: []*caldav.RemoteObject{remoteObject("a", "e1", start)}})
	broken := f.addAccount(t, "bob", &fakeRemote{
		ctagErr: &caldav.Error{Kind: caldav.KindTransport, Err: errors.New("timeout")},
	})

	res, err := f.orch.RunCycle(context.Background(), "periodic", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != CyclePartial {
		t.Errorf("status %s, want partial", res.Status)
	}
	if len(res.AccountErrors[broken.ID]) == 0 {
		t.Error("broken account's errors not recorded")
	}
	if res.Pulled != 1 {
		t.Errorf("healthy account did not progress: pulled=%d", res.Pulled)
	}

	// The healthy account's streak stays clean, the broken one's grows.
	accounts, _ := f.store.ListAccounts(true)
	for _, a := range accounts {
		want := 0
		if a.ID == broken.ID {
			want = 1
		}
		if a.ConsecutiveFailures != want {
			t.Errorf("account %s failures=%d, want %d", a.Username, a.ConsecutiveFailures, want)
		}
	}
}

func TestRunCycleNotifiesAtFailureStreakOnce(t *testing.T) {
	f := newOrchFixture(t)
	f.addAccount(t, "alice", &fakeRemote{
		ctagErr: &caldav.Error{Kind: caldav.KindTransport, Err: errors.New("down")},
	})

	for i := 0; i < FailureNotifyThreshold+2; i++ {
		if _, err := f.orch.RunCycle(context.Background(), "periodic", false); err != nil {
			t.Fatal(err)
		}
	}

	streakNotes := 0
	for _, title := range f.notes.titles {
		if title == "Calendar sync keeps failing" {
			streakNotes++
		}
	}
	if streakNotes != 1 {
		t.Errorf("streak notification sent %d times, want exactly 1 (edge-triggered)", streakNotes)
	}
}

func TestRunCycleAuthFailureNotifies(t *testing.T) {
	f := newOrchFixture(t)
	f.addAccount(t, "alice", &fakeRemote{
		ctagErr: &caldav.Error{Kind: caldav.KindAuth, HTTPStatus: 401, Err: errors.New("unauthorized")},
	})

	res, err := f.orch.RunCycle(context.Background(), "periodic", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != CycleFailed {
		t.Errorf("status %s, want failed", res.Status)
	}

	found := false
	for _, title := range f.notes.titles {
		if title == "Calendar sign-in needed" {
			found = true
		}
	}
	if !found {
		t.Errorf("no sign-in notification; got %v", f.notes.titles)
	}
}

func TestRunCycleSuccessResetsStreak(t *testing.T) {
	f := newOrchFixture(t)
	remote := &fakeRemote{
		ctagErr: &caldav.Error{Kind: caldav.KindTransport, Err: errors.New("down")},
	}
	account := f.addAccount(t, "alice", remote)

	f.orch.RunCycle(context.Background(), "periodic", false)
	f.orch.RunCycle(context.Background(), "periodic", false)

	got, _ := f.store.GetAccount(account.ID)
	if got.ConsecutiveFailures != 2 {
		t.Fatalf("failures=%d, want 2", got.ConsecutiveFailures)
	}

	remote.ctagErr = nil
	remote.ctag = "c1"
	f.orch.RunCycle(context.Background(), "periodic", false)

	got, _ = f.store.GetAccount(account.ID)
	if got.ConsecutiveFailures != 0 {
		t.Errorf("failures=%d after success, want 0", got.ConsecutiveFailures)
	}
	if got.LastSyncSuccess == nil {
		t.Error("success timestamp not recorded")
	}
}
