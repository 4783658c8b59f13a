package cardsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openmined/cardsync/internal/card"
	"github.com/openmined/cardsync/internal/cardstore"
	"github.com/openmined/cardsync/internal/db"
	"github.com/openmined/cardsync/internal/notify"
	"github.com/openmined/cardsync/internal/remote/remotetest"
	"github.com/stretchr/testify/require"
)

const testDirectory = "personal"

// recorder collects emitted events grouped by kind, like an address book observer.
type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) handle(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// take returns the events seen since the last call as "kind:uid" strings.
func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, string(ev.Kind)+":"+ev.UID)
	}
	r.events = nil
	return out
}

type fixture struct {
	server     *remotetest.Collection
	store      *cardstore.Store
	notifier   *notify.Notifier
	events     *recorder
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := cardstore.Open(db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		server:   remotetest.New(),
		store:    store,
		notifier: notify.New(),
		events:   &recorder{},
	}
	f.notifier.Subscribe(f.events.handle)
	f.reconciler = New(f.server, store, f.notifier, Options{Directory: testDirectory, FetchWorkers: 2})
	return f
}

func (f *fixture) sync(t *testing.T) *SyncResult {
	t.Helper()
	res, err := f.reconciler.SyncAll(context.Background())
	require.NoError(t, err)
	return res
}

// markSynced records a completed pass so the next one is incremental.
func (f *fixture) markSynced(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.SetLastSync(time.Now()))
}

func (f *fixture) card(t *testing.T, uid string) *card.Card {
	t.Helper()
	c, err := f.store.GetByUID(uid)
	require.NoError(t, err)
	return c
}

func vcard(uid, fn string) string {
	return "BEGIN:VCARD\r\nUID:" + uid + "\r\nFN:" + fn + "\r\nEND:VCARD\r\n"
}
