package cardsync

import (
	"errors"
	"time"

	"github.com/openmined/cardsync/internal/card"
	"github.com/openmined/cardsync/internal/cardstore"
	"github.com/openmined/cardsync/internal/notify"
)

var (
	ErrSyncAlreadyRunning = errors.New("cardsync: sync already running")
	ErrDuplicateUID       = errors.New("cardsync: uid already exists")
	ErrCardNotFound       = errors.New("cardsync: card not found")
	ErrInvalidChange      = errors.New("cardsync: invalid change")
	ErrQueued             = errors.New("cardsync: server unreachable, card queued for next sync")
)

// Store is the part of the local card store the reconciler works with.
type Store interface {
	GetAll() ([]*card.Card, error)
	GetPending() ([]*card.Card, error)
	GetByUID(uid string) (*card.Card, error)
	GetCachedMeta(uid string) (*cardstore.Meta, error)
	Upsert(c *card.Card) error
	Remove(uid string) error
	LastSync() (time.Time, error)
	SetLastSync(t time.Time) error
}

var _ Store = (*cardstore.Store)(nil)

type Emitter interface {
	Emit(ev notify.Event)
}

type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// LocalChange is a mutation made by the application that must reach the server.
// Create and Update carry Card; Delete only needs UID.
type LocalChange struct {
	Kind ChangeKind
	Card *card.Card
	UID  string
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Directory string    `json:"directory"`
	StartedAt time.Time `json:"started_at"`
	Bootstrap bool      `json:"bootstrap"`

	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Deleted   []string `json:"deleted"`
	Unchanged int      `json:"unchanged"`

	// Pushed lists pending cards created remotely during the pass; Pending
	// counts the ones still waiting.
	Pushed  []string `json:"pushed,omitempty"`
	Pending int      `json:"pending"`

	Malformed  []string          `json:"malformed,omitempty"`
	Duplicates []string          `json:"duplicates,omitempty"`
	Failed     map[string]string `json:"failed,omitempty"`

	Duration time.Duration `json:"duration"`
}

func newSyncResult(directory string, start time.Time) *SyncResult {
	return &SyncResult{
		Directory: directory,
		StartedAt: start,
		Created:   []string{},
		Updated:   []string{},
		Deleted:   []string{},
		Failed:    make(map[string]string),
	}
}

// HasChanges reports whether the pass changed the local store.
func (r *SyncResult) HasChanges() bool {
	return len(r.Created) > 0 || len(r.Updated) > 0 || len(r.Deleted) > 0
}

func (r *SyncResult) fail(href string, err error) {
	r.Failed[href] = err.Error()
}
