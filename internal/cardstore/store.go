// Package cardstore persists the local card cache of one directory.
package cardstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/cardsync/internal/card"
	"github.com/openmined/cardsync/internal/db"
)

const defaultCacheSize = 1024

const schema = `
CREATE TABLE IF NOT EXISTS cards (
    uid TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    payload BLOB NOT NULL,
    href TEXT NOT NULL DEFAULT '',
    etag TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL -- RFC3339
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_cards_href ON cards(href) WHERE href != '';

CREATE TABLE IF NOT EXISTS sync_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const lastSyncKey = "last_sync"

const cardColumns = "uid, display_name, payload, href, etag, updated_at"

var (
	ErrInvalidCard = errors.New("cardstore: invalid card")
	ErrHrefInUse   = errors.New("cardstore: href bound to another card")
	ErrClosed      = errors.New("cardstore: closed")
)

// Meta is the cached remote location of a card.
type Meta struct {
	Href string
	ETag string
}

type dbCard struct {
	UID         string `db:"uid"`
	DisplayName string `db:"display_name"`
	Payload     []byte `db:"payload"`
	Href        string `db:"href"`
	ETag        string `db:"etag"`
	UpdatedAt   string `db:"updated_at"`
}

func (d *dbCard) toCard() *card.Card {
	updated, err := time.Parse(time.RFC3339Nano, d.UpdatedAt)
	if err != nil {
		slog.Warn("cardstore bad timestamp", "uid", d.UID, "value", d.UpdatedAt, "error", err)
	}
	return &card.Card{
		UID:         d.UID,
		DisplayName: d.DisplayName,
		Payload:     d.Payload,
		Href:        d.Href,
		ETag:        d.ETag,
		UpdatedAt:   updated,
	}
}

type options struct {
	cacheSize int
}

type Option func(*options)

// WithCacheSize bounds the read cache in front of GetByUID.
func WithCacheSize(n int) Option {
	return func(o *options) {
		o.cacheSize = n
	}
}

// Store is a sqlite-backed card table keyed by UID. It is safe for
// concurrent use.
type Store struct {
	db    *sqlx.DB
	cache *lru.Cache[string, *card.Card]
	mu    sync.RWMutex
	path  string
}

// Open opens or creates the store at path. db.MemoryPath gives a throwaway store.
func Open(path string, opts ...Option) (*Store, error) {
	o := &options{cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(o)
	}

	conn, err := db.Open(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("cardstore: open %s: %w", path, err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cardstore: init schema: %w", err)
	}

	cache, err := lru.New[string, *card.Card](o.cacheSize)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cardstore: cache: %w", err)
	}

	return &Store{db: conn, cache: cache, path: path}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	s.cache.Purge()
	slog.Debug("cardstore closed", "path", s.path)
	return err
}

// GetAll returns every card ordered by UID.
func (s *Store) GetAll() ([]*card.Card, error) {
	return s.selectCards("SELECT " + cardColumns + " FROM cards ORDER BY uid")
}

// GetPending returns the cards not yet created remotely.
func (s *Store) GetPending() ([]*card.Card, error) {
	return s.selectCards("SELECT " + cardColumns + " FROM cards WHERE href = '' ORDER BY uid")
}

// GetByUID returns the card or nil when absent.
func (s *Store) GetByUID(uid string) (*card.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.cache.Get(uid); ok {
		return c.Clone(), nil
	}

	c, err := s.getCard("SELECT "+cardColumns+" FROM cards WHERE uid = ?", uid)
	if err != nil || c == nil {
		return nil, err
	}
	s.cache.Add(uid, c.Clone())
	return c, nil
}

// GetByHref returns the card bound to href or nil.
func (s *Store) GetByHref(href string) (*card.Card, error) {
	if href == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getCard("SELECT "+cardColumns+" FROM cards WHERE href = ?", href)
}

// GetCachedMeta returns the cached href and etag for uid, or nil when the
// card is unknown. Pending cards return an empty Meta.
func (s *Store) GetCachedMeta(uid string) (*Meta, error) {
	c, err := s.GetByUID(uid)
	if err != nil || c == nil {
		return nil, err
	}
	return &Meta{Href: c.Href, ETag: c.ETag}, nil
}

// Upsert inserts or replaces the card with the same UID.
func (s *Store) Upsert(c *card.Card) error {
	if c == nil || c.UID == "" {
		return fmt.Errorf("%w: missing UID", ErrInvalidCard)
	}
	if c.Href != "" && c.ETag == "" {
		return fmt.Errorf("%w: %s has href without etag", ErrInvalidCard, c.UID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	c.UpdatedAt = time.Now().UTC()
	row := dbCard{
		UID:         c.UID,
		DisplayName: c.DisplayName,
		Payload:     c.Payload,
		Href:        c.Href,
		ETag:        c.ETag,
		UpdatedAt:   c.UpdatedAt.Format(time.RFC3339Nano),
	}

	query := `INSERT INTO cards (uid, display_name, payload, href, etag, updated_at)
	          VALUES (:uid, :display_name, :payload, :href, :etag, :updated_at)
	          ON CONFLICT(uid) DO UPDATE SET
	              display_name = excluded.display_name,
	              payload = excluded.payload,
	              href = excluded.href,
	              etag = excluded.etag,
	              updated_at = excluded.updated_at`
	if _, err := s.db.NamedExec(query, row); err != nil {
		s.cache.Remove(c.UID)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrHrefInUse, c.Href)
		}
		return fmt.Errorf("cardstore: upsert %s: %w", c.UID, err)
	}

	s.cache.Add(c.UID, c.Clone())
	slog.Debug("cardstore upsert", "uid", c.UID, "href", c.Href, "etag", c.ETag)
	return nil
}

// Remove deletes the card. Removing an absent card is not an error.
func (s *Store) Remove(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	s.cache.Remove(uid)
	if _, err := s.db.Exec("DELETE FROM cards WHERE uid = ?", uid); err != nil {
		return fmt.Errorf("cardstore: remove %s: %w", uid, err)
	}
	return nil
}

func (s *Store) Count() (int, error) {
	return s.count("SELECT COUNT(*) FROM cards")
}

// CountSynced counts cards bound to a remote resource.
func (s *Store) CountSynced() (int, error) {
	return s.count("SELECT COUNT(*) FROM cards WHERE href != ''")
}

// LastSync returns when the last sync pass completed, zero if never.
func (s *Store) LastSync() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return time.Time{}, ErrClosed
	}

	var value string
	err := s.db.Get(&value, "SELECT value FROM sync_state WHERE key = ?", lastSyncKey)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	} else if err != nil {
		return time.Time{}, fmt.Errorf("cardstore: last sync: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("cardstore: parse last sync %q: %w", value, err)
	}
	return t, nil
}

func (s *Store) SetLastSync(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	_, err := s.db.Exec(`INSERT INTO sync_state (key, value) VALUES (?, ?)
	                     ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastSyncKey, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("cardstore: set last sync: %w", err)
	}
	return nil
}

func (s *Store) count(query string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrClosed
	}

	var n int
	if err := s.db.Get(&n, query); err != nil {
		return 0, fmt.Errorf("cardstore: count: %w", err)
	}
	return n, nil
}

// getCard expects s.mu to be held.
func (s *Store) getCard(query string, arg any) (*card.Card, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	var row dbCard
	if err := s.db.Get(&row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("cardstore: query %v: %w", arg, err)
	}
	return row.toCard(), nil
}

func (s *Store) selectCards(query string) ([]*card.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	var rows []dbCard
	if err := s.db.Select(&rows, query); err != nil {
		return nil, fmt.Errorf("cardstore: select: %w", err)
	}

	cards := make([]*card.Card, 0, len(rows))
	for i := range rows {
		cards = append(cards, rows[i].toCard())
	}
	return cards, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
