// Package directory keeps the set of synchronized address books of a process:
// one store, remote collection and reconciler per configured directory.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/openmined/cardsync/internal/cardstore"
	"github.com/openmined/cardsync/internal/cardsync"
	"github.com/openmined/cardsync/internal/config"
	"github.com/openmined/cardsync/internal/notify"
	"github.com/openmined/cardsync/internal/remote"
	"github.com/openmined/cardsync/internal/utils"
	"golang.org/x/sync/errgroup"
)

const (
	lockFile  = "cardsync.lock"
	storeFile = "cards.db"

	syncAllLimit = 4
)

var (
	ErrDirectoryLocked  = errors.New("directory: locked by another process")
	ErrUnknownDirectory = errors.New("directory: unknown directory")
)

type Options struct {
	// Notifier is shared by every directory. A new one is created when nil.
	Notifier *notify.Notifier
	// Backends builds remote collections. Defaults to DefaultBackends(nil).
	Backends BackendFactory
}

// Directory is one opened address book.
type Directory struct {
	Name       string
	Config     config.DirectoryConfig
	Store      *cardstore.Store
	Remote     remote.Collection
	Reconciler *cardsync.Reconciler

	lock    *flock.Flock
	trigger chan struct{}
}

// Status is a point-in-time view of a directory.
type Status struct {
	Name       string               `json:"name"`
	Type       string               `json:"type"`
	Syncing    bool                 `json:"syncing"`
	Cards      int                  `json:"cards"`
	Pending    int                  `json:"pending"`
	LastSync   time.Time            `json:"last_sync"`
	LastResult *cardsync.SyncResult `json:"last_result,omitempty"`
}

func (d *Directory) Status() (*Status, error) {
	total, err := d.Store.Count()
	if err != nil {
		return nil, err
	}
	synced, err := d.Store.CountSynced()
	if err != nil {
		return nil, err
	}
	last, err := d.Store.LastSync()
	if err != nil {
		return nil, err
	}
	return &Status{
		Name:       d.Name,
		Type:       d.Config.Type,
		Syncing:    d.Reconciler.IsSyncing(),
		Cards:      total,
		Pending:    total - synced,
		LastSync:   last,
		LastResult: d.Reconciler.LastResult(),
	}, nil
}

func (d *Directory) close() error {
	var errs []error
	if d.Store != nil {
		errs = append(errs, d.Store.Close())
	}
	if d.lock != nil && d.lock.Locked() {
		errs = append(errs, d.lock.Unlock())
	}
	return errors.Join(errs...)
}

type Registry struct {
	cfg      *config.Config
	notifier *notify.Notifier
	dirs     map[string]*Directory
	order    []string

	closeOnce sync.Once
}

// Open locks, opens and wires every configured directory. On failure the
// directories opened so far are closed again.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Registry, error) {
	if opts.Notifier == nil {
		opts.Notifier = notify.New()
	}
	if opts.Backends == nil {
		opts.Backends = DefaultBackends(nil)
	}

	r := &Registry{
		cfg:      cfg,
		notifier: opts.Notifier,
		dirs:     make(map[string]*Directory, len(cfg.Directories)),
	}

	for _, dc := range cfg.Directories {
		d, err := r.open(ctx, dc, opts.Backends)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("open directory %s: %w", dc.Name, err)
		}
		r.dirs[dc.Name] = d
		r.order = append(r.order, dc.Name)
	}

	return r, nil
}

func (r *Registry) open(ctx context.Context, dc config.DirectoryConfig, backends BackendFactory) (*Directory, error) {
	root := filepath.Join(r.cfg.DataDir, dc.Name)
	if err := utils.EnsureDir(root); err != nil {
		return nil, err
	}

	d := &Directory{
		Name:    dc.Name,
		Config:  dc,
		lock:    flock.New(filepath.Join(root, lockFile)),
		trigger: make(chan struct{}, 1),
	}

	locked, err := d.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	if !locked {
		return nil, ErrDirectoryLocked
	}

	d.Store, err = cardstore.Open(filepath.Join(root, storeFile))
	if err != nil {
		d.close()
		return nil, err
	}

	d.Remote, err = backends(ctx, dc, r.cfg.RequestTimeout)
	if err != nil {
		d.close()
		return nil, err
	}

	d.Reconciler = cardsync.New(d.Remote, d.Store, r.notifier, cardsync.Options{
		Directory:    dc.Name,
		FetchWorkers: r.cfg.FetchWorkers,
	})

	slog.Info("directory open", "name", dc.Name, "type", dc.Type, "store", d.Store.Path())
	return d, nil
}

func (r *Registry) Notifier() *notify.Notifier {
	return r.notifier
}

func (r *Registry) Get(name string) (*Directory, error) {
	d, ok := r.dirs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDirectory, name)
	}
	return d, nil
}

// List returns the directories in configuration order.
func (r *Registry) List() []*Directory {
	out := make([]*Directory, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.dirs[name])
	}
	return out
}

// Sync runs one pass of the named directory.
func (r *Registry) Sync(ctx context.Context, name string) (*cardsync.SyncResult, error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return d.Reconciler.SyncAll(ctx)
}

// SyncAll runs a pass of every directory, a few at a time. A failing directory
// does not stop the others; all failures are joined in the returned error.
func (r *Registry) SyncAll(ctx context.Context) (map[string]*cardsync.SyncResult, error) {
	var (
		mu      sync.Mutex
		results = make(map[string]*cardsync.SyncResult, len(r.dirs))
		errs    []error
	)

	var g errgroup.Group
	g.SetLimit(syncAllLimit)
	for _, d := range r.List() {
		g.Go(func() error {
			res, err := d.Reconciler.SyncAll(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
			}
			if res != nil {
				results[d.Name] = res
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// Trigger asks Run to sync the named directory as soon as possible.
// Triggers arriving while one is queued are coalesced.
func (r *Registry) Trigger(name string) error {
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	select {
	case d.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Run syncs every directory once, then again on each interval, trigger or
// watcher event, until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, d := range r.List() {
		if d.Config.Watch {
			r.watch(ctx, d)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, d)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (r *Registry) loop(ctx context.Context, d *Directory) {
	r.runSync(ctx, d)

	// a timer and not a ticker, so a slow pass does not queue ticks
	timer := time.NewTimer(r.cfg.SyncInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.runSync(ctx, d)
		case <-d.trigger:
			r.runSync(ctx, d)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		timer.Reset(r.cfg.SyncInterval)
	}
}

func (r *Registry) runSync(ctx context.Context, d *Directory) {
	_, err := d.Reconciler.SyncAll(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
	case errors.Is(err, cardsync.ErrSyncAlreadyRunning):
		slog.Debug("sync skipped, already running", "directory", d.Name)
	default:
		slog.Error("sync", "directory", d.Name, "error", err)
	}
}

// watch forwards change notifications of watchable collections as triggers.
func (r *Registry) watch(ctx context.Context, d *Directory) {
	w, ok := d.Remote.(remote.Watcher)
	if !ok {
		slog.Warn("directory watch not supported", "directory", d.Name, "type", d.Config.Type)
		return
	}

	changes, err := w.Watch(ctx)
	if err != nil {
		slog.Error("directory watch", "directory", d.Name, "error", err)
		return
	}

	go func() {
		for range changes {
			slog.Debug("directory changed externally", "directory", d.Name)
			select {
			case d.trigger <- struct{}{}:
			default:
			}
		}
	}()
}

// Close closes every store and releases the directory locks.
func (r *Registry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		var errs []error
		for _, d := range r.dirs {
			errs = append(errs, d.close())
		}
		err = errors.Join(errs...)
	})
	return err
}
