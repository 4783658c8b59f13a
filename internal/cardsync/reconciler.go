// Package cardsync reconciles a local card store with a remote collection and
// replays local changes to the server.
package cardsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openmined/cardsync/internal/card"
	"github.com/openmined/cardsync/internal/notify"
	"github.com/openmined/cardsync/internal/remote"
)

type Options struct {
	// Directory names the directory in events and logs.
	Directory    string
	FetchWorkers int
}

// Reconciler owns the sync state of one directory.
type Reconciler struct {
	directory string
	remote    remote.Collection
	store     Store
	events    Emitter
	workers   int

	// muSync allows one pass at a time; muApply serializes store writes
	// between a pass and local pushes.
	muSync  sync.Mutex
	muApply sync.Mutex
	syncing atomic.Bool

	lastMu sync.RWMutex
	last   *SyncResult

	// duplicates remembers server resources skipped for carrying a UID
	// already bound elsewhere. Guarded by muSync.
	duplicates map[string]duplicateRef
}

type duplicateRef struct {
	etag string
	uid  string
}

func New(coll remote.Collection, store Store, events Emitter, opts Options) *Reconciler {
	workers := opts.FetchWorkers
	if workers <= 0 {
		workers = DefaultFetchWorkers
	}
	return &Reconciler{
		directory:  opts.Directory,
		remote:     coll,
		store:      store,
		events:     events,
		workers:    workers,
		duplicates: make(map[string]duplicateRef),
	}
}

func (r *Reconciler) Directory() string {
	return r.directory
}

// IsSyncing reports whether a pass is running.
func (r *Reconciler) IsSyncing() bool {
	return r.syncing.Load()
}

// LastResult returns the result of the last completed pass, or nil.
func (r *Reconciler) LastResult() *SyncResult {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	return r.last
}

// SyncAll runs one sync pass. A failing List aborts the pass before anything
// is changed; failures on single resources are recorded in the result.
func (r *Reconciler) SyncAll(ctx context.Context) (*SyncResult, error) {
	if !r.muSync.TryLock() {
		return nil, ErrSyncAlreadyRunning
	}
	defer r.muSync.Unlock()

	r.syncing.Store(true)
	defer r.syncing.Store(false)

	start := time.Now()
	result := newSyncResult(r.directory, start)

	lastSync, err := r.store.LastSync()
	if err != nil {
		return nil, fmt.Errorf("read sync state: %w", err)
	}
	result.Bootstrap = lastSync.IsZero()

	tList := time.Now()
	listed, err := r.remote.List(ctx)
	if err != nil {
		metricSyncDuration.WithLabelValues(r.directory, "error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("list %s: %w", r.directory, err)
	}
	tsList := time.Since(tList)

	cached, err := r.store.GetAll()
	if err != nil {
		return nil, fmt.Errorf("read cards: %w", err)
	}

	plan := classify(cached, listed)
	result.Unchanged = plan.Unchanged
	for _, href := range plan.Untracked {
		slog.Warn("sync listed without etag", "directory", r.directory, "href", href)
		result.fail(href, remote.ErrMissingETag)
	}

	r.applyDeletes(plan, result)
	jobs := r.skipKnownDuplicates(plan, result)

	tFetch := time.Now()
	fetched := r.fetchAll(ctx, jobs)
	tsFetch := time.Since(tFetch)

	r.applyFetched(plan, fetched, result)
	r.pushPending(ctx, result)

	result.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		r.emitResult(result)
		return result, err
	}

	if err := r.store.SetLastSync(time.Now()); err != nil {
		slog.Error("sync record pass", "directory", r.directory, "error", err)
	}

	r.emitResult(result)
	observeResult(result)

	r.lastMu.Lock()
	r.last = result
	r.lastMu.Unlock()

	logFn := slog.Debug
	if result.HasChanges() || len(result.Failed) > 0 || len(result.Malformed) > 0 {
		logFn = slog.Info
	}
	logFn("sync",
		"directory", r.directory,
		"bootstrap", result.Bootstrap,
		"listed", len(listed),
		"created", len(result.Created),
		"updated", len(result.Updated),
		"deleted", len(result.Deleted),
		"unchanged", result.Unchanged,
		"pushed", len(result.Pushed),
		"pending", result.Pending,
		"malformed", len(result.Malformed),
		"duplicates", len(result.Duplicates),
		"failed", len(result.Failed),
		"tsList", tsList,
		"tsFetch", tsFetch,
		"tsTotal", result.Duration,
	)

	return result, nil
}

func (r *Reconciler) applyDeletes(plan *syncPlan, result *SyncResult) {
	r.muApply.Lock()
	defer r.muApply.Unlock()

	for _, c := range plan.RemoteDeleted {
		if !r.stillCached(c) {
			slog.Debug("sync skip delete, card changed during pass", "directory", r.directory, "uid", c.UID)
			continue
		}
		if err := r.store.Remove(c.UID); err != nil {
			result.fail(c.Href, err)
			continue
		}
		result.Deleted = append(result.Deleted, c.UID)
	}
}

func (r *Reconciler) applyFetched(plan *syncPlan, fetched []fetchResult, result *SyncResult) {
	r.muApply.Lock()
	defer r.muApply.Unlock()

	for _, fr := range fetched {
		href := fr.job.ref.Href
		prev := fr.job.cached

		if fr.err != nil {
			if errors.Is(fr.err, remote.ErrNotFound) {
				// gone between listing and fetch
				if prev != nil && r.stillCached(prev) {
					if err := r.store.Remove(prev.UID); err != nil {
						result.fail(href, err)
						continue
					}
					result.Deleted = append(result.Deleted, prev.UID)
				}
				continue
			}
			slog.Warn("sync fetch failed", "directory", r.directory, "href", href, "error", fr.err)
			result.fail(href, fr.err)
			continue
		}

		incoming, err := card.Parse(fr.res.Payload)
		if err != nil {
			slog.Warn("sync malformed card", "directory", r.directory, "href", href, "error", err)
			result.Malformed = append(result.Malformed, href)
			continue
		}
		incoming.Href = href
		incoming.ETag = fr.res.ETag
		if incoming.ETag == "" {
			incoming.ETag = fr.job.ref.ETag
		}

		if prev != nil && prev.UID != incoming.UID {
			// the resource now holds a different contact
			if !r.stillCached(prev) {
				continue
			}
			if err := r.store.Remove(prev.UID); err != nil {
				result.fail(href, err)
				continue
			}
			result.Deleted = append(result.Deleted, prev.UID)
			prev = nil
		}

		existing, err := r.store.GetByUID(incoming.UID)
		if err != nil {
			result.fail(href, err)
			continue
		}

		var kind notify.Kind
		switch {
		case existing == nil:
			kind = notify.KindCreated
		case existing.Href == href:
			if prev == nil || existing.ETag != prev.ETag {
				slog.Debug("sync skip update, card changed during pass", "directory", r.directory, "uid", incoming.UID)
				continue
			}
			kind = notify.KindUpdated
		case existing.IsSynced() && plan.Listed(existing.Href):
			slog.Warn("sync duplicate uid on server, keeping first binding",
				"directory", r.directory, "uid", incoming.UID, "kept", existing.Href, "skipped", href)
			result.Duplicates = append(result.Duplicates, href)
			r.duplicates[href] = duplicateRef{etag: fr.job.ref.ETag, uid: incoming.UID}
			continue
		default:
			// a pending local card, or one whose old resource vanished
			kind = notify.KindUpdated
		}

		if err := r.store.Upsert(incoming); err != nil {
			result.fail(href, err)
			continue
		}

		if kind == notify.KindCreated {
			result.Created = append(result.Created, incoming.UID)
		} else {
			result.Updated = append(result.Updated, incoming.UID)
		}
	}
}

// skipKnownDuplicates drops from the fetch list the duplicates seen on an
// earlier pass that are unchanged and whose UID is still bound to a listed href.
func (r *Reconciler) skipKnownDuplicates(plan *syncPlan, result *SyncResult) []fetchJob {
	jobs := plan.Fetches()
	if len(r.duplicates) == 0 {
		return jobs
	}

	for href := range r.duplicates {
		if !plan.Listed(href) {
			delete(r.duplicates, href)
		}
	}

	kept := jobs[:0]
	for _, job := range jobs {
		dup, ok := r.duplicates[job.ref.Href]
		if ok && job.cached == nil && dup.etag == job.ref.ETag && r.boundElsewhere(plan, dup.uid, job.ref.Href) {
			result.Duplicates = append(result.Duplicates, job.ref.Href)
			continue
		}
		delete(r.duplicates, job.ref.Href)
		kept = append(kept, job)
	}
	return kept
}

func (r *Reconciler) boundElsewhere(plan *syncPlan, uid, href string) bool {
	c, err := r.store.GetByUID(uid)
	if err != nil || c == nil {
		return false
	}
	return c.IsSynced() && c.Href != href && plan.Listed(c.Href)
}

// pushPending creates remotely the cards still without href.
func (r *Reconciler) pushPending(ctx context.Context, result *SyncResult) {
	r.muApply.Lock()
	defer r.muApply.Unlock()

	pending, err := r.store.GetPending()
	if err != nil {
		slog.Error("sync read pending cards", "directory", r.directory, "error", err)
		return
	}

	for _, c := range pending {
		if ctx.Err() != nil {
			result.Pending++
			continue
		}

		ref, err := r.remote.Put(ctx, "", c.Payload, "")
		if err != nil {
			slog.Warn("sync push pending card", "directory", r.directory, "uid", c.UID, "error", err)
			metricPushes.WithLabelValues(r.directory, string(ChangeCreate), "error").Inc()
			result.Pending++
			continue
		}
		metricPushes.WithLabelValues(r.directory, string(ChangeCreate), "ok").Inc()

		c.Href, c.ETag = ref.Href, ref.ETag
		if err := r.store.Upsert(c); err != nil {
			result.fail(ref.Href, err)
			continue
		}
		result.Pushed = append(result.Pushed, c.UID)
		result.Created = append(result.Created, c.UID)
	}
}

// stillCached reports whether c's href and etag are still what the store holds.
// muApply must be held.
func (r *Reconciler) stillCached(c *card.Card) bool {
	meta, err := r.store.GetCachedMeta(c.UID)
	if err != nil || meta == nil {
		return false
	}
	return meta.Href == c.Href && meta.ETag == c.ETag
}

type eventGroup struct {
	kind notify.Kind
	uids []string
}

// emitResult notifies deletions, creations then updates, each sorted by UID.
// A bootstrap pass only announces the local cards it pushed.
func (r *Reconciler) emitResult(result *SyncResult) {
	if r.events == nil {
		return
	}

	groups := []eventGroup{
		{notify.KindDeleted, result.Deleted},
		{notify.KindCreated, result.Created},
		{notify.KindUpdated, result.Updated},
	}
	if result.Bootstrap {
		groups = []eventGroup{{notify.KindCreated, result.Pushed}}
	}

	for _, g := range groups {
		uids := append([]string(nil), g.uids...)
		sort.Strings(uids)
		for _, uid := range uids {
			r.events.Emit(notify.Event{Directory: r.directory, Kind: g.kind, UID: uid})
		}
	}
}

func (r *Reconciler) emit(kind notify.Kind, uid string) {
	if r.events == nil {
		return
	}
	r.events.Emit(notify.Event{Directory: r.directory, Kind: kind, UID: uid})
}
