package cardsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openmined/cardsync/internal/card"
	"github.com/openmined/cardsync/internal/notify"
	"github.com/openmined/cardsync/internal/remote"
)

// PushLocalChange writes a local mutation to the server and, once the server
// accepted it, to the local store. The stored card is returned for creates and
// updates.
func (r *Reconciler) PushLocalChange(ctx context.Context, change LocalChange) (*card.Card, error) {
	var (
		stored *card.Card
		kind   notify.Kind
		err    error
	)

	switch change.Kind {
	case ChangeCreate:
		stored, kind, err = r.pushCreate(ctx, change.Card)
	case ChangeUpdate:
		stored, kind, err = r.pushUpdate(ctx, change.Card)
	case ChangeDelete:
		kind, err = r.pushDelete(ctx, change.UID)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidChange, change.Kind)
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	metricPushes.WithLabelValues(r.directory, string(change.Kind), result).Inc()

	// emit outside muApply so handlers may call back into the reconciler
	if kind != "" {
		r.emit(kind, eventUID(stored, change))
	}
	return stored, err
}

func eventUID(stored *card.Card, change LocalChange) string {
	if stored != nil {
		return stored.UID
	}
	return change.UID
}

func (r *Reconciler) pushCreate(ctx context.Context, c *card.Card) (*card.Card, notify.Kind, error) {
	nc, err := prepareNewCard(c)
	if err != nil {
		return nil, "", err
	}

	r.muApply.Lock()
	defer r.muApply.Unlock()

	existing, err := r.store.GetByUID(nc.UID)
	if err != nil {
		return nil, "", err
	}
	if existing != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrDuplicateUID, nc.UID)
	}

	ref, err := r.remote.Put(ctx, "", nc.Payload, "")
	if remote.IsTransport(err) {
		if serr := r.store.Upsert(nc); serr != nil {
			return nil, "", errors.Join(err, serr)
		}
		slog.Warn("push create queued", "directory", r.directory, "uid", nc.UID, "error", err)
		return nc, "", fmt.Errorf("%w: %w", ErrQueued, err)
	} else if err != nil {
		return nil, "", fmt.Errorf("create %s: %w", nc.UID, err)
	}

	nc.Href, nc.ETag = ref.Href, ref.ETag
	if err := r.store.Upsert(nc); err != nil {
		return nil, "", err
	}

	slog.Info("push create", "directory", r.directory, "uid", nc.UID, "href", nc.Href)
	return nc, notify.KindCreated, nil
}

func (r *Reconciler) pushUpdate(ctx context.Context, c *card.Card) (*card.Card, notify.Kind, error) {
	if c == nil || c.UID == "" {
		return nil, "", fmt.Errorf("%w: update needs a card with a UID", ErrInvalidChange)
	}

	parsed, err := card.Parse(c.Payload)
	if err != nil {
		return nil, "", err
	}
	if parsed.UID != c.UID {
		return nil, "", fmt.Errorf("%w: payload UID %q does not match %q", card.ErrMalformedPayload, parsed.UID, c.UID)
	}

	r.muApply.Lock()
	defer r.muApply.Unlock()

	existing, err := r.store.GetByUID(c.UID)
	if err != nil {
		return nil, "", err
	}
	if existing == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrCardNotFound, c.UID)
	}

	updated := parsed
	if !existing.IsSynced() {
		// never reached the server, create it there instead
		ref, err := r.remote.Put(ctx, "", updated.Payload, "")
		if remote.IsTransport(err) {
			if serr := r.store.Upsert(updated); serr != nil {
				return nil, "", errors.Join(err, serr)
			}
			return updated, "", fmt.Errorf("%w: %w", ErrQueued, err)
		} else if err != nil {
			return nil, "", fmt.Errorf("create %s: %w", c.UID, err)
		}
		updated.Href, updated.ETag = ref.Href, ref.ETag
		if err := r.store.Upsert(updated); err != nil {
			return nil, "", err
		}
		return updated, notify.KindCreated, nil
	}

	ref, err := r.remote.Put(ctx, existing.Href, updated.Payload, existing.ETag)
	if err != nil {
		if errors.Is(err, remote.ErrConflict) {
			slog.Warn("push update conflict", "directory", r.directory, "uid", c.UID, "href", existing.Href)
		}
		return nil, "", fmt.Errorf("update %s: %w", c.UID, err)
	}

	updated.Href, updated.ETag = ref.Href, ref.ETag
	if err := r.store.Upsert(updated); err != nil {
		return nil, "", err
	}

	slog.Info("push update", "directory", r.directory, "uid", c.UID, "etag", updated.ETag)
	return updated, notify.KindUpdated, nil
}

// pushDelete removes the card remotely then locally. A server copy that is
// already gone or was changed meanwhile does not block the local removal.
func (r *Reconciler) pushDelete(ctx context.Context, uid string) (notify.Kind, error) {
	if uid == "" {
		return "", fmt.Errorf("%w: delete needs a UID", ErrInvalidChange)
	}

	r.muApply.Lock()
	defer r.muApply.Unlock()

	existing, err := r.store.GetByUID(uid)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return "", nil
	}

	if existing.IsSynced() {
		err := r.remote.Delete(ctx, existing.Href, existing.ETag)
		switch {
		case err == nil:
		case errors.Is(err, remote.ErrNotFound):
			slog.Debug("push delete, already gone remotely", "directory", r.directory, "uid", uid)
		case errors.Is(err, remote.ErrConflict):
			slog.Warn("push delete conflict, removing local copy only", "directory", r.directory, "uid", uid, "href", existing.Href)
		default:
			return "", fmt.Errorf("delete %s: %w", uid, err)
		}
	}

	if err := r.store.Remove(uid); err != nil {
		return "", err
	}

	slog.Info("push delete", "directory", r.directory, "uid", uid)
	return notify.KindDeleted, nil
}

// prepareNewCard returns a parsed copy of c with a UID written into its payload.
func prepareNewCard(c *card.Card) (*card.Card, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: create needs a card", ErrInvalidChange)
	}
	if len(c.Payload) == 0 {
		return card.New(c.UID, c.DisplayName)
	}

	nc, err := card.EnsureUID(c.Payload)
	if err != nil {
		return nil, err
	}
	if c.UID != "" && nc.UID != c.UID {
		return nil, fmt.Errorf("%w: payload UID %q does not match %q", card.ErrMalformedPayload, nc.UID, c.UID)
	}
	return nc, nil
}
