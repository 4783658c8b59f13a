// Package localdir serves a directory of .vcf files as a remote collection.
// It stands in for a server in offline setups and tests, and lets other
// tools drop cards into the directory.
package localdir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gofrs/flock"
	"github.com/openmined/cardsync/internal/remote"
	"github.com/openmined/cardsync/internal/utils"
)

const (
	DefaultPattern = "*" + remote.CardExt
	lockFileName   = ".cardsync.lock"
	lockRetryDelay = 20 * time.Millisecond
)

var (
	ErrInvalidPattern = errors.New("localdir: invalid pattern")
	ErrInvalidHref    = errors.New("localdir: href escapes the collection")
)

type Options struct {
	Dir     string
	Pattern string
}

type Collection struct {
	dir     string
	pattern string

	mu   sync.Mutex
	lock *flock.Flock

	selfWrites *ignoreList
}

var (
	_ remote.Collection = (*Collection)(nil)
	_ remote.Watcher    = (*Collection)(nil)
)

func New(opts Options) (*Collection, error) {
	pattern := opts.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}

	dir, err := utils.ResolvePath(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("localdir: resolve dir: %w", err)
	}
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("localdir: %w", err)
	}

	return &Collection{
		dir:        dir,
		pattern:    pattern,
		lock:       flock.New(filepath.Join(dir, lockFileName)),
		selfWrites: newIgnoreList(),
	}, nil
}

func (c *Collection) Dir() string {
	return c.dir
}

func (c *Collection) List(ctx context.Context) ([]remote.ResourceRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matches, err := doublestar.Glob(os.DirFS(c.dir), c.pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, &remote.TransportError{Op: "list", Href: c.dir, Err: err}
	}

	refs := make([]remote.ResourceRef, 0, len(matches))
	for _, href := range matches {
		if path.Base(href) == lockFileName {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, filepath.FromSlash(href)))
		if errors.Is(err, fs.ErrNotExist) {
			// removed between glob and read
			continue
		} else if err != nil {
			return nil, &remote.TransportError{Op: "list", Href: href, Err: err}
		}
		refs = append(refs, remote.ResourceRef{Href: href, ETag: utils.ContentHash(data)})
	}
	return refs, nil
}

func (c *Collection) Fetch(ctx context.Context, href string) (*remote.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := c.resolve(href)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("fetch %s: %w", href, remote.ErrNotFound)
	} else if err != nil {
		return nil, &remote.TransportError{Op: "fetch", Href: href, Err: err}
	}

	return &remote.Resource{Href: href, ETag: utils.ContentHash(data), Payload: data}, nil
}

func (c *Collection) Put(ctx context.Context, href string, payload []byte, expectedETag string) (*remote.ResourceRef, error) {
	create := href == ""
	if create {
		href = remote.NewResourceName()
	}

	p, err := c.resolve(href)
	if err != nil {
		return nil, err
	}

	err = c.withLock(ctx, func() error {
		current, exists, err := c.currentETag(p)
		if err != nil {
			return &remote.TransportError{Op: "put", Href: href, Err: err}
		}
		if create && exists {
			return fmt.Errorf("put %s: %w", href, remote.ErrConflict)
		}
		if expectedETag != "" && (!exists || current != remote.NormalizeETag(expectedETag)) {
			return fmt.Errorf("put %s: %w", href, remote.ErrConflict)
		}

		c.selfWrites.Add(p)
		if err := writeFileAtomic(p, payload); err != nil {
			return &remote.TransportError{Op: "put", Href: href, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &remote.ResourceRef{Href: href, ETag: utils.ContentHash(payload)}, nil
}

func (c *Collection) Delete(ctx context.Context, href string, expectedETag string) error {
	p, err := c.resolve(href)
	if err != nil {
		return err
	}

	return c.withLock(ctx, func() error {
		current, exists, err := c.currentETag(p)
		if err != nil {
			return &remote.TransportError{Op: "delete", Href: href, Err: err}
		}
		if !exists {
			return fmt.Errorf("delete %s: %w", href, remote.ErrNotFound)
		}
		if expectedETag != "" && current != remote.NormalizeETag(expectedETag) {
			return fmt.Errorf("delete %s: %w", href, remote.ErrConflict)
		}

		c.selfWrites.Add(p)
		if err := os.Remove(p); err != nil {
			return &remote.TransportError{Op: "delete", Href: href, Err: err}
		}
		return nil
	})
}

// withLock serializes writers in this process and across processes sharing the directory.
func (c *Collection) withLock(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	locked, err := c.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return &remote.TransportError{Op: "lock", Href: c.dir, Err: err}
	}
	if !locked {
		return &remote.TransportError{Op: "lock", Href: c.dir, Err: errors.New("lock not acquired")}
	}
	defer func() { _ = c.lock.Unlock() }()

	return fn()
}

func (c *Collection) currentETag(p string) (string, bool, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return utils.ContentHash(data), true, nil
}

func (c *Collection) resolve(href string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(href, "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidHref, href)
	}
	return filepath.Join(c.dir, filepath.FromSlash(clean)), nil
}

func writeFileAtomic(p string, data []byte) error {
	if err := utils.EnsureParent(p); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, p)
}
