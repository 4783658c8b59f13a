package localdir

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rjeczalik/notify"
)

const (
	eventBufferSize  = 64
	debounceTimeout  = 100 * time.Millisecond
	selfWriteTimeout = time.Second
)

// Watch reports external changes to matching files. Writes made through the
// collection itself are not reported. The channel is closed when ctx ends.
func (c *Collection) Watch(ctx context.Context) (<-chan struct{}, error) {
	raw := make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(filepath.Join(c.dir, "..."), raw, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return nil, err
	}

	root := c.dir
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer notify.Stop(raw)

		var timer *time.Timer
		fire := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case <-fire:
				select {
				case out <- struct{}{}:
				default:
				}
			case ev := <-raw:
				if !c.relevant(root, ev.Path()) {
					continue
				}
				slog.Debug("localdir change", "event", ev.Event(), "path", ev.Path())
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounceTimeout, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			}
		}
	}()

	return out, nil
}

func (c *Collection) relevant(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		rel, err = filepath.Rel(c.dir, p)
		if err != nil {
			return false
		}
	}
	rel = filepath.ToSlash(rel)

	if ok, _ := doublestar.Match(c.pattern, rel); !ok {
		return false
	}
	return !c.selfWrites.Consume(filepath.Join(c.dir, filepath.FromSlash(rel)))
}

// ignoreList remembers paths written by this process so the watcher can skip
// the echo of its own writes.
type ignoreList struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newIgnoreList() *ignoreList {
	return &ignoreList{entries: make(map[string]time.Time)}
}

func (l *ignoreList) Add(p string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for k, expiry := range l.entries {
		if now.After(expiry) {
			delete(l.entries, k)
		}
	}
	l.entries[p] = now.Add(selfWriteTimeout)
}

// Consume reports whether p was recently written by us. Entries stay until
// they expire since one write can produce several events.
func (l *ignoreList) Consume(p string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiry, ok := l.entries[p]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(l.entries, p)
		return false
	}
	return true
}
