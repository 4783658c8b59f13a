// Package notify delivers card change events to subscribers.
package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Kind string

const (
	KindCreated Kind = "contact-created"
	KindUpdated Kind = "contact-updated"
	KindDeleted Kind = "contact-deleted"
)

// Event reports a change to one card of a directory.
type Event struct {
	Directory string    `json:"directory"`
	Kind      Kind      `json:"kind"`
	UID       string    `json:"uid"`
	Time      time.Time `json:"time"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s/%s", e.Kind, e.Directory, e.UID)
}

type Handler func(Event)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	handler Handler

	// set for channel subscriptions
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// Notifier fans events out to subscribers synchronously, in emission order.
type Notifier struct {
	mu     sync.RWMutex
	subs   []*Subscription
	nextID uint64
}

func New() *Notifier {
	return &Notifier{}
}

func (n *Notifier) Subscribe(h Handler) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	sub := &Subscription{id: n.nextID, handler: h}
	n.subs = append(n.subs, sub)
	return sub
}

// SubscribeChan delivers events on a buffered channel. Events are dropped
// for a subscriber whose buffer is full. The channel is closed on Unsubscribe.
func (n *Notifier) SubscribeChan(buffer int) (*Subscription, <-chan Event) {
	ch := make(chan Event, buffer)
	sub := &Subscription{ch: ch}
	sub.handler = func(ev Event) {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.closed {
			return
		}
		select {
		case ch <- ev:
		default:
			slog.Warn("notify subscriber slow, dropping event", "event", ev.String())
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	sub.id = n.nextID
	n.subs = append(n.subs, sub)
	return sub, ch
}

// Unsubscribe removes sub. It reports whether sub was subscribed.
func (n *Notifier) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}

	n.mu.Lock()
	found := false
	for i, s := range n.subs {
		if s.id == sub.id {
			n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
			found = true
			break
		}
	}
	n.mu.Unlock()

	if found && sub.ch != nil {
		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()
	}
	return found
}

func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Emit delivers ev to every subscriber before returning.
func (n *Notifier) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	n.mu.RLock()
	subs := make([]*Subscription, len(n.subs))
	copy(subs, n.subs)
	n.mu.RUnlock()

	for _, sub := range subs {
		deliver(sub, ev)
	}
}

func deliver(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notify handler panic", "event", ev.String(), "panic", r)
		}
	}()
	sub.handler(ev)
}
