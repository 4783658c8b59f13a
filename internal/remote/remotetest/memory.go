// Package remotetest provides an in-memory remote.Collection for tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/openmined/cardsync/internal/remote"
)

// Collection is a thread-safe in-memory collection. Server-side edits made
// through PutInternal and DeleteInternal bypass etag checks, like another
// client writing to the same address book.
type Collection struct {
	mu        sync.Mutex
	resources map[string]*remote.Resource
	nextETag  int
	nextName  int

	// Fault injection. ListErr fails List; FetchErr fails Fetch for an href;
	// HideETag lists an href without its etag.
	ListErr  error
	FetchErr map[string]error
	PutErr   error
	HideETag map[string]bool

	// BeforeFetch, when set, runs before each fetch without holding the lock.
	BeforeFetch func(href string)

	fetches map[string]int
	puts    int
	deletes int
}

var _ remote.Collection = (*Collection)(nil)

func New() *Collection {
	return &Collection{
		resources: make(map[string]*remote.Resource),
		FetchErr:  make(map[string]error),
		HideETag:  make(map[string]bool),
		fetches:   make(map[string]int),
	}
}

// PutInternal stores payload at href and returns the new etag.
func (c *Collection) PutInternal(href string, payload string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	etag := c.bumpETag()
	c.resources[href] = &remote.Resource{Href: href, ETag: etag, Payload: []byte(payload)}
	return etag
}

// SetInternal stores payload at href under the given etag, as a server that
// derives etags from content would after a revert.
func (c *Collection) SetInternal(href, payload, etag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources[href] = &remote.Resource{Href: href, ETag: etag, Payload: []byte(payload)}
}

func (c *Collection) DeleteInternal(href string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resources, href)
}

// Get returns a copy of the resource at href, or nil.
func (c *Collection) Get(href string) *remote.Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.resources[href]
	if !ok {
		return nil
	}
	return clone(r)
}

func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resources)
}

// Fetches returns how many times href was fetched.
func (c *Collection) Fetches(href string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches[href]
}

// TotalFetches returns the fetch count across all hrefs.
func (c *Collection) TotalFetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.fetches {
		total += n
	}
	return total
}

func (c *Collection) Puts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}

func (c *Collection) Deletes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deletes
}

func (c *Collection) List(ctx context.Context) ([]remote.ResourceRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListErr != nil {
		return nil, c.ListErr
	}

	refs := make([]remote.ResourceRef, 0, len(c.resources))
	for _, r := range c.resources {
		ref := r.Ref()
		if c.HideETag[ref.Href] {
			ref.ETag = ""
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Href < refs[j].Href })
	return refs, nil
}

func (c *Collection) Fetch(ctx context.Context, href string) (*remote.Resource, error) {
	if c.BeforeFetch != nil {
		c.BeforeFetch(href)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches[href]++
	if err := c.FetchErr[href]; err != nil {
		return nil, err
	}

	r, ok := c.resources[href]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", href, remote.ErrNotFound)
	}
	return clone(r), nil
}

func (c *Collection) Put(ctx context.Context, href string, payload []byte, expectedETag string) (*remote.ResourceRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PutErr != nil {
		return nil, c.PutErr
	}

	if href == "" {
		c.nextName++
		href = fmt.Sprintf("/addressbook/new-%d%s", c.nextName, remote.CardExt)
		if _, exists := c.resources[href]; exists {
			return nil, fmt.Errorf("put %s: %w", href, remote.ErrConflict)
		}
	} else if existing, ok := c.resources[href]; ok {
		if expectedETag != "" && existing.ETag != expectedETag {
			return nil, fmt.Errorf("put %s: %w", href, remote.ErrConflict)
		}
	} else if expectedETag != "" {
		return nil, fmt.Errorf("put %s: %w", href, remote.ErrConflict)
	}

	c.puts++
	etag := c.bumpETag()
	c.resources[href] = &remote.Resource{Href: href, ETag: etag, Payload: append([]byte(nil), payload...)}
	return &remote.ResourceRef{Href: href, ETag: etag}, nil
}

func (c *Collection) Delete(ctx context.Context, href string, expectedETag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.resources[href]
	if !ok {
		return fmt.Errorf("delete %s: %w", href, remote.ErrNotFound)
	}
	if expectedETag != "" && existing.ETag != expectedETag {
		return fmt.Errorf("delete %s: %w", href, remote.ErrConflict)
	}
	c.deletes++
	delete(c.resources, href)
	return nil
}

func (c *Collection) bumpETag() string {
	c.nextETag++
	return "etag-" + strconv.Itoa(c.nextETag)
}

func clone(r *remote.Resource) *remote.Resource {
	return &remote.Resource{Href: r.Href, ETag: r.ETag, Payload: append([]byte(nil), r.Payload...)}
}
