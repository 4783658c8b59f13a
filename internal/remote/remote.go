// Package remote defines the contract every remote vCard collection backend
// implements, plus the shared error taxonomy.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// CardExt is the file extension used when naming new resources.
	CardExt = ".vcf"
	// ContentType is sent with every vCard write.
	ContentType = "text/vcard; charset=utf-8"
)

var (
	ErrNotFound = errors.New("remote: resource not found")
	ErrConflict = errors.New("remote: etag mismatch")
	// ErrMissingETag marks a listed resource the server reported no etag for.
	ErrMissingETag = errors.New("remote: listed without etag")
)

// ResourceRef identifies a remote resource at a specific version.
type ResourceRef struct {
	Href string `json:"href"`
	ETag string `json:"etag"`
}

// Resource is a fetched resource with its payload.
type Resource struct {
	Href    string
	ETag    string
	Payload []byte
}

// Ref returns the (href, etag) pair of the resource.
func (r *Resource) Ref() ResourceRef {
	return ResourceRef{Href: r.Href, ETag: r.ETag}
}

// Collection is a remote set of vCard resources addressed by href.
//
// List may return refs with an empty ETag when the server does not report
// one; such resources cannot be tracked and are left to the caller to report.
// Put with an empty href creates a new resource and must fail with
// ErrConflict if the chosen name already exists. Put and Delete with a
// non-empty expectedETag must fail with ErrConflict when the server holds a
// different version.
type Collection interface {
	List(ctx context.Context) ([]ResourceRef, error)
	Fetch(ctx context.Context, href string) (*Resource, error)
	Put(ctx context.Context, href string, payload []byte, expectedETag string) (*ResourceRef, error)
	Delete(ctx context.Context, href string, expectedETag string) error
}

// Watcher is implemented by collections that can report out-of-band changes.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// TransportError is a network, authentication or unexpected-status failure.
type TransportError struct {
	Op         string
	Href       string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	var sb strings.Builder
	sb.WriteString("remote: ")
	sb.WriteString(e.Op)
	if e.Href != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Href)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// NormalizeETag strips the weak prefix and surrounding quotes from an etag.
func NormalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.TrimPrefix(etag, "w/")
	return strings.Trim(etag, `"`)
}

// QuoteETag formats a normalized etag for conditional request headers.
func QuoteETag(etag string) string {
	return `"` + NormalizeETag(etag) + `"`
}

// NewResourceName returns a fresh resource file name.
func NewResourceName() string {
	return uuid.NewString() + CardExt
}
