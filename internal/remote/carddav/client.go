// Package carddav implements remote.Collection against a CardDAV address book.
package carddav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-webdav"
	"github.com/imroc/req/v3"
	"github.com/openmined/cardsync/internal/remote"
	"github.com/openmined/cardsync/internal/utils"
	"github.com/openmined/cardsync/internal/version"
)

const (
	HeaderDeviceID = "X-Cardsync-Device-Id"

	defaultTimeout    = 30 * time.Second
	defaultRetryCount = 3
	defaultRetryWait  = time.Second
)

var ErrInvalidURL = errors.New("carddav: invalid address book url")

type Options struct {
	// URL is the address book collection, e.g. https://dav.example.com/addressbooks/alice/default/
	URL      string
	Username string
	Password string

	Timeout time.Duration
	// RetryCount applies to reads only. Zero uses the default, negative disables retries.
	RetryCount    int
	RetryInterval time.Duration
}

// Client talks to a single address book collection.
type Client struct {
	base *url.URL
	http *req.Client
	dav  *webdav.Client
}

var _ remote.Collection = (*Client)(nil)

func New(opts Options) (*Client, error) {
	base, err := parseCollectionURL(opts.URL)
	if err != nil {
		return nil, err
	}

	httpClient := newHTTPClient(opts)

	dav, err := webdav.NewClient(davHTTPClient(httpClient, opts), base.String())
	if err != nil {
		return nil, fmt.Errorf("carddav: webdav client: %w", err)
	}

	return &Client{
		base: base,
		http: httpClient,
		dav:  dav,
	}, nil
}

func (c *Client) List(ctx context.Context) ([]remote.ResourceRef, error) {
	infos, err := c.dav.ReadDir(ctx, c.base.Path, false)
	if err != nil {
		return nil, &remote.TransportError{Op: "PROPFIND", Href: c.base.Path, Err: err}
	}

	refs := make([]remote.ResourceRef, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir {
			continue
		}
		refs = append(refs, remote.ResourceRef{Href: fi.Path, ETag: remote.NormalizeETag(fi.ETag)})
	}

	slog.Debug("carddav list", "collection", c.base.Path, "resources", len(refs))
	return refs, nil
}

func (c *Client) Fetch(ctx context.Context, href string) (*remote.Resource, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "text/vcard").
		Get(c.resolve(href))

	if err := checkResponse(http.MethodGet, href, resp, err); err != nil {
		return nil, err
	}

	payload := resp.Bytes()
	slog.Debug("carddav fetch", "href", href, "size", humanize.Bytes(uint64(len(payload))))

	return &remote.Resource{
		Href:    href,
		ETag:    remote.NormalizeETag(resp.Header.Get("ETag")),
		Payload: payload,
	}, nil
}

func (c *Client) Put(ctx context.Context, href string, payload []byte, expectedETag string) (*remote.ResourceRef, error) {
	r := c.http.R().
		SetContext(ctx).
		SetRetryCount(0).
		SetHeader("Content-Type", remote.ContentType).
		SetBodyBytes(payload)

	if href == "" {
		href = c.base.Path + remote.NewResourceName()
		r.SetHeader("If-None-Match", "*")
	} else if expectedETag != "" {
		r.SetHeader("If-Match", remote.QuoteETag(expectedETag))
	}

	resp, err := r.Put(c.resolve(href))
	if err := checkResponse(http.MethodPut, href, resp, err); err != nil {
		return nil, err
	}

	etag := remote.NormalizeETag(resp.Header.Get("ETag"))
	if etag == "" {
		// servers may omit the etag when they rewrite the stored card
		etag, err = c.head(ctx, href)
		if err != nil {
			return nil, err
		}
	}

	return &remote.ResourceRef{Href: href, ETag: etag}, nil
}

func (c *Client) Delete(ctx context.Context, href string, expectedETag string) error {
	r := c.http.R().
		SetContext(ctx).
		SetRetryCount(0)

	if expectedETag != "" {
		r.SetHeader("If-Match", remote.QuoteETag(expectedETag))
	}

	resp, err := r.Delete(c.resolve(href))
	return checkResponse(http.MethodDelete, href, resp, err)
}

func (c *Client) head(ctx context.Context, href string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Head(c.resolve(href))

	if err := checkResponse(http.MethodHead, href, resp, err); err != nil {
		return "", err
	}

	etag := remote.NormalizeETag(resp.Header.Get("ETag"))
	if etag == "" {
		return "", &remote.TransportError{Op: http.MethodHead, Href: href, Err: errors.New("server returned no etag")}
	}
	return etag, nil
}

func (c *Client) resolve(href string) string {
	return c.base.ResolveReference(&url.URL{Path: href}).String()
}

func newHTTPClient(opts Options) *req.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retryCount := opts.RetryCount
	switch {
	case retryCount == 0:
		retryCount = defaultRetryCount
	case retryCount < 0:
		retryCount = 0
	}
	retryWait := opts.RetryInterval
	if retryWait <= 0 {
		retryWait = defaultRetryWait
	}

	client := req.C().
		SetTimeout(timeout).
		SetCommonRetryCount(retryCount).
		SetCommonRetryFixedInterval(retryWait).
		SetCommonRetryCondition(func(resp *req.Response, err error) bool {
			return err != nil || statusCode(resp) >= http.StatusInternalServerError
		}).
		SetUserAgent(version.UserAgent()).
		SetCommonHeader(HeaderDeviceID, utils.HWID)

	if opts.Username != "" {
		client.SetCommonBasicAuth(opts.Username, opts.Password)
	}
	return client
}

// davHTTPClient hands go-webdav the http.Client underneath req, sharing its transport and timeout.
func davHTTPClient(client *req.Client, opts Options) webdav.HTTPClient {
	var hc webdav.HTTPClient = client.GetClient()
	if opts.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(hc, opts.Username, opts.Password)
	}
	return hc
}

func parseCollectionURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}
