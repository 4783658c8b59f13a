package carddav

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testUser       = "alice"
	testPassword   = "secret"
	testCollection = "/addressbooks/alice/default/"
	testPrincipal  = "/principals/alice/"
	testHomeSet    = "/addressbooks/alice/"
)

type fakeCard struct {
	etag string
	body string
	// hideETag leaves getetag out of PROPFIND responses
	hideETag bool
}

// fakeServer is a minimal CardDAV server holding one address book.
type fakeServer struct {
	mu          sync.Mutex
	cards       map[string]*fakeCard
	nextETag    int
	omitPutETag bool
	failGet     int
	requests    map[string]int
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{
		cards:    make(map[string]*fakeCard),
		requests: make(map[string]int),
	}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	return fs, srv
}

func (s *fakeServer) add(name, body string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextETag++
	etag := strconv.Itoa(s.nextETag)
	s.cards[testCollection+name] = &fakeCard{etag: etag, body: body}
	return etag
}

func (s *fakeServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method]
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != testUser || pass != testPassword {
		w.Header().Set("WWW-Authenticate", `Basic realm="test"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	raw, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.Method]++

	switch r.Method {
	case "PROPFIND":
		s.propfind(w, r)
	case http.MethodGet, http.MethodHead:
		if r.Method == http.MethodGet && s.failGet > 0 {
			s.failGet--
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c, ok := s.cards[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", `"`+c.etag+`"`)
		w.Header().Set("Content-Type", "text/vcard")
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, c.body)
		}
	case http.MethodPut:
		c, exists := s.cards[r.URL.Path]
		if r.Header.Get("If-None-Match") == "*" && exists {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		if m := r.Header.Get("If-Match"); m != "" && (!exists || `"`+c.etag+`"` != m) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		s.nextETag++
		s.cards[r.URL.Path] = &fakeCard{etag: strconv.Itoa(s.nextETag), body: string(raw)}
		if !s.omitPutETag {
			w.Header().Set("ETag", `"`+strconv.Itoa(s.nextETag)+`"`)
		}
		if exists {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusCreated)
		}
	case http.MethodDelete:
		c, exists := s.cards[r.URL.Path]
		if !exists {
			http.NotFound(w, r)
			return
		}
		if m := r.Header.Get("If-Match"); m != "" && `"`+c.etag+`"` != m {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		delete(s.cards, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *fakeServer) propfind(w http.ResponseWriter, r *http.Request) {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	sb.WriteString(`<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:carddav">`)

	modified := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC).Format(http.TimeFormat)

	switch r.URL.Path {
	case "/":
		writeResponse(&sb, r.URL.Path, `<d:current-user-principal><d:href>`+testPrincipal+`</d:href></d:current-user-principal>`)
	case testPrincipal:
		writeResponse(&sb, r.URL.Path, `<c:addressbook-home-set><d:href>`+testHomeSet+`</d:href></c:addressbook-home-set>`)
	case testHomeSet:
		writeResponse(&sb, testHomeSet, `<d:resourcetype><d:collection/></d:resourcetype>`)
		writeResponse(&sb, testCollection, `<d:resourcetype><d:collection/><c:addressbook/></d:resourcetype>`+
			`<d:displayname>Contacts</d:displayname>`+
			`<c:addressbook-description>Personal contacts</c:addressbook-description>`)
	case testCollection:
		writeResponse(&sb, testCollection, `<d:resourcetype><d:collection/><c:addressbook/></d:resourcetype>`+
			`<d:getlastmodified>`+modified+`</d:getlastmodified>`)

		hrefs := make([]string, 0, len(s.cards))
		for href := range s.cards {
			hrefs = append(hrefs, href)
		}
		sort.Strings(hrefs)
		for _, href := range hrefs {
			c := s.cards[href]
			etag := fmt.Sprintf(`<d:getetag>"%s"</d:getetag>`, c.etag)
			if c.hideETag {
				etag = ""
			}
			writeResponse(&sb, href, fmt.Sprintf(
				`<d:resourcetype/><d:getcontentlength>%d</d:getcontentlength>`+
					`<d:getcontenttype>text/vcard</d:getcontenttype>`+
					`%s`+
					`<d:getlastmodified>%s</d:getlastmodified>`,
				len(c.body), etag, modified))
		}
	default:
		http.NotFound(w, r)
		return
	}

	sb.WriteString(`</d:multistatus>`)
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = io.WriteString(w, sb.String())
}

func writeResponse(sb *strings.Builder, href, props string) {
	sb.WriteString(`<d:response><d:href>`)
	sb.WriteString(href)
	sb.WriteString(`</d:href><d:propstat><d:prop>`)
	sb.WriteString(props)
	sb.WriteString(`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
}
