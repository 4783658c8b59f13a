package carddav

import (
	"context"
	"fmt"
	"net/url"

	gocarddav "github.com/emersion/go-webdav/carddav"
)

// AddressBook is a collection found through discovery.
type AddressBook struct {
	URL         string `json:"url"`
	Path        string `json:"path"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Discover walks current-user-principal, the address book home set and its
// collections, starting from the server root in opts.URL.
func Discover(ctx context.Context, opts Options) ([]AddressBook, error) {
	base, err := parseCollectionURL(opts.URL)
	if err != nil {
		return nil, err
	}

	httpClient := newHTTPClient(opts)
	dav, err := gocarddav.NewClient(davHTTPClient(httpClient, opts), base.String())
	if err != nil {
		return nil, fmt.Errorf("carddav: client: %w", err)
	}

	principal, err := dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("carddav: find principal: %w", err)
	}

	home, err := dav.FindAddressBookHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("carddav: find address book home set: %w", err)
	}

	books, err := dav.FindAddressBooks(ctx, home)
	if err != nil {
		return nil, fmt.Errorf("carddav: find address books: %w", err)
	}

	result := make([]AddressBook, 0, len(books))
	for _, b := range books {
		result = append(result, AddressBook{
			URL:         base.ResolveReference(&url.URL{Path: b.Path}).String(),
			Path:        b.Path,
			Name:        b.Name,
			Description: b.Description,
		})
	}
	return result, nil
}
