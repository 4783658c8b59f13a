// Package credential keeps directory passwords in the OS keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const ServiceName = "cardsync"

var ErrNotFound = errors.New("credential: not found")

// Store reads and writes secrets keyed by directory name.
type Store struct {
	ring keyring.Keyring
}

// Open opens the system keyring. fileDir is used by the encrypted file
// backend on systems without a native keyring.
func Open(fileDir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("cardsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// NewStore wraps an already opened keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// NewMemory returns a Store that keeps secrets in memory.
func NewMemory() *Store {
	return &Store{ring: keyring.NewArrayKeyring(nil)}
}

func (s *Store) Get(directory string) (string, error) {
	item, err := s.ring.Get(key(directory))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, directory)
	} else if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", directory, err)
	}
	return string(item.Data), nil
}

func (s *Store) Set(directory, secret string) error {
	err := s.ring.Set(keyring.Item{
		Key:         key(directory),
		Data:        []byte(secret),
		Label:       "cardsync " + directory,
		Description: "password for the " + directory + " address book",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", directory, err)
	}
	return nil
}

// Delete removes the secret. Removing an absent secret is not an error.
func (s *Store) Delete(directory string) error {
	err := s.ring.Remove(key(directory))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", directory, err)
	}
	return nil
}

func key(directory string) string {
	return "directory/" + directory
}
