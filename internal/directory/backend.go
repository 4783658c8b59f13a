package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openmined/cardsync/internal/config"
	"github.com/openmined/cardsync/internal/credential"
	"github.com/openmined/cardsync/internal/remote"
	"github.com/openmined/cardsync/internal/remote/carddav"
	"github.com/openmined/cardsync/internal/remote/localdir"
	"github.com/openmined/cardsync/internal/remote/s3store"
)

var ErrNoKeyring = errors.New("directory: use_keyring is set but no keyring is available")

// BackendFactory builds the remote collection for a directory entry.
type BackendFactory func(ctx context.Context, dir config.DirectoryConfig, timeout time.Duration) (remote.Collection, error)

// DefaultBackends builds carddav, s3 and localdir collections. Secrets of
// entries with use_keyring are read from creds.
func DefaultBackends(creds *credential.Store) BackendFactory {
	return func(ctx context.Context, dir config.DirectoryConfig, timeout time.Duration) (remote.Collection, error) {
		switch dir.Type {
		case config.TypeCardDAV:
			password, err := secret(creds, dir, dir.Password)
			if err != nil {
				return nil, err
			}
			return carddav.New(carddav.Options{
				URL:      dir.URL,
				Username: dir.Username,
				Password: password,
				Timeout:  timeout,
			})

		case config.TypeS3:
			secretKey, err := secret(creds, dir, dir.SecretKey)
			if err != nil {
				return nil, err
			}
			return s3store.New(ctx, s3store.Config{
				Bucket:    dir.Bucket,
				Prefix:    dir.Prefix,
				Region:    dir.Region,
				Endpoint:  dir.Endpoint,
				AccessKey: dir.AccessKey,
				SecretKey: secretKey,
				Timeout:   timeout,
			})

		case config.TypeLocalDir:
			return localdir.New(localdir.Options{Dir: dir.Path, Pattern: dir.Pattern})
		}
		return nil, fmt.Errorf("%w: %s: unknown type %q", config.ErrInvalidDirectory, dir.Name, dir.Type)
	}
}

func secret(creds *credential.Store, dir config.DirectoryConfig, inline string) (string, error) {
	if !dir.UseKeyring {
		return inline, nil
	}
	if creds == nil {
		return "", ErrNoKeyring
	}
	return creds.Get(dir.Name)
}
