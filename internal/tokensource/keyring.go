package tokensource

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "qwenauth"
	keyringUser    = "oauth"
)

// HostStore is the host application's own credential storage. It is
// independent of the credentials file; Manager consults it first.
type HostStore interface {
	// Read returns the host credential, or nil when none is stored.
	Read(ctx context.Context) (*HostCredential, error)

	// Write replaces the host credential.
	Write(ctx context.Context, cred *HostCredential) error

	// Clear removes the host credential.
	Clear(ctx context.Context) error
}

// KeyringHostStore keeps the host credential in the OS keyring as a
// camelCase JSON record.
type KeyringHostStore struct {
	service string
	user    string
}

// Compile-time check that KeyringHostStore implements HostStore interface
var _ HostStore = (*KeyringHostStore)(nil)

// NewKeyringHostStore creates a keyring-backed host store.
func NewKeyringHostStore() *KeyringHostStore {
	return &KeyringHostStore{
		service: keyringService,
		user:    keyringUser,
	}
}

// Read returns the stored host credential.
func (s *KeyringHostStore) Read(ctx context.Context) (*HostCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	secret, err := keyring.Get(s.service, s.user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading keyring: %w", err)
	}

	cred, err := decodeHostRecord([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("decoding keyring credential: %w", err)
	}
	return cred, nil
}

// Write stores cred in the keyring.
func (s *KeyringHostStore) Write(ctx context.Context, cred *HostCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cred == nil {
		return errors.New("host credential cannot be nil")
	}

	data, err := encodeHostRecord(cred)
	if err != nil {
		return fmt.Errorf("encoding keyring credential: %w", err)
	}

	if err := keyring.Set(s.service, s.user, string(data)); err != nil {
		return fmt.Errorf("writing keyring: %w", err)
	}
	return nil
}

// Clear deletes the keyring entry. A missing entry is not an error.
func (s *KeyringHostStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := keyring.Delete(s.service, s.user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting keyring entry: %w", err)
	}
	return nil
}
