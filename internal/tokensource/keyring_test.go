package tokensource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/zalando/go-keyring"
)

func TestKeyringHostStore(t *testing.T) {
	ctx := context.Background()

	t.Run("empty_keyring_reads_nil", func(t *testing.T) {
		keyring.MockInit()
		store := NewKeyringHostStore()

		cred, err := store.Read(ctx)

		require.NoError(t, err)
		assert.Nil(t, cred)
	})

	t.Run("write_then_read", func(t *testing.T) {
		keyring.MockInit()
		store := NewKeyringHostStore()
		want := &HostCredential{
			Type: CredentialTypeOAuth,
			Credentials: Credentials{
				AccessToken:  "at",
				TokenType:    "Bearer",
				RefreshToken: "rt",
				ExpiryDate:   1_700_000_000_000,
			},
		}

		require.NoError(t, store.Write(ctx, want))
		got, err := store.Read(ctx)

		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("record_is_camel_case", func(t *testing.T) {
		keyring.MockInit()
		store := NewKeyringHostStore()
		require.NoError(t, store.Write(ctx, &HostCredential{
			Type:        CredentialTypeOAuth,
			Credentials: Credentials{AccessToken: "at", ExpiryDate: 7},
		}))

		secret, err := keyring.Get(keyringService, keyringUser)

		require.NoError(t, err)
		assert.Equal(t, "at", gjson.Get(secret, "accessToken").String())
		assert.Equal(t, int64(7), gjson.Get(secret, "expiryDate").Int())
		assert.Equal(t, "oauth", gjson.Get(secret, "type").String())
	})

	t.Run("reads_foreign_api_key_record", func(t *testing.T) {
		keyring.MockInit()
		require.NoError(t, keyring.Set(keyringService, keyringUser, `{"type":"api","accessToken":"sk-1"}`))

		cred, err := NewKeyringHostStore().Read(ctx)

		require.NoError(t, err)
		assert.Equal(t, "api", cred.Type)
	})

	t.Run("corrupt_record_is_error", func(t *testing.T) {
		keyring.MockInit()
		require.NoError(t, keyring.Set(keyringService, keyringUser, `not json`))

		_, err := NewKeyringHostStore().Read(ctx)

		assert.Error(t, err)
	})

	t.Run("clear_is_idempotent", func(t *testing.T) {
		keyring.MockInit()
		store := NewKeyringHostStore()
		require.NoError(t, store.Write(ctx, &HostCredential{Type: CredentialTypeOAuth, Credentials: Credentials{AccessToken: "at"}}))

		require.NoError(t, store.Clear(ctx))
		require.NoError(t, store.Clear(ctx))

		cred, err := store.Read(ctx)
		require.NoError(t, err)
		assert.Nil(t, cred)
	})
}
