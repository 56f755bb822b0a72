package devicekey_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarmo-productory/ritemark-sync/devicekey"
	"github.com/jarmo-productory/ritemark-sync/storage"
)

func TestEncryptDecrypt(t *testing.T) {
	t.Parallel()

	key, err := devicekey.Generate()
	require.NoError(t, err)

	ciphertext, iv, err := key.Encrypt([]byte("1//refresh"), []byte("user-1"))
	require.NoError(t, err)
	assert.Len(t, iv, devicekey.IVSize)
	assert.NotContains(t, string(ciphertext), "1//refresh")

	plaintext, err := key.Decrypt(ciphertext, iv, []byte("user-1"))
	require.NoError(t, err)
	assert.Equal(t, "1//refresh", string(plaintext))

	_, err = key.Decrypt(ciphertext, iv, []byte("user-2"))
	require.ErrorIs(t, err, devicekey.ErrDecrypt)

	_, err = key.Decrypt(ciphertext, iv[:4], []byte("user-1"))
	require.ErrorIs(t, err, devicekey.ErrInvalidIV)

	_, secondIV, err := key.Encrypt([]byte("1//refresh"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, iv, secondIV)
}

func TestForeignKeyCannotDecrypt(t *testing.T) {
	t.Parallel()

	mine, err := devicekey.Generate()
	require.NoError(t, err)

	theirs, err := devicekey.Generate()
	require.NoError(t, err)
	assert.NotEqual(t, mine.ID(), theirs.ID())

	ciphertext, iv, err := theirs.Encrypt([]byte("payload"), nil)
	require.NoError(t, err)

	_, err = mine.Decrypt(ciphertext, iv, nil)
	require.ErrorIs(t, err, devicekey.ErrDecrypt)
}

func TestNotExportable(t *testing.T) {
	t.Parallel()

	key, err := devicekey.Generate()
	require.NoError(t, err)

	_, err = json.Marshal(key)
	require.ErrorIs(t, err, devicekey.ErrNotExportable)

	_, err = json.Marshal(struct{ Key *devicekey.Key }{key})
	require.Error(t, err)

	assert.Equal(t, "devicekey("+key.ID()+")", fmt.Sprint(key))
}

func TestLoadOrCreateIsStable(t *testing.T) {
	t.Parallel()

	store, err := storage.NewInMemoryStore()
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	first, err := devicekey.LoadOrCreate(t.Context(), store)
	require.NoError(t, err)

	second, err := devicekey.LoadOrCreate(t.Context(), store)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())

	ciphertext, iv, err := first.Encrypt([]byte("x"), nil)
	require.NoError(t, err)

	plaintext, err := second.Decrypt(ciphertext, iv, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", string(plaintext))
}
