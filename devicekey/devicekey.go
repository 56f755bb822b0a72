// Package devicekey holds the per-device AES-256-GCM key that wraps the
// renewal secret and the settings payload. The key material never leaves
// the package except into the encrypted local database.
package devicekey

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jarmo-productory/ritemark-sync/log"
	"github.com/jarmo-productory/ritemark-sync/storage"
)

// StorageKey is where the device key is persisted.
const StorageKey = "keyring:device"

const (
	keySize = 32

	// IVSize is the AES-GCM nonce length.
	IVSize = 12
)

var (
	// ErrNotExportable is returned when the key is asked to serialize itself.
	ErrNotExportable = errors.New("device key is not exportable")

	// ErrDecrypt is returned when ciphertext fails authentication.
	ErrDecrypt = errors.New("decryption failed")

	// ErrInvalidIV is returned for a nonce of the wrong length.
	ErrInvalidIV = errors.New("invalid IV length")
)

// Key is an opaque encryption handle.
type Key struct {
	id   string
	aead cipher.AEAD
	raw  []byte
}

type persisted struct {
	ID       string `json:"id"`
	Material []byte `json:"material"`
}

// Generate creates a fresh random key.
func Generate() (*Key, error) {
	material := make([]byte, keySize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	return newKey(uuid.NewString(), material)
}

func newKey(id string, material []byte) (*Key, error) {
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Key{id: id, aead: aead, raw: material}, nil
}

// LoadOrCreate returns the device key from store, generating and persisting
// one on first use.
func LoadOrCreate(ctx context.Context, store *storage.Store) (*Key, error) {
	var saved persisted

	err := store.Get(ctx, StorageKey, &saved)
	if err == nil {
		return newKey(saved.ID, saved.Material)
	}

	if !errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to load device key: %w", err)
	}

	key, err := Generate()
	if err != nil {
		return nil, err
	}

	if err := store.Set(ctx, StorageKey, persisted{ID: key.id, Material: key.raw}, 0); err != nil {
		return nil, fmt.Errorf("failed to persist device key: %w", err)
	}

	log.Info(ctx, "Generated device key", "key_id", key.id)

	return key, nil
}

// ID identifies the key so foreign ciphertext can be recognized.
func (k *Key) ID() string {
	return k.id
}

// Encrypt seals plaintext under a fresh random IV, authenticating aad.
func (k *Key) Encrypt(plaintext, aad []byte) (ciphertext, iv []byte, err error) {
	iv = make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	return k.aead.Seal(nil, iv, plaintext, aad), iv, nil
}

// Decrypt opens ciphertext sealed by Encrypt.
func (k *Key) Decrypt(ciphertext, iv, aad []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidIV, len(iv))
	}

	plaintext, err := k.aead.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}

// MarshalJSON refuses to export the key.
func (k *Key) MarshalJSON() ([]byte, error) {
	return nil, ErrNotExportable
}

// MarshalText refuses to export the key.
func (k *Key) MarshalText() ([]byte, error) {
	return nil, ErrNotExportable
}

// String hides the key material from fmt and loggers.
func (k *Key) String() string {
	return "devicekey(" + k.id + ")"
}

// LogValue hides the key material from slog.
func (k *Key) LogValue() slog.Value {
	return slog.StringValue(k.String())
}
