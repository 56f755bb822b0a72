package settings

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jarmo-productory/ritemark-sync/devicekey"
)

// CurrentVersion is the settings schema version written by this build.
const CurrentVersion = 1

var (
	// ErrForeignKey means the payload was sealed by another device's key.
	ErrForeignKey = errors.New("settings encrypted with a different device key")

	// ErrCorrupt means the payload cannot be decoded or authenticated.
	ErrCorrupt = errors.New("settings payload corrupt")

	// ErrUnsupportedVersion means the payload was written by a newer schema.
	ErrUnsupportedVersion = errors.New("unsupported settings version")
)

// Envelope is the remote representation. Only Payload is encrypted; the
// other fields stay readable for comparison without decryption.
type Envelope struct {
	UserID    string `json:"userId"`
	Version   int    `json:"version"`
	Timestamp int64  `json:"timestamp"`
	KeyID     string `json:"keyId"`
	IV        string `json:"iv"`
	Payload   string `json:"payload"`
}

// additionalData binds the clear fields to the ciphertext.
func additionalData(userID string, version int, timestamp int64) []byte {
	return []byte(userID + "|" + strconv.Itoa(version) + "|" + strconv.FormatInt(timestamp, 10))
}

// Seal encrypts record's preferences under key.
func Seal(key *devicekey.Key, record *Record) (*Envelope, error) {
	plaintext, err := json.Marshal(record.Preferences)
	if err != nil {
		return nil, fmt.Errorf("failed to encode preferences: %w", err)
	}

	ciphertext, iv, err := key.Encrypt(plaintext, additionalData(record.UserID, record.Version, record.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt preferences: %w", err)
	}

	return &Envelope{
		UserID:    record.UserID,
		Version:   record.Version,
		Timestamp: record.Timestamp,
		KeyID:     key.ID(),
		IV:        base64.StdEncoding.EncodeToString(iv),
		Payload:   base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Open decrypts env with key.
func Open(key *devicekey.Key, env *Envelope) (*Record, error) {
	if env.KeyID != key.ID() {
		return nil, fmt.Errorf("%w: %s", ErrForeignKey, env.KeyID)
	}

	if env.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %w", ErrCorrupt, err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrCorrupt, err)
	}

	plaintext, err := key.Decrypt(ciphertext, iv, additionalData(env.UserID, env.Version, env.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	var prefs Preferences
	if err := json.Unmarshal(plaintext, &prefs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	return &Record{
		UserID:      env.UserID,
		Preferences: prefs,
		Timestamp:   env.Timestamp,
		Version:     env.Version,
	}, nil
}
