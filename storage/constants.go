package storage

import (
	"errors"
	"time"
)

// Configuration constants.
const (
	// DefaultEncryptionKeyRotation is the badger data-key rotation period.
	DefaultEncryptionKeyRotation = 24 * time.Hour

	// DefaultIndexCacheSize is the index cache size required by encrypted databases.
	DefaultIndexCacheSize = 16 << 20 // 16 MB

	// DefaultGCThreshold is the value log garbage collection threshold.
	DefaultGCThreshold = 0.5

	// AES256KeySize is the key size for AES-256 encryption.
	AES256KeySize = 32

	// ParamsFileName is the external file holding KDF parameters and salts.
	ParamsFileName = "kdf_params.json"

	// ParamsFileVersion is the current version of the params file format.
	ParamsFileVersion = 1

	// DatabaseSubdir is the subdirectory holding the badger files.
	DatabaseSubdir = "db"

	// maxConflictRetries bounds how often Modify re-runs after a write conflict.
	maxConflictRetries = 5

	saltSize       = 32
	storageSaltKey = "storage"
	dirPermissions = 0o700
	filePermission = 0o600
)

// Storage errors.
var (
	// ErrKeyNotFound is returned when a key is absent.
	ErrKeyNotFound = errors.New("key not found")

	// ErrParamsMismatch is returned when the configured KDF differs from the
	// one the database was created with.
	ErrParamsMismatch = errors.New("KDF parameters differ from the existing database")

	// ErrMissingSalt is returned when the params file lacks a salt.
	ErrMissingSalt = errors.New("salt not found in params file")

	// ErrUnsupportedVersion is returned for params files newer than this build.
	ErrUnsupportedVersion = errors.New("unsupported params file version")
)
