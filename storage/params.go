package storage

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jarmo-productory/ritemark-sync/kdf"
)

// ParamsFile records how the database encryption key is derived. It lives
// beside the database so the key can be re-derived before opening it.
type ParamsFile struct {
	Version   int               `json:"version"`
	KDF       json.RawMessage   `json:"kdf"`
	Salts     map[string]string `json:"salts"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewParamsFile builds a params file for params with freshly generated salts.
func NewParamsFile(params kdf.Params) (*ParamsFile, error) {
	encoded, err := kdf.MarshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal KDF params: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	return &ParamsFile{
		Version:   ParamsFileVersion,
		KDF:       encoded,
		Salts:     map[string]string{storageSaltKey: base64.StdEncoding.EncodeToString(salt)},
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Params decodes the recorded KDF parameters.
func (p *ParamsFile) Params() (kdf.Params, error) {
	params, err := kdf.UnmarshalParams(p.KDF)
	if err != nil {
		return nil, fmt.Errorf("failed to decode KDF params: %w", err)
	}

	return params, nil
}

// Salt returns the named salt.
func (p *ParamsFile) Salt(name string) ([]byte, error) {
	encoded, ok := p.Salts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingSalt, name)
	}

	salt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt %s: %w", name, err)
	}

	return salt, nil
}

// DeriveKey derives the database encryption key from seed.
func (p *ParamsFile) DeriveKey(seed []byte) ([]byte, error) {
	params, err := p.Params()
	if err != nil {
		return nil, err
	}

	salt, err := p.Salt(storageSaltKey)
	if err != nil {
		return nil, err
	}

	key, err := params.DeriveKey(seed, salt, AES256KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	return key, nil
}

// WriteTo atomically writes the params file into dir.
func (p *ParamsFile) WriteTo(dir string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal params file: %w", err)
	}

	target := filepath.Join(dir, ParamsFileName)
	temp := target + ".tmp"

	if err := os.WriteFile(temp, data, filePermission); err != nil {
		return fmt.Errorf("failed to write params file: %w", err)
	}

	if err := os.Rename(temp, target); err != nil {
		return fmt.Errorf("failed to install params file: %w", err)
	}

	return nil
}

// ReadParamsFile loads the params file from dir. The returned error wraps
// os.ErrNotExist when the file is absent.
func ReadParamsFile(dir string) (*ParamsFile, error) {
	data, err := os.ReadFile(filepath.Join(dir, ParamsFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read params file: %w", err)
	}

	var file ParamsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse params file: %w", err)
	}

	if file.Version > ParamsFileVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, file.Version)
	}

	return &file, nil
}

func paramsFileExists(dir string) (bool, error) {
	_, err := os.Stat(filepath.Join(dir, ParamsFileName))
	if err == nil {
		return true, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, fmt.Errorf("failed to stat params file: %w", err)
}
