// Package kdf derives the local database encryption key from the storage
// seed using a configurable key derivation function.
package kdf

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidParams is returned when KDF parameters are invalid.
var ErrInvalidParams = errors.New("invalid KDF parameters")

// Type names a key derivation function.
type Type string

const (
	// TypePBKDF2 is PBKDF2 with SHA-256 or SHA-512.
	TypePBKDF2 Type = "pbkdf2"
	// TypeArgon2id is Argon2id.
	TypeArgon2id Type = "argon2id"
	// TypeScrypt is scrypt.
	TypeScrypt Type = "scrypt"
)

// Params is implemented by every supported KDF.
type Params interface {
	Type() Type
	DeriveKey(password, salt []byte, keyLen int) ([]byte, error)
	Equal(other Params) bool
	// set applies one key=value pair from a spec string.
	set(key, value string) error
}

// presets maps a KDF type to its named parameter sets. Every type has a
// "default" entry.
var presets = map[Type]map[string]func() Params{ //nolint:gochecknoglobals // read-only table
	TypePBKDF2: {
		"default": func() Params { return DefaultPBKDF2Params() },
	},
	TypeArgon2id: {
		"default":  func() Params { return DefaultArgon2idParams() },
		"moderate": func() Params { return ModerateArgon2idParams() },
	},
	TypeScrypt: {
		"default": func() Params { return DefaultScryptParams() },
	},
}

// ParseSpec parses specs such as "argon2", "argon2:moderate",
// "pbkdf2:iterations=900000,hash=sha512" or "scrypt:n=65536".
// The empty spec selects Argon2id defaults.
func ParseSpec(spec string) (Params, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return DefaultArgon2idParams(), nil
	}

	name, rest, _ := strings.Cut(spec, ":")

	kdfType, err := normalizeType(name)
	if err != nil {
		return nil, err
	}

	if rest == "" {
		rest = "default"
	}

	if preset, ok := presets[kdfType][rest]; ok {
		return preset(), nil
	}

	params := presets[kdfType]["default"]()

	for part := range strings.SplitSeq(rest, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("%w: malformed parameter %q", ErrInvalidParams, part)
		}

		if err := params.set(strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value)); err != nil {
			return nil, err
		}
	}

	return params, nil
}

func normalizeType(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pbkdf2":
		return TypePBKDF2, nil
	case "argon2", "argon2id":
		return TypeArgon2id, nil
	case "scrypt":
		return TypeScrypt, nil
	default:
		return "", fmt.Errorf("%w: unknown KDF type: %s", ErrInvalidParams, name)
	}
}

type envelope struct {
	Type   Type            `json:"type"`
	Params json.RawMessage `json:"params"`
}

// MarshalParams encodes params together with their type.
func MarshalParams(params Params) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	data, err := json.Marshal(envelope{Type: params.Type(), Params: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params envelope: %w", err)
	}

	return data, nil
}

// UnmarshalParams decodes output of MarshalParams.
func UnmarshalParams(data []byte) (Params, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params envelope: %w", err)
	}

	preset, ok := presets[env.Type]["default"]
	if !ok {
		return nil, fmt.Errorf("%w: unknown KDF type: %s", ErrInvalidParams, env.Type)
	}

	params := preset()
	if err := json.Unmarshal(env.Params, params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s params: %w", env.Type, err)
	}

	return params, nil
}

// String renders params for logs.
func String(params Params) string {
	switch typed := params.(type) {
	case *PBKDF2Params:
		return fmt.Sprintf("pbkdf2(iterations=%d,hash=%s)", typed.Iterations, typed.hash())
	case *Argon2idParams:
		return fmt.Sprintf("argon2id(iterations=%d,memory=%dKB,parallelism=%d)",
			typed.Iterations, typed.Memory, typed.Parallelism)
	case *ScryptParams:
		return fmt.Sprintf("scrypt(cost=%d,block_size=%d,parallelism=%d)",
			typed.Cost, typed.BlockSize, typed.Parallelism)
	default:
		return string(params.Type())
	}
}

func parsePositive(key, value string, limit uint64) (uint64, error) {
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 || parsed > limit {
		return 0, fmt.Errorf("%w: invalid %s value: %s", ErrInvalidParams, key, value)
	}

	return parsed, nil
}

func checkKeyLen(keyLen int) error {
	if keyLen <= 0 || keyLen > 1024 {
		return fmt.Errorf("%w: invalid key length: %d", ErrInvalidParams, keyLen)
	}

	return nil
}
