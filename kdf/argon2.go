package kdf

import (
	"fmt"
	"math"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams holds parameters for Argon2id key derivation.
type Argon2idParams struct {
	Iterations  uint32 `json:"iterations"`
	Memory      uint32 `json:"memory"` // KiB
	Parallelism uint8  `json:"parallelism"`
}

// DefaultArgon2idParams returns the OWASP 2023 baseline (t=2, m=19MiB, p=1).
func DefaultArgon2idParams() *Argon2idParams {
	return &Argon2idParams{Iterations: 2, Memory: 19 * 1024, Parallelism: 1}
}

// ModerateArgon2idParams trades start-up latency for stronger derivation.
func ModerateArgon2idParams() *Argon2idParams {
	return &Argon2idParams{Iterations: 3, Memory: 64 * 1024, Parallelism: 4}
}

// Type returns TypeArgon2id.
func (p *Argon2idParams) Type() Type { return TypeArgon2id }

// DeriveKey derives keyLen bytes.
func (p *Argon2idParams) DeriveKey(password, salt []byte, keyLen int) ([]byte, error) {
	if p.Iterations == 0 || p.Memory == 0 || p.Parallelism == 0 {
		return nil, fmt.Errorf("%w: argon2id requires non-zero iterations, memory and parallelism", ErrInvalidParams)
	}

	if err := checkKeyLen(keyLen); err != nil {
		return nil, err
	}

	return argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, uint32(keyLen)), nil //nolint:gosec // bounded above
}

// Equal reports whether other holds identical Argon2id parameters.
func (p *Argon2idParams) Equal(other Params) bool {
	o, ok := other.(*Argon2idParams)

	return ok && *p == *o
}

func (p *Argon2idParams) set(key, value string) error {
	switch key {
	case "iterations", "time", "t":
		v, err := parsePositive(key, value, math.MaxUint32)
		if err != nil {
			return err
		}

		p.Iterations = uint32(v)
	case "memory", "m":
		v, err := parsePositive(key, value, math.MaxUint32)
		if err != nil {
			return err
		}

		p.Memory = uint32(v)
	case "parallelism", "threads", "p":
		v, err := parsePositive(key, value, math.MaxUint8)
		if err != nil {
			return err
		}

		p.Parallelism = uint8(v)
	default:
		return fmt.Errorf("%w: unknown argon2id parameter: %s", ErrInvalidParams, key)
	}

	return nil
}
