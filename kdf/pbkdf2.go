package kdf

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"math"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// HashType names the PRF hash for PBKDF2.
type HashType string

const (
	// HashTypeSHA256 selects HMAC-SHA-256.
	HashTypeSHA256 HashType = "sha256"
	// HashTypeSHA512 selects HMAC-SHA-512.
	HashTypeSHA512 HashType = "sha512"
)

// PBKDF2Params holds parameters for PBKDF2 key derivation.
type PBKDF2Params struct {
	Iterations int      `json:"iterations"`
	HashFunc   HashType `json:"hash"`
}

// DefaultPBKDF2Params returns 600k iterations of HMAC-SHA-256.
func DefaultPBKDF2Params() *PBKDF2Params {
	return &PBKDF2Params{Iterations: 600000, HashFunc: HashTypeSHA256}
}

// Type returns TypePBKDF2.
func (p *PBKDF2Params) Type() Type { return TypePBKDF2 }

// DeriveKey derives keyLen bytes.
func (p *PBKDF2Params) DeriveKey(password, salt []byte, keyLen int) ([]byte, error) {
	if p.Iterations <= 0 {
		return nil, fmt.Errorf("%w: invalid pbkdf2 iterations: %d", ErrInvalidParams, p.Iterations)
	}

	if err := checkKeyLen(keyLen); err != nil {
		return nil, err
	}

	var prf func() hash.Hash

	switch p.hash() {
	case HashTypeSHA256:
		prf = sha256.New
	case HashTypeSHA512:
		prf = sha512.New
	default:
		return nil, fmt.Errorf("%w: unsupported hash function: %s", ErrInvalidParams, p.HashFunc)
	}

	return pbkdf2.Key(password, salt, p.Iterations, keyLen, prf), nil
}

// Equal reports whether other holds identical PBKDF2 parameters.
func (p *PBKDF2Params) Equal(other Params) bool {
	o, ok := other.(*PBKDF2Params)

	return ok && p.Iterations == o.Iterations && p.hash() == o.hash()
}

func (p *PBKDF2Params) hash() HashType {
	if p.HashFunc == "" {
		return HashTypeSHA256
	}

	return p.HashFunc
}

func (p *PBKDF2Params) set(key, value string) error {
	switch key {
	case "iterations", "i":
		v, err := parsePositive(key, value, math.MaxInt32)
		if err != nil {
			return err
		}

		p.Iterations = int(v)
	case "hash":
		switch HashType(strings.ToLower(value)) {
		case HashTypeSHA256:
			p.HashFunc = HashTypeSHA256
		case HashTypeSHA512:
			p.HashFunc = HashTypeSHA512
		default:
			return fmt.Errorf("%w: unsupported hash function: %s", ErrInvalidParams, value)
		}
	default:
		return fmt.Errorf("%w: unknown pbkdf2 parameter: %s", ErrInvalidParams, key)
	}

	return nil
}
