package kdf

import (
	"fmt"
	"math"

	"golang.org/x/crypto/scrypt"
)

// ScryptParams holds parameters for scrypt key derivation.
type ScryptParams struct {
	Cost        int `json:"cost"` // N, power of two
	BlockSize   int `json:"block_size"`
	Parallelism int `json:"parallelism"`
}

// DefaultScryptParams returns N=2^15, r=8, p=1.
func DefaultScryptParams() *ScryptParams {
	return &ScryptParams{Cost: 1 << 15, BlockSize: 8, Parallelism: 1}
}

// Type returns TypeScrypt.
func (p *ScryptParams) Type() Type { return TypeScrypt }

// DeriveKey derives keyLen bytes.
func (p *ScryptParams) DeriveKey(password, salt []byte, keyLen int) ([]byte, error) {
	if p.Cost <= 1 || p.Cost&(p.Cost-1) != 0 {
		return nil, fmt.Errorf("%w: scrypt cost must be a power of 2: %d", ErrInvalidParams, p.Cost)
	}

	if p.BlockSize <= 0 || p.Parallelism <= 0 {
		return nil, fmt.Errorf("%w: scrypt block size and parallelism must be positive", ErrInvalidParams)
	}

	if err := checkKeyLen(keyLen); err != nil {
		return nil, err
	}

	key, err := scrypt.Key(password, salt, p.Cost, p.BlockSize, p.Parallelism, keyLen)
	if err != nil {
		return nil, fmt.Errorf("scrypt derivation failed: %w", err)
	}

	return key, nil
}

// Equal reports whether other holds identical scrypt parameters.
func (p *ScryptParams) Equal(other Params) bool {
	o, ok := other.(*ScryptParams)

	return ok && *p == *o
}

func (p *ScryptParams) set(key, value string) error {
	v, err := parsePositive(key, value, math.MaxInt32)
	if err != nil {
		return err
	}

	switch key {
	case "cost", "n":
		p.Cost = int(v)
	case "blocksize", "block_size", "r":
		p.BlockSize = int(v)
	case "parallelism", "p":
		p.Parallelism = int(v)
	default:
		return fmt.Errorf("%w: unknown scrypt parameter: %s", ErrInvalidParams, key)
	}

	return nil
}
