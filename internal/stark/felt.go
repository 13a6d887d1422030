package stark

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/stark-curve/fp"
)

var (
	// ErrInvalidFelt indicates that a value cannot be represented as a field element.
	ErrInvalidFelt = errors.New("stark: invalid field element")
)

// Felt is a validated element of the STARK prime field.
type Felt struct {
	element fp.Element
}

// FeltFromUint64 lifts an unsigned integer into the field.
func FeltFromUint64(value uint64) Felt {
	var felt Felt
	felt.element.SetUint64(value)
	return felt
}

// FeltFromBigInt validates that value lies in [0, p) and returns the matching Felt.
func FeltFromBigInt(value *big.Int) (Felt, error) {
	if value == nil {
		return Felt{}, fmt.Errorf("%w: nil", ErrInvalidFelt)
	}
	if value.Sign() < 0 {
		return Felt{}, fmt.Errorf("%w: negative", ErrInvalidFelt)
	}
	if value.Cmp(fp.Modulus()) >= 0 {
		return Felt{}, fmt.Errorf("%w: not reducible to the field", ErrInvalidFelt)
	}
	var felt Felt
	felt.element.SetBigInt(value)
	return felt, nil
}

// ParseFelt accepts a 0x-prefixed hexadecimal or a decimal string.
func ParseFelt(rawInput string) (Felt, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return Felt{}, fmt.Errorf("%w: empty", ErrInvalidFelt)
	}
	digits, base := trimmed, 10
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		digits, base = trimmed[2:], 16
	}
	if digits == "" {
		return Felt{}, fmt.Errorf("%w: no digits", ErrInvalidFelt)
	}
	value, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return Felt{}, fmt.Errorf("%w: %q is not a number", ErrInvalidFelt, trimmed)
	}
	return FeltFromBigInt(value)
}

// BigInt returns the canonical integer value of the element.
func (felt Felt) BigInt() *big.Int {
	return felt.element.BigInt(new(big.Int))
}

// Bytes returns the big-endian 32 byte encoding.
func (felt Felt) Bytes() [fp.Bytes]byte {
	return felt.element.Bytes()
}

// Hex returns the 0x-prefixed, zero-padded lowercase representation.
func (felt Felt) Hex() string {
	return fmt.Sprintf("0x%064x", felt.BigInt())
}

// Equal reports whether both elements hold the same value.
func (felt Felt) Equal(other Felt) bool {
	return felt.element.Equal(&other.element)
}

// IsZero reports whether the element is zero.
func (felt Felt) IsZero() bool {
	return felt.element.IsZero()
}

// String implements fmt.Stringer.
func (felt Felt) String() string {
	return felt.Hex()
}
