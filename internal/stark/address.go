package stark

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrInvalidAddress indicates that an account identifier cannot be normalized.
var ErrInvalidAddress = errors.New("stark: invalid address")

// addressBound is the exclusive upper bound for contract addresses (2^251 - 256).
var addressBound = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 251), big.NewInt(256))

// Address is an account identifier in its canonical form: 0x followed by 64 lowercase hex digits.
// Every ledger read and write keys on this form, so "0xABC", "0x0abc" and "2748" are the same account.
type Address string

// NewAddress validates and normalizes a raw account identifier.
func NewAddress(rawInput string) (Address, error) {
	felt, err := ParseFelt(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if felt.IsZero() {
		return "", fmt.Errorf("%w: zero", ErrInvalidAddress)
	}
	if felt.BigInt().Cmp(addressBound) >= 0 {
		return "", fmt.Errorf("%w: exceeds address bound", ErrInvalidAddress)
	}
	return Address(felt.Hex()), nil
}

// String returns the canonical address string.
func (address Address) String() string {
	return string(address)
}

// Felt returns the field element behind the address. An Address that did not come
// from NewAddress maps to zero.
func (address Address) Felt() Felt {
	felt, err := ParseFelt(string(address))
	if err != nil {
		return Felt{}
	}
	return felt
}
