package quests

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultTokenIDBits is the width of the random part of issued token ids.
	DefaultTokenIDBits = 16
	maxTokenIDBits     = 32
	levelRadix         = 100
)

var (
	// ErrInvalidNFTLevel indicates a reward slot whose level does not fit two decimal digits.
	ErrInvalidNFTLevel = errors.New("quests: nft level out of range")
	// ErrInvalidTokenIDBits indicates an unsupported random width for token ids.
	ErrInvalidTokenIDBits = errors.New("quests: invalid token id bit width")
)

// TokenIDGenerator issues token ids whose low two decimal digits carry the NFT level.
type TokenIDGenerator interface {
	NextTokenID(level uint64) (uint64, error)
}

// RandomTokenIDGenerator draws level + 100*r with r uniform in [0, 2^bits).
type RandomTokenIDGenerator struct {
	mask   uint64
	random io.Reader
}

func NewRandomTokenIDGenerator(bits int) (*RandomTokenIDGenerator, error) {
	return newRandomTokenIDGenerator(bits, rand.Reader)
}

func newRandomTokenIDGenerator(bits int, random io.Reader) (*RandomTokenIDGenerator, error) {
	if bits <= 0 || bits > maxTokenIDBits {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTokenIDBits, bits)
	}
	return &RandomTokenIDGenerator{
		mask:   uint64(1)<<uint(bits) - 1,
		random: random,
	}, nil
}

func (g *RandomTokenIDGenerator) NextTokenID(level uint64) (uint64, error) {
	if level > maxNFTLevel {
		return 0, fmt.Errorf("%w: %d", ErrInvalidNFTLevel, level)
	}
	var buf [4]byte
	if _, err := io.ReadFull(g.random, buf[:]); err != nil {
		return 0, err
	}
	value := uint64(binary.BigEndian.Uint32(buf[:])) & g.mask
	return level + levelRadix*value, nil
}
