package stark

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"

	starkcurve "github.com/consensys/gnark-crypto/ecc/stark-curve"
	"github.com/consensys/gnark-crypto/ecc/stark-curve/ecdsa"
	"github.com/consensys/gnark-crypto/ecc/stark-curve/fr"
)

const (
	scalarSize       = fr.Bytes
	maxSignAttempts  = 8
	signableBitCount = 251
)

var (
	// ErrInvalidPrivateKey indicates that the configured signing key is not a usable scalar.
	ErrInvalidPrivateKey = errors.New("stark: invalid private key")
	// ErrSignatureFailed indicates that no valid signature could be produced for the input.
	ErrSignatureFailed = errors.New("stark: signature failed")

	signableBound = new(big.Int).Lsh(big.NewInt(1), signableBitCount)
)

// Signature is an ECDSA (r, s) pair over the STARK curve.
type Signature struct {
	R *big.Int
	S *big.Int
}

// Hex returns r and s as 0x-prefixed, zero-padded hex strings.
func (signature Signature) Hex() [2]string {
	return [2]string{
		fmt.Sprintf("0x%064x", signature.R),
		fmt.Sprintf("0x%064x", signature.S),
	}
}

// Signer signs commitments with the service key. It holds no mutable state and is safe for concurrent use.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	publicKey  Felt
}

// NewSigner builds a Signer from a hex-encoded private scalar.
func NewSigner(privateKeyHex string) (*Signer, error) {
	scalar, err := ParseFelt(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return newSignerFromScalar(scalar.BigInt())
}

// GenerateKey returns a fresh private scalar encoded as hex.
func GenerateKey(random io.Reader) (string, error) {
	privateKey, err := ecdsa.GenerateKey(random)
	if err != nil {
		return "", err
	}
	encoded := privateKey.Bytes()
	return "0x" + hex.EncodeToString(encoded[len(encoded)-scalarSize:]), nil
}

func newSignerFromScalar(scalar *big.Int) (*Signer, error) {
	if scalar.Sign() <= 0 || scalar.Cmp(fr.Modulus()) >= 0 {
		return nil, fmt.Errorf("%w: scalar out of range", ErrInvalidPrivateKey)
	}

	var publicPoint starkcurve.G1Affine
	publicPoint.ScalarMultiplicationBase(scalar)

	encoded := make([]byte, starkcurve.SizeOfG1AffineCompressed+scalarSize)
	compressed := publicPoint.Bytes()
	copy(encoded, compressed[:])
	scalar.FillBytes(encoded[starkcurve.SizeOfG1AffineCompressed:])

	privateKey := new(ecdsa.PrivateKey)
	if _, err := privateKey.SetBytes(encoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	var publicKey Felt
	publicKey.element.Set(&publicPoint.X)

	return &Signer{
		privateKey: privateKey,
		publicKey:  publicKey,
	}, nil
}

// PublicKey returns the x coordinate of the public point, the form StarkNet accounts store.
func (signer *Signer) PublicKey() Felt {
	return signer.publicKey
}

// Sign produces an (r, s) pair for the commitment. Signatures are resampled until r and s⁻¹
// fall below 2^251, which the on-chain verifier requires.
func (signer *Signer) Sign(commitment Felt) (Signature, error) {
	if commitment.BigInt().Cmp(signableBound) >= 0 {
		return Signature{}, fmt.Errorf("%w: commitment exceeds 2^%d", ErrSignatureFailed, signableBitCount)
	}
	message := commitment.Bytes()

	for attempt := 0; attempt < maxSignAttempts; attempt++ {
		encoded, err := signer.privateKey.Sign(message[:], nil)
		if err != nil {
			return Signature{}, fmt.Errorf("%w: %v", ErrSignatureFailed, err)
		}
		r := new(big.Int).SetBytes(encoded[:scalarSize])
		s := new(big.Int).SetBytes(encoded[scalarSize:])
		w := new(big.Int).ModInverse(s, fr.Modulus())
		if w == nil {
			continue
		}
		if r.Cmp(signableBound) < 0 && w.Cmp(signableBound) < 0 {
			return Signature{R: r, S: s}, nil
		}
	}
	return Signature{}, fmt.Errorf("%w: no in-range signature after %d attempts", ErrSignatureFailed, maxSignAttempts)
}

// Verify reports whether signature was produced by this signer for commitment.
func (signer *Signer) Verify(commitment Felt, signature Signature) bool {
	if signature.R == nil || signature.S == nil {
		return false
	}
	if signature.R.Sign() <= 0 || signature.S.Sign() <= 0 {
		return false
	}
	if signature.R.BitLen() > 8*scalarSize || signature.S.BitLen() > 8*scalarSize {
		return false
	}
	encoded := make([]byte, 2*scalarSize)
	signature.R.FillBytes(encoded[:scalarSize])
	signature.S.FillBytes(encoded[scalarSize:])

	message := commitment.Bytes()
	valid, err := signer.privateKey.PublicKey.Verify(encoded, message[:], nil)
	if err != nil {
		return false
	}
	return valid
}
