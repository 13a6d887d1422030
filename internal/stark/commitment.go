package stark

import (
	pedersenhash "github.com/consensys/gnark-crypto/ecc/stark-curve/pedersen-hash"
)

// PedersenHash applies the StarkNet Pedersen hash to a pair of field elements.
func PedersenHash(left, right Felt) Felt {
	return Felt{element: pedersenhash.Pedersen(&left.element, &right.element)}
}

// Commit binds a reward token id to its authorization context:
//
//	H(H(H(H(tokenID, 0), questID), taskID), recipient)
//
// The verifying contract recomputes the same chain, so argument order and the zero
// separator must never change.
func Commit(tokenID, questID, taskID uint64, recipient Address) Felt {
	commitment := PedersenHash(FeltFromUint64(tokenID), Felt{})
	commitment = PedersenHash(commitment, FeltFromUint64(questID))
	commitment = PedersenHash(commitment, FeltFromUint64(taskID))
	return PedersenHash(commitment, recipient.Felt())
}
