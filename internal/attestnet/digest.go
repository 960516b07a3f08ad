package attestnet

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// LeafDigest computes the value committed into the attestation network's
// Merkle tree for one verified proof:
// keccak256(keccak256(proof_system) || keccak256(vk) || keccak256(public_signals)).
func LeafDigest(proofSystem string, verificationKey, publicSignals []byte) common.Hash {
	hSystem := keccak256([]byte(proofSystem))
	hVK := keccak256(verificationKey)
	hPublic := keccak256(publicSignals)

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(hSystem[:])
	_, _ = h.Write(hVK[:])
	_, _ = h.Write(hPublic[:])
	return common.BytesToHash(h.Sum(nil))
}

func keccak256(v []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(v)
	return common.BytesToHash(h.Sum(nil))
}
