// Package attestation verifies that payloads were signed by a trusted key.
//
// Signatures are 65-byte (r, s, v) secp256k1 signatures over the
// Ethereum-prefixed form of a 32-byte message hash:
//
//	keccak256("\x19Ethereum Signed Message:\n32" || hash)
//
// Verification never returns an error for bad input. Any malformed or
// malleable signature recovers to the zero address, and the zero address
// is never a trusted key.
package attestation

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the only accepted signature size
const SignatureLength = 65

var (
	secp256k1N, _  = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)
)

// Rejection reasons reported by Recover
var (
	ErrSignatureLength = errors.New("invalid signature length")
	ErrRecoveryID      = errors.New("invalid recovery id")
	ErrZeroComponent   = errors.New("zero r or s")
	ErrOutOfRange      = errors.New("r or s out of range")
	ErrMalleable       = errors.New("s in upper half order")
	ErrRecoveryFailed  = errors.New("public key recovery failed")
)

// EthSignedHash applies the Ethereum signed-message prefix to a 32-byte hash
func EthSignedHash(hash common.Hash) common.Hash {
	return common.BytesToHash(accounts.TextHash(hash.Bytes()))
}

// Recover returns the signer of sig over the prefixed form of hash together
// with the reason a signature was refused. A refused signature yields the
// zero address.
func Recover(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, ErrSignatureLength
	}

	v := sig[64]
	if v != 27 && v != 28 {
		return common.Address{}, ErrRecoveryID
	}

	r := new(big.Int).SetBytes(sig[0:32])
	s := new(big.Int).SetBytes(sig[32:64])
	switch {
	case r.Sign() == 0 || s.Sign() == 0:
		return common.Address{}, ErrZeroComponent
	case r.Cmp(secp256k1N) >= 0 || s.Cmp(secp256k1N) >= 0:
		return common.Address{}, ErrOutOfRange
	case s.Cmp(secp256k1HalfN) > 0:
		return common.Address{}, ErrMalleable
	}

	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	normalized[64] = v - 27

	pub, err := crypto.SigToPub(EthSignedHash(hash).Bytes(), normalized)
	if err != nil || pub == nil {
		return common.Address{}, ErrRecoveryFailed
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify returns the signer of sig over the prefixed form of hash, or the
// zero address when the signature is refused.
func Verify(hash common.Hash, sig []byte) common.Address {
	signer, _ := Recover(hash, sig)
	return signer
}

// IsTrusted reports whether sig over hash recovers to trusted. An unset
// (zero) trusted key matches nothing.
func IsTrusted(hash common.Hash, sig []byte, trusted common.Address) bool {
	if trusted == (common.Address{}) {
		return false
	}
	return Verify(hash, sig) == trusted
}

// Sign produces a signature Verify accepts: v is 27 or 28 and s is low-order
func Sign(hash common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(EthSignedHash(hash).Bytes(), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
