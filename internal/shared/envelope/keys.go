// Package envelope implements the JWE-shaped wire format used between
// agents: pack (encrypt-to-recipients) and unpack (decrypt-to-self) over
// ed25519 identity keys converted to curve25519 for key agreement.
package envelope

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// KeyPair is an ed25519 identity keypair with its base58 wire encodings.
type KeyPair struct {
	Verkey ed25519.PublicKey
	Sigkey ed25519.PrivateKey

	VerkeyB58 string
	SigkeyB58 string
}

// KeyPairFromSeed derives the deterministic keypair from a 32-byte seed.
// The same seed always yields the same DID and verkey.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	sigkey := ed25519.NewKeyFromSeed(seed)
	verkey := sigkey.Public().(ed25519.PublicKey)
	return &KeyPair{
		Verkey:    verkey,
		Sigkey:    sigkey,
		VerkeyB58: base58.Encode(verkey),
		SigkeyB58: base58.Encode(sigkey),
	}, nil
}

// DID derives the did:peer-style short identifier: the first 16 bytes of
// the verkey, base58-encoded.
func (k *KeyPair) DID() string {
	return base58.Encode(k.Verkey[:16])
}

// DIDFromVerkey derives the short identifier for any verkey.
func DIDFromVerkey(vk ed25519.PublicKey) string {
	return base58.Encode(vk[:16])
}

// VerkeyFromB58 decodes a base58 verkey into the raw 32 bytes.
func VerkeyFromB58(vk string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(vk)
	if err != nil {
		return nil, fmt.Errorf("decode verkey: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verkey must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ed25519 public key to curve25519 (montgomery) for box key agreement.
func publicEdToCurve(pub ed25519.PublicKey) (*[32]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	var out [32]byte
	copy(out[:], p.BytesMontgomery())
	return &out, nil
}

// ed25519 private key to curve25519 scalar.
func privateEdToCurve(priv ed25519.PrivateKey) *[32]byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var out [32]byte
	copy(out[:], h[:32])
	return &out
}

// SignMessage signs msg with the keypair's ed25519 signing key.
func SignMessage(msg []byte, k *KeyPair) []byte {
	return ed25519.Sign(k.Sigkey, msg)
}

// VerifySignedMessage verifies an ed25519 signature against a base58 verkey.
func VerifySignedMessage(verkeyB58 string, msg, signature []byte) (bool, error) {
	vk, err := VerkeyFromB58(verkeyB58)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(vk, msg, signature), nil
}
