// Package crypto wraps the secp256k1 signature primitives used to bind and
// verify ASTRAM transaction inputs.
package crypto

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"
)

// PrivateKey and PublicKey alias the btcec types so callers never import
// btcec directly; the curve choice stays an implementation detail behind
// this package.
type PrivateKey = btcec.PrivateKey
type PublicKey = btcec.PublicKey

// GeneratePrivateKey returns a fresh secp256k1 key pair.
func GeneratePrivateKey() (*PrivateKey, error) {
	return btcec.NewPrivateKey()
}

// ParsePublicKey decodes a compressed (33-byte) or uncompressed (65-byte)
// SEC1 public key.
func ParsePublicKey(b []byte) (*PublicKey, error) {
	return btcec.ParsePubKey(b)
}

// SerializeCompressed returns the 33-byte compressed SEC1 encoding of pub.
func SerializeCompressed(pub *PublicKey) []byte {
	return pub.SerializeCompressed()
}

// Hash160 is SHA3-256 truncated to 20 bytes. The classic pubkey-hash
// construction is SHA-256 followed by RIPEMD-160, but ripemd160 is
// deprecated upstream; only the 20-byte width matters to consensus.
func Hash160(b []byte) [20]byte {
	digest := sha3.Sum256(b)
	var out [20]byte
	copy(out[:], digest[:20])
	return out
}

// AddressFromPublicKey derives the 20-byte address (pubkey hash) for pub.
func AddressFromPublicKey(pub *PublicKey) [20]byte {
	return Hash160(SerializeCompressed(pub))
}

// Sign produces a deterministic (RFC6979) ECDSA signature over digest using
// priv, returning the DER encoding.
func Sign(priv *PrivateKey, digest [32]byte) []byte {
	sig := ecdsa.Sign(priv, digest[:])
	return sig.Serialize()
}

// Verify reports whether sigDER is a valid ECDSA signature over digest by
// the key encoded in pubkeyBytes.
func Verify(pubkeyBytes []byte, sigDER []byte, digest [32]byte) bool {
	pub, err := ParsePublicKey(pubkeyBytes)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigDER)
	if err != nil {
		return false
	}
	return sig.Verify(digest[:], pub)
}
