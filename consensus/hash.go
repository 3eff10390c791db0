package consensus

import "crypto/sha256"

// DoubleSHA256 computes SHA256(SHA256(x)), the consensus hash function used
// for txids and block hashes throughout the chain.
func DoubleSHA256(b []byte) Hash256 {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return Hash256(second)
}
