package node

import (
	"encoding/hex"
	"fmt"

	"github.com/astram-project/astram-node/consensus"
)

// ParseAddress decodes the 40-hex-char textual form of a 20-byte address.
func ParseAddress(s string) (consensus.Address, error) {
	var a consensus.Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("address: %w", err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("address: want %d bytes, got %d", len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

// FormatAddress renders a as lowercase hex.
func FormatAddress(a consensus.Address) string {
	return hex.EncodeToString(a[:])
}
