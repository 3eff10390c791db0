package consensus

import "math/big"

// U256 is a 256-bit unsigned integer used for PoW targets and cumulative
// work. It wraps math/big.Int but enforces the 256-bit ceiling and never
// goes negative: arithmetic that would overflow saturates at the all-ones
// value instead of wrapping.
type U256 struct {
	v *big.Int
}

var u256Max = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ZeroU256 returns the additive identity.
func ZeroU256() U256 { return U256{v: new(big.Int)} }

// MaxU256 returns 2^256 - 1.
func MaxU256() U256 { return U256{v: new(big.Int).Set(u256Max)} }

// U256FromUint64 lifts a uint64 into U256.
func U256FromUint64(n uint64) U256 { return U256{v: new(big.Int).SetUint64(n)} }

// U256FromBytesBE interprets b as a big-endian 256-bit unsigned integer.
// b must be exactly 32 bytes.
func U256FromBytesBE(b [32]byte) U256 {
	return U256{v: new(big.Int).SetBytes(b[:])}
}

// Bytes32 renders u as a big-endian 32-byte array, left zero-padded.
func (u U256) Bytes32() [32]byte {
	var out [32]byte
	if u.v == nil {
		return out
	}
	b := u.v.Bytes()
	copy(out[32-len(b):], b)
	return out
}

func (u U256) clampTo256() U256 {
	if u.v.Cmp(u256Max) > 0 {
		return U256{v: new(big.Int).Set(u256Max)}
	}
	return u
}

// Cmp behaves like big.Int.Cmp.
func (u U256) Cmp(o U256) int {
	a, b := u.v, o.v
	if a == nil {
		a = new(big.Int)
	}
	if b == nil {
		b = new(big.Int)
	}
	return a.Cmp(b)
}

// AddSaturating returns u+o, saturating at 2^256-1 instead of wrapping.
func (u U256) AddSaturating(o U256) U256 {
	sum := new(big.Int).Add(u.v, o.v)
	r := U256{v: sum}
	return r.clampTo256()
}

// Lsh returns u << n, saturating at 2^256-1.
func (u U256) Lsh(n uint) U256 {
	r := U256{v: new(big.Int).Lsh(u.v, n)}
	return r.clampTo256()
}

// Rsh returns u >> n.
func (u U256) Rsh(n uint) U256 {
	return U256{v: new(big.Int).Rsh(u.v, n)}
}

func (u U256) String() string {
	if u.v == nil {
		return "0"
	}
	return u.v.String()
}

// PowOfTwoSaturating returns 2^exp as a U256, saturating at 2^256-1 for
// exp >= 256 (cumulative_work's "saturating sum of 2^difficulty" rule never
// actually needs this since difficulty <= 32, but the primitive is exact).
func PowOfTwoSaturating(exp uint32) U256 {
	if exp >= 256 {
		return MaxU256()
	}
	return U256FromUint64(1).Lsh(uint(exp))
}
