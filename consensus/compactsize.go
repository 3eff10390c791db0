package consensus

import (
	"encoding/binary"
)

// CompactSize implements the Bitcoin-style varint: values below 0xfd encode
// as a single byte, and 0xfd/0xfe/0xff tag an explicit u16/u32/u64 payload.
// Non-minimal encodings are rejected so that round-tripping stays canonical
// (CANONICAL codec invariant: decode(encode(x)) == x, encode deterministic).
type CompactSize uint64

func (c CompactSize) Encode() []byte {
	return AppendCompactSize(nil, uint64(c))
}

// AppendCompactSize encodes n and appends the result to dst.
func AppendCompactSize(dst []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(dst, byte(n))
	case n <= 0xffff:
		dst = append(dst, 0xfd)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(n))
		return append(dst, b[:]...)
	case n <= 0xffff_ffff:
		dst = append(dst, 0xfe)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(n))
		return append(dst, b[:]...)
	default:
		dst = append(dst, 0xff)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], n)
		return append(dst, b[:]...)
	}
}

// DecodeCompactSize decodes one CompactSize value from the front of b and
// returns the value and the number of bytes consumed.
func DecodeCompactSize(b []byte) (uint64, int, error) {
	if len(b) < 1 {
		return 0, 0, newErr(ErrTooShort, "compactsize: empty")
	}
	tag := b[0]
	switch {
	case tag < 0xfd:
		return uint64(tag), 1, nil
	case tag == 0xfd:
		if len(b) < 3 {
			return 0, 0, newErr(ErrTooShort, "compactsize: truncated u16")
		}
		n := uint64(binary.LittleEndian.Uint16(b[1:3]))
		if n < 0xfd {
			return 0, 0, newErr(ErrInvalidTag, "compactsize: non-minimal u16")
		}
		return n, 3, nil
	case tag == 0xfe:
		if len(b) < 5 {
			return 0, 0, newErr(ErrTooShort, "compactsize: truncated u32")
		}
		n := uint64(binary.LittleEndian.Uint32(b[1:5]))
		if n <= 0xffff {
			return 0, 0, newErr(ErrInvalidTag, "compactsize: non-minimal u32")
		}
		return n, 5, nil
	default:
		if len(b) < 9 {
			return 0, 0, newErr(ErrTooShort, "compactsize: truncated u64")
		}
		n := binary.LittleEndian.Uint64(b[1:9])
		if n <= 0xffff_ffff {
			return 0, 0, newErr(ErrInvalidTag, "compactsize: non-minimal u64")
		}
		return n, 9, nil
	}
}
