package consensus

import (
	"encoding/binary"
	"fmt"
)

// cursor is a forward-only reader over a byte slice: every read method
// advances pos and returns a parse error the moment the buffer is
// exhausted.
type cursor struct {
	b   []byte
	pos int
}

func newCursor(b []byte) *cursor { return &cursor{b: b} }

func (c *cursor) remaining() int {
	if c.pos >= len(c.b) {
		return 0
	}
	return len(c.b) - c.pos
}

func (c *cursor) readExact(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, newErr(ErrTooShort, "truncated read")
	}
	start := c.pos
	c.pos += n
	return c.b[start:c.pos], nil
}

func (c *cursor) readU32LE() (uint32, error) {
	b, err := c.readExact(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) readU64LE() (uint64, error) {
	b, err := c.readExact(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *cursor) readHash256() (Hash256, error) {
	b, err := c.readExact(32)
	if err != nil {
		return Hash256{}, err
	}
	var h Hash256
	copy(h[:], b)
	return h, nil
}

func (c *cursor) readAddress() (Address, error) {
	b, err := c.readExact(20)
	if err != nil {
		return Address{}, err
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

func (c *cursor) readCompactSize(maxLen uint64) (uint64, error) {
	n, used, err := DecodeCompactSize(c.b[c.pos:])
	if err != nil {
		return 0, err
	}
	if n > maxLen {
		return 0, newErr(ErrOversizedField, fmt.Sprintf("field length %d exceeds cap %d", n, maxLen))
	}
	c.pos += used
	return n, nil
}

func (c *cursor) atEnd() bool { return c.pos == len(c.b) }

func appendU32LE(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendU64LE(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendI64LE(dst []byte, v int64) []byte {
	return appendU64LE(dst, uint64(v))
}

func readI64LE(c *cursor) (int64, error) {
	v, err := c.readU64LE()
	return int64(v), err
}
