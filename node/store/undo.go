package store

import (
	"encoding/binary"
	"fmt"

	"github.com/astram-project/astram-node/consensus"
)

// UndoSpent records the UTXO entry an input consumed, so disconnecting the
// block can restore it exactly as it was.
type UndoSpent struct {
	OutPoint consensus.OutPoint
	Restored consensus.UtxoEntry
}

// UndoRecord is everything needed to reverse one block's effect on the UTXO
// set: every entry it spent (to restore) and every outpoint it created (to
// delete).
type UndoRecord struct {
	Spent   []UndoSpent
	Created []consensus.OutPoint
}

func encodeUndoRecord(u UndoRecord) ([]byte, error) {
	if len(u.Spent) > 0xffffffff || len(u.Created) > 0xffffffff {
		return nil, fmt.Errorf("store: undo record too large")
	}
	out := make([]byte, 0, 4+len(u.Spent)*(36+37)+4+len(u.Created)*36)
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(u.Spent)))
	out = append(out, tmp4[:]...)
	for _, s := range u.Spent {
		out = append(out, outpointKey(s.OutPoint)...)
		out = append(out, encodeUtxoEntry(s.Restored)...)
	}
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(u.Created)))
	out = append(out, tmp4[:]...)
	for _, p := range u.Created {
		out = append(out, outpointKey(p)...)
	}
	return out, nil
}

func decodeUndoRecord(b []byte) (UndoRecord, error) {
	var u UndoRecord
	if len(b) < 8 {
		return u, fmt.Errorf("store: undo record truncated")
	}
	off := 0
	readU32 := func() (uint32, error) {
		if off+4 > len(b) {
			return 0, fmt.Errorf("store: undo record truncated u32")
		}
		v := binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
		return v, nil
	}
	spentN, err := readU32()
	if err != nil {
		return u, err
	}
	u.Spent = make([]UndoSpent, 0, spentN)
	for i := uint32(0); i < spentN; i++ {
		if off+36+37 > len(b) {
			return u, fmt.Errorf("store: undo record truncated spent entry")
		}
		op, err := decodeOutpointKey(b[off : off+36])
		if err != nil {
			return u, err
		}
		off += 36
		entry, err := decodeUtxoEntry(b[off : off+37])
		if err != nil {
			return u, err
		}
		off += 37
		u.Spent = append(u.Spent, UndoSpent{OutPoint: op, Restored: entry})
	}
	createdN, err := readU32()
	if err != nil {
		return u, err
	}
	u.Created = make([]consensus.OutPoint, 0, createdN)
	for i := uint32(0); i < createdN; i++ {
		if off+36 > len(b) {
			return u, fmt.Errorf("store: undo record truncated created entry")
		}
		op, err := decodeOutpointKey(b[off : off+36])
		if err != nil {
			return u, err
		}
		off += 36
		u.Created = append(u.Created, op)
	}
	if off != len(b) {
		return u, fmt.Errorf("store: undo record trailing bytes")
	}
	return u, nil
}
