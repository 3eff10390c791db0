package store

import (
	"encoding/binary"
	"fmt"

	"github.com/astram-project/astram-node/consensus"
)

// outpointKey is the fixed 36-byte bbolt key for an OutPoint: txid || index.
func outpointKey(op consensus.OutPoint) []byte {
	out := make([]byte, 36)
	copy(out[:32], op.Txid[:])
	binary.LittleEndian.PutUint32(out[32:], op.Index)
	return out
}

func decodeOutpointKey(b []byte) (consensus.OutPoint, error) {
	if len(b) != 36 {
		return consensus.OutPoint{}, fmt.Errorf("store: bad outpoint key length %d", len(b))
	}
	var op consensus.OutPoint
	copy(op.Txid[:], b[:32])
	op.Index = binary.LittleEndian.Uint32(b[32:])
	return op, nil
}

// encodeUtxoEntry lays out a UtxoEntry as: value u64le | recipient 20 |
// block_height u64le | is_coinbase u8.
func encodeUtxoEntry(e consensus.UtxoEntry) []byte {
	out := make([]byte, 8+20+8+1)
	binary.LittleEndian.PutUint64(out[0:8], e.Value)
	copy(out[8:28], e.Recipient[:])
	binary.LittleEndian.PutUint64(out[28:36], e.BlockHeight)
	if e.IsCoinbase {
		out[36] = 1
	}
	return out
}

func decodeUtxoEntry(b []byte) (consensus.UtxoEntry, error) {
	if len(b) != 37 {
		return consensus.UtxoEntry{}, fmt.Errorf("store: bad utxo entry length %d", len(b))
	}
	var e consensus.UtxoEntry
	e.Value = binary.LittleEndian.Uint64(b[0:8])
	copy(e.Recipient[:], b[8:28])
	e.BlockHeight = binary.LittleEndian.Uint64(b[28:36])
	e.IsCoinbase = b[36] == 1
	return e, nil
}

// encodeIndexEntry lays out a ChainEntry as: height u64le | header
// (BlockHeaderBytes) | cumulative_work_len u16le | cumulative_work_bytes |
// status u8.
func encodeIndexEntry(e consensus.ChainEntry) []byte {
	work := e.CumulativeWork.Bytes32()
	out := make([]byte, 0, 8+consensus.BlockHeaderBytes+2+32+1)
	var h8 [8]byte
	binary.LittleEndian.PutUint64(h8[:], e.Height)
	out = append(out, h8[:]...)
	out = append(out, consensus.EncodeBlockHeader(&e.Header)...)
	var l2 [2]byte
	binary.LittleEndian.PutUint16(l2[:], uint16(len(work)))
	out = append(out, l2[:]...)
	out = append(out, work[:]...)
	out = append(out, byte(e.Status))
	return out
}

func decodeIndexEntry(b []byte) (consensus.ChainEntry, error) {
	var e consensus.ChainEntry
	if len(b) < 8+consensus.BlockHeaderBytes+2 {
		return e, fmt.Errorf("store: index entry truncated")
	}
	e.Height = binary.LittleEndian.Uint64(b[0:8])
	off := 8
	header, err := consensus.DecodeBlockHeader(b[off : off+consensus.BlockHeaderBytes])
	if err != nil {
		return e, err
	}
	e.Header = header
	off += consensus.BlockHeaderBytes
	workLen := int(binary.LittleEndian.Uint16(b[off : off+2]))
	off += 2
	if off+workLen+1 != len(b) {
		return e, fmt.Errorf("store: index entry bad work length")
	}
	var workBytes [32]byte
	copy(workBytes[32-workLen:], b[off:off+workLen])
	e.CumulativeWork = consensus.U256FromBytesBE(workBytes)
	off += workLen
	e.Status = consensus.ChainStatus(b[off])
	return e, nil
}
