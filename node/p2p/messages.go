package p2p

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/astram-project/astram-node/consensus"
)

const (
	ProtocolVersion = 1

	MaxNetworkIDBytes = 64
	MaxUserAgentBytes = 256

	MaxInvEntries    = 50_000
	MaxLocatorHashes = 64
	MaxHeadersPerMsg = 2_000

	invVectorBytes  = 1 + 32
	headerWireBytes = consensus.BlockHeaderBytes
)

// HandshakePayload opens a session and pins the network identity. The
// HANDSHAKE_ACK payload has the identical shape, carrying the responder's
// identity back, so both sides verify net_id/chain_id before anything else.
type HandshakePayload struct {
	Proto      uint32
	NetworkID  string
	ChainID    uint32
	Height     uint64
	ListenPort uint16
	Features   uint32
}

func EncodeHandshakePayload(h HandshakePayload) ([]byte, error) {
	if len(h.NetworkID) == 0 || len(h.NetworkID) > MaxNetworkIDBytes {
		return nil, fmt.Errorf("p2p: handshake: invalid network_id length")
	}
	if !utf8.ValidString(h.NetworkID) {
		return nil, fmt.Errorf("p2p: handshake: network_id must be UTF-8")
	}
	out := make([]byte, 0, 4+1+len(h.NetworkID)+4+8+2+4)
	out = appendU32LE(out, h.Proto)
	out = consensus.AppendCompactSize(out, uint64(len(h.NetworkID)))
	out = append(out, h.NetworkID...)
	out = appendU32LE(out, h.ChainID)
	out = appendU64LE(out, h.Height)
	out = appendU16LE(out, h.ListenPort)
	out = appendU32LE(out, h.Features)
	return out, nil
}

func DecodeHandshakePayload(b []byte) (*HandshakePayload, error) {
	if len(b) < 4+1 {
		return nil, fmt.Errorf("p2p: handshake: truncated")
	}
	off := 0
	proto := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	idLen, used, err := consensus.DecodeCompactSize(b[off:])
	if err != nil {
		return nil, fmt.Errorf("p2p: handshake: %w", err)
	}
	off += used
	if idLen == 0 || idLen > MaxNetworkIDBytes {
		return nil, fmt.Errorf("p2p: handshake: invalid network_id length")
	}
	if len(b) < off+int(idLen)+4+8+2+4 {
		return nil, fmt.Errorf("p2p: handshake: truncated")
	}
	idBytes := b[off : off+int(idLen)]
	if !utf8.Valid(idBytes) {
		return nil, fmt.Errorf("p2p: handshake: network_id must be UTF-8")
	}
	off += int(idLen)
	chainID := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	height := binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	listenPort := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	features := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	if off != len(b) {
		return nil, fmt.Errorf("p2p: handshake: trailing bytes")
	}
	return &HandshakePayload{
		Proto:      proto,
		NetworkID:  string(idBytes),
		ChainID:    chainID,
		Height:     height,
		ListenPort: listenPort,
		Features:   features,
	}, nil
}

// VersionPayload carries the software identity after the network identity
// has already been pinned by the handshake exchange.
type VersionPayload struct {
	UserAgent   string
	StartHeight uint64
}

func EncodeVersionPayload(v VersionPayload) ([]byte, error) {
	if len(v.UserAgent) > MaxUserAgentBytes {
		return nil, fmt.Errorf("p2p: version: user_agent too long")
	}
	if !utf8.ValidString(v.UserAgent) {
		return nil, fmt.Errorf("p2p: version: user_agent must be UTF-8")
	}
	out := consensus.AppendCompactSize(nil, uint64(len(v.UserAgent)))
	out = append(out, v.UserAgent...)
	out = appendU64LE(out, v.StartHeight)
	return out, nil
}

func DecodeVersionPayload(b []byte) (*VersionPayload, error) {
	uaLen, used, err := consensus.DecodeCompactSize(b)
	if err != nil {
		return nil, fmt.Errorf("p2p: version: %w", err)
	}
	if uaLen > MaxUserAgentBytes {
		return nil, fmt.Errorf("p2p: version: user_agent too long")
	}
	off := used
	if len(b) != off+int(uaLen)+8 {
		return nil, fmt.Errorf("p2p: version: length mismatch")
	}
	uaBytes := b[off : off+int(uaLen)]
	if !utf8.Valid(uaBytes) {
		return nil, fmt.Errorf("p2p: version: user_agent must be UTF-8")
	}
	off += int(uaLen)
	return &VersionPayload{
		UserAgent:   string(uaBytes),
		StartHeight: binary.LittleEndian.Uint64(b[off : off+8]),
	}, nil
}

// Inventory vector types.
const (
	InvTypeTx    byte = 0x01
	InvTypeBlock byte = 0x02
)

type InvVector struct {
	Type byte
	Hash consensus.Hash256
}

func EncodeInvPayload(vecs []InvVector) ([]byte, error) {
	if len(vecs) > MaxInvEntries {
		return nil, fmt.Errorf("p2p: inv: too many entries")
	}
	out := consensus.AppendCompactSize(nil, uint64(len(vecs)))
	for _, v := range vecs {
		out = append(out, v.Type)
		out = append(out, v.Hash[:]...)
	}
	return out, nil
}

func DecodeInvPayload(b []byte) ([]InvVector, error) {
	countU64, used, err := consensus.DecodeCompactSize(b)
	if err != nil {
		return nil, fmt.Errorf("p2p: inv: %w", err)
	}
	if countU64 > MaxInvEntries {
		return nil, fmt.Errorf("p2p: inv: count exceeds cap")
	}
	count := int(countU64)
	if len(b) != used+count*invVectorBytes {
		return nil, fmt.Errorf("p2p: inv: length mismatch")
	}
	off := used
	out := make([]InvVector, 0, count)
	for i := 0; i < count; i++ {
		tp := b[off]
		if tp != InvTypeTx && tp != InvTypeBlock {
			return nil, fmt.Errorf("p2p: inv: unknown vector type 0x%02x", tp)
		}
		off++
		var h consensus.Hash256
		copy(h[:], b[off:off+32])
		off += 32
		out = append(out, InvVector{Type: tp, Hash: h})
	}
	return out, nil
}

// GetHeadersPayload requests headers after the first locator hash the
// responder recognizes, stopping at HashStop (zero = as many as fit).
type GetHeadersPayload struct {
	Locator  []consensus.Hash256
	HashStop consensus.Hash256
}

func EncodeGetHeadersPayload(p GetHeadersPayload) ([]byte, error) {
	if len(p.Locator) == 0 || len(p.Locator) > MaxLocatorHashes {
		return nil, fmt.Errorf("p2p: getheaders: invalid locator length")
	}
	out := consensus.AppendCompactSize(nil, uint64(len(p.Locator)))
	for _, h := range p.Locator {
		out = append(out, h[:]...)
	}
	out = append(out, p.HashStop[:]...)
	return out, nil
}

func DecodeGetHeadersPayload(b []byte) (*GetHeadersPayload, error) {
	countU64, used, err := consensus.DecodeCompactSize(b)
	if err != nil {
		return nil, fmt.Errorf("p2p: getheaders: %w", err)
	}
	if countU64 == 0 || countU64 > MaxLocatorHashes {
		return nil, fmt.Errorf("p2p: getheaders: invalid hash count")
	}
	count := int(countU64)
	if len(b) != used+count*32+32 {
		return nil, fmt.Errorf("p2p: getheaders: length mismatch")
	}
	off := used
	loc := make([]consensus.Hash256, count)
	for i := range loc {
		copy(loc[i][:], b[off:off+32])
		off += 32
	}
	var stop consensus.Hash256
	copy(stop[:], b[off:off+32])
	return &GetHeadersPayload{Locator: loc, HashStop: stop}, nil
}

func EncodeHeadersPayload(headers []consensus.BlockHeader) ([]byte, error) {
	if len(headers) > MaxHeadersPerMsg {
		return nil, fmt.Errorf("p2p: headers: too many headers")
	}
	out := consensus.AppendCompactSize(nil, uint64(len(headers)))
	for i := range headers {
		out = append(out, consensus.EncodeBlockHeader(&headers[i])...)
	}
	return out, nil
}

func DecodeHeadersPayload(b []byte) ([]consensus.BlockHeader, error) {
	countU64, used, err := consensus.DecodeCompactSize(b)
	if err != nil {
		return nil, fmt.Errorf("p2p: headers: %w", err)
	}
	if countU64 > MaxHeadersPerMsg {
		return nil, fmt.Errorf("p2p: headers: count exceeds cap")
	}
	count := int(countU64)
	if len(b) != used+count*headerWireBytes {
		return nil, fmt.Errorf("p2p: headers: length mismatch")
	}
	off := used
	out := make([]consensus.BlockHeader, 0, count)
	for i := 0; i < count; i++ {
		h, err := consensus.DecodeBlockHeader(b[off : off+headerWireBytes])
		if err != nil {
			return nil, err
		}
		out = append(out, h)
		off += headerWireBytes
	}
	return out, nil
}

type PingPayload struct {
	Nonce uint64
}

func EncodePingPayload(p PingPayload) []byte {
	return appendU64LE(nil, p.Nonce)
}

func DecodePingPayload(b []byte) (*PingPayload, error) {
	if len(b) != 8 {
		return nil, fmt.Errorf("p2p: ping: invalid payload length")
	}
	return &PingPayload{Nonce: binary.LittleEndian.Uint64(b)}, nil
}

func appendU16LE(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

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
