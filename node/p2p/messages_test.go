package p2p

import (
	"testing"

	"github.com/astram-project/astram-node/consensus"
)

func TestHandshakePayloadRoundTrip(t *testing.T) {
	in := HandshakePayload{
		Proto:      ProtocolVersion,
		NetworkID:  "Astram-testnet",
		ChainID:    8888,
		Height:     42,
		ListenPort: 18335,
		Features:   3,
	}
	b, err := EncodeHandshakePayload(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeHandshakePayload(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", *out, in)
	}
}

func TestHandshakePayloadRejectsTrailingBytes(t *testing.T) {
	b, err := EncodeHandshakePayload(HandshakePayload{Proto: 1, NetworkID: "x", ChainID: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeHandshakePayload(append(b, 0x00)); err == nil {
		t.Fatal("expected trailing-bytes rejection")
	}
}

func TestInvPayloadRoundTripAndCap(t *testing.T) {
	vecs := []InvVector{
		{Type: InvTypeBlock, Hash: consensus.Hash256{1}},
		{Type: InvTypeTx, Hash: consensus.Hash256{2}},
	}
	b, err := EncodeInvPayload(vecs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeInvPayload(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[0] != vecs[0] || out[1] != vecs[1] {
		t.Fatalf("round trip mismatch: %+v", out)
	}

	over := make([]InvVector, MaxInvEntries+1)
	if _, err := EncodeInvPayload(over); err == nil {
		t.Fatal("expected encode refusal above MaxInvEntries")
	}
	// A forged count over the cap must be rejected before allocation.
	forged := consensus.AppendCompactSize(nil, MaxInvEntries+1)
	if _, err := DecodeInvPayload(forged); err == nil {
		t.Fatal("expected decode refusal above MaxInvEntries")
	}
}

func TestGetHeadersPayloadRoundTrip(t *testing.T) {
	in := GetHeadersPayload{
		Locator:  []consensus.Hash256{{1}, {2}, {3}},
		HashStop: consensus.Hash256{9},
	}
	b, err := EncodeGetHeadersPayload(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeGetHeadersPayload(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Locator) != 3 || out.Locator[0] != in.Locator[0] || out.HashStop != in.HashStop {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestHeadersPayloadRoundTrip(t *testing.T) {
	headers := []consensus.BlockHeader{
		{Version: 1, Timestamp: consensus.GenesisTimestamp, Difficulty: 1, Nonce: 1},
		{Version: 1, Timestamp: consensus.GenesisTimestamp + 1, Difficulty: 1, Nonce: 2},
	}
	b, err := EncodeHeadersPayload(headers)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeHeadersPayload(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[0].Hash() != headers[0].Hash() || out[1].Hash() != headers[1].Hash() {
		t.Fatalf("round trip mismatch")
	}
}
