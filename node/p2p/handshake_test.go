package p2p

import (
	"net"
	"strings"
	"testing"
)

func testIdentity() Identity {
	return Identity{NetworkID: "Astram-testnet", ChainID: 8888}
}

func testLocal(height uint64) HandshakePayload {
	return HandshakePayload{
		Proto:      ProtocolVersion,
		NetworkID:  "Astram-testnet",
		ChainID:    8888,
		Height:     height,
		ListenPort: 18335,
	}
}

func TestHandshakeSucceedsBothSides(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	id := testIdentity()
	version := VersionPayload{UserAgent: "astram-node/test", StartHeight: 5}

	type result struct {
		res *HandshakeResult
		err error
	}
	outCh := make(chan result, 1)
	go func() {
		res, err := HandshakeOutbound(a, testMagic, testLocal(5), id, version)
		outCh <- result{res, err}
	}()
	inRes, inErr := HandshakeInbound(b, testMagic, testLocal(9), id)
	out := <-outCh

	if inErr != nil {
		t.Fatalf("inbound handshake: %v", inErr)
	}
	if out.err != nil {
		t.Fatalf("outbound handshake: %v", out.err)
	}
	if out.res.Remote.Height != 9 {
		t.Fatalf("outbound saw remote height %d, want 9", out.res.Remote.Height)
	}
	if inRes.Remote.Height != 5 {
		t.Fatalf("inbound saw remote height %d, want 5", inRes.Remote.Height)
	}
	if inRes.Version.UserAgent != "astram-node/test" {
		t.Fatalf("inbound saw user agent %q", inRes.Version.UserAgent)
	}
}

func TestHandshakeRejectsCrossNetwork(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	mainnetSide := testLocal(0)
	mainnetSide.NetworkID = "Astram-mainnet"
	mainnetSide.ChainID = 1
	mainnetID := Identity{NetworkID: "Astram-mainnet", ChainID: 1}

	errCh := make(chan error, 1)
	go func() {
		_, err := HandshakeOutbound(a, testMagic, mainnetSide, mainnetID, VersionPayload{})
		errCh <- err
	}()
	_, inErr := HandshakeInbound(b, testMagic, testLocal(0), testIdentity())
	if inErr == nil {
		t.Fatal("inbound side should reject a cross-network handshake")
	}
	if !strings.Contains(inErr.Error(), "network mismatch") {
		t.Fatalf("unexpected inbound error: %v", inErr)
	}
	b.Close() // responder hangs up; the initiator must fail, not hang
	if outErr := <-errCh; outErr == nil {
		t.Fatal("outbound side should fail once the responder hangs up")
	}
}
