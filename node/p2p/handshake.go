package p2p

import (
	"fmt"
	"net"
	"time"
)

// HandshakeTimeout is the hard cap on the whole exchange: HANDSHAKE,
// HANDSHAKE_ACK, VERSION, VERACK. A peer that stalls anywhere inside it is
// dropped.
const HandshakeTimeout = 30 * time.Second

// Identity pins the local network so cross-network peers are rejected
// before any chain data flows.
type Identity struct {
	NetworkID string
	ChainID   uint32
}

// HandshakeResult captures what the remote declared about itself.
type HandshakeResult struct {
	Remote  HandshakePayload
	Version VersionPayload
}

// HandshakeOutbound runs the initiating side: send HANDSHAKE, await
// HANDSHAKE_ACK, verify identity, send VERSION, await VERACK. The caller
// owns conn and closes it on error.
func HandshakeOutbound(conn net.Conn, magic uint32, local HandshakePayload, id Identity, version VersionPayload) (*HandshakeResult, error) {
	deadline := time.Now().Add(HandshakeTimeout)
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	payload, err := EncodeHandshakePayload(local)
	if err != nil {
		return nil, err
	}
	if err := WriteMessage(conn, magic, CmdHandshake, payload); err != nil {
		return nil, err
	}

	ack, err := expect(conn, magic, CmdHandshakeAck)
	if err != nil {
		return nil, err
	}
	remote, err := DecodeHandshakePayload(ack.Payload)
	if err != nil {
		return nil, err
	}
	if err := checkIdentity(remote, id); err != nil {
		return nil, err
	}

	vp, err := EncodeVersionPayload(version)
	if err != nil {
		return nil, err
	}
	if err := WriteMessage(conn, magic, CmdVersion, vp); err != nil {
		return nil, err
	}
	verackMsg, err := expect(conn, magic, CmdVerAck)
	if err != nil {
		return nil, err
	}
	if len(verackMsg.Payload) != 0 {
		return nil, fmt.Errorf("p2p: handshake: verack payload must be empty")
	}
	// The responder sends no VERSION of its own (HandshakeInbound only
	// replies VERACK), so the outbound result carries only the remote
	// handshake payload.
	res := &HandshakeResult{Remote: *remote}
	return res, nil
}

// HandshakeInbound runs the accepting side: await HANDSHAKE, verify
// identity, reply HANDSHAKE_ACK, await VERSION, reply VERACK.
func HandshakeInbound(conn net.Conn, magic uint32, local HandshakePayload, id Identity) (*HandshakeResult, error) {
	deadline := time.Now().Add(HandshakeTimeout)
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	hs, err := expect(conn, magic, CmdHandshake)
	if err != nil {
		return nil, err
	}
	remote, err := DecodeHandshakePayload(hs.Payload)
	if err != nil {
		return nil, err
	}
	if err := checkIdentity(remote, id); err != nil {
		return nil, err
	}

	ack, err := EncodeHandshakePayload(local)
	if err != nil {
		return nil, err
	}
	if err := WriteMessage(conn, magic, CmdHandshakeAck, ack); err != nil {
		return nil, err
	}

	versionMsg, err := expect(conn, magic, CmdVersion)
	if err != nil {
		return nil, err
	}
	version, err := DecodeVersionPayload(versionMsg.Payload)
	if err != nil {
		return nil, err
	}
	if err := WriteMessage(conn, magic, CmdVerAck, nil); err != nil {
		return nil, err
	}
	return &HandshakeResult{Remote: *remote, Version: *version}, nil
}

func checkIdentity(remote *HandshakePayload, id Identity) error {
	if remote.Proto != ProtocolVersion {
		return fmt.Errorf("p2p: handshake: unsupported protocol version %d", remote.Proto)
	}
	if remote.NetworkID != id.NetworkID || remote.ChainID != id.ChainID {
		return fmt.Errorf("p2p: handshake: network mismatch (%s/%d)", remote.NetworkID, remote.ChainID)
	}
	return nil
}

// expect reads frames until one with the wanted command arrives, ignoring
// pings (answered) and dropping other non-fatal frames. Handshake-phase
// noise is not penalized; the deadline bounds how long noise can last.
func expect(conn net.Conn, magic uint32, want byte) (*Message, error) {
	for {
		msg, rerr := ReadMessage(conn, magic)
		if rerr != nil {
			if rerr.Disconnect {
				return nil, rerr
			}
			continue
		}
		if msg.Command == want {
			return msg, nil
		}
		if msg.Command == CmdPing {
			if pp, err := DecodePingPayload(msg.Payload); err == nil {
				_ = WriteMessage(conn, magic, CmdPong, EncodePingPayload(*pp))
			}
			continue
		}
	}
}
