package p2p

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/astram-project/astram-node/consensus"
)

// ErrPeerBanned is wrapped into the error a peer's Run loop returns once
// its score crosses the ban threshold; the server converts it into an
// address ban.
var ErrPeerBanned = errors.New("p2p: peer banned")

type PeerRole int

const (
	PeerRoleInbound PeerRole = iota + 1
	PeerRoleOutbound
)

func (r PeerRole) String() string {
	if r == PeerRoleOutbound {
		return "outbound"
	}
	return "inbound"
}

// Handler receives decoded post-handshake messages. Implementations live in
// the node package, next to the chain writer; errors returned from OnBlock/
// OnHeaders/OnTx adjust the peer's score per the relay policy.
type Handler interface {
	OnInv(p *Peer, vecs []InvVector) error
	OnGetData(p *Peer, vecs []InvVector) error
	OnGetHeaders(p *Peer, req *GetHeadersPayload) ([]consensus.BlockHeader, error)
	OnHeaders(p *Peer, headers []consensus.BlockHeader) error
	OnBlock(p *Peer, raw []byte) error
	OnTx(p *Peer, raw []byte) error
}

type PeerConfig struct {
	Magic    uint32
	Identity Identity
	Local    HandshakePayload
	Version  VersionPayload

	// IdleTimeout drops a peer that sends nothing at all; PingInterval
	// keeps a healthy but quiet link alive under that timeout.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// SendQueueLen bounds the outbound queue; when it is full, any new
	// frame is dropped, counted, and adds 1 to the peer's ban score
	// (backpressure).
	SendQueueLen int
}

func DefaultPeerConfig(magic uint32, id Identity, local HandshakePayload, version VersionPayload) PeerConfig {
	return PeerConfig{
		Magic:        magic,
		Identity:     id,
		Local:        local,
		Version:      version,
		IdleTimeout:  10 * time.Minute,
		PingInterval: 2 * time.Minute,
		SendQueueLen: 256,
	}
}

type outFrame struct {
	cmd     byte
	payload []byte
}

// Peer is one connected remote: its identity, read/write loops, duplicate
// suppression, rate limits, and the raw inputs of the composite score.
type Peer struct {
	ID   uuid.UUID
	Conn net.Conn
	Role PeerRole

	cfg    PeerConfig
	log    zerolog.Logger
	Remote HandshakePayload

	Ban      BanScore
	known    *knownInv
	announce announceRate

	sendQ chan outFrame
	quit  chan struct{}
	once  sync.Once

	connectedAt time.Time
	height      atomic.Uint64
	latencyUS   atomic.Int64 // EWMA of ping RTT, microseconds
	pingSentAt  atomic.Int64 // unix micros of the in-flight ping, 0 if none
	pingNonce   atomic.Uint64
	invDropped  atomic.Uint64
}

func NewPeer(conn net.Conn, role PeerRole, cfg PeerConfig, log zerolog.Logger) *Peer {
	if cfg.SendQueueLen <= 0 {
		cfg.SendQueueLen = 256
	}
	id := uuid.New()
	return &Peer{
		ID:    id,
		Conn:  conn,
		Role:  role,
		cfg:   cfg,
		log:   log.With().Str("peer", id.String()[:8]).Str("addr", conn.RemoteAddr().String()).Logger(),
		known: newKnownInv(),
		sendQ: make(chan outFrame, cfg.SendQueueLen),
		quit:  make(chan struct{}),
	}
}

// Handshake runs the directional handshake and records the remote identity.
func (p *Peer) Handshake() error {
	var (
		res *HandshakeResult
		err error
	)
	if p.Role == PeerRoleOutbound {
		res, err = HandshakeOutbound(p.Conn, p.cfg.Magic, p.cfg.Local, p.cfg.Identity, p.cfg.Version)
	} else {
		res, err = HandshakeInbound(p.Conn, p.cfg.Magic, p.cfg.Local, p.cfg.Identity)
	}
	if err != nil {
		return err
	}
	p.Remote = res.Remote
	p.height.Store(res.Remote.Height)
	p.connectedAt = time.Now()
	return nil
}

// QueueSend enqueues a frame, reporting false if the peer is closing or the
// queue is full. A frame of any command that finds the queue full is
// dropped, counted in invDropped, and adds 1 to the peer's ban score; the
// peer is not disconnected for it.
func (p *Peer) QueueSend(cmd byte, payload []byte) bool {
	select {
	case p.sendQ <- outFrame{cmd: cmd, payload: payload}:
		return true
	case <-p.quit:
		return false
	default:
		p.invDropped.Add(1)
		p.Ban.Add(time.Now(), 1)
		return false
	}
}

// Close tears the connection down; Run's loops unwind from the read error.
func (p *Peer) Close() {
	p.once.Do(func() {
		close(p.quit)
		_ = p.Conn.Close()
	})
}

// Height is the best height the peer has declared.
func (p *Peer) Height() uint64 { return p.height.Load() }

// SetHeight records a newer declared height (from headers or invs).
func (p *Peer) SetHeight(h uint64) {
	for {
		cur := p.height.Load()
		if h <= cur || p.height.CompareAndSwap(cur, h) {
			return
		}
	}
}

// Uptime is how long the session has been up.
func (p *Peer) Uptime(now time.Time) time.Duration {
	if p.connectedAt.IsZero() {
		return 0
	}
	return now.Sub(p.connectedAt)
}

// Latency is the smoothed ping round-trip estimate; zero until the first
// pong arrives.
func (p *Peer) Latency() time.Duration {
	return time.Duration(p.latencyUS.Load()) * time.Microsecond
}

// Run drives the peer after a successful handshake: a reader loop, a writer
// loop, and the keepalive pinger, supervised together; the first failure
// tears all three down.
func (p *Peer) Run(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(ctx, h) })
	g.Go(func() error { return p.writeLoop(ctx) })
	g.Go(func() error { return p.pingLoop(ctx) })
	go func() {
		<-ctx.Done()
		p.Close()
	}()
	return g.Wait()
}

func (p *Peer) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.quit:
			return nil
		case f := <-p.sendQ:
			if err := WriteMessage(p.Conn, p.cfg.Magic, f.cmd, f.payload); err != nil {
				return err
			}
		}
	}
}

func (p *Peer) pingLoop(ctx context.Context) error {
	interval := p.cfg.PingInterval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.quit:
			return nil
		case <-t.C:
			nonce := rand.Uint64()
			p.pingNonce.Store(nonce)
			p.pingSentAt.Store(time.Now().UnixMicro())
			p.QueueSend(CmdPing, EncodePingPayload(PingPayload{Nonce: nonce}))
		}
	}
}

func (p *Peer) readLoop(ctx context.Context, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.cfg.IdleTimeout > 0 {
			_ = p.Conn.SetReadDeadline(time.Now().Add(p.cfg.IdleTimeout))
		}
		msg, rerr := ReadMessage(p.Conn, p.cfg.Magic)
		now := time.Now()
		if rerr != nil {
			p.Ban.Add(now, rerr.ScoreDelta)
			if p.Ban.ShouldBan(now) {
				return fmt.Errorf("%w (score=%d): %v", ErrPeerBanned, p.Ban.Score(now), rerr.Err)
			}
			if rerr.Disconnect {
				return rerr
			}
			continue
		}
		if err := p.dispatch(msg, now, h); err != nil {
			return err
		}
		if p.Ban.ShouldBan(now) {
			return fmt.Errorf("%w (score=%d)", ErrPeerBanned, p.Ban.Score(now))
		}
	}
}

func (p *Peer) dispatch(msg *Message, now time.Time, h Handler) error {
	switch msg.Command {
	case CmdPing:
		pp, err := DecodePingPayload(msg.Payload)
		if err != nil {
			p.Ban.Add(now, 10)
			return nil
		}
		p.QueueSend(CmdPong, EncodePingPayload(*pp))
	case CmdPong:
		pp, err := DecodePingPayload(msg.Payload)
		if err != nil || pp.Nonce != p.pingNonce.Load() {
			return nil
		}
		if sent := p.pingSentAt.Swap(0); sent != 0 {
			rtt := now.UnixMicro() - sent
			prev := p.latencyUS.Load()
			if prev == 0 {
				p.latencyUS.Store(rtt)
			} else {
				p.latencyUS.Store((prev*7 + rtt) / 8)
			}
		}
	case CmdInv:
		vecs, err := DecodeInvPayload(msg.Payload)
		if err != nil {
			p.Ban.Add(now, 10)
			return nil
		}
		fresh := vecs[:0]
		for _, v := range vecs {
			if v.Type == InvTypeBlock && !p.announce.Allow(now) {
				continue // over the per-minute block announce cap, drop silently
			}
			if p.known.Add(v.Hash) {
				fresh = append(fresh, v)
			}
		}
		if len(fresh) == 0 {
			return nil
		}
		if err := h.OnInv(p, fresh); err != nil {
			p.Ban.Add(now, 5)
		}
	case CmdGetData:
		vecs, err := DecodeInvPayload(msg.Payload)
		if err != nil {
			p.Ban.Add(now, 10)
			return nil
		}
		if err := h.OnGetData(p, vecs); err != nil {
			p.Ban.Add(now, 2)
		}
	case CmdGetHeaders:
		req, err := DecodeGetHeadersPayload(msg.Payload)
		if err != nil {
			p.Ban.Add(now, 10)
			return nil
		}
		headers, err := h.OnGetHeaders(p, req)
		if err != nil {
			return nil // local failure, not the peer's fault
		}
		payload, err := EncodeHeadersPayload(headers)
		if err != nil {
			return nil
		}
		p.QueueSend(CmdHeaders, payload)
	case CmdHeaders:
		headers, err := DecodeHeadersPayload(msg.Payload)
		if err != nil {
			p.Ban.Add(now, 10)
			return nil
		}
		if err := h.OnHeaders(p, headers); err != nil {
			p.Ban.Add(now, 20)
		}
	case CmdBlock:
		if err := h.OnBlock(p, msg.Payload); err != nil {
			p.Ban.Add(now, 50)
		}
	case CmdTx:
		if err := h.OnTx(p, msg.Payload); err != nil {
			p.Ban.Add(now, 5)
		}
	case CmdHandshake, CmdHandshakeAck, CmdVersion, CmdVerAck:
		// Session-establishment frames after the session is up.
		p.Ban.Add(now, 10)
	}
	return nil
}

// MarkKnown records that the peer already has an inventory item, without
// touching rate limits; used when we announce to them.
func (p *Peer) MarkKnown(h consensus.Hash256) bool { return p.known.Add(h) }

// KnowsInv reports whether the duplicate filter has seen h.
func (p *Peer) KnowsInv(h consensus.Hash256) bool { return p.known.Contains(h) }
