package p2p

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/astram-project/astram-node/consensus"
)

// ServerConfig wires the listener and the standing dial set.
type ServerConfig struct {
	ListenAddr  string
	Peer        PeerConfig
	StaticPeers []string

	// RedialInterval paces reconnection attempts to static peers.
	RedialInterval time.Duration
}

// Server owns the listening socket and the lifecycle of every peer
// connection: accept, admission policy, handshake, run loops, and cleanup.
// Relay fan-out (AnnounceBlock/AnnounceTx) runs over the same peer set.
type Server struct {
	log     zerolog.Logger
	cfg     ServerConfig
	pm      *PeerManager
	handler Handler
}

func NewServer(log zerolog.Logger, cfg ServerConfig, pm *PeerManager, handler Handler) *Server {
	if cfg.RedialInterval <= 0 {
		cfg.RedialInterval = 30 * time.Second
	}
	return &Server{
		log:     log.With().Str("component", "p2p").Logger(),
		cfg:     cfg,
		pm:      pm,
		handler: handler,
	}
}

// PeerManager exposes the connection tables for the status surface.
func (s *Server) PeerManager() *PeerManager { return s.pm }

// Run listens for inbound connections and keeps the static outbound peers
// dialed until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("p2p listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error { return s.acceptLoop(ctx, ln) })
	g.Go(func() error { return s.redialLoop(ctx) })
	err = g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.serveConn(ctx, conn, PeerRoleInbound)
	}
}

func (s *Server) redialLoop(ctx context.Context) error {
	dial := func() {
		for _, addr := range s.cfg.StaticPeers {
			if s.connectedTo(addr) {
				continue
			}
			go func(a string) {
				if err := s.Connect(ctx, a); err != nil {
					s.log.Debug().Err(err).Str("addr", a).Msg("static dial failed")
				}
			}(addr)
		}
	}
	dial()
	t := time.NewTicker(s.cfg.RedialInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			dial()
		}
	}
}

func (s *Server) connectedTo(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	for _, info := range s.pm.Infos(time.Now()) {
		if info.IP == host {
			return true
		}
	}
	return false
}

// Connect dials addr, runs the outbound handshake, and serves the peer
// until it disconnects.
func (s *Server) Connect(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: HandshakeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.servePeer(ctx, conn, PeerRoleOutbound)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, role PeerRole) {
	if err := s.servePeer(ctx, conn, role); err != nil && ctx.Err() == nil {
		s.log.Debug().Err(err).Str("addr", conn.RemoteAddr().String()).Msg("peer closed")
	}
}

func (s *Server) servePeer(ctx context.Context, conn net.Conn, role PeerRole) error {
	ip := remoteIP(conn)
	now := time.Now()
	if s.pm.IsBanned(ip, now) {
		_ = conn.Close()
		return errors.New("p2p: connection from banned address")
	}

	peer := NewPeer(conn, role, s.cfg.Peer, s.log)
	if err := s.pm.Admit(peer, ip, now); err != nil {
		_ = conn.Close()
		return err
	}
	defer s.pm.Remove(peer.ID)
	defer peer.Close()

	if err := peer.Handshake(); err != nil {
		return err
	}
	s.log.Info().Str("addr", conn.RemoteAddr().String()).
		Str("role", role.String()).Uint64("height", peer.Remote.Height).
		Msg("peer connected")

	err := peer.Run(ctx, s.handler)
	if errors.Is(err, ErrPeerBanned) {
		for _, banned := range s.pm.Ban(ip, BanDurationDefault, time.Now()) {
			banned.Close()
		}
	}
	return err
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// AnnounceBlock sends Inv{block} to every connected peer except the
// origin, suppressing peers that already know the hash.
func (s *Server) AnnounceBlock(hash consensus.Hash256, except uuid.UUID) {
	s.announce(InvVector{Type: InvTypeBlock, Hash: hash}, except)
}

// AnnounceTx sends Inv{tx} likewise.
func (s *Server) AnnounceTx(hash consensus.Hash256, except uuid.UUID) {
	s.announce(InvVector{Type: InvTypeTx, Hash: hash}, except)
}

func (s *Server) announce(vec InvVector, except uuid.UUID) {
	payload, err := EncodeInvPayload([]InvVector{vec})
	if err != nil {
		return
	}
	for _, p := range s.pm.Peers() {
		if p.ID == except {
			continue
		}
		if !p.MarkKnown(vec.Hash) {
			continue // peer already has it
		}
		p.QueueSend(CmdInv, payload)
	}
}

// RequestHeaders asks peer for headers after our locator.
func (s *Server) RequestHeaders(peer *Peer, locator []consensus.Hash256) {
	if len(locator) == 0 {
		return
	}
	payload, err := EncodeGetHeadersPayload(GetHeadersPayload{Locator: locator})
	if err != nil {
		return
	}
	peer.QueueSend(CmdGetHeaders, payload)
}

// RequestBodies spreads getdata requests for hashes across the best-ranked
// peers, fanout-wide, so one slow peer never stalls the window.
func (s *Server) RequestBodies(hashes []consensus.Hash256, fanout int) {
	if len(hashes) == 0 {
		return
	}
	peers := s.pm.RankPeers(time.Now())
	if len(peers) == 0 {
		return
	}
	if fanout <= 0 || fanout > len(peers) {
		fanout = len(peers)
	}
	for i, hash := range hashes {
		p := peers[i%fanout]
		payload, err := EncodeInvPayload([]InvVector{{Type: InvTypeBlock, Hash: hash}})
		if err != nil {
			continue
		}
		p.QueueSend(CmdGetData, payload)
	}
}
