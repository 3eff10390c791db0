package node

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/astram-project/astram-node/consensus"
	"github.com/astram-project/astram-node/node/p2p"
)

// bodyFetchFanout is how many peers the body-download window is spread
// across during header-first sync.
const bodyFetchFanout = 4

// syncPollInterval paces the header-sync driver: locator refresh against
// the best peer and re-issue of timed-out body requests.
const syncPollInterval = 10 * time.Second

// P2PEngine connects the chain writer to the network: it implements
// p2p.Handler for inbound messages and runs the relay, sync, and discovery
// loops on top of the p2p.Server.
type P2PEngine struct {
	log    zerolog.Logger
	cs     *ChainState
	server *p2p.Server
	sync   *p2p.HeaderSync
	disc   *DiscoveryClient
	cfg    Config
	params NetworkParams
}

func NewP2PEngine(log zerolog.Logger, cs *ChainState, cfg Config) *P2PEngine {
	params := cfg.Params()
	e := &P2PEngine{
		log:    ComponentLogger(log, "p2p"),
		cs:     cs,
		cfg:    cfg,
		params: params,
	}
	e.sync = p2p.NewHeaderSync(e.log, p2p.DefaultSyncConfig(),
		func(hash consensus.Hash256) (p2p.HeaderMeta, bool) {
			entry, ok, err := cs.DB().GetIndex(hash)
			if err != nil || !ok || entry.Status == consensus.StatusInvalid {
				return p2p.HeaderMeta{}, false
			}
			return p2p.HeaderMeta{
				Height:     entry.Height,
				Difficulty: entry.Header.Difficulty,
				Timestamp:  entry.Header.Timestamp,
			}, true
		},
		func(hash consensus.Hash256) bool {
			_, ok, err := cs.DB().GetBlockBytes(hash)
			return err == nil && ok
		},
		func(block *consensus.Block, from string) error {
			err := cs.SubmitBlock(block, from)
			if errors.Is(err, ErrOrphanBlock) {
				return nil // parent still in flight within the window
			}
			return err
		},
	)

	tip := cs.Tip()
	identity := p2p.Identity{NetworkID: params.NetworkID, ChainID: params.ChainID}
	local := p2p.HandshakePayload{
		Proto:      p2p.ProtocolVersion,
		NetworkID:  params.NetworkID,
		ChainID:    params.ChainID,
		Height:     tip.TipHeight,
		ListenPort: params.P2PPort,
	}
	version := p2p.VersionPayload{UserAgent: "astram-node/1.0", StartHeight: tip.TipHeight}
	pm := p2p.NewPeerManager(e.log, cfg.MaxPeers)
	e.server = p2p.NewServer(e.log, p2p.ServerConfig{
		ListenAddr:  cfg.ListenAddr(),
		Peer:        p2p.DefaultPeerConfig(params.Magic, identity, local, version),
		StaticPeers: cfg.Peers,
	}, pm, e)

	if cfg.DNSServer != "" {
		e.disc = NewDiscoveryClient(e.log, cfg.DNSServer)
	}
	return e
}

// Server exposes the underlying p2p server (status surface, tests).
func (e *P2PEngine) Server() *p2p.Server { return e.server }

// Run starts the listener plus the relay, sync, and discovery loops.
func (e *P2PEngine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.server.Run(ctx) })
	g.Go(func() error { return e.relayLoop(ctx) })
	g.Go(func() error { return e.syncLoop(ctx) })
	if e.disc != nil {
		g.Go(func() error { return e.discoveryLoop(ctx) })
	}
	return g.Wait()
}

// relayLoop fans out inventory announcements for every new tip and every
// admitted transaction, skipping the peer that delivered the object. The
// tip event is published only after the transition is durable, so an Inv
// can never advertise a block we could not serve.
func (e *P2PEngine) relayLoop(ctx context.Context) error {
	tips := e.cs.SubscribeTips(16)
	txs := e.cs.SubscribeTxs(256)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-tips:
			e.server.AnnounceBlock(ev.Hash, exceptID(ev.From))
		case ev := <-txs:
			e.server.AnnounceTx(ev.Txid, exceptID(ev.From))
		}
	}
}

func exceptID(from string) uuid.UUID {
	if from == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(from)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// syncLoop periodically asks the best-ranked peer for headers past our
// locator and keeps the body-download window full.
func (e *P2PEngine) syncLoop(ctx context.Context) error {
	t := time.NewTicker(syncPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			e.kickSync()
		}
	}
}

func (e *P2PEngine) kickSync() {
	peers := e.server.PeerManager().RankPeers(time.Now())
	if len(peers) == 0 {
		return
	}
	tip := e.cs.Tip()
	best := peers[0]
	if best.Height() > tip.TipHeight {
		locator := p2p.BuildLocator(tip.TipHeight, func(h uint64) (consensus.Hash256, bool) {
			hash, ok, err := e.cs.DB().GetHeightHash(h)
			return hash, err == nil && ok
		})
		e.server.RequestHeaders(best, locator)
	}
	if needed := e.sync.NextRequests(time.Now()); len(needed) > 0 {
		e.server.RequestBodies(needed, bodyFetchFanout)
	}
}

// discoveryLoop keeps the outbound set topped up from the DNS registry and
// re-registers our own listener. Discovery is advisory only: candidates
// still pass the peer manager's diversity filters and the handshake's
// network identity check.
func (e *P2PEngine) discoveryLoop(ctx context.Context) error {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		e.topUpOutbound(ctx)
		e.register(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (e *P2PEngine) topUpOutbound(ctx context.Context) {
	pm := e.server.PeerManager()
	slots, _ := pm.OutboundDeficit()
	if slots == 0 {
		return
	}
	tip := e.cs.Tip()
	candidates, err := e.disc.Nodes(ctx, 64, tip.TipHeight)
	if err != nil {
		e.log.Debug().Err(err).Msg("discovery fetch failed")
		return
	}
	dialable := make([]p2p.DialableCandidate, 0, len(candidates))
	for _, c := range candidates {
		dialable = append(dialable, p2p.DialableCandidate{Address: c.Address, Port: c.Port, Height: c.Height})
	}
	selected := pm.SelectOutbound(dialable, e.cfg.BindAddr, time.Now())
	for i := 0; i < len(selected) && i < slots; i++ {
		c := selected[i]
		go func() {
			addr := joinHostPort(c.Address, c.Port)
			if err := e.server.Connect(ctx, addr); err != nil && ctx.Err() == nil {
				e.log.Debug().Err(err).Str("addr", addr).Msg("outbound dial failed")
			}
		}()
	}
}

func (e *P2PEngine) register(ctx context.Context) {
	tip := e.cs.Tip()
	err := e.disc.Register(ctx, Registration{
		Address: e.cfg.BindAddr,
		Port:    e.params.P2PPort,
		Version: "astram-node/1.0",
		Height:  tip.TipHeight,
	})
	if err != nil {
		e.log.Debug().Err(err).Msg("discovery registration failed")
	}
}

// --- p2p.Handler ---

// OnInv requests any announced objects we lack from the announcing peer.
func (e *P2PEngine) OnInv(p *p2p.Peer, vecs []p2p.InvVector) error {
	var want []p2p.InvVector
	for _, v := range vecs {
		switch v.Type {
		case p2p.InvTypeBlock:
			if _, ok, err := e.cs.DB().GetBlockBytes(v.Hash); err == nil && !ok {
				want = append(want, v)
			}
		case p2p.InvTypeTx:
			if !e.cs.Mempool().Contains(v.Hash) {
				want = append(want, v)
			}
		}
	}
	if len(want) == 0 {
		return nil
	}
	payload, err := p2p.EncodeInvPayload(want)
	if err != nil {
		return err
	}
	p.QueueSend(p2p.CmdGetData, payload)
	return nil
}

// OnGetData serves requested blocks from the store and transactions from
// the mempool; unknown items are skipped silently.
func (e *P2PEngine) OnGetData(p *p2p.Peer, vecs []p2p.InvVector) error {
	for _, v := range vecs {
		switch v.Type {
		case p2p.InvTypeBlock:
			raw, ok, err := e.cs.DB().GetBlockBytes(v.Hash)
			if err != nil || !ok {
				continue
			}
			p.QueueSend(p2p.CmdBlock, raw)
		case p2p.InvTypeTx:
			tx, ok := e.cs.Mempool().Get(v.Hash)
			if !ok {
				continue
			}
			p.QueueSend(p2p.CmdTx, consensus.EncodeTx(tx))
		}
	}
	return nil
}

// OnGetHeaders walks the active chain from the first locator hash we
// recognize and returns up to a message's worth of subsequent headers.
func (e *P2PEngine) OnGetHeaders(p *p2p.Peer, req *p2p.GetHeadersPayload) ([]consensus.BlockHeader, error) {
	db := e.cs.DB()
	start := uint64(0)
	for _, locHash := range req.Locator {
		entry, ok, err := db.GetIndex(locHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		// Only anchor on hashes that are on our active chain.
		if active, ok, err := db.GetHeightHash(entry.Height); err == nil && ok && active == locHash {
			start = entry.Height + 1
			break
		}
	}
	tip := e.cs.Tip()
	var out []consensus.BlockHeader
	for h := start; h <= tip.TipHeight && len(out) < p2p.MaxHeadersPerMsg; h++ {
		hash, ok, err := db.GetHeightHash(h)
		if err != nil || !ok {
			break
		}
		hdr, ok, err := db.GetHeader(hash)
		if err != nil || !ok {
			break
		}
		out = append(out, hdr)
		if !req.HashStop.IsZero() && hash == req.HashStop {
			break
		}
	}
	return out, nil
}

// OnHeaders feeds a headers batch into header-first sync and immediately
// requests the bodies the window allows.
func (e *P2PEngine) OnHeaders(p *p2p.Peer, headers []consensus.BlockHeader) error {
	if len(headers) == 0 {
		return nil
	}
	if err := e.sync.AcceptHeaders(headers); err != nil {
		return err
	}
	last := headers[len(headers)-1]
	if meta, ok := e.sync.Meta(last.Hash()); ok {
		p.SetHeight(meta.Height)
	}
	if needed := e.sync.NextRequests(time.Now()); len(needed) > 0 {
		e.server.RequestBodies(needed, bodyFetchFanout)
	}
	return nil
}

// OnBlock routes a block body either into the sync window (if it was
// requested by header-first sync) or straight to the chain writer.
func (e *P2PEngine) OnBlock(p *p2p.Peer, raw []byte) error {
	block, err := consensus.DecodeBlock(raw)
	if err != nil {
		return err
	}
	hash := block.Hash()
	if e.sync.Wants(hash) {
		return e.sync.OnBody(block, p.ID.String())
	}
	err = e.cs.SubmitBlock(block, p.ID.String())
	if errors.Is(err, ErrOrphanBlock) {
		// Ask the sender for the chain we are missing.
		tip := e.cs.Tip()
		locator := p2p.BuildLocator(tip.TipHeight, func(h uint64) (consensus.Hash256, bool) {
			hh, ok, gerr := e.cs.DB().GetHeightHash(h)
			return hh, gerr == nil && ok
		})
		e.server.RequestHeaders(p, locator)
		return nil
	}
	return err
}

// OnTx submits a relayed transaction for mempool admission. Admission
// failures from policy (fees, conflicts) are not relay protocol errors;
// only undecodable transactions and signature failures penalize the sender.
func (e *P2PEngine) OnTx(p *p2p.Peer, raw []byte) error {
	tx, err := consensus.DecodeTx(raw)
	if err != nil {
		return err
	}
	if err := e.cs.SubmitTx(tx, p.ID.String()); err != nil {
		if code, ok := consensus.CodeOf(err); ok && code == consensus.ErrSignatureFailure {
			return err
		}
		return nil
	}
	return nil
}
