package p2p

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Inbound diversity caps: a single host, /24, or /16 can only hold this
// many simultaneous connections, bounding how much of our view one operator
// can own (Eclipse resistance).
const (
	MaxPeersPerIP  = 3
	MaxPeersPerV24 = 2
	MaxPeersPerV16 = 4

	// Outbound targets: keep this many outbound peers, spread over at
	// least MinOutboundV16s distinct /16 subnets.
	OutboundTarget  = 8
	MinOutboundV16s = 3
)

// PeerInfo is the manager's record of one connection.
type PeerInfo struct {
	ID          uuid.UUID
	IP          string
	V24         string
	V16         string
	Role        PeerRole
	Height      uint64
	Uptime      time.Duration
	Latency     time.Duration
	ConnectedAt time.Time
}

// PeerManager owns the connection tables: who is connected from where,
// which subnets are represented, and which addresses are banned. All
// methods take a short exclusive lock; nothing blocks on I/O.
type PeerManager struct {
	log zerolog.Logger

	mu       sync.Mutex
	peers    map[uuid.UUID]*peerSlot
	perIP    map[string]int
	perV24   map[string]int
	perV16   map[string]int
	bans     map[string]time.Time // ip -> expiry
	maxPeers int
}

type peerSlot struct {
	info PeerInfo
	peer *Peer
}

func NewPeerManager(log zerolog.Logger, maxPeers int) *PeerManager {
	if maxPeers <= 0 {
		maxPeers = 64
	}
	return &PeerManager{
		log:      log.With().Str("component", "peermgr").Logger(),
		peers:    make(map[uuid.UUID]*peerSlot),
		perIP:    make(map[string]int),
		perV24:   make(map[string]int),
		perV16:   make(map[string]int),
		bans:     make(map[string]time.Time),
		maxPeers: maxPeers,
	}
}

// SubnetsOf splits an IP into its /24 and /16 prefixes. Non-IPv4 addresses
// use their 64-bit prefix in place of the /24 and their 48-bit prefix in
// place of the /16.
func SubnetsOf(ipStr string) (v24, v16 string) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ipStr, ipStr
	}
	if ip4 := ip.To4(); ip4 != nil {
		return fmt.Sprintf("%d.%d.%d", ip4[0], ip4[1], ip4[2]),
			fmt.Sprintf("%d.%d", ip4[0], ip4[1])
	}
	ip16 := ip.To16()
	return fmt.Sprintf("%x", ip16[:8]), fmt.Sprintf("%x", ip16[:6])
}

// Admit checks whether a new connection from ip may be accepted and, if
// so, reserves its table slots. Callers must pair every successful Admit
// with Remove on disconnect.
func (pm *PeerManager) Admit(p *Peer, ip string, now time.Time) error {
	v24, v16 := SubnetsOf(ip)
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if exp, banned := pm.bans[ip]; banned {
		if now.Before(exp) {
			return fmt.Errorf("p2p: %s is banned until %s", ip, exp.Format(time.RFC3339))
		}
		delete(pm.bans, ip)
	}
	if len(pm.peers) >= pm.maxPeers {
		return fmt.Errorf("p2p: peer table full (%d)", pm.maxPeers)
	}
	if pm.perIP[ip] >= MaxPeersPerIP {
		return fmt.Errorf("p2p: per-ip cap reached for %s", ip)
	}
	if pm.perV24[v24] >= MaxPeersPerV24 {
		return fmt.Errorf("p2p: /24 cap reached for %s", v24)
	}
	if pm.perV16[v16] >= MaxPeersPerV16 {
		return fmt.Errorf("p2p: /16 cap reached for %s", v16)
	}

	pm.perIP[ip]++
	pm.perV24[v24]++
	pm.perV16[v16]++
	pm.peers[p.ID] = &peerSlot{
		peer: p,
		info: PeerInfo{ID: p.ID, IP: ip, V24: v24, V16: v16, Role: p.Role, ConnectedAt: now},
	}
	pm.updateGaugesLocked()
	return nil
}

// Remove cleans a peer's table entries immediately on disconnect.
func (pm *PeerManager) Remove(id uuid.UUID) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	slot, ok := pm.peers[id]
	if !ok {
		return
	}
	delete(pm.peers, id)
	decOrDelete(pm.perIP, slot.info.IP)
	decOrDelete(pm.perV24, slot.info.V24)
	decOrDelete(pm.perV16, slot.info.V16)
	pm.updateGaugesLocked()
}

func decOrDelete(m map[string]int, k string) {
	if m[k] <= 1 {
		delete(m, k)
		return
	}
	m[k]--
}

// Ban records a ban for ip and returns the affected live peers so the
// caller can close them.
func (pm *PeerManager) Ban(ip string, d time.Duration, now time.Time) []*Peer {
	if d <= 0 {
		d = BanDurationDefault
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.bans[ip] = now.Add(d)
	var out []*Peer
	for _, slot := range pm.peers {
		if slot.info.IP == ip {
			out = append(out, slot.peer)
		}
	}
	pm.log.Warn().Str("ip", ip).Dur("duration", d).Msg("peer banned")
	return out
}

// IsBanned reports whether ip is currently banned.
func (pm *PeerManager) IsBanned(ip string, now time.Time) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	exp, ok := pm.bans[ip]
	return ok && now.Before(exp)
}

// Peers snapshots the live peer handles.
func (pm *PeerManager) Peers() []*Peer {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]*Peer, 0, len(pm.peers))
	for _, slot := range pm.peers {
		out = append(out, slot.peer)
	}
	return out
}

// Count returns the number of connected peers.
func (pm *PeerManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.peers)
}

// Infos snapshots per-peer facts for the status surface, refreshing the
// dynamic fields from the live peers.
func (pm *PeerManager) Infos(now time.Time) []PeerInfo {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]PeerInfo, 0, len(pm.peers))
	for _, slot := range pm.peers {
		info := slot.info
		info.Height = slot.peer.Height()
		info.Uptime = slot.peer.Uptime(now)
		info.Latency = slot.peer.Latency()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// SubnetDiversity returns the distinct /24 and /16 counts across connected
// peers.
func (pm *PeerManager) SubnetDiversity() (v24, v16 int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.perV24), len(pm.perV16)
}

func (pm *PeerManager) updateGaugesLocked() {
	setSubnetDiversityGauges(len(pm.perV24), len(pm.perV16))
	setPeerCountGauge(len(pm.peers))
}

// outboundV16sLocked collects the /16s currently covered by outbound peers.
func (pm *PeerManager) outboundV16sLocked() map[string]struct{} {
	out := make(map[string]struct{})
	for _, slot := range pm.peers {
		if slot.info.Role == PeerRoleOutbound {
			out[slot.info.V16] = struct{}{}
		}
	}
	return out
}

// OutboundDeficit reports how many outbound slots are open and whether new
// dials must target unrepresented /16s to honor the diversity floor.
func (pm *PeerManager) OutboundDeficit() (slots int, needFreshV16 bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	outbound := 0
	for _, slot := range pm.peers {
		if slot.info.Role == PeerRoleOutbound {
			outbound++
		}
	}
	v16s := pm.outboundV16sLocked()
	slots = OutboundTarget - outbound
	if slots < 0 {
		slots = 0
	}
	remainingAfterFill := len(v16s) + slots
	needFreshV16 = len(v16s) < MinOutboundV16s && remainingAfterFill >= 0
	return slots, needFreshV16
}

// DialableCandidate is the subset of a discovery record the dialer needs.
type DialableCandidate struct {
	Address string
	Port    uint16
	Height  uint64
}

// SelectOutbound filters and orders discovery candidates for dialing:
// drops self, localhost, private ranges, banned and already-connected
// addresses, then prefers candidates in /16s we do not already cover, then
// higher advertised heights.
func (pm *PeerManager) SelectOutbound(candidates []DialableCandidate, selfIP string, now time.Time) []DialableCandidate {
	pm.mu.Lock()
	covered := pm.outboundV16sLocked()
	connected := make(map[string]struct{}, len(pm.peers))
	for _, slot := range pm.peers {
		connected[slot.info.IP] = struct{}{}
	}
	pm.mu.Unlock()

	type scored struct {
		c        DialableCandidate
		freshV16 bool
	}
	var usable []scored
	for _, c := range candidates {
		ip := net.ParseIP(c.Address)
		if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
			continue
		}
		if c.Address == selfIP {
			continue
		}
		if _, dup := connected[c.Address]; dup {
			continue
		}
		if pm.IsBanned(c.Address, now) {
			continue
		}
		_, v16 := SubnetsOf(c.Address)
		_, have := covered[v16]
		usable = append(usable, scored{c: c, freshV16: !have})
	}
	sort.SliceStable(usable, func(i, j int) bool {
		if usable[i].freshV16 != usable[j].freshV16 {
			return usable[i].freshV16
		}
		return usable[i].c.Height > usable[j].c.Height
	})
	out := make([]DialableCandidate, 0, len(usable))
	for _, s := range usable {
		out = append(out, s.c)
	}
	return out
}

// Composite score weights for preferring peers (header sync source
// selection): height 0.3, uptime 0.2, latency 0.5.
const (
	scoreWeightHeight  = 0.3
	scoreWeightUptime  = 0.2
	scoreWeightLatency = 0.5
)

// RankPeers orders the connected peers by composite score, best first.
// Each dimension is rank-normalized across the current peer set so the
// weights compose scale-free.
func (pm *PeerManager) RankPeers(now time.Time) []*Peer {
	peers := pm.Peers()
	if len(peers) <= 1 {
		return peers
	}
	n := float64(len(peers) - 1)
	rank := func(idx int) float64 { return 1 - float64(idx)/n }

	heightRank := rankBy(peers, func(a, b *Peer) bool { return a.Height() > b.Height() })
	uptimeRank := rankBy(peers, func(a, b *Peer) bool { return a.Uptime(now) > b.Uptime(now) })
	latencyRank := rankBy(peers, func(a, b *Peer) bool {
		la, lb := a.Latency(), b.Latency()
		if la == 0 {
			la = time.Hour // unmeasured sorts worst
		}
		if lb == 0 {
			lb = time.Hour
		}
		return la < lb
	})

	score := make(map[*Peer]float64, len(peers))
	for _, p := range peers {
		score[p] = scoreWeightHeight*rank(heightRank[p]) +
			scoreWeightUptime*rank(uptimeRank[p]) +
			scoreWeightLatency*rank(latencyRank[p])
	}
	sort.SliceStable(peers, func(i, j int) bool { return score[peers[i]] > score[peers[j]] })
	return peers
}

func rankBy(peers []*Peer, less func(a, b *Peer) bool) map[*Peer]int {
	sorted := append([]*Peer(nil), peers...)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	out := make(map[*Peer]int, len(sorted))
	for i, p := range sorted {
		out[p] = i
	}
	return out
}
