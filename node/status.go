package node

import (
	"encoding/hex"
	"time"
)

// Status is the admin/status snapshot surfaced to the RPC layer: tip facts,
// mempool pressure against its limits, per-peer connectivity, subnet
// diversity, and the validation-failure breakdown by category.
type Status struct {
	Tip     TipStatus     `json:"tip"`
	Mempool MempoolStatus `json:"mempool"`
	Network NetworkStatus `json:"network"`

	ValidationFailures map[string]uint64 `json:"validation_failures"`
}

type TipStatus struct {
	Hash       string `json:"hash"`
	Height     uint64 `json:"height"`
	Difficulty uint32 `json:"difficulty"`
}

type MempoolStatus struct {
	Count    int   `json:"count"`
	Bytes    int64 `json:"bytes"`
	MaxCount int   `json:"max_count"`
	MaxBytes int64 `json:"max_bytes"`
}

type PeerStatus struct {
	ID        string `json:"id"`
	IP        string `json:"ip"`
	Direction string `json:"direction"`
	Height    uint64 `json:"height"`
	UptimeSec int64  `json:"uptime_sec"`
	LatencyMS int64  `json:"latency_ms"`
}

type SubnetDiversity struct {
	V24 int `json:"v24"`
	V16 int `json:"v16"`
}

type NetworkStatus struct {
	PeerCount       int             `json:"peer_count"`
	Peers           []PeerStatus    `json:"peers"`
	SubnetDiversity SubnetDiversity `json:"subnet_diversity"`
}

// BuildStatus assembles the snapshot. engine may be nil (mining-only or
// test configurations); the network section is then empty.
func BuildStatus(cs *ChainState, engine *P2PEngine, now time.Time) Status {
	tipEntry := cs.TipEntry()
	tip := cs.Tip()
	mp := cs.Mempool()

	st := Status{
		Tip: TipStatus{
			Hash:       hex.EncodeToString(tip.TipHash[:]),
			Height:     tip.TipHeight,
			Difficulty: tipEntry.Header.Difficulty,
		},
		Mempool: MempoolStatus{
			Count:    mp.Count(),
			Bytes:    mp.Bytes(),
			MaxCount: mp.Limits().MaxCount,
			MaxBytes: mp.Limits().MaxBytes,
		},
		ValidationFailures: make(map[string]uint64),
	}
	for code, n := range cs.Failures().Snapshot() {
		st.ValidationFailures[string(code)] = n
	}
	if engine != nil {
		pm := engine.Server().PeerManager()
		v24, v16 := pm.SubnetDiversity()
		st.Network.SubnetDiversity = SubnetDiversity{V24: v24, V16: v16}
		infos := pm.Infos(now)
		st.Network.PeerCount = len(infos)
		for _, info := range infos {
			st.Network.Peers = append(st.Network.Peers, PeerStatus{
				ID:        info.ID.String(),
				IP:        info.IP,
				Direction: info.Role.String(),
				Height:    info.Height,
				UptimeSec: int64(info.Uptime / time.Second),
				LatencyMS: int64(info.Latency / time.Millisecond),
			})
		}
	}
	return st
}
