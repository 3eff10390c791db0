package node

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Config is the node's runtime configuration. Every field has a default;
// missing or invalid values fall back to the default and are logged rather
// than aborting startup.
type Config struct {
	Network   string   `json:"network"`
	NetworkID string   `json:"network_id"` // override; empty means ParamsForNetwork
	ChainID   uint32   `json:"chain_id"`   // override; 0 means ParamsForNetwork
	DataDir   string   `json:"data_dir"`
	BindAddr  string   `json:"p2p_bind_addr"`
	Port      uint16   `json:"p2p_port"` // 0 means the network default
	DNSServer string   `json:"dns_server_url"`
	LogLevel  string   `json:"log_level"`
	Peers     []string `json:"peers"`
	MaxPeers  int      `json:"max_peers"`

	Mining        bool   `json:"mining"`
	MiningBackend string `json:"mining_backend"` // "cpu" | "cuda"
	MiningThreads int    `json:"mining_threads"` // 0 means GOMAXPROCS
	MinerAddress  string `json:"miner_address"`  // hex, 40 chars
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".astram"
	}
	return filepath.Join(home, ".astram")
}

func DefaultConfig() Config {
	return Config{
		Network:       "testnet",
		DataDir:       DefaultDataDir(),
		BindAddr:      "0.0.0.0",
		LogLevel:      "info",
		MaxPeers:      64,
		MiningBackend: "cpu",
	}
}

// ApplyEnv layers the ASTRAM_* environment overrides onto cfg: the network
// name (ASTRAM_NETWORK, mainnet or testnet only) and the network id and
// chain id pins, which have no flag. cmd/astram-node re-applies an
// explicitly set --network afterwards, so the CLI flag keeps final
// precedence.
func ApplyEnv(cfg Config, log zerolog.Logger) Config {
	if v := os.Getenv("ASTRAM_NETWORK"); v != "" {
		if v == "mainnet" || v == "testnet" {
			cfg.Network = v
		} else {
			log.Warn().Str("value", v).Msg("ignoring invalid ASTRAM_NETWORK")
		}
	}
	if v := os.Getenv("ASTRAM_NETWORK_ID"); v != "" {
		cfg.NetworkID = v
	}
	if v := os.Getenv("ASTRAM_CHAIN_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			log.Warn().Str("value", v).Msg("ignoring invalid ASTRAM_CHAIN_ID")
		} else {
			cfg.ChainID = uint32(id)
		}
	}
	return cfg
}

// Params resolves the effective network identity: the named network's
// parameters with any explicit NetworkID/ChainID/Port overrides applied.
func (c Config) Params() NetworkParams {
	p := ParamsForNetwork(c.Network)
	if c.NetworkID != "" {
		p.NetworkID = c.NetworkID
	}
	if c.ChainID != 0 {
		p.ChainID = c.ChainID
	}
	if c.Port != 0 {
		p.P2PPort = c.Port
	}
	return p
}

// ListenAddr returns the host:port the P2P listener binds.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(int(c.Params().P2PPort)))
}

func NormalizePeers(raw ...string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		for _, p := range strings.Split(token, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Sanitize replaces invalid fields with their defaults, logging each
// replacement, and returns an error only for the few fields that cannot be
// defaulted (a peer that is not host:port, or an unparseable miner address
// while mining is enabled).
func Sanitize(cfg Config, log zerolog.Logger) (Config, error) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Network) == "" {
		cfg.Network = def.Network
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		log.Warn().Msg("data_dir empty, using default")
		cfg.DataDir = def.DataDir
	}
	if ip := net.ParseIP(cfg.BindAddr); ip == nil {
		log.Warn().Str("value", cfg.BindAddr).Msg("invalid p2p_bind_addr, using default")
		cfg.BindAddr = def.BindAddr
	}
	lvl := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[lvl]; !ok {
		log.Warn().Str("value", cfg.LogLevel).Msg("invalid log_level, using info")
		cfg.LogLevel = def.LogLevel
	} else {
		cfg.LogLevel = lvl
	}
	if cfg.MaxPeers <= 0 || cfg.MaxPeers > 4096 {
		log.Warn().Int("value", cfg.MaxPeers).Msg("invalid max_peers, using default")
		cfg.MaxPeers = def.MaxPeers
	}
	switch cfg.MiningBackend {
	case "cpu", "cuda":
	default:
		log.Warn().Str("value", cfg.MiningBackend).Msg("invalid mining_backend, using cpu")
		cfg.MiningBackend = def.MiningBackend
	}
	cfg.Peers = NormalizePeers(cfg.Peers...)
	for _, p := range cfg.Peers {
		if _, _, err := net.SplitHostPort(p); err != nil {
			return cfg, fmt.Errorf("invalid peer %q: %w", p, err)
		}
	}
	if cfg.Mining {
		if _, err := ParseAddress(cfg.MinerAddress); err != nil {
			return cfg, errors.New("mining enabled but miner_address is not a valid 40-hex-char address")
		}
	}
	return cfg, nil
}
