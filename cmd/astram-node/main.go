// Command astram-node runs a full ASTRAM node: chain store, mempool, P2P
// engine, and (optionally) the miner.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/astram-project/astram-node/node"
	"github.com/astram-project/astram-node/node/store"
)

func main() {
	app := &cli.App{
		Name:  "astram-node",
		Usage: "ASTRAM proof-of-work full node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "network", Usage: "mainnet or testnet", Value: node.DefaultConfig().Network, EnvVars: []string{"ASTRAM_NETWORK"}},
			&cli.StringFlag{Name: "data-dir", Usage: "chain data directory", Value: node.DefaultDataDir(), EnvVars: []string{"ASTRAM_DATA_DIR"}},
			&cli.StringFlag{Name: "p2p-bind-addr", Usage: "P2P listen address", Value: node.DefaultConfig().BindAddr, EnvVars: []string{"ASTRAM_P2P_BIND_ADDR"}},
			&cli.UintFlag{Name: "p2p-port", Usage: "P2P listen port (0 = network default)", EnvVars: []string{"ASTRAM_P2P_PORT"}},
			&cli.StringFlag{Name: "dns-server-url", Usage: "discovery registry base URL", EnvVars: []string{"ASTRAM_DNS_SERVER_URL"}},
			&cli.StringSliceFlag{Name: "peer", Usage: "static peer address (host:port), repeatable", EnvVars: []string{"ASTRAM_PEERS"}},
			&cli.IntFlag{Name: "max-peers", Value: node.DefaultConfig().MaxPeers, EnvVars: []string{"ASTRAM_MAX_PEERS"}},
			&cli.StringFlag{Name: "log-level", Value: node.DefaultConfig().LogLevel, EnvVars: []string{"ASTRAM_LOG_LEVEL"}},
			&cli.BoolFlag{Name: "mine", Usage: "enable the mining driver", EnvVars: []string{"ASTRAM_MINE"}},
			&cli.StringFlag{Name: "mining-backend", Usage: "cpu or cuda", Value: "cpu", EnvVars: []string{"ASTRAM_MINING_BACKEND"}},
			&cli.IntFlag{Name: "mining-threads", Usage: "CPU mining threads (0 = all cores)", EnvVars: []string{"ASTRAM_MINING_THREADS"}},
			&cli.StringFlag{Name: "miner-address", Usage: "coinbase recipient (40 hex chars)", EnvVars: []string{"ASTRAM_MINER_ADDRESS"}},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := node.NewLogger(c.String("log-level"), nil)

	cfg := node.Config{
		Network:       c.String("network"),
		DataDir:       c.String("data-dir"),
		BindAddr:      c.String("p2p-bind-addr"),
		Port:          uint16(c.Uint("p2p-port")),
		DNSServer:     c.String("dns-server-url"),
		LogLevel:      c.String("log-level"),
		Peers:         c.StringSlice("peer"),
		MaxPeers:      c.Int("max-peers"),
		Mining:        c.Bool("mine"),
		MiningBackend: c.String("mining-backend"),
		MiningThreads: c.Int("mining-threads"),
		MinerAddress:  c.String("miner-address"),
	}
	cfg = node.ApplyEnv(cfg, log)
	if c.IsSet("network") {
		cfg.Network = c.String("network")
	}
	cfg, err := node.Sanitize(cfg, log)
	if err != nil {
		return err
	}
	log = node.NewLogger(cfg.LogLevel, nil)
	params := cfg.Params()
	log.Info().Str("network", params.NetworkID).Uint32("chain_id", params.ChainID).Msg("starting astram-node")

	db, err := store.Open(cfg.DataDir, cfg.Network)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, has, err := db.Manifest(); err != nil {
		return err
	} else if !has {
		if err := db.InitGenesis(node.GenesisBlock(params)); err != nil {
			return err
		}
		log.Info().Msg("initialized genesis block")
	}

	mempool := node.NewMempool(log, node.DefaultMempoolLimits())
	cs, err := node.NewChainState(log, db, mempool, params, store.Checkpoints(cfg.Network))
	if err != nil {
		return err
	}
	cs.Start()
	defer cs.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	engine := node.NewP2PEngine(log, cs, cfg)
	g.Go(func() error { return engine.Run(ctx) })

	if cfg.Mining {
		addr, err := node.ParseAddress(cfg.MinerAddress)
		if err != nil {
			return err
		}
		minerCfg := node.DefaultMinerConfig(addr)
		minerCfg.Backend = cfg.MiningBackend
		minerCfg.Threads = cfg.MiningThreads
		miner, err := node.NewMiner(log, cs, minerCfg)
		if err != nil {
			return err
		}
		g.Go(func() error { return miner.Run(ctx) })
	}

	err = g.Wait()
	if ctx.Err() != nil {
		log.Info().Msg("shutting down")
		return nil
	}
	return err
}
