package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/lob/pkg/custody"
	"github.com/luxfi/lob/pkg/fixedpoint"
	"github.com/luxfi/lob/pkg/node"
)

const defaultDataDir = ".lxd"

// faucet is a comma separated list of owner:asset:amount grants minted into
// the in-memory custody vault at startup, for local networks.
func parseFaucet(list string, decimals func(string) uint8) (map[[2]string]*uint256.Int, error) {
	grants := make(map[[2]string]*uint256.Int)
	if list == "" {
		return grants, nil
	}
	for _, item := range strings.Split(list, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("faucet grant %q: want owner:asset:amount", item)
		}
		amount, err := fixedpoint.ParseAmount(parts[2], decimals(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("faucet grant %q: %w", item, err)
		}
		grants[[2]string{parts[0], parts[1]}] = amount
	}
	return grants, nil
}

func main() {
	var (
		dataDir    = flag.String("data-dir", defaultDataDir, "Data directory (relative to $HOME)")
		dbBackend  = flag.String("db", "badgerdb", "State database (badgerdb, memdb)")
		configFile = flag.String("config", "", "JSON node config file")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")

		httpAddr = flag.String("http-addr", "", "JSON-RPC and metrics address (overrides config)")
		wsAddr   = flag.String("ws-addr", "", "WebSocket address (overrides config)")
		grpcAddr = flag.String("grpc-addr", "", "gRPC health address (overrides config)")
		natsURL  = flag.String("nats", "", "NATS server URL (overrides config)")
		brokers  = flag.String("kafka-brokers", "", "Comma separated Kafka brokers (overrides config)")

		faucet       = flag.String("faucet", "", "Vault grants owner:asset:amount[,...] for local networks")
		faucetDec    = flag.Uint("faucet-decimals", 18, "Decimals of faucet assets other than the quote asset")
		snapshotTick = flag.Duration("snapshot-every", 0, "Snapshot interval (overrides config)")
	)
	flag.Parse()

	level, err := log.ToLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	logger := log.NewTestLogger(level)

	var raw []byte
	if *configFile != "" {
		if raw, err = os.ReadFile(*configFile); err != nil {
			logger.Error("Failed to read config", "path", *configFile, "error", err)
			os.Exit(1)
		}
	}
	cfg, err := node.ParseConfig(raw)
	if err != nil {
		logger.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	dataPath := filepath.Join(os.Getenv("HOME"), *dataDir)
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		logger.Error("Failed to create data directory", "path", dataPath, "error", err)
		os.Exit(1)
	}

	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *wsAddr != "" {
		cfg.WSAddr = *wsAddr
	}
	if *grpcAddr != "" {
		cfg.GRPCAddr = *grpcAddr
	}
	if *natsURL != "" {
		cfg.NATSURL = *natsURL
	}
	if *brokers != "" {
		cfg.KafkaBrokers = strings.Split(*brokers, ",")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.OutboxDir == "" {
		cfg.OutboxDir = filepath.Join(dataPath, "outbox")
	}
	if *snapshotTick > 0 {
		cfg.SnapshotEvery = node.Duration(*snapshotTick)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	logger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", dataPath,
		"quote", cfg.Engine.QuoteAsset)

	db, err := node.OpenDatabase(dataPath, *dbBackend, logger)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	vault := custody.NewVault(logger.New("module", "custody"))
	grants, err := parseFaucet(*faucet, func(asset string) uint8 {
		if asset == cfg.Engine.QuoteAsset {
			return cfg.Engine.QuoteDecimals
		}
		return uint8(*faucetDec)
	})
	if err != nil {
		logger.Error("Invalid faucet", "error", err)
		os.Exit(1)
	}
	for k, amount := range grants {
		if err := vault.Mint(k[0], k[1], amount); err != nil {
			logger.Error("Faucet mint failed", "owner", k[0], "asset", k[1], "error", err)
			os.Exit(1)
		}
	}

	n, err := node.New(cfg, db, vault, logger)
	if err != nil {
		logger.Error("Failed to create node", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		logger.Error("Failed to start node", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	done := make(chan struct{})
	go func() {
		n.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("Shutdown timed out")
	}
}
