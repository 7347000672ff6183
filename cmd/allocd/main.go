package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/corvohq/allocd/internal/actions"
	"github.com/corvohq/allocd/internal/allocations"
	"github.com/corvohq/allocd/internal/chain"
	"github.com/corvohq/allocd/internal/network"
	"github.com/corvohq/allocd/internal/observability"
	"github.com/corvohq/allocd/internal/server"
	"github.com/corvohq/allocd/internal/store"
	"github.com/corvohq/allocd/internal/worker"
)

var (
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "allocd",
	Short: "allocd — allocation action queue for indexers",
	Long:  "An action queue and execution agent that manages subgraph allocations against the staking contract.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the allocd server",
	RunE:  runServer,
}

var (
	bindAddr         string
	dataDir          string
	executeInterval  time.Duration
	ethereumRPC      string
	stakingAddress   string
	epochManagerAddr string
	operatorKeyHex   string
	indexerAddress   string
	networkSubgraph  string
	statusEndpoint   string
	graphNodeAdmin   string
	indexNode        string
	txTimeout        time.Duration
	shutdownTimeout  time.Duration
	otelEnabled      bool
	otelEndpoint     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serverCmd.Flags().StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for SQLite database files")
	serverCmd.Flags().DurationVar(&executeInterval, "execute-interval", worker.DefaultInterval, "Interval between automatic execution passes")
	serverCmd.Flags().StringVar(&ethereumRPC, "ethereum", "http://localhost:8545", "Ethereum JSON-RPC endpoint")
	serverCmd.Flags().StringVar(&stakingAddress, "staking-address", "", "Staking contract address")
	serverCmd.Flags().StringVar(&epochManagerAddr, "epoch-manager-address", "", "Epoch manager contract address")
	serverCmd.Flags().StringVar(&operatorKeyHex, "operator-key", "", "Operator private key (hex)")
	serverCmd.Flags().StringVar(&indexerAddress, "indexer-address", "", "Indexer address the operator acts for")
	serverCmd.Flags().StringVar(&networkSubgraph, "network-subgraph", "http://localhost:8000/subgraphs/name/graph-network", "Network subgraph GraphQL endpoint")
	serverCmd.Flags().StringVar(&statusEndpoint, "status-endpoint", "http://localhost:8030/graphql", "Indexing status GraphQL endpoint")
	serverCmd.Flags().StringVar(&graphNodeAdmin, "graph-node-admin", "http://localhost:8020", "Graph node admin JSON-RPC endpoint")
	serverCmd.Flags().StringVar(&indexNode, "index-node", "default", "Graph node index node ID for deployments")
	serverCmd.Flags().DurationVar(&txTimeout, "tx-timeout", chain.DefaultConfirmationTimeout, "Transaction confirmation timeout")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful HTTP shutdown timeout (e.g. 500ms, 5s)")
	serverCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serverCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")

	rootCmd.AddCommand(serverCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func runServer(cmd *cobra.Command, args []string) error {
	if !common.IsHexAddress(stakingAddress) {
		return fmt.Errorf("--staking-address is required and must be a hex address")
	}
	if !common.IsHexAddress(epochManagerAddr) {
		return fmt.Errorf("--epoch-manager-address is required and must be a hex address")
	}
	if !common.IsHexAddress(indexerAddress) {
		return fmt.Errorf("--indexer-address is required and must be a hex address")
	}
	operatorKey, err := crypto.HexToECDSA(strings.TrimPrefix(operatorKeyHex, "0x"))
	if err != nil {
		return fmt.Errorf("parse operator key: %w", err)
	}
	indexer := common.HexToAddress(indexerAddress)

	slog.Info("starting allocd server",
		"bind", bindAddr,
		"data_dir", dataDir,
		"execute_interval", executeInterval,
		"ethereum", ethereumRPC,
		"staking", stakingAddress,
		"epoch_manager", epochManagerAddr,
		"indexer", indexerAddress,
		"operator", crypto.PubkeyToAddress(operatorKey.PublicKey),
		"network_subgraph", networkSubgraph,
		"status_endpoint", statusEndpoint,
		"graph_node_admin", graphNodeAdmin,
		"tx_timeout", txTimeout,
		"otel_enabled", otelEnabled,
		"otel_endpoint", otelEndpoint,
	)

	otelShutdown, err := observability.InitTracer(cmd.Context(), observability.TracerConfig{
		Enabled:  otelEnabled,
		Service:  "allocd-server",
		Endpoint: otelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	db, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s := store.NewStore(db)
	defer s.Close()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 30*time.Second)
	contracts, err := chain.Dial(dialCtx, ethereumRPC,
		common.HexToAddress(stakingAddress),
		common.HexToAddress(epochManagerAddr),
		operatorKey,
	)
	dialCancel()
	if err != nil {
		return fmt.Errorf("connect to ethereum node: %w", err)
	}
	defer contracts.Close()

	ids, err := allocations.NewKeccakIDStrategy(crypto.FromECDSA(operatorKey))
	if err != nil {
		return fmt.Errorf("init allocation id strategy: %w", err)
	}

	manager, err := allocations.NewManager(allocations.Config{
		Indexer:    indexer,
		Monitor:    network.NewMonitor(networkSubgraph, statusEndpoint, indexer),
		Contracts:  contracts,
		TxManager:  chain.NewTxManager(contracts.Client(), txTimeout),
		Receipts:   network.NewReceiptCollector(s),
		Subgraphs:  network.NewSubgraphManager(graphNodeAdmin, indexNode),
		Policy:     &allocations.StorePolicy{Store: s},
		IDStrategy: ids,
	})
	if err != nil {
		return fmt.Errorf("init allocation manager: %w", err)
	}

	queue := actions.NewQueue(s)
	executor := actions.NewExecutor(s, manager)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	w := worker.New(queue, executor, executeInterval)
	go w.Run(workerCtx)

	srv := server.New(queue, executor, bindAddr)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("allocd server ready", "bind", bindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	slog.Info("stopping worker")
	workerCancel()

	slog.Info("stopping HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}

	slog.Info("allocd server stopped")
	return nil
}
