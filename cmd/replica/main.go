// Command replica runs one gossip-architecture replica process: an RPC
// listener for the engine, a background gossip loop, and a debug HTTP
// listener exposing Prometheus metrics.
package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/d-nagy/gossipkv/internal/config"
	"github.com/d-nagy/gossipkv/internal/directory"
	"github.com/d-nagy/gossipkv/internal/domain"
	"github.com/d-nagy/gossipkv/internal/logging"
	"github.com/d-nagy/gossipkv/internal/metrics"
	"github.com/d-nagy/gossipkv/internal/replica"
)

func main() {
	var (
		id         int
		status     string
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "replica",
		Short: "Run one gossipkv replica process",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Start the replica's RPC, gossip, and metrics listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplica(id, status, configPath, debug)
		},
	}
	run.Flags().IntVar(&id, "id", 0, "this replica's identity (0..N-1)")
	run.Flags().StringVar(&status, "status", "", "fix the initial status and disable automatic sampling")
	run.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	run.Flags().BoolVar(&debug, "debug", false, "enable development logging")
	cmd.AddCommand(run)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runReplica(id int, statusFlag, configPath string, debug bool) error {
	log, err := logging.New(debug)
	if err != nil {
		return fmt.Errorf("replica: logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var initial *replica.Status
	if statusFlag != "" {
		st, err := replica.ParseStatus(statusFlag)
		if err != nil {
			return err
		}
		initial = &st
	}

	dataDir := filepath.Join(cfg.DataDir, fmt.Sprintf("replica-%d", id))
	store, err := domain.NewStore(dataDir)
	if err != nil {
		return fmt.Errorf("replica: open store: %w", err)
	}
	if err := store.Seed(); err != nil {
		return fmt.Errorf("replica: seed store: %w", err)
	}

	resolver := directory.NewRPCResolver(cfg.DirectoryAddr)

	rCfg := replica.Config{
		N:              cfg.N,
		FailureProb:    cfg.FailureProb,
		OverloadProb:   cfg.OverloadProb,
		GossipInterval: cfg.GossipInterval,
		EnableTrim:     cfg.EnableTrim,
	}
	m := replica.New(id, rCfg, domain.NewRegistry(), store, resolver, log, initial)

	reg := prometheus.NewRegistry()
	m.SetMetrics(metrics.New(reg, id))

	if err := resolver.Register(directory.ReplicaName(id), cfg.ListenAddr); err != nil {
		return fmt.Errorf("replica: register with directory: %w", err)
	}
	defer resolver.Deregister(directory.ReplicaName(id)) //nolint:errcheck

	loop := replica.NewGossipLoop(m, resolver, replica.RPCDialer, log)
	go loop.Run()
	defer loop.Stop()

	go serveMetrics(cfg.MetricsAddr, reg, log)

	srv, err := replica.Serve(cfg.ListenAddr, m, log)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("replica shutting down")
	m.Shutdown()
	if err := srv.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn("RPC listener close", zap.Error(err))
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec
		log.Warn("metrics listener exited", zap.Error(err))
	}
}
