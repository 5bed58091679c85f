package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	httpserver "raftkv/internal/http"
	"raftkv/pkg/cluster"
	"raftkv/pkg/logstore"
	"raftkv/pkg/raftadapter"
	"raftkv/pkg/statemachine"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the node config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("raftkv failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(configPath)
	if err != nil {
		return err
	}
	initLogger(&cfg)

	log, err := logstore.Open(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := log.Close(); err != nil {
			slog.Warn("failed to close log storage", "error", err)
		}
	}()

	snaps, codec, err := initSnapshotStore(&cfg)
	if err != nil {
		return err
	}
	sm := statemachine.New(snaps, codec)
	if err := sm.Recover(); err != nil {
		return err
	}

	node, err := raftadapter.NewNode(&cfg.Raft, log, sm)
	if err != nil {
		return err
	}

	server := httpserver.NewServer(node, sm, strconv.Itoa(cfg.Server.Port))
	server.SetAdvertiseURL(cfg.SelfAddress())
	server.SetTimeouts(cfg.Server.ProposalTimeout, cfg.Server.ReadHeaderTimeout)
	server.SetMaxRaftMessageSize(cfg.Server.MaxRaftMessageBytes)
	if err := server.Start(); err != nil {
		return err
	}

	if len(cfg.Cluster.ZKServers) > 0 {
		dir, err := cluster.NewDirectory(cfg.Cluster.ZKServers, cfg.Cluster.RootPath,
			cfg.Cluster.SessionTimeout, cfg.Raft.ID, cfg.SelfAddress())
		if err != nil {
			_ = server.Stop()
			return err
		}
		defer dir.Close()

		if err := dir.Register(ctx); err != nil {
			_ = server.Stop()
			return err
		}
		go dir.Watch(ctx, node)
	}

	slog.Info("raftkv started",
		"id", cfg.Raft.ID,
		"engine", cfg.Storage.Engine,
		"url", cfg.SelfAddress())

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	slog.Info("raftkv stopped")
	return nil
}
