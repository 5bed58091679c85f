package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"raftkv/pkg/compression"
	"raftkv/pkg/config"
	"raftkv/pkg/snapshot"
)

func TestInitConfig_MissingFileUsesDefault(t *testing.T) {
	cfg, err := initConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("initConfig: %v", err)
	}
	if cfg.Raft.ID != config.Default().Raft.ID {
		t.Fatalf("expected default config, got %+v", cfg.Raft)
	}
}

func TestInitConfig_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
logger:
  level: INFO
  json: true
http-server:
  port: 9001
  max_raft_message_bytes: 1048576
raft:
  id: 2
  peers:
    - id: 1
      address: http://n1:9000
    - id: 2
      address: http://n2:9001
storage:
  engine: wal
  dir: /tmp/raftkv-wal
snapshot:
  compression: gzip
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := initConfig(path)
	if err != nil {
		t.Fatalf("initConfig: %v", err)
	}
	if cfg.Raft.ID != 2 || len(cfg.Raft.Peers) != 2 || cfg.Server.Port != 9001 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Storage.Engine != "wal" || cfg.Snapshot.Compression != "gzip" {
		t.Fatalf("unexpected storage config %+v %+v", cfg.Storage, cfg.Snapshot)
	}
	if cfg.Server.MaxRaftMessageBytes != 1<<20 {
		t.Fatalf("unexpected raft message limit %d", cfg.Server.MaxRaftMessageBytes)
	}
	// not in the file
	if cfg.Raft.ElectionTick != config.Default().Raft.ElectionTick {
		t.Fatalf("expected default election tick, got %d", cfg.Raft.ElectionTick)
	}
	if cfg.SelfAddress() != "http://n2:9001" {
		t.Fatalf("unexpected self address %q", cfg.SelfAddress())
	}
}

func TestInitConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
raft:
  id: 7
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := initConfig(path); err == nil {
		t.Fatal("expected error for an id missing from peers")
	}

	if err := os.WriteFile(path, []byte("raft: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := initConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitSnapshotStore(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Engine = "memory"
	cfg.Snapshot.Dir = t.TempDir()

	store, codec, err := initSnapshotStore(&cfg)
	if err != nil {
		t.Fatalf("initSnapshotStore: %v", err)
	}
	if _, ok := store.(*snapshot.MemStore); !ok {
		t.Fatalf("memory engine must use in-memory snapshots, got %T", store)
	}
	if codec != compression.Zstd {
		t.Fatalf("expected zstd, got %v", codec)
	}

	cfg.Storage.Engine = "bolt"
	store, _, err = initSnapshotStore(&cfg)
	if err != nil {
		t.Fatalf("initSnapshotStore: %v", err)
	}
	if _, ok := store.(*snapshot.FileStore); !ok {
		t.Fatalf("expected a file store, got %T", store)
	}

	cfg.Snapshot.Compression = "lz4"
	if _, _, err := initSnapshotStore(&cfg); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}
