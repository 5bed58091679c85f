package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"raftkv/pkg/compression"
	"raftkv/pkg/config"
	"raftkv/pkg/snapshot"

	"github.com/goccy/go-yaml"
)

// initConfig загружает конфиг из файла YAML. Если файл не найден, возвращается config.Default().
func initConfig(path string) (config.Config, error) {
	cfg := config.Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, err
	}

	// поля, которых нет в файле, остаются из Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{AddSource: true, Level: parseLevel(cfg.Logger.Level)}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("node", cfg.Raft.ID)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}

// initSnapshotStore keeps snapshots in memory when the log itself is not
// durable: a state machine restored from disk would be ahead of an empty log.
func initSnapshotStore(cfg *config.Config) (snapshot.Store, compression.Codec, error) {
	codec, err := compression.ParseCodec(cfg.Snapshot.Compression)
	if err != nil {
		return nil, 0, err
	}

	if cfg.Storage.Engine == "memory" || cfg.Snapshot.Dir == "" {
		return snapshot.NewMemStore(), codec, nil
	}

	store, err := snapshot.NewFileStore(cfg.Snapshot.Dir, cfg.Snapshot.Retain)
	if err != nil {
		return nil, 0, err
	}
	return store, codec, nil
}
