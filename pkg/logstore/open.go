package logstore

import (
	"fmt"

	"raftkv/pkg/config"
)

// Open builds the Storage backend named by cfg.Engine.
func Open(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Engine {
	case "memory":
		return NewMemStorage(), nil
	case "bolt":
		s, err := OpenBolt(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "wal":
		s, err := OpenWAL(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
}
