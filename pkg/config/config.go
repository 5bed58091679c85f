package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config - корневая структура конфигурации ноды
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger   LoggerConfig   `yaml:"logger" validate:"required"`
	Server   ServerConfig   `yaml:"http-server" validate:"required"`
	Raft     RaftConfig     `yaml:"raft" validate:"required"`
	Storage  StorageConfig  `yaml:"storage" validate:"required"`
	Snapshot SnapshotConfig `yaml:"snapshot" validate:"required"`
	Cluster  ClusterConfig  `yaml:"cluster"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"required,min=1,max=65535"`
	// AdvertiseURL is the address peers and clients use to reach this node.
	AdvertiseURL      string        `yaml:"advertise_url" validate:"omitempty,url"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"required"`
	ProposalTimeout   time.Duration `yaml:"proposal_timeout" validate:"required"`
	// MaxRaftMessageBytes caps a peer request body; it must fit the largest snapshot.
	MaxRaftMessageBytes int64 `yaml:"max_raft_message_bytes" validate:"omitempty,min=1"`
}

type RaftConfig struct {
	ID                        uint64           `yaml:"id" validate:"required"`
	TickInterval              time.Duration    `yaml:"tick_interval" validate:"required"`
	ElectionTick              int              `yaml:"election_tick" validate:"required,gtfield=HeartbeatTick"`
	HeartbeatTick             int              `yaml:"heartbeat_tick" validate:"required,min=1"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg" validate:"required"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs" validate:"required,min=1"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	SnapshotThreshold         uint64           `yaml:"snapshot_threshold"`
	SnapshotCatchUpEntries    uint64           `yaml:"snapshot_catchup_entries"`
	Peers                     []RaftPeerConfig `yaml:"peers" validate:"required,min=1,dive"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id" validate:"required"`
	Address string `yaml:"address" validate:"required"`
}

type StorageConfig struct {
	Engine string `yaml:"engine" validate:"required,oneof=memory bolt wal"`
	Dir    string `yaml:"dir" validate:"required_unless=Engine memory"`
}

type SnapshotConfig struct {
	// Dir is empty for in-memory snapshots.
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression" validate:"required,oneof=none gzip zstd"`
	Retain      int    `yaml:"retain" validate:"required,min=1"`
}

type ClusterConfig struct {
	ZKServers      []string      `yaml:"zk_servers" validate:"dive,hostname_port"`
	RootPath       string        `yaml:"root_path" validate:"required_with=ZKServers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline single-node development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:                8080,
			ReadHeaderTimeout:   time.Second,
			ProposalTimeout:     5 * time.Second,
			MaxRaftMessageBytes: 256 << 20,
		},
		Raft: RaftConfig{
			ID:                        1,
			TickInterval:              100 * time.Millisecond,
			ElectionTick:              10,
			HeartbeatTick:             1,
			MaxSizePerMsg:             1024 * 1024,
			MaxCommittedSizePerReady:  4 * 1024 * 1024,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
			SnapshotThreshold:         10000,
			SnapshotCatchUpEntries:    5000,
			Peers:                     []RaftPeerConfig{{ID: 1, Address: "http://127.0.0.1:8080"}},
		},
		Storage: StorageConfig{
			Engine: "bolt",
			Dir:    "./data/raft",
		},
		Snapshot: SnapshotConfig{
			Dir:         "./data/snapshots",
			Compression: "zstd",
			Retain:      2,
		},
		Cluster: ClusterConfig{
			RootPath:       "/raftkv",
			SessionTimeout: 5 * time.Second,
		},
	}
}

// Validate checks the validate tags and the cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[uint64]struct{}, len(c.Raft.Peers))
	self := false
	for _, p := range c.Raft.Peers {
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("invalid config: duplicate peer ID %d", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.ID == c.Raft.ID {
			self = true
		}
	}
	if !self {
		return fmt.Errorf("invalid config: raft id %d is not listed in peers", c.Raft.ID)
	}

	return nil
}

// SelfAddress returns the advertised address of the local node.
func (c *Config) SelfAddress() string {
	if c.Server.AdvertiseURL != "" {
		return c.Server.AdvertiseURL
	}
	for _, p := range c.Raft.Peers {
		if p.ID == c.Raft.ID {
			return p.Address
		}
	}
	return ""
}
