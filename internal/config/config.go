package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID string `yaml:"node_id"`
	// ServerID is the replication server id announced to peers and
	// stamped on acknowledgments
	ServerID        uint16        `yaml:"server_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	MaxConnections  int           `yaml:"max_connections"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PeersConfig lists the replication servers this node connects to
type PeersConfig struct {
	Addresses     []string      `yaml:"addresses"`
	BaseDNs       []string      `yaml:"base_dns"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

// Config represents the complete configuration for the replication server
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Peers       PeersConfig       `yaml:"peers"`
	Storage     StorageConfig     `yaml:"storage"`
	Replication ReplicationConfig `yaml:"replication"`
	Purge       PurgeConfig       `yaml:"purge"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Storage engines
const (
	EngineBolt   = "bolt"
	EngineMemory = "memory"
)

// StorageConfig holds changelog storage configuration
type StorageConfig struct {
	Engine       string  `yaml:"engine"`
	DataDir      string  `yaml:"data_dir"`
	DBFile       string  `yaml:"db_file"`
	MaxDiskUsage float64 `yaml:"max_disk_usage"`
	// Payloads larger than this are zstd compressed. 0 disables it.
	CompressThreshold int  `yaml:"compress_threshold"`
	ScanBatch         int  `yaml:"scan_batch"`
	NoSync            bool `yaml:"no_sync"`
}

// DBPath returns the bbolt file location
func (s StorageConfig) DBPath() string {
	return filepath.Join(s.DataDir, s.DBFile)
}

// ReplicationConfig holds queueing, flow control and assurance settings
type ReplicationConfig struct {
	WindowSize      int           `yaml:"window_size"`
	RestartWindow   int           `yaml:"restart_window"`
	SendWindow      int           `yaml:"send_window"`
	MaxReceiveDelay time.Duration `yaml:"max_receive_delay"`
	MaxQueueSize    int           `yaml:"max_queue_size"`
	CatchUpBatch    int           `yaml:"catch_up_batch"`
	AssuredTimeout  time.Duration `yaml:"assured_timeout"`
	CompletedAckTTL time.Duration `yaml:"completed_ack_ttl"`
	GenerationID    int64         `yaml:"generation_id"`
}

// PurgeConfig holds changelog purge configuration
type PurgeConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Delay    time.Duration `yaml:"delay"`
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics and admin API configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8989
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Peers.RetryInterval == 0 {
		cfg.Peers.RetryInterval = 5 * time.Second
	}
	if cfg.Peers.MaxRetries == 0 {
		cfg.Peers.MaxRetries = 10
	}
	if cfg.Peers.DialTimeout == 0 {
		cfg.Peers.DialTimeout = 10 * time.Second
	}

	if cfg.Storage.Engine == "" {
		cfg.Storage.Engine = EngineBolt
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/pairdb"
	}
	if cfg.Storage.DBFile == "" {
		cfg.Storage.DBFile = "changelog.db"
	}
	if cfg.Storage.MaxDiskUsage == 0 {
		cfg.Storage.MaxDiskUsage = 0.9
	}
	if cfg.Storage.CompressThreshold == 0 {
		cfg.Storage.CompressThreshold = 4096
	}
	if cfg.Storage.ScanBatch == 0 {
		cfg.Storage.ScanBatch = 256
	}

	r := &cfg.Replication
	if r.WindowSize == 0 {
		r.WindowSize = 100
	}
	if r.RestartWindow == 0 {
		r.RestartWindow = r.WindowSize
	}
	if r.MaxQueueSize == 0 {
		r.MaxQueueSize = 10000
	}
	if r.CatchUpBatch == 0 {
		r.CatchUpBatch = 100
	}
	if r.AssuredTimeout == 0 {
		r.AssuredTimeout = 2 * time.Second
	}
	if r.CompletedAckTTL == 0 {
		r.CompletedAckTTL = time.Minute
	}
	if r.GenerationID == 0 {
		r.GenerationID = -1
	}

	if cfg.Purge.Delay == 0 {
		cfg.Purge.Delay = 100 * time.Hour
	}
	if cfg.Purge.Interval == 0 {
		cfg.Purge.Interval = 10 * time.Minute
	}
	if cfg.Purge.Workers == 0 {
		cfg.Purge.Workers = 2
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.ServerID == 0 {
		return fmt.Errorf("server.server_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Storage.Engine != EngineBolt && c.Storage.Engine != EngineMemory {
		return fmt.Errorf("storage.engine must be bolt or memory, got %q", c.Storage.Engine)
	}
	if c.Storage.MaxDiskUsage < 0 || c.Storage.MaxDiskUsage > 1 {
		return fmt.Errorf("storage.max_disk_usage must be between 0 and 1")
	}
	if c.Storage.CompressThreshold < 0 {
		return fmt.Errorf("storage.compress_threshold cannot be negative")
	}
	if c.Replication.WindowSize < 0 || c.Replication.SendWindow < 0 {
		return fmt.Errorf("replication windows cannot be negative")
	}
	if c.Replication.RestartWindow > c.Replication.WindowSize {
		return fmt.Errorf("replication.restart_window must not exceed replication.window_size")
	}
	if c.Replication.MaxQueueSize <= c.Replication.WindowSize {
		return fmt.Errorf("replication.max_queue_size must be larger than replication.window_size")
	}
	if len(c.Peers.Addresses) > 0 && len(c.Peers.BaseDNs) == 0 {
		return fmt.Errorf("peers.base_dns is required when peers.addresses is set")
	}
	if c.Purge.Enabled && c.Purge.Interval <= 0 {
		return fmt.Errorf("purge.interval must be positive")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}
