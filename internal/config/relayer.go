package config

import (
	"time"

	"github.com/Klingon-tech/klingdex-relay/internal/relayer"
)

const relayerHeader = "# Relayer Configuration\n# Generated automatically on first run\n\n"

// RelayerConfig holds all configuration for the relayer daemon.
type RelayerConfig struct {
	HTTP HTTPConfig `yaml:"http"`

	Connections ConnectionsConfig `yaml:"connections"`

	// Redispatch assigns created executions to resolvers in the background.
	// Manual fill_order re-submission works either way.
	Redispatch RedispatchConfig `yaml:"redispatch"`

	// EVMChains are the chain ids whose orders are hashed as EVM orders.
	EVMChains []uint64 `yaml:"evm_chains"`

	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// ConnectionsConfig holds WebSocket connection settings.
type ConnectionsConfig struct {
	// SweepInterval is the liveness ping period.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	PongWait      time.Duration `yaml:"pong_wait"`
	// SendQueue is the per-connection outbound buffer, in frames.
	SendQueue int `yaml:"send_queue"`
	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64 `yaml:"read_limit"`
}

// RedispatchConfig holds automatic re-dispatch settings.
type RedispatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// DefaultRelayerConfig returns a RelayerConfig with sensible defaults.
func DefaultRelayerConfig() *RelayerConfig {
	def := relayer.DefaultConfig()
	return &RelayerConfig{
		HTTP: HTTPConfig{
			ListenAddr:  def.ListenAddr,
			RateLimit:   def.RateLimit,
			CORSOrigins: def.CORSOrigins,
		},
		Connections: ConnectionsConfig{
			SweepInterval: def.SweepInterval,
			PongWait:      def.PongWait,
			SendQueue:     def.SendQueue,
			ReadLimit:     def.ReadLimit,
		},
		Redispatch: RedispatchConfig{
			Enabled:  def.Redispatch,
			Interval: def.RedispatchInterval,
		},
		EVMChains: ChainIDs(FamilyEVM),
		Storage: StorageConfig{
			DataDir: "~/.klingdex-relay",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadRelayerConfig loads <dataDir>/config.yaml, creating it with defaults
// when it doesn't exist.
func LoadRelayerConfig(dataDir string) (*RelayerConfig, error) {
	cfg := DefaultRelayerConfig()
	cfg.Storage.DataDir = dataDir
	if _, err := load(ConfigPath(dataDir), cfg, relayerHeader); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *RelayerConfig) Save(path string) error {
	return save(path, c, relayerHeader)
}

// Server converts the file configuration to the relayer server's.
func (c *RelayerConfig) Server() *relayer.Config {
	cfg := relayer.DefaultConfig()
	cfg.ListenAddr = c.HTTP.ListenAddr
	cfg.RateLimit = c.HTTP.RateLimit
	if len(c.HTTP.CORSOrigins) > 0 {
		cfg.CORSOrigins = c.HTTP.CORSOrigins
	}
	cfg.SweepInterval = c.Connections.SweepInterval
	cfg.PongWait = c.Connections.PongWait
	cfg.SendQueue = c.Connections.SendQueue
	cfg.ReadLimit = c.Connections.ReadLimit
	cfg.Redispatch = c.Redispatch.Enabled
	cfg.RedispatchInterval = c.Redispatch.Interval
	if len(c.EVMChains) > 0 {
		cfg.EVMChains = c.EVMChains
	}
	return cfg
}
