package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Klingon-tech/klingdex-relay/internal/client"
	"github.com/Klingon-tech/klingdex-relay/internal/escrow/aptos"
	"github.com/Klingon-tech/klingdex-relay/internal/escrow/evm"
	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
	"github.com/Klingon-tech/klingdex-relay/internal/resolver"
	"github.com/Klingon-tech/klingdex-relay/pkg/helpers"
)

const resolverHeader = "# Resolver Configuration\n# Generated automatically on first run\n# Keys are better kept in .env (see RESOLVER_EVM_PRIVATE_KEY, RESOLVER_APTOS_PRIVATE_KEY)\n\n"

// ResolverConfig holds all configuration for the resolver daemon.
type ResolverConfig struct {
	// ResolverID names this resolver in heartbeats and status updates.
	ResolverID string `yaml:"resolver_id"`

	Relayer RelayerLinkConfig `yaml:"relayer"`
	HTTP    HTTPConfig        `yaml:"http"`
	EVM     EVMConfig         `yaml:"evm"`
	Move    MoveConfig        `yaml:"move"`
	Engine  EngineConfig      `yaml:"engine"`
	Ledger  LedgerConfig      `yaml:"ledger"`
	Storage StorageConfig     `yaml:"storage"`
	Logging LoggingConfig     `yaml:"logging"`
}

// RelayerLinkConfig holds the dispatcher link settings.
type RelayerLinkConfig struct {
	URL               string        `yaml:"url"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

// EVMConfig holds the EVM-chain collaborator settings.
type EVMConfig struct {
	RPCURL          string   `yaml:"rpc_url"`
	PrivateKey      string   `yaml:"private_key,omitempty"`
	ResolverAddress string   `yaml:"resolver_address"`
	FactoryAddress  string   `yaml:"factory_address"`
	ChainIDs        []uint64 `yaml:"chain_ids"`
	// SafetyDeposit in wei attached to every escrow.
	SafetyDeposit  string        `yaml:"safety_deposit"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// MoveConfig holds the Move-chain collaborator settings.
type MoveConfig struct {
	NodeURL    string `yaml:"node_url"`
	PrivateKey string `yaml:"private_key,omitempty"`
	// AnnouncerKey signs announce, claim and source cancel. Defaults to
	// PrivateKey.
	AnnouncerKey  string   `yaml:"announcer_key,omitempty"`
	ModuleAddress string   `yaml:"module_address"`
	CoinType      string   `yaml:"coin_type"`
	ChainIDs      []uint64 `yaml:"chain_ids"`
	MaxGasAmount  uint64   `yaml:"max_gas_amount"`
}

// EngineConfig holds pipeline settings.
type EngineConfig struct {
	// EscrowLifetime bounds the Move-side orders the resolver creates.
	EscrowLifetime time.Duration      `yaml:"escrow_lifetime"`
	TimeLocks      protocol.TimeLocks `yaml:"time_locks"`
}

// LedgerConfig selects where completed chain actions are recorded.
type LedgerConfig struct {
	// RedisURL enables the shared redis ledger; empty keeps it in memory.
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// Environment overlay. The second name of each pair is accepted for
// deployments that still use it.
var envKeys = []struct {
	names []string
	set   func(c *ResolverConfig, v string)
}{
	{[]string{"RESOLVER_EVM_PRIVATE_KEY"}, func(c *ResolverConfig, v string) { c.EVM.PrivateKey = v }},
	{[]string{"RESOLVER_EVM_RPC"}, func(c *ResolverConfig, v string) { c.EVM.RPCURL = v }},
	{[]string{"RESOLVER_EVM_RESOLVER", "ETHEREUM_RESOLVER_ADDRESS"}, func(c *ResolverConfig, v string) { c.EVM.ResolverAddress = v }},
	{[]string{"RESOLVER_EVM_FACTORY", "ESCROW_FACTORY_ADDRESS"}, func(c *ResolverConfig, v string) { c.EVM.FactoryAddress = v }},
	{[]string{"RESOLVER_APTOS_PRIVATE_KEY", "PRIVKEY"}, func(c *ResolverConfig, v string) { c.Move.PrivateKey = v }},
	{[]string{"RESOLVER_APTOS_ANNOUNCER_KEY", "USER_PRIVKEY"}, func(c *ResolverConfig, v string) { c.Move.AnnouncerKey = v }},
	{[]string{"RESOLVER_APTOS_NODE", "DESTINATION_NODE"}, func(c *ResolverConfig, v string) { c.Move.NodeURL = v }},
	{[]string{"MODULE_ADDRESS"}, func(c *ResolverConfig, v string) { c.Move.ModuleAddress = v }},
	{[]string{"TOKEN_TYPE"}, func(c *ResolverConfig, v string) { c.Move.CoinType = v }},
	{[]string{"RELAYER_URL", "WS_RELAYER_URL"}, func(c *ResolverConfig, v string) { c.Relayer.URL = v }},
	{[]string{"RESOLVER_REDIS_URL"}, func(c *ResolverConfig, v string) { c.Ledger.RedisURL = v }},
}

// DefaultResolverConfig returns a ResolverConfig with sensible defaults.
func DefaultResolverConfig() *ResolverConfig {
	eng := resolver.DefaultConfig()
	sess := client.DefaultSessionConfig()
	return &ResolverConfig{
		Relayer: RelayerLinkConfig{
			URL:               "ws://localhost:3004",
			RequestTimeout:    client.DefaultTimeout,
			HeartbeatInterval: resolver.DefaultHeartbeatInterval,
			InitialBackoff:    sess.InitialBackoff,
			MaxBackoff:        sess.MaxBackoff,
		},
		HTTP: HTTPConfig{
			ListenAddr:  "127.0.0.1:3005",
			RateLimit:   20,
			CORSOrigins: []string{"*"},
		},
		EVM: EVMConfig{
			ChainIDs:       ChainIDs(FamilyEVM),
			SafetyDeposit:  "0",
			ConfirmTimeout: evm.DefaultConfirmTimeout,
		},
		Move: MoveConfig{
			ChainIDs:     ChainIDs(FamilyMove),
			MaxGasAmount: aptos.DefaultMaxGasAmount,
		},
		Engine: EngineConfig{
			EscrowLifetime: eng.EscrowLifetime,
			TimeLocks:      eng.TimeLocks,
		},
		Ledger: LedgerConfig{
			TTL: 7 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			DataDir: "~/.klingdex-resolver",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadResolverConfig loads <dataDir>/config.yaml, creating it with defaults
// when it doesn't exist, then applies .env files and the environment.
// <dataDir>/.env is read first, then ./.env; variables already set in the
// process environment win over both.
func LoadResolverConfig(dataDir string) (*ResolverConfig, error) {
	cfg := DefaultResolverConfig()
	cfg.Storage.DataDir = dataDir
	if _, err := load(ConfigPath(dataDir), cfg, resolverHeader); err != nil {
		return nil, err
	}
	if err := LoadDotEnv(filepath.Join(ExpandPath(dataDir), ".env"), ".env"); err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// LoadDotEnv loads the given .env files into the process environment,
// skipping files that don't exist.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays values found through lookup.
func (c *ResolverConfig) ApplyEnv(lookup func(string) (string, bool)) {
	for _, k := range envKeys {
		for _, name := range k.names {
			if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
				k.set(c, strings.TrimSpace(v))
				break
			}
		}
	}
}

// Save writes the configuration to a YAML file.
func (c *ResolverConfig) Save(path string) error {
	return save(path, c, resolverHeader)
}

// Validate reports every setting the daemon cannot start without.
func (c *ResolverConfig) Validate() error {
	var errs []error
	required := []struct {
		name, value string
	}{
		{"relayer.url", c.Relayer.URL},
		{"evm.rpc_url", c.EVM.RPCURL},
		{"evm.private_key", c.EVM.PrivateKey},
		{"evm.resolver_address", c.EVM.ResolverAddress},
		{"evm.factory_address", c.EVM.FactoryAddress},
		{"move.node_url", c.Move.NodeURL},
		{"move.private_key", c.Move.PrivateKey},
		{"move.module_address", c.Move.ModuleAddress},
		{"move.coin_type", c.Move.CoinType},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}
	if _, err := helpers.ParseAmount(c.EVM.SafetyDeposit); err != nil {
		errs = append(errs, fmt.Errorf("evm.safety_deposit: %w", err))
	}
	if c.Engine.EscrowLifetime <= 0 {
		errs = append(errs, errors.New("engine.escrow_lifetime must be positive"))
	}
	return errors.Join(errs...)
}

// EngineConfig converts the file configuration to the engine's.
func (c *ResolverConfig) EngineConfig() (*resolver.Config, error) {
	deposit, err := helpers.ParseAmount(c.EVM.SafetyDeposit)
	if err != nil {
		return nil, fmt.Errorf("evm.safety_deposit: %w", err)
	}
	cfg := resolver.DefaultConfig()
	cfg.ResolverID = c.ResolverID
	cfg.EscrowLifetime = c.Engine.EscrowLifetime
	cfg.SafetyDeposit = deposit
	cfg.TimeLocks = c.Engine.TimeLocks
	if len(c.EVM.ChainIDs) > 0 {
		cfg.EVMChains = c.EVM.ChainIDs
	}
	if len(c.Move.ChainIDs) > 0 {
		cfg.MoveChains = c.Move.ChainIDs
	}
	return cfg, nil
}

// EVMClientConfig converts the EVM section.
func (c *ResolverConfig) EVMClientConfig() *evm.Config {
	return &evm.Config{
		RPCURL:          c.EVM.RPCURL,
		PrivateKey:      c.EVM.PrivateKey,
		ResolverAddress: c.EVM.ResolverAddress,
		FactoryAddress:  c.EVM.FactoryAddress,
		ConfirmTimeout:  c.EVM.ConfirmTimeout,
	}
}

// MoveClientConfig converts the Move node section.
func (c *ResolverConfig) MoveClientConfig() aptos.ClientConfig {
	return aptos.ClientConfig{
		NodeURL:      c.Move.NodeURL,
		MaxGasAmount: c.Move.MaxGasAmount,
	}
}

// SwapConfig converts the Move module section.
func (c *ResolverConfig) SwapConfig() aptos.SwapConfig {
	return aptos.SwapConfig{
		ModuleAddress: c.Move.ModuleAddress,
		CoinType:      c.Move.CoinType,
	}
}

// ClientConfig converts the request timeout.
func (c *ResolverConfig) ClientConfig() *client.Config {
	cfg := client.DefaultConfig()
	cfg.Timeout = c.Relayer.RequestTimeout
	return cfg
}

// SessionConfig converts the reconnect settings.
func (c *ResolverConfig) SessionConfig() *client.SessionConfig {
	return &client.SessionConfig{
		InitialBackoff: c.Relayer.InitialBackoff,
		MaxBackoff:     c.Relayer.MaxBackoff,
	}
}
