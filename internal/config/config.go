package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v2"

	"ckbridge/settlement/internal/models"
)

// EnvPrefix is the prefix of every environment override, e.g. BRIDGE_SERVER_PORT.
// Leaf fields use split_words so envconfig never falls back to unprefixed
// variables such as PORT or USER.
const EnvPrefix = "BRIDGE"

// Config holds all configuration for the service
type Config struct {
	Server      ServerConfig      `yaml:"server" envconfig:"SERVER"`
	Database    DatabaseConfig    `yaml:"database" envconfig:"DB"`
	Redis       RedisConfig       `yaml:"redis" envconfig:"REDIS"`
	SourceChain SourceChainConfig `yaml:"source_chain" envconfig:"EVM"`
	Ledger      LedgerConfig      `yaml:"ledger" envconfig:"LEDGER"`
	Oracle      OracleConfig      `yaml:"oracle" envconfig:"ORACLE"`
	Fees        FeeConfig         `yaml:"fees" envconfig:"FEES"`
	Bridge      BridgeConfig      `yaml:"bridge" envconfig:"POLICY"`
	Audit       AuditConfig       `yaml:"audit" envconfig:"AUDIT"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" split_words:"true"`
	ReadTimeout  time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout time.Duration `yaml:"write_timeout" split_words:"true"`
}

// DatabaseConfig holds persistence configuration
type DatabaseConfig struct {
	Driver   string `yaml:"driver" split_words:"true"` // "postgres" or "sqlite3"
	Host     string `yaml:"host" split_words:"true"`
	Port     int    `yaml:"port" split_words:"true"`
	User     string `yaml:"user" split_words:"true"`
	Password string `yaml:"password" split_words:"true"`
	DBName   string `yaml:"name" split_words:"true"`
	SSLMode  string `yaml:"ssl_mode" split_words:"true"`
	Path     string `yaml:"path" split_words:"true"` // sqlite3 file
}

// RedisConfig holds the shared cache connection
type RedisConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Host    string `yaml:"host" split_words:"true"`
	Port    int    `yaml:"port" split_words:"true"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SourceChainConfig holds the EVM side gas estimation settings
type SourceChainConfig struct {
	RPCEndpoint string `yaml:"rpc_endpoint" split_words:"true"`
	// Gas units for a simple transfer; ERC20 transfers cost more than native ones
	NativeTransferGas uint64        `yaml:"native_transfer_gas" split_words:"true"`
	TokenTransferGas  uint64        `yaml:"token_transfer_gas" split_words:"true"`
	FallbackGasUSD    string        `yaml:"fallback_gas_usd" split_words:"true"`
	RequestTimeout    time.Duration `yaml:"request_timeout" split_words:"true"`
}

// LedgerConfig holds destination ledger gateway and verification settings
type LedgerConfig struct {
	GatewayURL          string        `yaml:"gateway_url" split_words:"true"`
	CustodyAccount      string        `yaml:"custody_account" split_words:"true"` // hex account identifier
	LookbackBlocks      uint64        `yaml:"lookback_blocks" split_words:"true"`
	MaxBlocksPerQuery   uint64        `yaml:"max_blocks_per_query" split_words:"true"`
	PollInterval        time.Duration `yaml:"poll_interval" split_words:"true"`
	ErrorBackoff        time.Duration `yaml:"error_backoff" split_words:"true"`
	VerificationTimeout time.Duration `yaml:"verification_timeout" split_words:"true"`
	RequestTimeout      time.Duration `yaml:"request_timeout" split_words:"true"`
	TransferFeeE8s      uint64        `yaml:"transfer_fee_e8s" split_words:"true"`
}

// OracleConfig holds price feed settings
type OracleConfig struct {
	BaseURL        string        `yaml:"base_url" split_words:"true"`
	CacheTTL       time.Duration `yaml:"cache_ttl" split_words:"true"`
	RequestTimeout time.Duration `yaml:"request_timeout" split_words:"true"`
}

// FeeConfig holds protocol fee settings
type FeeConfig struct {
	ProtocolFeePPM int64 `yaml:"protocol_fee_ppm" split_words:"true"` // 5000 = 0.5%
}

// BridgeConfig holds state machine policy
type BridgeConfig struct {
	ToLedgerMinutes   int           `yaml:"to_ledger_minutes" split_words:"true"`
	FromLedgerMinutes int           `yaml:"from_ledger_minutes" split_words:"true"`
	StuckGrace        time.Duration `yaml:"stuck_grace" split_words:"true"`
	StuckSweep        time.Duration `yaml:"stuck_sweep" split_words:"true"`
	MaxRetries        int           `yaml:"max_retries" split_words:"true"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay" split_words:"true"`
}

// AuditConfig selects where audit events go
type AuditConfig struct {
	Sink   string `yaml:"sink" split_words:"true"` // "log" or "redis"
	Stream string `yaml:"stream" split_words:"true"`
}

// Default returns the configuration used when nothing overrides a value
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:   "postgres",
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			DBName:   "bridge",
			SSLMode:  "disable",
			Path:     "bridge.db",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		SourceChain: SourceChainConfig{
			NativeTransferGas: 21000,
			TokenTransferGas:  65000,
			FallbackGasUSD:    "15",
			RequestTimeout:    10 * time.Second,
		},
		Ledger: LedgerConfig{
			LookbackBlocks:      1000,
			MaxBlocksPerQuery:   500,
			PollInterval:        5 * time.Second,
			ErrorBackoff:        10 * time.Second,
			VerificationTimeout: 30 * time.Minute,
			RequestTimeout:      10 * time.Second,
			TransferFeeE8s:      10000,
		},
		Oracle: OracleConfig{
			BaseURL:        "https://api.coingecko.com/api/v3",
			CacheTTL:       5 * time.Minute,
			RequestTimeout: 10 * time.Second,
		},
		Fees: FeeConfig{
			ProtocolFeePPM: 5000,
		},
		Bridge: BridgeConfig{
			ToLedgerMinutes:   15,
			FromLedgerMinutes: 30,
			StuckGrace:        30 * time.Minute,
			StuckSweep:        time.Minute,
			MaxRetries:        5,
			RetryBaseDelay:    time.Minute,
		},
		Audit: AuditConfig{
			Sink:   "log",
			Stream: "bridge:audit",
		},
	}
}

// LoadConfig loads defaults, then the YAML file at path (if it exists), then
// environment overrides
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := readFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
	case "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite3")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.Ledger.GatewayURL == "" {
		return fmt.Errorf("ledger gateway url is required")
	}
	if _, err := models.ParseAccountID(c.Ledger.CustodyAccount); err != nil {
		return fmt.Errorf("invalid ledger custody account: %w", err)
	}
	if c.Ledger.LookbackBlocks == 0 {
		return fmt.Errorf("ledger lookback blocks must be positive")
	}
	if c.Ledger.PollInterval <= 0 {
		return fmt.Errorf("ledger poll interval must be positive")
	}
	if c.Ledger.ErrorBackoff <= 0 {
		return fmt.Errorf("ledger error backoff must be positive")
	}
	if c.Ledger.VerificationTimeout <= 0 {
		return fmt.Errorf("ledger verification timeout must be positive")
	}

	if c.Fees.ProtocolFeePPM < 0 || c.Fees.ProtocolFeePPM >= 1_000_000 {
		return fmt.Errorf("protocol fee out of range: %d ppm", c.Fees.ProtocolFeePPM)
	}

	if c.Bridge.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	switch c.Audit.Sink {
	case "log":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("redis audit sink requires redis to be enabled")
		}
	default:
		return fmt.Errorf("unsupported audit sink: %q", c.Audit.Sink)
	}

	return nil
}
