// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/settlegate/internal/chain"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"
	LogFile   string // rotated file output in addition to stdout (optional)

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Messaging
	RedisURL     string // enables the distributed escrow lock and pub/sub fan-out
	RedisChannel string
	KafkaBrokers []string
	KafkaTopic   string

	// Tracing
	OTLPEndpoint string

	// Settlement
	FeeBPS              int64
	LockWait            time.Duration
	LockLease           time.Duration
	ExpirySweepInterval time.Duration
	ReconcileInterval   time.Duration

	// Rates
	CoinGeckoURL string
	RateTTL      time.Duration
	StaticPrices map[chain.ID]string // fallback USD prices, e.g. BTC_USD_PRICE

	// Chains keyed by id; only configured chains are present.
	Chains map[chain.ID]ChainConfig

	// Security
	AdminSecret string // operator endpoints and CLI
	ProxySecret string // shared with the auth proxy that sets X-Auth-Address
	CORSOrigins []string
}

// ChainConfig is read from variables prefixed with the upper-case chain id,
// e.g. BTC_RPC_URL, ETH_XKEY, SOL_SEED.
type ChainConfig struct {
	RPCURL        string
	RPCUser       string
	RPCPass       string
	RPCTLS        bool
	Network       string // mainnet, testnet, regtest (UTXO chains)
	NetworkID     int64  // EIP-155 id (EVM chains)
	XKey          string // BIP32 extended key (secp256k1 chains)
	Seed          string // hex SLIP-10 seed (SOL)
	FeeWallet     string
	FeeRate       int64  // static network fee rate in smallest units; 0 uses the node estimate
	Confirmations uint64 // overrides the chain default when set
	PollInterval  time.Duration
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultFeeBPS              = 100
	DefaultLockWait            = 10 * time.Second
	DefaultLockLease           = 2 * time.Minute
	DefaultExpirySweepInterval = 30 * time.Second
	DefaultReconcileInterval   = 15 * time.Minute
	DefaultRateTTL             = 5 * time.Minute
	DefaultCoinGeckoURL        = "https://api.coingecko.com/api/v3"
	DefaultRedisChannel        = "settlegate.escrow_events"
	DefaultKafkaTopic          = "settlegate.escrow_events"
)

var defaultNetworkIDs = map[chain.ID]int64{
	chain.ETH: 1,
	chain.POL: 137,
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		LogFile:             os.Getenv("LOG_FILE"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		RedisChannel:        getEnv("REDIS_CHANNEL", DefaultRedisChannel),
		KafkaBrokers:        getEnvList("KAFKA_BROKERS"),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		FeeBPS:              getEnvInt64("FEE_BPS", DefaultFeeBPS),
		LockWait:            getEnvDuration("LOCK_WAIT", DefaultLockWait),
		LockLease:           getEnvDuration("LOCK_LEASE", DefaultLockLease),
		ExpirySweepInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweepInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		CoinGeckoURL:        os.Getenv("COINGECKO_URL"),
		RateTTL:             getEnvDuration("RATE_TTL", DefaultRateTTL),
		StaticPrices:        make(map[chain.ID]string),
		Chains:              make(map[chain.ID]ChainConfig),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		ProxySecret:         os.Getenv("AUTH_PROXY_SECRET"),
		CORSOrigins:         getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	enabled, err := enabledChains()
	if err != nil {
		return nil, err
	}
	for _, id := range enabled {
		cc, ok := loadChain(id)
		if ok {
			cfg.Chains[id] = cc
		}
	}
	for _, id := range []chain.ID{chain.BTC, chain.BCH, chain.ETH, chain.POL, chain.SOL} {
		if p := os.Getenv(prefix(id) + "USD_PRICE"); p != "" {
			cfg.StaticPrices[id] = p
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// enabledChains reads CHAINS; when unset every chain with an RPC URL is on.
func enabledChains() ([]chain.ID, error) {
	raw := getEnvList("CHAINS")
	if len(raw) == 0 {
		return []chain.ID{chain.BTC, chain.BCH, chain.ETH, chain.POL, chain.SOL}, nil
	}
	out := make([]chain.ID, 0, len(raw))
	for _, s := range raw {
		id, err := chain.ParseID(s)
		if err != nil {
			return nil, fmt.Errorf("CHAINS: %q is not a supported chain", s)
		}
		out = append(out, id)
	}
	return out, nil
}

func loadChain(id chain.ID) (ChainConfig, bool) {
	p := prefix(id)
	cc := ChainConfig{
		RPCURL:        os.Getenv(p + "RPC_URL"),
		RPCUser:       os.Getenv(p + "RPC_USER"),
		RPCPass:       os.Getenv(p + "RPC_PASS"),
		RPCTLS:        getEnvBool(p+"RPC_TLS", false),
		Network:       getEnv(p+"NETWORK", "mainnet"),
		NetworkID:     getEnvInt64(p+"NETWORK_ID", defaultNetworkIDs[id]),
		XKey:          os.Getenv(p + "XKEY"),
		Seed:          os.Getenv(p + "SEED"),
		FeeWallet:     os.Getenv(p + "FEE_WALLET"),
		FeeRate:       getEnvInt64(p+"FEE_RATE", 0),
		Confirmations: uint64(getEnvInt64(p+"CONFIRMATIONS", 0)),
		PollInterval:  getEnvDuration(p+"POLL_INTERVAL", 0),
	}
	return cc, cc.RPCURL != ""
}

func prefix(id chain.ID) string { return strings.ToUpper(string(id)) + "_" }

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.FeeBPS < 0 || c.FeeBPS > 10_000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 10000")
	}
	if c.LockWait <= 0 || c.LockLease <= 0 {
		return fmt.Errorf("LOCK_WAIT and LOCK_LEASE must be positive")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	for id, cc := range c.Chains {
		p := prefix(id)
		switch id {
		case chain.SOL:
			if cc.Seed == "" {
				return fmt.Errorf("%sSEED is required when %sRPC_URL is set", p, p)
			}
		default:
			if cc.XKey == "" {
				return fmt.Errorf("%sXKEY is required when %sRPC_URL is set", p, p)
			}
		}
		if (id == chain.ETH || id == chain.POL) && cc.NetworkID <= 0 {
			return fmt.Errorf("%sNETWORK_ID must be positive", p)
		}
		if cc.FeeRate < 0 {
			return fmt.Errorf("%sFEE_RATE must not be negative", p)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// FeeWallets maps each configured chain to its fee wallet.
func (c *Config) FeeWallets() map[chain.ID]string {
	out := make(map[chain.ID]string, len(c.Chains))
	for id, cc := range c.Chains {
		if cc.FeeWallet != "" {
			out[id] = cc.FeeWallet
		}
	}
	return out
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
