package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlegate/internal/chain"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "CHAINS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(DefaultFeeBPS), cfg.FeeBPS)
	assert.Equal(t, DefaultLockWait, cfg.LockWait)
	assert.Equal(t, DefaultRedisChannel, cfg.RedisChannel)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoad_PerChainPrefix(t *testing.T) {
	setEnv(t, "CHAINS", "btc, eth")
	setEnv(t, "BTC_RPC_URL", "127.0.0.1:8332")
	setEnv(t, "BTC_XKEY", "xprv-test")
	setEnv(t, "BTC_FEE_WALLET", "bc1qfee")
	setEnv(t, "BTC_CONFIRMATIONS", "3")
	setEnv(t, "ETH_RPC_URL", "http://localhost:8545")
	setEnv(t, "ETH_XKEY", "xprv-test")
	setEnv(t, "ETH_POLL_INTERVAL", "3s")
	setEnv(t, "SOL_RPC_URL", "http://localhost:8899")
	setEnv(t, "KAFKA_BROKERS", "k1:9092,k2:9092")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "https://shop.example, ,https://admin.example")

	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, "bc1qfee", cfg.Chains[chain.BTC].FeeWallet)
	assert.Equal(t, uint64(3), cfg.Chains[chain.BTC].Confirmations)
	assert.Equal(t, int64(1), cfg.Chains[chain.ETH].NetworkID)
	assert.Equal(t, 3*time.Second, cfg.Chains[chain.ETH].PollInterval)
	assert.Equal(t, map[chain.ID]string{chain.BTC: "bc1qfee"}, cfg.FeeWallets())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"https://shop.example", "https://admin.example"}, cfg.CORSOrigins)
}

func TestLoad_UnknownChain(t *testing.T) {
	setEnv(t, "CHAINS", "btc,doge")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doge")
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{Port: "8080", FeeBPS: 100, LockWait: time.Second, LockLease: time.Minute}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:    "fee out of range",
			mutate:  func(c *Config) { c.FeeBPS = 10_001 },
			wantErr: "FEE_BPS",
		},
		{
			name:    "production without database",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "DATABASE_URL is required",
		},
		{
			name: "chain without key",
			mutate: func(c *Config) {
				c.Chains = map[chain.ID]ChainConfig{chain.BCH: {RPCURL: "127.0.0.1:8332"}}
			},
			wantErr: "BCH_XKEY is required",
		},
		{
			name: "solana without seed",
			mutate: func(c *Config) {
				c.Chains = map[chain.ID]ChainConfig{chain.SOL: {RPCURL: "http://localhost:8899", XKey: "x"}}
			},
			wantErr: "SOL_SEED is required",
		},
		{
			name: "evm without network id",
			mutate: func(c *Config) {
				c.Chains = map[chain.ID]ChainConfig{chain.POL: {RPCURL: "http://localhost:8545", XKey: "x"}}
			},
			wantErr: "POL_NETWORK_ID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_DURATION", "90s")
	setEnv(t, "TEST_BOOL", "true")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", 0))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_INVALID", time.Minute))
	assert.True(t, getEnvBool("TEST_BOOL", false))
}
