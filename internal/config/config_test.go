package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "DATABASE_URL", "REDIS_URL", "PRESALE_RPC_URL", "PRESALE_CONTRACT", "PRESALE_LOG_LEVEL", "PRESALE_BUFFER_BPS"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presale.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, LedgerMemory, cfg.Ledger.Mode)
	assert.Equal(t, asset.USDT, cfg.Pricing.QuoteAsset)
	assert.Equal(t, uint64(300), cfg.Pricing.BufferBps)
	assert.Equal(t, uint8(10), cfg.Sale.TokenPercentOfSupply)
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: "9090"
  request_timeout: 5s
  rate_limit:
    requests_per_minute: 30
    burst: 5
logging:
  level: debug
store:
  driver: sqlite
  sqlite_path: /tmp/presale.db
sale:
  softcap: "1000"
  hardcap: "5000.5"
  start: 2025-03-01T00:00:00Z
  duration: 240h
  claim_delay: 12h
pricing:
  quote_asset: usdc
  token_price: "0.002"
  native_price: "2000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 30.0, cfg.Server.RateLimit.RequestsPerMinute)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, asset.USDC, cfg.Pricing.QuoteAsset)
	assert.Equal(t, "5000.5", cfg.Sale.Hardcap.String())
	assert.Equal(t, 240*time.Hour, cfg.Sale.Duration)
	// Unset keys keep their defaults.
	assert.Equal(t, 3, cfg.Logging.MaxBackups)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://presale@localhost/presale")
	t.Setenv("PRESALE_RPC_URL", "http://localhost:8545")
	t.Setenv("PRESALE_CONTRACT", "0x1111111111111111111111111111111111111111")
	t.Setenv("PRESALE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, LedgerEVM, cfg.Ledger.Mode)
	assert.Equal(t, "http://localhost:8545", cfg.SignerURL())
	assert.Equal(t, "0x1111111111111111111111111111111111111111", cfg.ContractAddress().Hex())
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_InvalidBufferEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PRESALE_BUFFER_BPS", "abc")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"postgres without url", func(c *Config) { c.Store.Driver = DriverPostgres }},
		{"unknown ledger", func(c *Config) { c.Ledger.Mode = "solana" }},
		{"evm without rpc", func(c *Config) {
			c.Ledger.Mode = LedgerEVM
			c.Ledger.Contract = "0x1111111111111111111111111111111111111111"
		}},
		{"evm zero contract", func(c *Config) {
			c.Ledger.Mode = LedgerEVM
			c.Ledger.RPCURL = "http://localhost:8545"
			c.Ledger.Contract = "0x0000000000000000000000000000000000000000"
		}},
		{"softcap above hardcap", func(c *Config) { c.Sale.Softcap = c.Sale.Hardcap.Add(c.Sale.Hardcap) }},
		{"zero duration", func(c *Config) { c.Sale.Duration = 0 }},
		{"zero percent", func(c *Config) { c.Sale.TokenPercentOfSupply = 0 }},
		{"buffer over 100%", func(c *Config) { c.Pricing.BufferBps = 10_001 }},
		{"quote not accepted", func(c *Config) {
			c.Assets = []AssetConfig{{Symbol: "ETH"}}
		}},
		{"stablecoin without address", func(c *Config) {
			c.Assets = []AssetConfig{{Symbol: "USDT", Decimals: 6}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, Defaults().Validate())
}

func TestSaleConfig(t *testing.T) {
	cfg := Defaults()
	reg, err := cfg.Registry()
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sc, err := cfg.SaleConfig(reg, now)
	require.NoError(t, err)

	assert.True(t, sc.Softcap.Equal(amount.New(300_000_000_000, 6)))
	assert.True(t, sc.Hardcap.Equal(amount.New(1_020_000_000_000, 6)))
	assert.Equal(t, now, sc.StartTime)
	assert.Equal(t, now.Add(30*24*time.Hour), sc.EndTime)
	assert.Equal(t, now.Add(31*24*time.Hour), sc.ClaimTime)
	// 10% of 100 billion tokens.
	assert.Equal(t, "10000000000"+"000000000000000000", sc.PresaleSupply.Units())
}

func TestSaleConfig_FixedStart(t *testing.T) {
	cfg := Defaults()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg.Sale.Start = start
	reg, err := cfg.Registry()
	require.NoError(t, err)

	sc, err := cfg.SaleConfig(reg, time.Now())
	require.NoError(t, err)
	assert.Equal(t, start, sc.StartTime)
}

func TestOracle_Prices(t *testing.T) {
	cfg := Defaults()
	reg, err := cfg.Registry()
	require.NoError(t, err)
	oracle, err := cfg.Oracle(reg)
	require.NoError(t, err)

	tokens := amount.New(1000, 0)
	tokens, err = tokens.Convert(asset.TokenDecimals)
	require.NoError(t, err)

	// 1000 tokens at 0.0001 USDT.
	p, err := oracle.QuoteForTokenAmount(tokens, asset.USDT)
	require.NoError(t, err)
	assert.Equal(t, "100000", p.Units())

	// 0.0001 / 2500 ETH per token = 4e10 wei.
	p, err = oracle.QuoteForTokenAmount(tokens, asset.Native)
	require.NoError(t, err)
	assert.Equal(t, "40000000000000", p.Units())
}

func TestRegistry_Custom(t *testing.T) {
	cfg := Defaults()
	cfg.Assets = []AssetConfig{
		{Symbol: "eth"},
		{Symbol: "USDT", Decimals: 6, Address: "0xaA8E23Fb1079EA71e0a56F48a2aA51851D8433D0"},
	}
	reg, err := cfg.Registry()
	require.NoError(t, err)

	eth, err := reg.Get(asset.Native)
	require.NoError(t, err)
	assert.Equal(t, uint8(18), eth.Decimals)
	_, err = reg.Get(asset.DAI)
	require.ErrorIs(t, err, asset.ErrUnsupportedAsset)
}
