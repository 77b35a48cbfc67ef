// Package config loads presale-engine settings from a YAML file with
// environment overrides for deployment secrets and endpoints.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
	"github.com/atmx/presale-engine/internal/model"
	"github.com/atmx/presale-engine/internal/pricing"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Ledger modes.
const (
	LedgerMemory = "memory"
	LedgerEVM    = "evm"
)

// Config holds every setting of the service.
type Config struct {
	Server struct {
		Port           string        `yaml:"port"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		SyncInterval   time.Duration `yaml:"sync_interval"`
		RateLimit      struct {
			RequestsPerMinute float64 `yaml:"requests_per_minute"`
			Burst             int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`

	Store struct {
		Driver      string        `yaml:"driver"`
		DatabaseURL string        `yaml:"database_url"`
		SQLitePath  string        `yaml:"sqlite_path"`
		RedisURL    string        `yaml:"redis_url"`
		CacheTTL    time.Duration `yaml:"cache_ttl"`
	} `yaml:"store"`

	Ledger struct {
		Mode         string        `yaml:"mode"`
		RPCURL       string        `yaml:"rpc_url"`
		SignerURL    string        `yaml:"signer_url"` // defaults to RPCURL
		Contract     string        `yaml:"contract"`
		PollInterval time.Duration `yaml:"poll_interval"`
		SettleDelay  time.Duration `yaml:"settle_delay"` // memory mode only
	} `yaml:"ledger"`

	// Sale parameters seed the in-memory ledger. An EVM ledger reads them
	// from the contract, except TokenPercentOfSupply which it cannot expose.
	Sale struct {
		Softcap              decimal.Decimal `yaml:"softcap"` // in the quote asset
		Hardcap              decimal.Decimal `yaml:"hardcap"`
		Start                time.Time       `yaml:"start"` // zero means now
		Duration             time.Duration   `yaml:"duration"`
		ClaimDelay           time.Duration   `yaml:"claim_delay"`
		TotalSupply          decimal.Decimal `yaml:"total_supply"` // whole tokens
		TokenPercentOfSupply uint8           `yaml:"token_percent_of_supply"`
	} `yaml:"sale"`

	Pricing struct {
		QuoteAsset  asset.Kind      `yaml:"quote_asset"`
		TokenPrice  decimal.Decimal `yaml:"token_price"`  // per token, in the quote asset
		NativePrice decimal.Decimal `yaml:"native_price"` // one native coin, in the quote asset
		BufferBps   uint64          `yaml:"buffer_bps"`
	} `yaml:"pricing"`

	// Assets lists accepted payment assets. Empty means the reference
	// testnet deployment.
	Assets []AssetConfig `yaml:"assets"`
}

// AssetConfig describes one payment asset.
type AssetConfig struct {
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
	Address  string `yaml:"address"`
}

// Defaults returns the reference sale: softcap 300000 and hardcap 1020000
// in USDT, a 30 day sale with claims a day after it ends, and 10% of a
// 100 billion token supply at 0.0001 USDT per token.
func Defaults() *Config {
	var c Config
	c.Server.Port = "8080"
	c.Server.RequestTimeout = 30 * time.Second
	c.Server.SyncInterval = 15 * time.Second
	c.Server.RateLimit.RequestsPerMinute = 60
	c.Server.RateLimit.Burst = 10

	c.Logging.Level = "info"
	c.Logging.MaxSizeMB = 10
	c.Logging.MaxBackups = 3
	c.Logging.MaxAgeDays = 28

	c.Store.Driver = DriverMemory
	c.Store.SQLitePath = "presale.db"
	c.Store.CacheTTL = 30 * time.Second

	c.Ledger.Mode = LedgerMemory
	c.Ledger.PollInterval = 2 * time.Second

	c.Sale.Softcap = decimal.NewFromInt(300_000)
	c.Sale.Hardcap = decimal.NewFromInt(1_020_000)
	c.Sale.Duration = 30 * 24 * time.Hour
	c.Sale.ClaimDelay = 24 * time.Hour
	c.Sale.TotalSupply = decimal.NewFromInt(100_000_000_000)
	c.Sale.TokenPercentOfSupply = 10

	c.Pricing.QuoteAsset = asset.USDT
	c.Pricing.TokenPrice = decimal.RequireFromString("0.0001")
	c.Pricing.NativePrice = decimal.NewFromInt(2500)
	c.Pricing.BufferBps = pricing.DefaultBufferBps
	return &c
}

// Load reads path over Defaults, applies environment overrides, and
// validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// overrideWithEnv replaces settings with environment values when present.
func overrideWithEnv(cfg *Config) error {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Store.DatabaseURL = dbURL
		if cfg.Store.Driver == DriverMemory {
			cfg.Store.Driver = DriverPostgres
		}
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Store.RedisURL = redisURL
	}
	if rpcURL := os.Getenv("PRESALE_RPC_URL"); rpcURL != "" {
		cfg.Ledger.RPCURL = rpcURL
	}
	if contract := os.Getenv("PRESALE_CONTRACT"); contract != "" {
		cfg.Ledger.Contract = contract
		cfg.Ledger.Mode = LedgerEVM
	}
	if level := os.Getenv("PRESALE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if bps := os.Getenv("PRESALE_BUFFER_BPS"); bps != "" {
		v, err := strconv.ParseUint(bps, 10, 64)
		if err != nil {
			return fmt.Errorf("PRESALE_BUFFER_BPS: %w", err)
		}
		cfg.Pricing.BufferBps = v
	}
	return nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Server.RateLimit.RequestsPerMinute < 0 {
		return errors.New("rate limit must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("postgres store requires database_url")
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("sqlite store requires sqlite_path")
		}
	default:
		return fmt.Errorf("unknown store driver: %s", c.Store.Driver)
	}

	switch c.Ledger.Mode {
	case LedgerMemory:
		if c.Sale.Duration <= 0 {
			return errors.New("sale duration must be positive")
		}
		if c.Sale.ClaimDelay < 0 {
			return errors.New("claim delay must not be negative")
		}
		if !c.Sale.Hardcap.IsPositive() {
			return errors.New("hardcap must be positive")
		}
		if c.Sale.Softcap.IsNegative() || c.Sale.Softcap.GreaterThan(c.Sale.Hardcap) {
			return fmt.Errorf("softcap %s must be between 0 and hardcap %s", c.Sale.Softcap, c.Sale.Hardcap)
		}
		if !c.Sale.TotalSupply.IsPositive() {
			return errors.New("total supply must be positive")
		}
	case LedgerEVM:
		if c.Ledger.RPCURL == "" {
			return errors.New("evm ledger requires rpc_url")
		}
		if _, err := asset.ParseAddress(c.Ledger.Contract); err != nil {
			return fmt.Errorf("evm ledger contract: %w", err)
		}
	default:
		return fmt.Errorf("unknown ledger mode: %s", c.Ledger.Mode)
	}

	if p := c.Sale.TokenPercentOfSupply; p == 0 || p > 100 {
		return fmt.Errorf("token percent of supply must be in 1..100, got %d", p)
	}
	if !c.Pricing.TokenPrice.IsPositive() {
		return errors.New("token price must be positive")
	}
	if c.Pricing.BufferBps > pricing.BpsDenominator {
		return fmt.Errorf("buffer %d bps exceeds %d", c.Pricing.BufferBps, pricing.BpsDenominator)
	}

	reg, err := c.Registry()
	if err != nil {
		return err
	}
	if _, err := reg.Get(c.Pricing.QuoteAsset); err != nil {
		return fmt.Errorf("quote asset: %w", err)
	}
	if _, err := reg.Get(asset.Native); err == nil && !c.Pricing.NativePrice.IsPositive() {
		return errors.New("native price must be positive when the native asset is accepted")
	}
	return nil
}

// Registry builds the accepted payment assets.
func (c *Config) Registry() (*asset.Registry, error) {
	if len(c.Assets) == 0 {
		return asset.Sepolia(), nil
	}
	assets := make([]asset.Asset, 0, len(c.Assets))
	for _, ac := range c.Assets {
		k, err := asset.Parse(ac.Symbol)
		if err != nil {
			return nil, err
		}
		a := asset.Asset{Kind: k, Symbol: strings.ToUpper(ac.Symbol), Decimals: ac.Decimals}
		if k == asset.Native {
			if ac.Address != "" {
				return nil, fmt.Errorf("asset %s: native asset has no token address", ac.Symbol)
			}
			if a.Decimals == 0 {
				a.Decimals = 18
			}
		} else {
			addr, err := asset.ParseAddress(ac.Address)
			if err != nil {
				return nil, fmt.Errorf("asset %s: %w", ac.Symbol, err)
			}
			a.Address = addr
		}
		assets = append(assets, a)
	}
	return asset.NewRegistry(assets...)
}

// Oracle builds the price oracle. Stablecoins are priced at the token
// price; the native asset is priced through NativePrice.
func (c *Config) Oracle(reg *asset.Registry) (*pricing.Oracle, error) {
	prices := make(map[asset.Kind]amount.Amount)
	for _, a := range reg.All() {
		ref := decimal.NewFromInt(1)
		if a.IsNative() {
			ref = c.Pricing.NativePrice
		}
		p, err := pricing.DeriveUnitPrice(c.Pricing.TokenPrice, ref, a)
		if err != nil {
			return nil, err
		}
		prices[a.Kind] = p
	}
	return pricing.NewOracle(reg, c.Pricing.QuoteAsset, prices, c.Pricing.BufferBps)
}

// SaleConfig builds the sale parameters for an in-memory ledger, starting
// at now when no start time is configured.
func (c *Config) SaleConfig(reg *asset.Registry, now time.Time) (model.SaleConfig, error) {
	quote, err := reg.Get(c.Pricing.QuoteAsset)
	if err != nil {
		return model.SaleConfig{}, err
	}
	softcap, err := amount.FromDecimal(c.Sale.Softcap, quote.Decimals)
	if err != nil {
		return model.SaleConfig{}, fmt.Errorf("softcap: %w", err)
	}
	hardcap, err := amount.FromDecimal(c.Sale.Hardcap, quote.Decimals)
	if err != nil {
		return model.SaleConfig{}, fmt.Errorf("hardcap: %w", err)
	}
	supply := c.Sale.TotalSupply.
		Mul(decimal.NewFromInt(int64(c.Sale.TokenPercentOfSupply))).
		Div(decimal.NewFromInt(100)).
		Truncate(int32(asset.TokenDecimals))
	presale, err := amount.FromDecimal(supply, asset.TokenDecimals)
	if err != nil {
		return model.SaleConfig{}, fmt.Errorf("presale supply: %w", err)
	}

	start := c.Sale.Start
	if start.IsZero() {
		start = now
	}
	end := start.Add(c.Sale.Duration)
	return model.SaleConfig{
		Softcap:              softcap,
		Hardcap:              hardcap,
		StartTime:            start,
		EndTime:              end,
		ClaimTime:            end.Add(c.Sale.ClaimDelay),
		PresaleSupply:        presale,
		TokenPercentOfSupply: c.Sale.TokenPercentOfSupply,
	}, nil
}

// ContractAddress returns the parsed sale contract address.
func (c *Config) ContractAddress() common.Address {
	return common.HexToAddress(c.Ledger.Contract)
}

// SignerURL returns the wallet endpoint, falling back to the RPC endpoint.
func (c *Config) SignerURL() string {
	if c.Ledger.SignerURL != "" {
		return c.Ledger.SignerURL
	}
	return c.Ledger.RPCURL
}
