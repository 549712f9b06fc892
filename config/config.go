package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the full engine configuration. Values load from config.json when
// present; environment variables override the file.
type Config struct {
	Server         ServerConfig   `json:"server"`
	Exchange       ExchangeConfig `json:"exchange"`
	Market         MarketConfig   `json:"market"`
	Engine         EngineConfig   `json:"engine"`
	Risk           RiskConfig     `json:"risk"`
	Database       DatabaseConfig `json:"database"`
	Redis          RedisConfig    `json:"redis"`
	Vault          VaultConfig    `json:"vault"`
	Logging        LoggingConfig  `json:"logging"`
	StrategiesFile string         `json:"strategies_file"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Port           int      `json:"port"`
	Host           string   `json:"host"`
	ProductionMode bool     `json:"production_mode"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// ExchangeConfig selects the execution gateway. Paper mode simulates fills
// in-process; live mode signs orders against Binance USD-M futures.
type ExchangeConfig struct {
	Paper               bool    `json:"paper"`
	TestNet             bool    `json:"testnet"`
	BaseURL             string  `json:"base_url"`
	PaperInitialBalance float64 `json:"paper_initial_balance"`
	PaperSlippageBps    float64 `json:"paper_slippage_bps"`
	PaperFeeBps         float64 `json:"paper_fee_bps"`
}

// MarketConfig holds the candle source settings. With the stream enabled,
// candle reads come from the websocket buffer and the REST endpoint only
// backfills while buffers warm up.
type MarketConfig struct {
	BaseURL       string `json:"base_url"`
	StreamURL     string `json:"stream_url"`
	StreamEnabled bool   `json:"stream_enabled"`
}

// EngineConfig tunes the scheduler.
type EngineConfig struct {
	RiskTickSeconds int    `json:"risk_tick_seconds"`
	OrderAttempts   int    `json:"order_attempts"`
	OrderBackoffMS  int    `json:"order_backoff_ms"`
	QuoteAsset      string `json:"quote_asset"`
	CandleBuffer    int    `json:"candle_buffer"`
}

// RiskConfig holds the account-level limits. Zero disables a limit.
type RiskConfig struct {
	MaxPortfolioExposure float64 `json:"max_portfolio_exposure"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	MaxDrawdownPct       float64 `json:"max_drawdown_pct"`
}

// DatabaseConfig holds PostgreSQL connection settings. Disabled runs the
// engine on the in-memory store.
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the hot state cache settings.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// VaultConfig holds the credential store settings.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Load reads config.json when present and applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Exchange credentials are never read here; they come from Vault or the
// credential fallback env vars handled by the vault client.
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.Server.Port = getEnvIntOrDefault("WEB_PORT", defaultInt(cfg.Server.Port, 8088))
	cfg.Server.Host = getEnvOrDefault("WEB_HOST", defaultStr(cfg.Server.Host, "0.0.0.0"))
	cfg.Server.ProductionMode = getEnvOrDefault("PRODUCTION_MODE", boolStr(cfg.Server.ProductionMode)) == "true"
	if origins := os.Getenv("SERVER_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitAndTrim(origins)
	}

	// Exchange config
	cfg.Exchange.Paper = getEnvOrDefault("PAPER_TRADING", boolStr(cfg.Exchange.Paper)) == "true"
	cfg.Exchange.TestNet = getEnvOrDefault("BINANCE_TESTNET", boolStr(cfg.Exchange.TestNet)) == "true"
	cfg.Exchange.BaseURL = getEnvOrDefault("BINANCE_FUTURES_BASE_URL", cfg.Exchange.BaseURL)
	cfg.Exchange.PaperInitialBalance = getEnvFloatOrDefault("PAPER_INITIAL_BALANCE", defaultFloat(cfg.Exchange.PaperInitialBalance, 10000))
	cfg.Exchange.PaperSlippageBps = getEnvFloatOrDefault("PAPER_SLIPPAGE_BPS", cfg.Exchange.PaperSlippageBps)
	cfg.Exchange.PaperFeeBps = getEnvFloatOrDefault("PAPER_FEE_BPS", defaultFloat(cfg.Exchange.PaperFeeBps, 5))

	// Market config
	cfg.Market.BaseURL = getEnvOrDefault("MARKET_BASE_URL", cfg.Market.BaseURL)
	cfg.Market.StreamURL = getEnvOrDefault("MARKET_STREAM_URL", cfg.Market.StreamURL)
	cfg.Market.StreamEnabled = getEnvOrDefault("MARKET_STREAM_ENABLED", boolStr(cfg.Market.StreamEnabled)) == "true"

	// Engine config
	cfg.Engine.RiskTickSeconds = getEnvIntOrDefault("ENGINE_RISK_TICK_SECONDS", defaultInt(cfg.Engine.RiskTickSeconds, 10))
	cfg.Engine.OrderAttempts = getEnvIntOrDefault("ENGINE_ORDER_ATTEMPTS", defaultInt(cfg.Engine.OrderAttempts, 3))
	cfg.Engine.OrderBackoffMS = getEnvIntOrDefault("ENGINE_ORDER_BACKOFF_MS", defaultInt(cfg.Engine.OrderBackoffMS, 500))
	cfg.Engine.QuoteAsset = getEnvOrDefault("ENGINE_QUOTE_ASSET", defaultStr(cfg.Engine.QuoteAsset, "USDT"))
	cfg.Engine.CandleBuffer = getEnvIntOrDefault("ENGINE_CANDLE_BUFFER", defaultInt(cfg.Engine.CandleBuffer, 10))

	// Risk config
	cfg.Risk.MaxPortfolioExposure = getEnvFloatOrDefault("RISK_MAX_PORTFOLIO_EXPOSURE", cfg.Risk.MaxPortfolioExposure)
	cfg.Risk.MaxDailyLoss = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS", cfg.Risk.MaxDailyLoss)
	cfg.Risk.MaxDrawdownPct = getEnvFloatOrDefault("RISK_MAX_DRAWDOWN_PCT", cfg.Risk.MaxDrawdownPct)

	// Database config
	cfg.Database.Enabled = getEnvOrDefault("DB_ENABLED", boolStr(cfg.Database.Enabled)) == "true"
	cfg.Database.Host = getEnvOrDefault("DB_HOST", defaultStr(cfg.Database.Host, "localhost"))
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.Database.Port, 5432))
	cfg.Database.User = getEnvOrDefault("DB_USER", defaultStr(cfg.Database.User, "trading_engine"))
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", defaultStr(cfg.Database.Database, "trading_engine"))
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultStr(cfg.Database.SSLMode, "disable"))

	// Redis config
	cfg.Redis.Enabled = getEnvOrDefault("REDIS_ENABLED", boolStr(cfg.Redis.Enabled)) == "true"
	cfg.Redis.Addr = getEnvOrDefault("REDIS_ADDR", defaultStr(cfg.Redis.Addr, "localhost:6379"))
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	// Vault config
	cfg.Vault.Enabled = getEnvOrDefault("VAULT_ENABLED", boolStr(cfg.Vault.Enabled)) == "true"
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", defaultStr(cfg.Vault.Address, "http://localhost:8200"))
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultStr(cfg.Vault.MountPath, "secret"))
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultStr(cfg.Vault.SecretPath, "trading/binance"))
	cfg.Vault.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", boolStr(cfg.Vault.TLSEnabled)) == "true"
	cfg.Vault.CACert = getEnvOrDefault("VAULT_CACERT", cfg.Vault.CACert)

	// Logging config
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.Logging.Level, "info"))
	cfg.Logging.Format = getEnvOrDefault("LOG_FORMAT", defaultStr(cfg.Logging.Format, "json"))

	cfg.StrategiesFile = getEnvOrDefault("STRATEGIES_FILE", defaultStr(cfg.StrategiesFile, "strategies.yaml"))
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func defaultStr(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func defaultInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}

func defaultFloat(value, fallback float64) float64 {
	if value != 0 {
		return value
	}
	return fallback
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
