package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects how orders reach the venue.
type Mode string

const (
	ModeDryRun  Mode = "dry-run"
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

// Config is the single deployment document. Values come from an optional
// JSON file and are then overridden from the environment.
type Config struct {
	Mode               Mode               `json:"mode"`
	Symbols            []SymbolConfig     `json:"symbols"`
	GuardrailsConfig   GuardrailsConfig   `json:"guardrails"`
	SizingConfig       SizingConfig       `json:"sizing"`
	ExecutionConfig    ExecutionConfig    `json:"execution"`
	RuntimeConfig      RuntimeConfig      `json:"runtime"`
	ReconcilerConfig   ReconcilerConfig   `json:"reconciler"`
	HyperliquidConfig  HyperliquidConfig  `json:"hyperliquid"`
	BinanceConfig      BinanceConfig      `json:"binance"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	ServerConfig       ServerConfig       `json:"server"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	NotificationConfig NotificationConfig `json:"notification"`
	JournalConfig      JournalConfig      `json:"journal"`
	MetricsConfig      MetricsConfig      `json:"metrics"`
}

// SymbolConfig binds one coin to its venue settings and strategies.
type SymbolConfig struct {
	Coin       string               `json:"coin"`
	Leverage   int                  `json:"leverage"`
	MarginType string               `json:"margin_type"` // cross or isolated
	DataSource string               `json:"data_source"` // hyperliquid or binance
	Strategies []StrategyAssignment `json:"strategies"`
}

// StrategyAssignment attaches a registered strategy to a symbol.
type StrategyAssignment struct {
	Name               string `json:"name"`
	Interval           string `json:"interval"`
	WarmupBars         int    `json:"warmup_bars"`
	AutoTradingEnabled bool   `json:"auto_trading_enabled"`
}

// GuardrailsConfig holds the hard limits enforced by the risk gate.
// MaxTradesPerDay = 0 acts as a kill switch: every intent is rejected.
type GuardrailsConfig struct {
	MaxNotionalUsd   float64 `json:"max_notional_usd"`
	MaxLeverage      int     `json:"max_leverage"`
	MaxOpenPositions int     `json:"max_open_positions"`
	MaxDailyLossUsd  float64 `json:"max_daily_loss_usd"`
	MaxTradesPerDay  int     `json:"max_trades_per_day"`
}

// SizingConfig selects how a signal is converted into a position size.
type SizingConfig struct {
	Mode            string  `json:"mode"` // risk or cash
	RiskPerTradeUsd float64 `json:"risk_per_trade_usd"`
	CashPerTradeUsd float64 `json:"cash_per_trade_usd"`
}

// ExecutionConfig models fills for the backtest engine and the dry-run venue.
type ExecutionConfig struct {
	SlippageBps   float64 `json:"slippage_bps"`
	CommissionPct float64 `json:"commission_pct"`
}

// RuntimeConfig tunes the live strategy runtime.
type RuntimeConfig struct {
	BufferBars       int `json:"buffer_bars"`         // rolling base-candle buffer capacity floor
	OnCandleBudgetMs int `json:"on_candle_budget_ms"` // soft budget; exceeding marks the bar degraded
	PollIntervalSecs int `json:"poll_interval_secs"`  // REST poll cadence when streaming is unavailable
}

// ReconcilerConfig tunes the drift detector.
type ReconcilerConfig struct {
	IntervalSecs int `json:"interval_secs"`
}

// HyperliquidConfig holds venue endpoints and the signing wallet.
type HyperliquidConfig struct {
	BaseURL       string `json:"base_url"`
	WSURL         string `json:"ws_url"`
	WalletAddress string `json:"wallet_address"`
	PrivateKey    string `json:"private_key"`
}

// BinanceConfig covers the public market-data source; no keys are needed
// for kline reads.
type BinanceConfig struct {
	UseTestnet bool `json:"use_testnet"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the optional position-snapshot store settings.
type RedisConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr"`
	Password        string `json:"password"`
	DB              int    `json:"db"`
	SnapshotTTLMins int    `json:"snapshot_ttl_mins"`
}

// ServerConfig holds the HTTP/WS server settings.
type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	ProductionMode  bool   `json:"production_mode"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// LoggingConfig controls the zerolog root logger.
type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // false → console writer
	WithCaller bool   `json:"with_caller"`
}

// NotificationConfig holds outbound alert channels.
type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// JournalConfig locates the append-only NDJSON event log.
type JournalConfig struct {
	Path string `json:"path"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// Load reads the config file (optional), applies environment overrides and
// validates the result. A missing file is not an error: defaults plus env
// are enough for a dry-run deployment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		loaded, err := loadFromFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			cfg = loaded
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a safe dry-run configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode: ModeDryRun,
		Symbols: []SymbolConfig{
			{
				Coin:       "BTC",
				Leverage:   3,
				MarginType: "cross",
				DataSource: "hyperliquid",
				Strategies: []StrategyAssignment{
					{Name: "donchian-breakout", Interval: "15m", WarmupBars: 0, AutoTradingEnabled: false},
				},
			},
		},
		GuardrailsConfig: GuardrailsConfig{
			MaxNotionalUsd:   10000,
			MaxLeverage:      10,
			MaxOpenPositions: 3,
			MaxDailyLossUsd:  500,
			MaxTradesPerDay:  10,
		},
		SizingConfig: SizingConfig{
			Mode:            "risk",
			RiskPerTradeUsd: 50,
			CashPerTradeUsd: 1000,
		},
		ExecutionConfig: ExecutionConfig{
			SlippageBps:   2,
			CommissionPct: 0.045,
		},
		RuntimeConfig: RuntimeConfig{
			BufferBars:       500,
			OnCandleBudgetMs: 250,
			PollIntervalSecs: 5,
		},
		ReconcilerConfig: ReconcilerConfig{
			IntervalSecs: 30,
		},
		HyperliquidConfig: HyperliquidConfig{
			BaseURL: "https://api.hyperliquid.xyz",
			WSURL:   "wss://api.hyperliquid.xyz/ws",
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "trader",
			Database: "trading_core",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:         false,
			Addr:            "localhost:6379",
			SnapshotTTLMins: 1440,
		},
		ServerConfig: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},
		JournalConfig: JournalConfig{
			Path: "events.ndjson",
		},
		MetricsConfig: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate rejects documents that cannot drive the daemon.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeDryRun, ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}

	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol is required")
	}
	for i, s := range c.Symbols {
		if s.Coin == "" {
			return fmt.Errorf("config: symbols[%d] has empty coin", i)
		}
		if s.Leverage < 1 {
			return fmt.Errorf("config: symbols[%d] (%s) leverage must be >= 1", i, s.Coin)
		}
		switch s.MarginType {
		case "cross", "isolated":
		default:
			return fmt.Errorf("config: symbols[%d] (%s) margin_type must be cross or isolated", i, s.Coin)
		}
		switch s.DataSource {
		case "hyperliquid", "binance":
		default:
			return fmt.Errorf("config: symbols[%d] (%s) data_source must be hyperliquid or binance", i, s.Coin)
		}
	}

	switch c.SizingConfig.Mode {
	case "risk":
		if c.SizingConfig.RiskPerTradeUsd <= 0 {
			return fmt.Errorf("config: sizing.risk_per_trade_usd must be > 0 in risk mode")
		}
	case "cash":
		if c.SizingConfig.CashPerTradeUsd <= 0 {
			return fmt.Errorf("config: sizing.cash_per_trade_usd must be > 0 in cash mode")
		}
	default:
		return fmt.Errorf("config: sizing.mode must be risk or cash")
	}

	if c.ExecutionConfig.SlippageBps < 0 {
		return fmt.Errorf("config: execution.slippage_bps must be >= 0")
	}
	if c.ExecutionConfig.CommissionPct < 0 {
		return fmt.Errorf("config: execution.commission_pct must be >= 0")
	}

	if c.Mode == ModeLive && c.HyperliquidConfig.PrivateKey == "" {
		return fmt.Errorf("config: live mode requires hyperliquid.private_key")
	}
	return nil
}

// ReconcileInterval returns the reconciler tick duration.
func (c *Config) ReconcileInterval() time.Duration {
	if c.ReconcilerConfig.IntervalSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ReconcilerConfig.IntervalSecs) * time.Second
}

// OnCandleBudget returns the soft per-bar strategy budget.
func (c *Config) OnCandleBudget() time.Duration {
	if c.RuntimeConfig.OnCandleBudgetMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.RuntimeConfig.OnCandleBudgetMs) * time.Millisecond
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(file, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Mode = Mode(getEnvOrDefault("TRADING_MODE", string(cfg.Mode)))

	// Venue
	cfg.HyperliquidConfig.BaseURL = getEnvOrDefault("HYPERLIQUID_BASE_URL", cfg.HyperliquidConfig.BaseURL)
	cfg.HyperliquidConfig.WSURL = getEnvOrDefault("HYPERLIQUID_WS_URL", cfg.HyperliquidConfig.WSURL)
	cfg.HyperliquidConfig.WalletAddress = getEnvOrDefault("HYPERLIQUID_WALLET_ADDRESS", cfg.HyperliquidConfig.WalletAddress)
	cfg.HyperliquidConfig.PrivateKey = getEnvOrDefault("HYPERLIQUID_PRIVATE_KEY", cfg.HyperliquidConfig.PrivateKey)
	cfg.BinanceConfig.UseTestnet = getEnvOrDefault("BINANCE_TESTNET", boolStr(cfg.BinanceConfig.UseTestnet)) == "true"

	// Guardrails
	cfg.GuardrailsConfig.MaxNotionalUsd = getEnvFloatOrDefault("GUARDRAIL_MAX_NOTIONAL_USD", cfg.GuardrailsConfig.MaxNotionalUsd)
	cfg.GuardrailsConfig.MaxLeverage = getEnvIntOrDefault("GUARDRAIL_MAX_LEVERAGE", cfg.GuardrailsConfig.MaxLeverage)
	cfg.GuardrailsConfig.MaxOpenPositions = getEnvIntOrDefault("GUARDRAIL_MAX_OPEN_POSITIONS", cfg.GuardrailsConfig.MaxOpenPositions)
	cfg.GuardrailsConfig.MaxDailyLossUsd = getEnvFloatOrDefault("GUARDRAIL_MAX_DAILY_LOSS_USD", cfg.GuardrailsConfig.MaxDailyLossUsd)
	cfg.GuardrailsConfig.MaxTradesPerDay = getEnvIntOrDefault("GUARDRAIL_MAX_TRADES_PER_DAY", cfg.GuardrailsConfig.MaxTradesPerDay)

	// Sizing / execution
	cfg.SizingConfig.Mode = getEnvOrDefault("SIZING_MODE", cfg.SizingConfig.Mode)
	cfg.SizingConfig.RiskPerTradeUsd = getEnvFloatOrDefault("SIZING_RISK_PER_TRADE_USD", cfg.SizingConfig.RiskPerTradeUsd)
	cfg.SizingConfig.CashPerTradeUsd = getEnvFloatOrDefault("SIZING_CASH_PER_TRADE_USD", cfg.SizingConfig.CashPerTradeUsd)
	cfg.ExecutionConfig.SlippageBps = getEnvFloatOrDefault("EXECUTION_SLIPPAGE_BPS", cfg.ExecutionConfig.SlippageBps)
	cfg.ExecutionConfig.CommissionPct = getEnvFloatOrDefault("EXECUTION_COMMISSION_PCT", cfg.ExecutionConfig.CommissionPct)

	// Runtime / reconciler
	cfg.RuntimeConfig.BufferBars = getEnvIntOrDefault("RUNTIME_BUFFER_BARS", cfg.RuntimeConfig.BufferBars)
	cfg.RuntimeConfig.OnCandleBudgetMs = getEnvIntOrDefault("RUNTIME_ON_CANDLE_BUDGET_MS", cfg.RuntimeConfig.OnCandleBudgetMs)
	cfg.RuntimeConfig.PollIntervalSecs = getEnvIntOrDefault("RUNTIME_POLL_INTERVAL_SECS", cfg.RuntimeConfig.PollIntervalSecs)
	cfg.ReconcilerConfig.IntervalSecs = getEnvIntOrDefault("RECONCILER_INTERVAL_SECS", cfg.ReconcilerConfig.IntervalSecs)

	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolStr(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Addr)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Server
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("SERVER_PRODUCTION", boolStr(cfg.ServerConfig.ProductionMode)) == "true"
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Logging
	cfg.LoggingConfig.Level = strings.ToLower(getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", boolStr(cfg.LoggingConfig.JSONFormat)) == "true"
	cfg.LoggingConfig.WithCaller = getEnvOrDefault("LOG_CALLER", boolStr(cfg.LoggingConfig.WithCaller)) == "true"

	// Notifications
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", boolStr(cfg.NotificationConfig.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", boolStr(cfg.NotificationConfig.Telegram.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", boolStr(cfg.NotificationConfig.Discord.Enabled)) == "true"
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Journal / metrics
	cfg.JournalConfig.Path = getEnvOrDefault("JOURNAL_PATH", cfg.JournalConfig.Path)
	cfg.MetricsConfig.Enabled = getEnvOrDefault("METRICS_ENABLED", boolStr(cfg.MetricsConfig.Enabled)) == "true"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// GenerateSampleConfig writes a starting point for operators.
func GenerateSampleConfig(filename string) error {
	cfg := DefaultConfig()
	cfg.HyperliquidConfig.WalletAddress = "0xYOUR_WALLET"

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
