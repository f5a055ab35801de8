package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"futures-agent/internal/lifecycle"
	"futures-agent/internal/strategy"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Execution modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// DefaultPaperBalance is the simulated starting balance when none is set.
const DefaultPaperBalance = 100.0

// Config holds all application configuration. Values come from the
// environment (optionally via .env); a YAML profile then overrides the
// trading fields.
type Config struct {
	Mode string `yaml:"mode"`

	// Instrument and bars
	Symbol       string        `yaml:"symbol"`
	BaseInterval string        `yaml:"base_interval"` // exchange kline interval, e.g. "5m"
	Aggregation  int           `yaml:"aggregation"`   // base bars per working bar
	BarsLimit    int           `yaml:"bars_limit"`    // klines fetched per tick
	QuoteAsset   string        `yaml:"quote_asset"`
	Leverage     int           `yaml:"leverage"`
	BaseDuration time.Duration `yaml:"-"`

	Strategy strategy.Params `yaml:"strategy"`
	Risk     Risk            `yaml:"risk"`

	// Balance and paper execution
	InitialBalance float64 `yaml:"initial_balance"` // paper start balance; in live mode overrides the fetched balance when > 0
	SlippageBps    float64 `yaml:"slippage_bps"`

	// Drivers
	TradeInterval  time.Duration `yaml:"trade_interval"`
	ReportInterval time.Duration `yaml:"report_interval"`
	ReportOffset   string        `yaml:"report_offset"` // fixed UTC offset of the reporting day, e.g. "+07:00"

	// Binance credentials
	BinanceAPIKey     string  `yaml:"-"`
	BinanceSecretKey  string  `yaml:"-"`
	BinanceTestnet    bool    `yaml:"-"`
	RequestsPerSecond float64 `yaml:"-"`

	// Notifications
	TelegramToken  string `yaml:"-"`
	TelegramChatID int64  `yaml:"-"`
	WebhookURL     string `yaml:"-"`

	// Infrastructure
	RedisAddr        string `yaml:"-"`
	RedisPassword    string `yaml:"-"`
	SQLitePath       string `yaml:"-"`
	APIAddr          string `yaml:"-"`
	StatusTOTPSecret string `yaml:"-"`
	LogLevel         string `yaml:"-"`

	ProfileFile string `yaml:"-"`
}

// Risk holds sizing, exit and breaker settings.
type Risk struct {
	SizingMode       strategy.SizingMode `yaml:"sizing_mode"` // empty = policy default
	RiskPerTrade     float64             `yaml:"risk_per_trade"`
	MarginFraction   float64             `yaml:"margin_fraction"`
	MaxRiskFraction  float64             `yaml:"max_risk_fraction"`
	FeeRate          float64             `yaml:"fee_rate"`
	MaintenanceRate  float64             `yaml:"maintenance_rate"`
	DailyLossLimit   float64             `yaml:"daily_loss_limit"`
	CooldownBars     int                 `yaml:"cooldown_bars"`
	MaxHoldBars      int                 `yaml:"max_hold_bars"`
	TrailingTrigger  float64             `yaml:"trailing_trigger"`
	TrailingOffset   float64             `yaml:"trailing_offset"`
	MinHistory       int                 `yaml:"min_history"`
	FallbackStopPct  float64             `yaml:"fallback_stop_pct"`
	ProtectiveOrders bool                `yaml:"protective_orders"`
}

// Load reads .env (if present), the environment, then PROFILE_FILE.
func Load() (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	def := strategy.DefaultParams()
	cfg := &Config{
		Mode:         strings.ToLower(getEnv("MODE", ModePaper)),
		Symbol:       strings.ToUpper(getEnv("SYMBOL", "SOLUSDT")),
		BaseInterval: getEnv("BASE_INTERVAL", "5m"),
		Aggregation:  getEnvInt("AGGREGATION", 3),
		BarsLimit:    getEnvInt("BARS_LIMIT", 1000),
		QuoteAsset:   getEnv("QUOTE_ASSET", "USDT"),
		Leverage:     getEnvInt("LEVERAGE", 10),

		Strategy: strategy.Params{
			Policy:       getEnv("POLICY", def.Policy),
			EMAFast:      getEnvInt("EMA_FAST", def.EMAFast),
			EMASlow:      getEnvInt("EMA_SLOW", def.EMASlow),
			EMATrend:     getEnvInt("EMA_TREND", def.EMATrend),
			EMAExit:      getEnvInt("EMA_EXIT", def.EMAExit),
			ATRPeriod:    getEnvInt("ATR_PERIOD", def.ATRPeriod),
			ADXPeriod:    getEnvInt("ADX_PERIOD", def.ADXPeriod),
			RSIPeriod:    getEnvInt("RSI_PERIOD", def.RSIPeriod),
			ADXMin:       getEnvFloat("ADX_MIN", def.ADXMin),
			RSIMin:       getEnvFloat("RSI_MIN", def.RSIMin),
			SLATR:        getEnvFloat("SL_ATR", def.SLATR),
			RR2:          getEnvFloat("RR2", def.RR2),
			BBPeriod:     getEnvInt("BB_PERIOD", def.BBPeriod),
			BBMult:       getEnvFloat("BB_MULT", def.BBMult),
			BreakoutATR:  getEnvFloat("BREAKOUT_ATR", def.BreakoutATR),
			MACDFast:     getEnvInt("MACD_FAST", def.MACDFast),
			MACDSlow:     getEnvInt("MACD_SLOW", def.MACDSlow),
			MACDSignal:   getEnvInt("MACD_SIGNAL", def.MACDSignal),
			VolumePeriod: getEnvInt("VOLUME_PERIOD", def.VolumePeriod),
			VolumeMult:   getEnvFloat("VOLUME_MULT", def.VolumeMult),
		},
		Risk: Risk{
			SizingMode:       strategy.SizingMode(getEnv("SIZING_MODE", "")),
			RiskPerTrade:     getEnvFloat("RISK_PER_TRADE", 0.006),
			MarginFraction:   getEnvFloat("MARGIN_FRACTION", 0.5),
			MaxRiskFraction:  getEnvFloat("MAX_RISK_FRACTION", 0.1),
			FeeRate:          getEnvFloat("FEE_RATE", 0.0004),
			MaintenanceRate:  getEnvFloat("MAINTENANCE_RATE", 0.005),
			DailyLossLimit:   getEnvFloat("DAILY_LOSS_LIMIT", 0.03),
			CooldownBars:     getEnvInt("COOLDOWN_BARS", 3),
			MaxHoldBars:      getEnvInt("MAX_HOLD_BARS", 0),
			TrailingTrigger:  getEnvFloat("TRAILING_TRIGGER", 0),
			TrailingOffset:   getEnvFloat("TRAILING_OFFSET", 0),
			MinHistory:       getEnvInt("MIN_HISTORY", 250),
			FallbackStopPct:  getEnvFloat("FALLBACK_STOP_PCT", 0.02),
			ProtectiveOrders: getEnvBool("PROTECTIVE_ORDERS", false),
		},

		InitialBalance: getEnvFloat("INITIAL_BALANCE", 0),
		SlippageBps:    getEnvFloat("SLIPPAGE_BPS", 2),

		TradeInterval:  getEnvDuration("TRADE_INTERVAL", 30*time.Second),
		ReportInterval: getEnvDuration("REPORT_INTERVAL", 30*time.Second),
		ReportOffset:   getEnv("REPORT_TZ_OFFSET", "+07:00"),

		BinanceAPIKey:     os.Getenv("BINANCE_API_KEY"),
		BinanceSecretKey:  os.Getenv("BINANCE_API_SECRET"),
		RequestsPerSecond: getEnvFloat("BINANCE_RPS", 10),

		TelegramToken:  os.Getenv("TELEGRAM_TOKEN"),
		TelegramChatID: getEnvInt64("TELEGRAM_CHAT_ID", 0),
		WebhookURL:     os.Getenv("WEBHOOK_URL"),

		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		SQLitePath:       getEnv("SQLITE_PATH", "data/journal.db"),
		APIAddr:          getEnv("API_ADDR", ":3002"),
		StatusTOTPSecret: os.Getenv("STATUS_TOTP_SECRET"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),

		ProfileFile: os.Getenv("PROFILE_FILE"),
	}

	if cfg.ProfileFile != "" {
		if err := cfg.ApplyProfile(cfg.ProfileFile); err != nil {
			return nil, err
		}
	}

	if cfg.Mode == ModePaper && cfg.InitialBalance == 0 {
		cfg.InitialBalance = DefaultPaperBalance
	}
	// Paper trading simulates against production market data; live orders
	// go to the testnet unless BINANCE_TESTNET=false.
	cfg.BinanceTestnet = getEnvBool("BINANCE_TESTNET", cfg.Mode == ModeLive)

	d, err := ParseInterval(cfg.BaseInterval)
	if err != nil {
		return nil, err
	}
	cfg.BaseDuration = d

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyProfile overlays the YAML file at path. Keys absent from the file
// keep their current values.
func (c *Config) ApplyProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	c.Symbol = strings.ToUpper(c.Symbol)
	c.Mode = strings.ToLower(c.Mode)
	return nil
}

// Validate rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Mode == ModePaper || c.Mode == ModeLive, "mode must be %q or %q, got %q", ModePaper, ModeLive, c.Mode)
	check(c.Symbol != "", "symbol is required")
	check(c.Aggregation >= 1, "aggregation must be >= 1, got %d", c.Aggregation)
	check(c.Leverage >= 1, "leverage must be >= 1, got %d", c.Leverage)
	check(c.Risk.MinHistory > 0, "min_history must be positive, got %d", c.Risk.MinHistory)
	check(c.BarsLimit >= c.Risk.MinHistory*c.Aggregation,
		"bars_limit %d cannot cover min_history %d at aggregation %d", c.BarsLimit, c.Risk.MinHistory, c.Aggregation)
	check(c.TradeInterval > 0, "trade_interval must be positive")
	check(c.ReportInterval > 0, "report_interval must be positive")

	fractions := []struct {
		name string
		v    float64
	}{
		{"risk_per_trade", c.Risk.RiskPerTrade},
		{"margin_fraction", c.Risk.MarginFraction},
		{"max_risk_fraction", c.Risk.MaxRiskFraction},
	}
	for _, f := range fractions {
		check(f.v > 0 && f.v <= 1, "%s must be in (0,1], got %v", f.name, f.v)
	}
	check(c.Risk.FeeRate >= 0 && c.Risk.FeeRate < 1, "fee_rate must be in [0,1), got %v", c.Risk.FeeRate)
	check(c.Risk.DailyLossLimit >= 0 && c.Risk.DailyLossLimit <= 1, "daily_loss_limit must be in [0,1], got %v", c.Risk.DailyLossLimit)
	check(c.Risk.CooldownBars >= 0, "cooldown_bars must be >= 0, got %d", c.Risk.CooldownBars)
	check(c.Risk.MaxHoldBars >= 0, "max_hold_bars must be >= 0, got %d", c.Risk.MaxHoldBars)
	check(c.Risk.TrailingTrigger >= 0 && c.Risk.TrailingOffset >= 0, "trailing multipliers must be >= 0")
	check(c.Risk.TrailingTrigger == 0 || c.Risk.TrailingOffset > 0, "trailing_offset is required when trailing_trigger is set")
	switch c.Risk.SizingMode {
	case "", strategy.SizeByStop, strategy.SizeByMargin:
	default:
		check(false, "unknown sizing_mode %q", c.Risk.SizingMode)
	}

	if c.Mode == ModeLive {
		check(c.BinanceAPIKey != "" && c.BinanceSecretKey != "", "live mode requires BINANCE_API_KEY and BINANCE_API_SECRET")
	} else {
		check(c.InitialBalance > 0, "paper mode requires a positive initial_balance")
	}
	if c.TelegramToken != "" {
		check(c.TelegramChatID != 0, "TELEGRAM_CHAT_ID is required with TELEGRAM_TOKEN")
	}

	if _, err := strategy.New(c.Strategy); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Live reports whether orders go to the exchange.
func (c *Config) Live() bool { return c.Mode == ModeLive }

// Lifecycle builds the position manager parameters.
func (c *Config) Lifecycle() lifecycle.Params {
	p := lifecycle.DefaultParams(c.Symbol)
	p.MinHistory = c.Risk.MinHistory
	p.CooldownBars = c.Risk.CooldownBars
	p.FeeRate = c.Risk.FeeRate
	p.MaintenanceRate = c.Risk.MaintenanceRate
	p.TrailingTrigger = c.Risk.TrailingTrigger
	p.TrailingOffset = c.Risk.TrailingOffset
	p.MaxHoldBars = c.Risk.MaxHoldBars
	p.ATRPeriod = c.Strategy.ATRPeriod
	p.SLATR = c.Strategy.SLATR
	p.RR2 = c.Strategy.RR2
	p.FallbackStopPct = c.Risk.FallbackStopPct
	p.ProtectiveOrders = c.Risk.ProtectiveOrders && c.Live()
	p.Sizing = strategy.SizingParams{
		Mode:            c.Risk.SizingMode,
		RiskPerTrade:    c.Risk.RiskPerTrade,
		MarginFraction:  c.Risk.MarginFraction,
		Leverage:        float64(c.Leverage),
		FeeRate:         c.Risk.FeeRate,
		MaxRiskFraction: c.Risk.MaxRiskFraction,
	}
	return p
}

// ParseInterval converts an exchange kline interval ("1m", "5m", "1h",
// "1d") to a duration.
func ParseInterval(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("config: invalid interval %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: invalid interval %q", s)
	}
	unit := map[byte]time.Duration{'m': time.Minute, 'h': time.Hour, 'd': 24 * time.Hour, 'w': 7 * 24 * time.Hour}
	u, ok := unit[s[len(s)-1]]
	if !ok {
		return 0, fmt.Errorf("config: invalid interval %q", s)
	}
	return time.Duration(n) * u, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
