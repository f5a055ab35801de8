package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"futures-agent/internal/strategy"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModePaper || cfg.Live() {
		t.Errorf("mode: got %q", cfg.Mode)
	}
	if cfg.InitialBalance != DefaultPaperBalance {
		t.Errorf("paper balance: got %v", cfg.InitialBalance)
	}
	if cfg.BaseDuration != 5*time.Minute || cfg.Aggregation != 3 {
		t.Errorf("bars: %v x%d", cfg.BaseDuration, cfg.Aggregation)
	}
	if cfg.Strategy.Policy != strategy.PolicyPullback || cfg.Strategy.EMASlow != 200 {
		t.Errorf("strategy: %+v", cfg.Strategy)
	}

	p := cfg.Lifecycle()
	if p.Symbol != "SOLUSDT" || p.MinHistory != 250 || p.Sizing.Leverage != 10 {
		t.Errorf("lifecycle params: %+v", p)
	}
	if p.ProtectiveOrders {
		t.Error("protective orders must stay off in paper mode")
	}
	if cfg.BinanceTestnet {
		t.Error("paper mode must read production market data")
	}
}

func TestLoad_TestnetDefaultsByMode(t *testing.T) {
	t.Setenv("MODE", "live")
	t.Setenv("BINANCE_API_KEY", "k")
	t.Setenv("BINANCE_API_SECRET", "s")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.BinanceTestnet {
		t.Error("live mode defaults to the testnet")
	}

	t.Setenv("BINANCE_TESTNET", "false")
	if cfg, err = Load(); err != nil {
		t.Fatal(err)
	}
	if cfg.BinanceTestnet {
		t.Error("BINANCE_TESTNET=false must select production")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SYMBOL", "nearusdt")
	t.Setenv("POLICY", "crossover")
	t.Setenv("COOLDOWN_BARS", "0")
	t.Setenv("TRADE_INTERVAL", "1m")
	t.Setenv("LEVERAGE", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Symbol != "NEARUSDT" {
		t.Errorf("symbol: got %q", cfg.Symbol)
	}
	if cfg.Strategy.Policy != strategy.PolicyCrossover || cfg.Risk.CooldownBars != 0 {
		t.Errorf("policy %q cooldown %d", cfg.Strategy.Policy, cfg.Risk.CooldownBars)
	}
	if cfg.TradeInterval != time.Minute {
		t.Errorf("trade interval: got %v", cfg.TradeInterval)
	}
	// unparsable values fall back to the default
	if cfg.Leverage != 10 {
		t.Errorf("leverage: got %d", cfg.Leverage)
	}
}

func TestLoad_ProfileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.yaml")
	profile := `
symbol: ethusdt
trade_interval: 45s
strategy:
  policy: crossover
  ema_fast: 9
risk:
  cooldown_bars: 0
`
	if err := os.WriteFile(path, []byte(profile), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PROFILE_FILE", path)
	t.Setenv("RISK_PER_TRADE", "0.02")
	t.Setenv("EMA_SLOW", "100")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Symbol != "ETHUSDT" || cfg.TradeInterval != 45*time.Second {
		t.Errorf("top level: %q %v", cfg.Symbol, cfg.TradeInterval)
	}
	if cfg.Strategy.Policy != strategy.PolicyCrossover || cfg.Strategy.EMAFast != 9 {
		t.Errorf("profile strategy not applied: %+v", cfg.Strategy)
	}
	// keys absent from the profile keep their env values
	if cfg.Strategy.EMASlow != 100 || cfg.Risk.RiskPerTrade != 0.02 {
		t.Errorf("env values lost: ema_slow %d risk %v", cfg.Strategy.EMASlow, cfg.Risk.RiskPerTrade)
	}
	if cfg.Risk.CooldownBars != 0 {
		t.Errorf("cooldown: got %d", cfg.Risk.CooldownBars)
	}
}

func TestLoad_ShippedProfiles(t *testing.T) {
	paths, err := filepath.Glob("../profiles/*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 profiles, found %v", paths)
	}
	for _, p := range paths {
		t.Run(filepath.Base(p), func(t *testing.T) {
			t.Setenv("PROFILE_FILE", p)
			if _, err := Load(); err != nil {
				t.Errorf("Load: %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		t.Helper()
		cfg, err := Load()
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"live without keys", func(c *Config) { c.Mode = ModeLive }, "BINANCE_API_KEY"},
		{"unknown mode", func(c *Config) { c.Mode = "demo" }, "mode must be"},
		{"zero risk", func(c *Config) { c.Risk.RiskPerTrade = 0 }, "risk_per_trade"},
		{"fraction above one", func(c *Config) { c.Risk.MarginFraction = 1.5 }, "margin_fraction"},
		{"unknown policy", func(c *Config) { c.Strategy.Policy = "martingale" }, "unknown policy"},
		{"bad period", func(c *Config) { c.Strategy.ATRPeriod = 0 }, "atr_period"},
		{"short history", func(c *Config) { c.BarsLimit = 500 }, "bars_limit"},
		{"trailing without offset", func(c *Config) { c.Risk.TrailingTrigger = 1 }, "trailing_offset"},
		{"unknown sizing", func(c *Config) { c.Risk.SizingMode = "kelly" }, "sizing_mode"},
		{"telegram without chat", func(c *Config) { c.TelegramToken = "t" }, "TELEGRAM_CHAT_ID"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("got %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"1m", time.Minute, true},
		{"5m", 5 * time.Minute, true},
		{"15m", 15 * time.Minute, true},
		{"4h", 4 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"m", 0, false},
		{"0m", 0, false},
		{"5x", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("ParseInterval(%q) = %v, %v", tc.in, got, err)
		}
	}
}
