package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"futures-agent/config"
	"futures-agent/internal/agent"
	"futures-agent/internal/api"
	"futures-agent/internal/execution"
	"futures-agent/internal/logger"
	"futures-agent/internal/metrics"
	"futures-agent/internal/notification"
	"futures-agent/internal/session"
	redisstore "futures-agent/internal/store/redis"
	sqlitestore "futures-agent/internal/store/sqlite"
	"futures-agent/internal/strategy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("agent", slog.LevelInfo).Error("config invalid", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := logger.Init("agent", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting",
		slog.String("symbol", cfg.Symbol),
		slog.String("mode", cfg.Mode),
		slog.String("policy", cfg.Strategy.Policy),
		slog.String("interval", cfg.BaseInterval),
		slog.Int("aggregation", cfg.Aggregation))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil && ctx.Err() == nil {
		log.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	loc, err := session.Zone(cfg.ReportOffset)
	if err != nil {
		return err
	}
	policy, err := strategy.New(cfg.Strategy)
	if err != nil {
		return err
	}

	// ---- Exchange ----
	var gw execution.Gateway = execution.NewBinanceGateway(execution.BinanceConfig{
		APIKey:            cfg.BinanceAPIKey,
		SecretKey:         cfg.BinanceSecretKey,
		Testnet:           cfg.BinanceTestnet,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, log)
	if !cfg.Live() {
		gw = execution.NewPaperGateway(gw, execution.PaperConfig{
			InitialBalance: cfg.InitialBalance,
			FeeRate:        cfg.Risk.FeeRate,
			SlippageBps:    cfg.SlippageBps,
		}, log)
	}

	// ---- Observability ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus(cfg.Symbol, cfg.Mode)
	health.StaleAfter = 3 * cfg.TradeInterval

	hub := api.NewHub(500, log)
	hub.OnClients = func(n int) { prom.WSClients.Set(float64(n)) }

	sinks := agent.Sinks{Hub: hub, Metrics: prom, Health: health}
	notifiers := notification.Multi{notification.NewLogNotifier(log)}

	// ---- Journal ----
	var pinger metrics.Pinger
	var journal *sqlitestore.Journal
	if cfg.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return err
		}
		journal, err = sqlitestore.Open(cfg.SQLitePath, log)
		if err != nil {
			return err
		}
		defer journal.Close()
		sinks.Journal = journal
	}

	// ---- Redis mirror (optional) ----
	if cfg.RedisAddr != "" {
		mirror, err := redisstore.NewMirror(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}, log)
		if err != nil {
			log.Warn("redis unavailable, continuing without mirror", slog.String("error", err.Error()))
		} else {
			defer mirror.Close()
			sinks.Mirror = mirror
			pinger = mirror
			notifiers = append(notifiers, notification.NewRedisNotifier(mirror, "bot:"+cfg.Symbol+":alerts"))
		}
	}

	// ---- Notifications ----
	var tg *notification.TelegramNotifier
	if cfg.TelegramToken != "" {
		tg, err = notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, log)
		if err != nil {
			log.Warn("telegram disabled", slog.String("error", err.Error()))
		} else {
			notifiers = append(notifiers, tg)
		}
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	sinks.Notifier = notifiers

	if journal != nil || pinger != nil {
		var sqlDB *sql.DB
		if journal != nil {
			sqlDB = journal.DB()
		}
		health.StartLivenessChecker(ctx, pinger, sqlDB, 30*time.Second)
	}

	// ---- Agent ----
	a := agent.New(agent.ConfigFrom(cfg, loc), gw, policy, sinks, log)
	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := api.NewServer(cfg.APIAddr, api.NewRouter(api.RouterConfig{
		Status:     a,
		Hub:        hub,
		Health:     health,
		Metrics:    metrics.Handler(nil),
		TOTPSecret: cfg.StatusTOTPSecret,
	}), log)
	srv.Start()

	if tg != nil {
		go tg.Listen(ctx, notification.Commands{
			"/status": a.StatusText,
			"/trades": a.TradesText,
		})
	}

	err = a.Run(ctx)

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	a.Stop(shutdownCtx)
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("api shutdown", slog.String("error", err.Error()))
	}
	return err
}
