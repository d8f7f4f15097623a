// Command ledgerbot starts the Telegram gateway to the ledger API.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/avlasov/ledgerbot/internal/bot"
	"github.com/avlasov/ledgerbot/internal/config"
	"github.com/avlasov/ledgerbot/internal/ledger"
	"github.com/avlasov/ledgerbot/internal/limiter"
	"github.com/avlasov/ledgerbot/internal/session"
	"github.com/avlasov/ledgerbot/internal/telegram"
	"github.com/avlasov/ledgerbot/internal/token"
	"github.com/avlasov/ledgerbot/internal/transfer"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, wires the components and runs the update loop
// until an OS signal arrives.
func main() {
	envFile := flag.String("env", "", "path to .env file (optional)")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	logger, _ := zap.NewProduction()
	if *debug {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
	)

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tg, err := telegram.New(cfg.TelegramToken)
	if err != nil {
		logger.Fatal("telegram", zap.Error(err))
	}
	logger.Info("authorized", zap.String("bot", tg.Username()))

	api := ledger.NewClient(cfg.LedgerBaseURL, cfg.LedgerTimeout)
	sessions := session.New()
	lim := limiter.NewMemory(cfg.RateWindow, cfg.RateMaxRequests)
	tokens := token.NewManager(api, sessions)
	transfers := transfer.NewMachine(api)

	d := bot.New(logger, tg, lim, sessions, tokens, transfers, api)

	// Background sweeps: pure garbage collection, checks re-validate lazily.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				evicted := sessions.Sweep(cfg.SessionMaxIdle)
				purged := lim.Sweep()
				logger.Debug("sweep", zap.Int("sessions", evicted), zap.Int("limiter", purged))
			}
		}
	}()

	notifier := bot.NewNotifier(logger, sessions, api, tg, cfg.DepositPollInterval)
	go notifier.Run(ctx)

	updates := tg.Updates()
	go func() {
		<-ctx.Done()
		tg.Stop()
	}()

	for update := range updates {
		msg := update.Message
		if msg == nil || msg.From == nil {
			continue
		}
		go d.HandleUpdate(ctx, msg.From.ID, msg.Chat.ID, msg.Text)
	}

	logger.Info("shutdown complete")
}
