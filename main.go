package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"autoscout-watcher/browser"
	"autoscout-watcher/config"
	"autoscout-watcher/notify"
	"autoscout-watcher/scraper/autoscout"
	"autoscout-watcher/services"
	"autoscout-watcher/storage"
	"autoscout-watcher/utils"
)

func main() {
	logger := utils.NewLogger()
	cfg := config.Load()

	logger.Info("=== %s starting ===", cfg.BotName)
	logger.Info("Config — interval: %v | pages: %v | retention: %v | headless: %t",
		cfg.ScrapeInterval, cfg.Pages, cfg.Retention, cfg.Headless)

	store, err := storage.NewPostgresStore(cfg.DSN())
	if err != nil {
		logger.Error("Failed to connect to PostgreSQL: %v", err)
		logger.Error("Make sure Docker is running: docker compose up -d")
		os.Exit(1)
	}
	defer store.Close()

	notifier := notify.NewTelegramNotifier(cfg.TelegramAPIKey, cfg.TelegramChatID, logger)

	var journal services.Journal
	if cfg.JournalPath != "" {
		j, err := storage.NewChangeJournal(cfg.JournalPath)
		if err != nil {
			logger.Error("Failed to open change journal: %v", err)
			os.Exit(1)
		}
		defer j.Close()
		journal = j
	}

	renderer := browser.NewChromeRenderer(cfg.Headless, cfg.SortSelector, cfg.SortOption, logger)
	resolver := browser.NewResolver(renderer, cfg.SearchURL, cfg.CatalogHost,
		cfg.EndpointPattern, cfg.PageParam, cfg.BrowserTimeout, logger)
	fetcher := autoscout.NewFetcher(cfg.UserAgents, cfg.FetchTimeout, cfg.RateLimitMs, logger)

	orchestrator := services.NewOrchestrator(cfg, logger, resolver, fetcher, store, notifier, journal)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := notifier.Send(notify.InfoMessage(cfg.BotName, "has started successfully!")); err != nil {
		logger.Warn("Startup notification failed: %v", err)
	}

	err = orchestrator.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Watcher stopped with error: %v", err)
		os.Exit(1)
	}

	logger.Info("%s shutting down gracefully", cfg.BotName)
	if err := notifier.Send(notify.InfoMessage(cfg.BotName, "has been stopped.")); err != nil {
		logger.Warn("Shutdown notification failed: %v", err)
	}
}
