package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/app"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/config"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "capturer start failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.Init(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()

	logger.InfoObj("capturer starting", "startup", map[string]any{
		"env":          cfg.Env,
		"page_url":     cfg.PageURL,
		"archive_url":  cfg.ArchiveURL,
		"storage":      cfg.StorageType,
		"outbox":       cfg.OutboxEnabled,
		"browser":      browserMode(cfg),
		"token_seeded": cfg.AccessToken != "",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	capturer, err := app.NewCapturer(ctx, cfg, log)
	if err != nil {
		logger.ErrorObj("failed to initialize capturer", "error", map[string]any{
			"page_url": cfg.PageURL,
			"error":    err.Error(),
		})
		return err
	}

	logger.InfoObj("watching page", "capture_target", map[string]any{
		"adapter_id": capturer.AdapterID(),
		"page_url":   cfg.PageURL,
	})
	if err := capturer.Run(ctx); err != nil {
		return fmt.Errorf("capture %s: %w", capturer.AdapterID(), err)
	}
	logger.InfoObj("capturer stopped", "shutdown", map[string]any{"adapter_id": capturer.AdapterID()})
	return nil
}

func browserMode(cfg *config.Config) string {
	switch {
	case cfg.BrowserRemoteURL != "":
		return "remote"
	case cfg.BrowserHeadless:
		return "headless"
	default:
		return "launched"
	}
}
