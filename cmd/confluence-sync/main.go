package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/confluence-sync/internal/cache"
	"github.com/alexjbarnes/confluence-sync/internal/config"
	"github.com/alexjbarnes/confluence-sync/internal/confluence"
	"github.com/alexjbarnes/confluence-sync/internal/logging"
	"github.com/alexjbarnes/confluence-sync/internal/markdown"
	"github.com/alexjbarnes/confluence-sync/internal/publish"
	"github.com/alexjbarnes/confluence-sync/internal/vault"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("confluence-sync starting",
		slog.String("version", Version),
		slog.String("content_root", cfg.ContentRoot),
		slog.Bool("watch", cfg.Watch),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader, err := vault.NewFSLoader(cfg.ContentRoot, logger)
	if err != nil {
		return fmt.Errorf("opening content root: %w", err)
	}

	loader.RequireMarker = cfg.RequirePublishMarker

	client := confluence.NewHTTPClient(cfg.BaseURL, cfg.User, cfg.APIToken, &http.Client{Timeout: 30 * time.Second})

	attachments, err := openCache(logger)
	if err != nil {
		return err
	}

	if attachments != nil {
		defer attachments.Close()
	}

	syntheticType := publish.ContentTypeFolder
	if cfg.FolderStructure == config.FolderStructurePages {
		syntheticType = publish.ContentTypePage
	}

	publisher := publish.NewPublisher(client, loader, markdown.NewRenderer(), attachments, logger, publish.Options{
		ParentPageID:  cfg.ParentPageID,
		SingleFile:    cfg.SingleFile,
		SyntheticType: syntheticType,
	})

	if cfg.Watch {
		return watchLoop(ctx, loader, publisher, logger)
	}

	return publishOnce(ctx, publisher, logger)
}

// openCache opens the attachment checksum cache. Failure to open it is
// not fatal; the run just re-uploads every attachment.
func openCache(logger *slog.Logger) (*cache.Cache, error) {
	path, err := cache.DefaultPath()
	if err != nil {
		logger.Warn("attachment cache unavailable", slog.String("error", err.Error()))
		return nil, nil
	}

	c, err := cache.Open(path)
	if err != nil {
		logger.Warn("attachment cache unavailable",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return nil, nil
	}

	return c, nil
}

func publishOnce(ctx context.Context, publisher *publish.Publisher, logger *slog.Logger) error {
	results, err := publisher.Publish(ctx)
	if err != nil {
		return err
	}

	succeeded := 0

	for _, r := range results {
		if r.Success() {
			succeeded++
			continue
		}

		logger.Error("file failed",
			slog.String("path", r.Path),
			slog.String("reason", r.Reason),
		)
	}

	failed := len(results) - succeeded

	fmt.Printf("%d succeeded, %d failed\n", succeeded, failed)

	if failed > 0 {
		return fmt.Errorf("%d files failed to publish", failed)
	}

	return nil
}

// watchLoop publishes once up front, then republishes on vault changes
// until the context is cancelled. A failing run logs and waits for the
// next change instead of exiting.
func watchLoop(ctx context.Context, loader *vault.FSLoader, publisher *publish.Publisher, logger *slog.Logger) error {
	if err := publishOnce(ctx, publisher, logger); err != nil {
		logger.Error("publish failed", slog.String("error", err.Error()))
	}

	return loader.Watch(ctx, func() {
		if err := publishOnce(ctx, publisher, logger); err != nil {
			logger.Error("publish failed", slog.String("error", err.Error()))
		}
	})
}
