package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pica/comics-server/internal/adapter/sqlite"
	"github.com/pica/comics-server/internal/config"
	"github.com/pica/comics-server/internal/domain"
	"github.com/pica/comics-server/internal/httpapi"
	"github.com/pica/comics-server/internal/httpfetch"
	"github.com/pica/comics-server/internal/logger"
	"github.com/pica/comics-server/internal/policy"
	"github.com/pica/comics-server/internal/scheduler"
	"github.com/pica/comics-server/internal/sources"
	"github.com/pica/comics-server/internal/sources/ehentai"
	"github.com/pica/comics-server/internal/sources/hitomi"
	"github.com/pica/comics-server/internal/sources/htmanga"
	"github.com/pica/comics-server/internal/sources/jm"
	"github.com/pica/comics-server/internal/sources/nhentai"
	"github.com/pica/comics-server/internal/sources/picacg"
	"github.com/pica/comics-server/internal/taskstore"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	zapLogger := logger.GetZapLogger()
	sugar := zapLogger.Sugar()
	sugar.Infow("starting pica-comics-server", "version", version, "config", *configPath)

	if err := os.MkdirAll(cfg.Storage, 0o755); err != nil {
		sugar.Fatalw("failed to create storage directory", "error", err, "path", cfg.Storage)
	}

	dbPath := filepath.Join(cfg.Storage, "pica.db")
	store, err := sqlite.Open(dbPath)
	if err != nil {
		sugar.Fatalw("failed to open database", "error", err, "path", dbPath)
	}
	defer store.Close()

	taskStore := taskstore.New(store)
	polStore := policy.NewStore(cfg.ToPolicy())

	fetcher := httpfetch.New(&http.Client{Timeout: 60 * time.Second})

	adapters := map[string]sources.Adapter{
		domain.SourcePicacg:  picacg.New(fetcher, polStore),
		domain.SourceEhentai: ehentai.New(fetcher, polStore),
		domain.SourceJM:      jm.New(fetcher, polStore),
		domain.SourceHitomi:  hitomi.New(fetcher, polStore),
		domain.SourceHtmanga: htmanga.New(fetcher, polStore),
		domain.SourceNhentai: nhentai.New(fetcher, polStore),
	}

	sched := scheduler.New(taskStore, polStore, adapters, cfg.Storage, sugar)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		sugar.Fatalw("boot recovery failed", "error", err)
	}

	httpServer := httpapi.NewServer(cfg.Addr(), taskStore, sched, polStore, cfg.APIKey, sugar)

	go func() {
		if err := httpServer.Start(); err != nil {
			sugar.Fatalw("HTTP server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sugar.Infow("application started successfully", "addr", cfg.Addr(), "storage", cfg.Storage)
	<-sigChan

	sugar.Info("shutdown signal received, stopping services...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		sugar.Errorw("failed to stop HTTP server gracefully", "error", err)
	}

	sugar.Info("application stopped successfully")
}
