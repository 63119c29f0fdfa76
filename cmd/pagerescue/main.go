// Command pagerescue opens a page in Chrome and keeps it usable: broken images
// are recovered, overflowing layouts are rescued, rendering distress switches
// on the performance protector and an offline network replays the last
// snapshot.
//
// Usage:
//
//	pagerescue -url https://example.com
//	pagerescue -config pagerescue.yaml -url https://example.com -debug-addr :8099
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/pagerescue/browser"
	"github.com/hazyhaar/pagerescue/config"
	"github.com/hazyhaar/pagerescue/guard"
	"github.com/hazyhaar/pagerescue/resstore"
)

func main() {
	configPath := flag.String("config", "", "path to pagerescue.yaml")
	pageURL := flag.String("url", "", "page to open")
	debugAddr := flag.String("debug-addr", "", "serve the debug API on this address (e.g. :8099)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *pageURL == "" {
		fmt.Fprintln(os.Stderr, "usage: pagerescue -url <url> [-config <file>] [-debug-addr <addr>]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *pageURL, *debugAddr); err != nil {
		logger.Error("pagerescue: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, pageURL, debugAddr string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	store := resstore.New(cfg.StorePath,
		resstore.WithBudget(cfg.CacheBudgetBytes),
		resstore.WithLogger(logger))
	defer store.Close()

	mgr := browser.NewManager(cfg.Browser, logger)
	if _, err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	tab, err := browser.Open(ctx, mgr, pageURL, logger)
	if err != nil {
		return err
	}
	defer tab.Close()

	engine, err := guard.New(ctx, tab, store, cfg, guard.WithLogger(logger))
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Start(ctx); err != nil {
		logger.Warn("pagerescue: start", "error", err)
	}

	if debugAddr != "" {
		srv := &http.Server{Addr: debugAddr, Handler: engine.DebugHandler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("pagerescue: debug api listening", "addr", debugAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("pagerescue: debug api", "error", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutCtx)
		}()
	}

	tab.Listen(ctx, engine)
	logger.Info("pagerescue: shutting down")
	return nil
}
