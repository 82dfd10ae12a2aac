// Command couidevtoolsd serves DevTools inspection for game-UI pages.
//
// Usage:
//
//	couidevtoolsd -config devtools.yaml     # run with config file
//	couidevtoolsd -page lobby.html          # serve one page with defaults
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/couikit/devtools/audit"
	"github.com/couikit/devtools/bridge"
	"github.com/couikit/devtools/cssom"
	"github.com/couikit/devtools/dbopen"
	"github.com/couikit/devtools/inspector"
	"github.com/couikit/devtools/page"
)

func main() {
	configPath := flag.String("config", "", "path to devtools.yaml config file")
	pageFile := flag.String("page", "", "serve a single HTML file with default settings")
	listen := flag.String("listen", "", "listen address (overrides config)")
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
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *pageFile, *listen); err != nil {
		logger.Error("couidevtoolsd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, pageFile, listen string) error {
	cfg, err := resolveConfig(configPath, pageFile)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}

	opts := []bridge.ServerOption{
		bridge.WithServerLogger(logger),
		bridge.WithFlushInterval(cfg.FlushInterval),
	}
	if cfg.AttributeThrottle > 0 {
		opts = append(opts, bridge.WithSessionOptions(
			inspector.WithAttributeThrottle(cfg.AttributeThrottle)))
	}

	if cfg.Audit.Enabled {
		db, err := dbopen.Open(cfg.Audit.DBPath, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		defer db.Close()

		rec := audit.NewRecorder(db, 1000, audit.WithRecorderLogger(logger))
		if err := rec.Init(); err != nil {
			return fmt.Errorf("init audit schema: %w", err)
		}
		defer rec.Close()
		if deleted, err := rec.Cleanup(ctx, cfg.Audit.RetentionDays); err != nil {
			logger.Warn("audit retention cleanup", "error", err)
		} else if deleted > 0 {
			logger.Info("audit retention cleanup", "deleted", deleted)
		}
		opts = append(opts, bridge.WithObserver(rec))
	}

	srv := bridge.NewServer(cfg.Listen, opts...)
	for _, pc := range cfg.Pages {
		p, err := loadPage(pc)
		if err != nil {
			return err
		}
		srv.AddPage(p)
		logger.Info("page registered", "id", pc.ID, "file", pc.File)
	}

	return srv.Run(ctx)
}

func loadPage(pc bridge.PageConfig) (*page.Page, error) {
	src, err := os.ReadFile(pc.File)
	if err != nil {
		return nil, fmt.Errorf("read page %q: %w", pc.ID, err)
	}
	p := page.New(pc.ID, pc.Title, pc.URL, page.WithMatcher(cssom.Matches))
	if err := p.LoadHTML(string(src)); err != nil {
		return nil, fmt.Errorf("load page %q: %w", pc.ID, err)
	}
	return p, nil
}

func resolveConfig(configPath, pageFile string) (*bridge.Config, error) {
	if configPath != "" {
		return bridge.LoadConfigFile(configPath)
	}
	if pageFile == "" {
		fmt.Fprintln(os.Stderr, "usage: couidevtoolsd -config <file> | -page <html file>")
		os.Exit(1)
	}

	id := strings.TrimSuffix(filepath.Base(pageFile), filepath.Ext(pageFile))
	cfg := &bridge.Config{
		Pages: []bridge.PageConfig{{ID: id, File: pageFile}},
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
