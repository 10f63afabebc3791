// Package main provides the entry point for the gatehouse server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/txn2/gatehouse/internal/server"
	"github.com/txn2/gatehouse/pkg/platform"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	logLevel    string
	showVersion bool
	vacuum      bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Listen address, overrides configuration")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&opts.vacuum, "vacuum", false, "Vacuum idle sessions and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("gatehouse version %s\n", server.Version)
		return nil
	}
	if opts.configPath == "" {
		return fmt.Errorf("a configuration file is required (-config)")
	}

	cfg, err := platform.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}

	logger := newLogger(opts.logLevel)
	slog.SetDefault(logger)

	g, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer g.Close()

	ctx := setupSignalHandler()

	if opts.vacuum {
		return vacuumSessions(ctx, g, cfg.Session.InactivityTimeout)
	}

	if err := g.LoadRoutes(); err != nil {
		return fmt.Errorf("loading routes: %w", err)
	}
	if err := g.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func vacuumSessions(ctx context.Context, g *server.Gatehouse, maxLifetime time.Duration) error {
	if err := g.Store().Vacuum(ctx, maxLifetime); err != nil {
		return fmt.Errorf("vacuuming sessions: %w", err)
	}
	return nil
}
