// Command reaction runs the MCP reaction process.
//
// It consumes one or more continuous queries' change streams, materialises
// each query's current result set in memory, and serves it over the Model
// Context Protocol so that MCP clients can list, read, and subscribe to
// live query results.
//
// Configuration is read from a TOML file (see internal/config) overlaid
// with environment variables; per-query settings live under
// QueriesConfigDir as one <queryId>.toml file each.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/drasi-project/mcp-reaction/internal/config"
	"github.com/drasi-project/mcp-reaction/internal/reaction"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reaction: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to reaction.toml (default: search REACTION_CONFIG, ./reaction.toml, ~/.config/reaction/reaction.toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting reaction",
		"version", Version,
		"reaction_name", cfg.ReactionName,
		"view_service_url", cfg.ViewServiceURL,
		"management_service_url", cfg.ManagementServiceURL,
	)

	return reaction.Run(ctx, cfg, Version, logger)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
