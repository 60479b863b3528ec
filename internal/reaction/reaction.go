// Package reaction wires together the Resource Store, the Sync-Point
// Manager, the Query Initializer, the change-event transport, and the
// MCP server into one running process.
package reaction

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drasi-project/mcp-reaction/internal/bootstrap"
	"github.com/drasi-project/mcp-reaction/internal/changeevent"
	"github.com/drasi-project/mcp-reaction/internal/config"
	"github.com/drasi-project/mcp-reaction/internal/management"
	"github.com/drasi-project/mcp-reaction/internal/mcpserver"
	"github.com/drasi-project/mcp-reaction/internal/store"
	"github.com/drasi-project/mcp-reaction/internal/syncpoint"
	"github.com/drasi-project/mcp-reaction/internal/viewclient"
)

const shutdownGrace = 10 * time.Second

// Run brings every configured query to its initialised state, then serves
// the change-event transport and the MCP server until ctx is cancelled.
// A bootstrap failure for any single query is fatal for the whole
// process, per the bootstrap error taxonomy.
func Run(ctx context.Context, cfg *config.Config, version string, logger *slog.Logger) error {
	queries, err := config.LoadQueries(cfg.QueriesConfigDir)
	if err != nil {
		return fmt.Errorf("loading query configuration: %w", err)
	}

	resourceStore := store.New(cfg.ReactionName, logger)
	syncPoints := syncpoint.NewManager(logger)
	mgmtClient := management.NewClient(cfg.ManagementServiceURL, logger)
	viewClient := viewclient.NewClient(cfg.ViewServiceURL, logger)
	initializer := bootstrap.New(resourceStore, syncPoints, mgmtClient, viewClient, logger)

	if err := bootstrapAll(ctx, initializer, queries, logger); err != nil {
		return err
	}

	eventHandler := changeevent.New(resourceStore, syncPoints, queries, logger)

	dispatch := mcpserver.NewServer(resourceStore, cfg.ReactionName, mcpserver.ServerInfo{
		Name:    cfg.ReactionName,
		Version: version,
	}, true, logger)
	defer dispatch.Close()

	mcpHTTP := mcpserver.NewHTTPServer(dispatch, logger)

	changeEventMux := http.NewServeMux()
	changeEventMux.HandleFunc("/health", changeevent.HealthHandler)
	changeEventMux.Handle("/", eventHandler)

	changeEventSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.AppPort), Handler: changeEventMux}
	mcpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.McpServerPort), Handler: mcpHTTP.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(gctx, changeEventSrv, "change-event", logger) })
	g.Go(func() error { return serve(gctx, mcpSrv, "mcp", logger) })

	return g.Wait()
}

// bootstrapAll runs the Query Initializer for every configured query
// concurrently; the first fatal failure cancels the rest.
func bootstrapAll(ctx context.Context, initializer *bootstrap.Initializer, queries map[string]config.QueryConfig, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, qc := range queries {
		qc := qc
		g.Go(func() error {
			if err := initializer.Run(gctx, qc); err != nil {
				return fmt.Errorf("bootstrapping query %q: %w", qc.QueryID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("all queries bootstrapped", "count", len(queries))
	return nil
}

// serve runs srv until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, name string, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("%s server: %w", name, err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s server shutdown: %w", name, err)
		}
		logger.Info("http server stopped", "server", name)
		return nil
	}
}
