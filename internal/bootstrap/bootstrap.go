// Package bootstrap implements the Query Initializer: bringing a single
// configured query to its initialised state exactly once per process
// lifetime, before any of its change events are applied.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/drasi-project/mcp-reaction/internal/config"
	"github.com/drasi-project/mcp-reaction/internal/management"
	"github.com/drasi-project/mcp-reaction/internal/store"
	"github.com/drasi-project/mcp-reaction/internal/syncpoint"
	"github.com/drasi-project/mcp-reaction/internal/viewclient"
)

// Initializer brings queries to their initialised state.
type Initializer struct {
	store      *store.Store
	syncPoints *syncpoint.Manager
	management *management.Client
	viewClient *viewclient.Client
	logger     *slog.Logger
}

// New creates an Initializer wired to the shared store and sync-point
// manager, and to its two out-of-scope collaborators.
func New(st *store.Store, syncPoints *syncpoint.Manager, mgmt *management.Client, view *viewclient.Client, logger *slog.Logger) *Initializer {
	return &Initializer{
		store:      st,
		syncPoints: syncPoints,
		management: mgmt,
		viewClient: view,
		logger:     logger,
	}
}

// Run executes the initialisation protocol for one query. It is
// idempotent: a query whose sync point is already initialised returns
// immediately without touching the view service. Any failure here is
// fatal for the process — bootstrap failures compromise the ability to
// resume, per the error-handling taxonomy.
func (i *Initializer) Run(ctx context.Context, qc config.QueryConfig) error {
	// Step 1: idempotent re-entry.
	if _, ok := i.syncPoints.Get(qc.QueryID); ok {
		i.logger.Info("query already initialised, skipping bootstrap", "query_id", qc.QueryID)
		return nil
	}

	// Step 2: readiness poll, 300s budget, fatal on expiry.
	if err := i.management.WaitReady(ctx, qc.QueryID); err != nil {
		return fmt.Errorf("bootstrap %q: readiness poll failed: %w", qc.QueryID, err)
	}

	// Step 3: open the view-service stream; first element must be the header.
	stream, err := i.viewClient.Open(ctx, qc.QueryID)
	if err != nil {
		return fmt.Errorf("bootstrap %q: opening view stream: %w", qc.QueryID, err)
	}
	defer stream.Close()

	header, err := stream.Next(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap %q: reading header: %w", qc.QueryID, err)
	}
	if header.Kind != viewclient.Header {
		return fmt.Errorf("bootstrap %q: expected header as first stream element", qc.QueryID)
	}

	// Step 4: register metadata before any rows land.
	i.store.InitializeQuery(qc.QueryID, qc.KeyField, qc.ResourceContentType, qc.Description)

	// Steps 5-6: derive each row's key and upsert it; a bad row is skipped,
	// never fatal to the whole bootstrap.
	rowCount, skipped := 0, 0
	for {
		item, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("bootstrap %q: reading row: %w", qc.QueryID, err)
		}

		entryKey, ok := store.DeriveEntryKey(item.Data, qc.KeyField)
		if !ok {
			i.logger.Warn("skipping bootstrap row with unusable key",
				"query_id", qc.QueryID, "key_field", qc.KeyField)
			skipped++
			continue
		}

		if _, err := i.store.UpsertEntry(qc.QueryID, entryKey, item.Data); err != nil {
			return fmt.Errorf("bootstrap %q: upserting row %q: %w", qc.QueryID, entryKey, err)
		}
		rowCount++
	}

	// Step 7: initialise the sync point at the header's starting sequence.
	i.syncPoints.Initialise(qc.QueryID, uint64(header.Sequence))

	i.logger.Info("query bootstrap complete",
		"query_id", qc.QueryID, "rows", rowCount, "skipped", skipped, "sequence", header.Sequence)
	return nil
}
