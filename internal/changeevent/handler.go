// Package changeevent applies inbound change-stream envelopes to the
// Resource Store, gated by the Sync-Point Manager so that duplicate or
// out-of-order envelopes are absorbed without mutating anything.
// Non-data control signals (bootstrap-started/completed, running,
// stopped, deleted) share the same inbound endpoint; they are logged and
// acknowledged without touching the store or the sync point.
package changeevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/drasi-project/mcp-reaction/internal/config"
	"github.com/drasi-project/mcp-reaction/internal/store"
	"github.com/drasi-project/mcp-reaction/internal/syncpoint"
)

// ErrUnknownQuery is returned when an envelope names a queryId with no
// configuration on record.
var ErrUnknownQuery = errors.New("changeevent: unknown query")

// ErrUninitialised is returned when an envelope arrives for a query whose
// sync point has not yet been established by bootstrap.
var ErrUninitialised = errors.New("changeevent: query not yet initialised")

// Row is an opaque structured change-stream record. At minimum it
// carries the value for the owning query's configured keyField.
type Row = map[string]any

// UpdatedRow carries the before/after images of one updated result.
type UpdatedRow struct {
	Before Row `json:"before"`
	After  Row `json:"after"`
}

// Envelope is one inbound change-stream message for a single query.
type Envelope struct {
	QueryID        string       `json:"queryId"`
	Sequence       int64        `json:"sequence"`
	AddedResults   []Row        `json:"addedResults"`
	UpdatedResults []UpdatedRow `json:"updatedResults"`
	DeletedResults []Row        `json:"deletedResults"`
}

// ControlEvent is a non-data signal on the same inbound transport as
// Envelope: bootstrap-started, bootstrap-completed, running, stopped, or
// deleted. It carries no row mutations and never advances the sync
// point — it is logged and acknowledged, nothing more.
type ControlEvent struct {
	QueryID string `json:"queryId"`
	Kind    string `json:"kind"`
}

// envelopeDiscriminator is decoded first to tell a ControlEvent apart
// from an Envelope: the transport's control signals carry a "kind"
// field that data envelopes never have.
type envelopeDiscriminator struct {
	Kind *string `json:"kind"`
}

// Handler applies envelopes to the store. It serialises envelope
// application per queryId, so the duplicate check, the mutations it
// gates, and the sync-point advance of one envelope never interleave with
// another envelope for the same query. Store readers do not take this
// lock: they can see an envelope's mutations land one at a time, but the
// sync point advances only after all of them.
type Handler struct {
	store      *store.Store
	syncPoints *syncpoint.Manager
	queries    map[string]config.QueryConfig
	logger     *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Handler for the given set of configured queries.
func New(st *store.Store, syncPoints *syncpoint.Manager, queries map[string]config.QueryConfig, logger *slog.Logger) *Handler {
	return &Handler{
		store:      st,
		syncPoints: syncPoints,
		queries:    queries,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (h *Handler) lockFor(queryID string) *sync.Mutex {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	l, ok := h.locks[queryID]
	if !ok {
		l = &sync.Mutex{}
		h.locks[queryID] = l
	}
	return l
}

// Apply runs the eight-step algorithm for one envelope. A nil error means
// either a successful application or a duplicate that needed no
// mutation; both are a "silent success" at the transport layer. Callers
// distinguish fatal-for-this-envelope conditions via errors.Is against
// ErrUnknownQuery (client error, no redelivery) and ErrUninitialised
// (retryable, transport should redeliver).
func (h *Handler) Apply(env Envelope) error {
	qc, ok := h.queries[env.QueryID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, env.QueryID)
	}

	lock := h.lockFor(env.QueryID)
	lock.Lock()
	defer lock.Unlock()

	sp, known := h.syncPoints.Get(env.QueryID)
	if !known {
		return fmt.Errorf("%w: %s", ErrUninitialised, env.QueryID)
	}
	if env.Sequence <= int64(sp) {
		h.logger.Debug("duplicate change event ignored", "query_id", env.QueryID, "sequence", env.Sequence, "sync_point", sp)
		return nil
	}

	for _, row := range env.AddedResults {
		h.upsert(qc, row)
	}
	for _, upd := range env.UpdatedResults {
		h.applyUpdate(qc, upd)
	}
	for _, row := range env.DeletedResults {
		h.delete(qc, row)
	}

	h.syncPoints.Advance(env.QueryID, uint64(env.Sequence))
	return nil
}

// HandleControl logs a non-data control signal (bootstrap-started,
// bootstrap-completed, running, stopped, deleted). It never mutates the
// store or the sync point, regardless of whether queryId names a
// configured query.
func (h *Handler) HandleControl(ev ControlEvent) {
	h.logger.Info("control signal received", "query_id", ev.QueryID, "kind", ev.Kind)
}

func (h *Handler) upsert(qc config.QueryConfig, row Row) {
	key, ok := store.DeriveEntryKey(row, qc.KeyField)
	if !ok {
		h.logger.Warn("skipping change-event row with unusable key", "query_id", qc.QueryID, "key_field", qc.KeyField)
		return
	}
	if _, err := h.store.UpsertEntry(qc.QueryID, key, row); err != nil {
		h.logger.Error("upsert failed applying change event", "query_id", qc.QueryID, "entry_key", key, "error", err)
	}
}

func (h *Handler) delete(qc config.QueryConfig, row Row) {
	key, ok := store.DeriveEntryKey(row, qc.KeyField)
	if !ok {
		h.logger.Warn("skipping change-event deletion with unusable key", "query_id", qc.QueryID, "key_field", qc.KeyField)
		return
	}
	h.store.DeleteEntry(qc.QueryID, key)
}

// applyUpdate handles the key-change edge case: when after's key differs
// from before's, the net effect is delete(oldKey) + upsert(newKey). When
// before is unavailable, only the upsert is emitted.
func (h *Handler) applyUpdate(qc config.QueryConfig, upd UpdatedRow) {
	afterKey, ok := store.DeriveEntryKey(upd.After, qc.KeyField)
	if !ok {
		h.logger.Warn("skipping change-event update with unusable key", "query_id", qc.QueryID, "key_field", qc.KeyField)
		return
	}

	if upd.Before != nil {
		if beforeKey, ok := store.DeriveEntryKey(upd.Before, qc.KeyField); ok && beforeKey != afterKey {
			h.store.DeleteEntry(qc.QueryID, beforeKey)
		}
	}

	if _, err := h.store.UpsertEntry(qc.QueryID, afterKey, upd.After); err != nil {
		h.logger.Error("upsert failed applying change event update", "query_id", qc.QueryID, "entry_key", afterKey, "error", err)
	}
}

// ServeHTTP exposes Apply over HTTP: the inbound change-stream transport
// posts one ChangeEvent or ControlEvent envelope per request,
// distinguished by the presence of a "kind" field. Unknown queries are a
// client error (4xx, no redelivery expected); an uninitialised query is
// retryable (503, the transport should redeliver); control events are
// always acknowledged.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read request body: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var disc envelopeDiscriminator
	if err := json.Unmarshal(body, &disc); err != nil {
		http.Error(w, fmt.Sprintf("malformed envelope: %v", err), http.StatusBadRequest)
		return
	}

	if disc.Kind != nil {
		var ev ControlEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			http.Error(w, fmt.Sprintf("malformed control event: %v", err), http.StatusBadRequest)
			return
		}
		h.HandleControl(ev)
		w.WriteHeader(http.StatusOK)
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, fmt.Sprintf("malformed envelope: %v", err), http.StatusBadRequest)
		return
	}

	applyErr := h.Apply(env)
	switch {
	case applyErr == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(applyErr, ErrUnknownQuery):
		http.Error(w, applyErr.Error(), http.StatusBadRequest)
	case errors.Is(applyErr, ErrUninitialised):
		http.Error(w, applyErr.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error("unexpected error applying change event", "error", applyErr)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HealthHandler reports process liveness for the change-event transport.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
