// Package store owns the materialised view of every configured query's
// current result set: the Resource Store described in the reaction's
// design. It is the single source of truth read by the MCP server and
// mutated by bootstrap and the change-event handler.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drasi-project/mcp-reaction/internal/uri"
)

// ErrUnknownQuery is returned when an operation names a queryId that has
// never been initialised.
var ErrUnknownQuery = errors.New("store: unknown query")

// ErrNotFound is returned by reads that name a URI with no matching
// resource.
var ErrNotFound = errors.New("store: resource not found")

// UpsertResult reports whether UpsertEntry created a new entry or replaced
// an existing one.
type UpsertResult int

const (
	Created UpsertResult = iota
	Updated
)

func (r UpsertResult) String() string {
	if r == Created {
		return "Created"
	}
	return "Updated"
}

// DeleteResult reports whether DeleteEntry actually removed a row.
type DeleteResult int

const (
	Deleted DeleteResult = iota
	NotFound
)

// QueryMetadata describes one configured, bootstrapped query.
type QueryMetadata struct {
	QueryID       string
	KeyField      string
	Description   string
	ContentType   string
	InitializedAt time.Time
}

// Entry is one materialised row, keyed by the query's configured keyField.
type Entry struct {
	QueryID     string
	EntryKey    string
	Data        map[string]any
	LastUpdated time.Time
}

// ChangeKind classifies a single-resource mutation.
type ChangeKind int

const (
	EntryCreated ChangeKind = iota
	EntryUpdated
	EntryDeleted
)

// EntryChange is emitted whenever one entry resource is created, replaced,
// or removed.
type EntryChange struct {
	URI  string
	Kind ChangeKind
}

// ListChange is emitted whenever a query's entry set changes shape (an
// entry was added or removed, as opposed to merely updated in place).
type ListChange struct {
	QueryURI    string
	AddedURIs   []string
	RemovedURIs []string
}

// Signal is one item delivered to Store subscribers. Exactly one of Entry
// or List is set.
type Signal struct {
	Entry *EntryChange
	List  *ListChange
}

// queryState holds one query's metadata and entries behind its own lock,
// so that mutations to distinct queries never contend with each other.
type queryState struct {
	mu      sync.RWMutex
	meta    QueryMetadata
	entries map[string]*Entry
}

// Store is the concurrency-safe, in-memory Resource Store.
type Store struct {
	logger *slog.Logger

	reactionName string

	indexMu sync.RWMutex
	queries map[string]*queryState

	subsMu    sync.RWMutex
	subs      map[uint64]*subscriber
	nextSubID uint64
}

// New creates an empty Store. reactionName is the authority segment used
// when building resource URIs.
func New(reactionName string, logger *slog.Logger) *Store {
	return &Store{
		logger:       logger,
		reactionName: reactionName,
		queries:      make(map[string]*queryState),
		subs:         make(map[uint64]*subscriber),
	}
}

// InitializeQuery registers or replaces a query's metadata. It never
// touches that query's entries — idempotent re-registration (e.g. from a
// repeated bootstrap) leaves existing rows untouched.
func (s *Store) InitializeQuery(queryID, keyField, contentType, description string) {
	if contentType == "" {
		contentType = "application/json"
	}

	qs := s.getOrCreateQueryState(queryID)

	qs.mu.Lock()
	qs.meta = QueryMetadata{
		QueryID:       queryID,
		KeyField:      keyField,
		Description:   description,
		ContentType:   contentType,
		InitializedAt: qs.meta.InitializedAt,
	}
	if qs.meta.InitializedAt.IsZero() {
		qs.meta.InitializedAt = timeNow()
	}
	qs.mu.Unlock()

	s.logger.Debug("query metadata registered", "query_id", queryID, "key_field", keyField)
}

func (s *Store) getOrCreateQueryState(queryID string) *queryState {
	s.indexMu.RLock()
	qs, ok := s.queries[queryID]
	s.indexMu.RUnlock()
	if ok {
		return qs
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if qs, ok = s.queries[queryID]; ok {
		return qs
	}
	qs = &queryState{entries: make(map[string]*Entry)}
	s.queries[queryID] = qs
	return qs
}

func (s *Store) lookupQueryState(queryID string) (*queryState, bool) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	qs, ok := s.queries[queryID]
	return qs, ok
}

// UpsertEntry creates or replaces the entry for (queryId, entryKey). It
// returns ErrUnknownQuery if InitializeQuery has never been called for
// queryId.
func (s *Store) UpsertEntry(queryID, entryKey string, data map[string]any) (UpsertResult, error) {
	qs, ok := s.lookupQueryState(queryID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQuery, queryID)
	}

	qs.mu.Lock()
	_, existed := qs.entries[entryKey]
	qs.entries[entryKey] = &Entry{
		QueryID:     queryID,
		EntryKey:    entryKey,
		Data:        data,
		LastUpdated: timeNow(),
	}
	qs.mu.Unlock()

	entryURI := uri.EntryURI(s.reactionName, queryID, entryKey).String()
	result := Updated
	kind := EntryUpdated
	if !existed {
		result = Created
		kind = EntryCreated
	}

	s.publish(Signal{Entry: &EntryChange{URI: entryURI, Kind: kind}})
	if !existed {
		queryURI := uri.QueryURI(s.reactionName, queryID).String()
		s.publish(Signal{List: &ListChange{QueryURI: queryURI, AddedURIs: []string{entryURI}}})
	}

	return result, nil
}

// DeleteEntry removes the entry for (queryId, entryKey), if present.
func (s *Store) DeleteEntry(queryID, entryKey string) DeleteResult {
	qs, ok := s.lookupQueryState(queryID)
	if !ok {
		return NotFound
	}

	qs.mu.Lock()
	_, existed := qs.entries[entryKey]
	if existed {
		delete(qs.entries, entryKey)
	}
	qs.mu.Unlock()

	if !existed {
		return NotFound
	}

	entryURI := uri.EntryURI(s.reactionName, queryID, entryKey).String()
	queryURI := uri.QueryURI(s.reactionName, queryID).String()
	s.publish(Signal{Entry: &EntryChange{URI: entryURI, Kind: EntryDeleted}})
	s.publish(Signal{List: &ListChange{QueryURI: queryURI, RemovedURIs: []string{entryURI}}})
	return Deleted
}

// GetEntry returns the row data for (queryId, entryKey), or nil if absent.
func (s *Store) GetEntry(queryID, entryKey string) map[string]any {
	qs, ok := s.lookupQueryState(queryID)
	if !ok {
		return nil
	}
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	e, ok := qs.entries[entryKey]
	if !ok {
		return nil
	}
	return e.Data
}

// QueryResource is the payload returned for a query-collection URI read.
type QueryResource struct {
	QueryID     string   `json:"queryId"`
	Description string   `json:"description,omitempty"`
	EntryCount  int      `json:"entryCount"`
	Entries     []string `json:"entries"`
}

// GetResourceByUri resolves a parsed URI to either a *QueryResource or the
// raw row data (map[string]any) for an entry. Returns ErrNotFound if the
// resource does not exist, ErrUnknownQuery if the named query was never
// initialised.
func (s *Store) GetResourceByUri(u uri.URI) (any, error) {
	qs, ok := s.lookupQueryState(u.QueryID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, u.QueryID)
	}

	switch u.Kind {
	case uri.Query:
		qs.mu.RLock()
		defer qs.mu.RUnlock()
		keys := make([]string, 0, len(qs.entries))
		for k := range qs.entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entryURIs := make([]string, len(keys))
		for i, k := range keys {
			entryURIs[i] = uri.EntryURI(s.reactionName, u.QueryID, k).String()
		}
		return &QueryResource{
			QueryID:     u.QueryID,
			Description: qs.meta.Description,
			EntryCount:  len(keys),
			Entries:     entryURIs,
		}, nil
	case uri.Entry:
		qs.mu.RLock()
		defer qs.mu.RUnlock()
		e, ok := qs.entries[u.EntryKey]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, u.String())
		}
		return e.Data, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, u.String())
	}
}

// ListQueries returns all registered query metadata, ordered by queryId.
func (s *Store) ListQueries() []QueryMetadata {
	s.indexMu.RLock()
	ids := make([]string, 0, len(s.queries))
	snapshot := make(map[string]*queryState, len(s.queries))
	for id, qs := range s.queries {
		ids = append(ids, id)
		snapshot[id] = qs
	}
	s.indexMu.RUnlock()

	sort.Strings(ids)
	out := make([]QueryMetadata, 0, len(ids))
	for _, id := range ids {
		qs := snapshot[id]
		qs.mu.RLock()
		out = append(out, qs.meta)
		qs.mu.RUnlock()
	}
	return out
}

// ListQueryEntries returns the entry URIs for one query, ordered by
// entryKey. Returns ErrUnknownQuery if the query was never initialised.
func (s *Store) ListQueryEntries(queryID string) ([]string, error) {
	qs, ok := s.lookupQueryState(queryID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, queryID)
	}

	qs.mu.RLock()
	keys := make([]string, 0, len(qs.entries))
	for k := range qs.entries {
		keys = append(keys, k)
	}
	qs.mu.RUnlock()

	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = uri.EntryURI(s.reactionName, queryID, k).String()
	}
	return out, nil
}

// ListQueryEntryRows returns the raw (entryKey, data) pairs for one query,
// ordered by entryKey. Used by the MCP results tool, which needs row data
// rather than URIs.
func (s *Store) ListQueryEntryRows(queryID string) ([]Entry, error) {
	qs, ok := s.lookupQueryState(queryID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, queryID)
	}

	qs.mu.RLock()
	defer qs.mu.RUnlock()
	keys := make([]string, 0, len(qs.entries))
	for k := range qs.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Entry, len(keys))
	for i, k := range keys {
		out[i] = *qs.entries[k]
	}
	return out, nil
}

// GetQueryMetadata returns one query's metadata, if registered.
func (s *Store) GetQueryMetadata(queryID string) (QueryMetadata, bool) {
	qs, ok := s.lookupQueryState(queryID)
	if !ok {
		return QueryMetadata{}, false
	}
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	return qs.meta, true
}

// Subscribe registers a new signal subscriber and returns its delivery
// channel plus a cancel function. Delivery preserves publish order for
// this subscriber; a subscriber that never cancels leaks its goroutine,
// so callers must always call cancel.
func (s *Store) Subscribe() (<-chan Signal, func()) {
	sub := newSubscriber()
	id := atomic.AddUint64(&s.nextSubID, 1)

	s.subsMu.Lock()
	s.subs[id] = sub
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
		sub.close()
	}
	return sub.out, cancel
}

func (s *Store) publish(sig Signal) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for _, sub := range s.subs {
		sub.push(sig)
	}
}

// subscriber decouples slow readers from publishers: push() never blocks,
// backed by an unbounded queue drained by a dedicated goroutine into a
// small output channel, preserving per-subscriber delivery order.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Signal
	closed bool
	out    chan Signal
}

func newSubscriber() *subscriber {
	sub := &subscriber{out: make(chan Signal, 16)}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.pump()
	return sub
}

func (sub *subscriber) push(sig Signal) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, sig)
	sub.cond.Signal()
	sub.mu.Unlock()
}

func (sub *subscriber) pump() {
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.closed {
			sub.cond.Wait()
		}
		if len(sub.queue) == 0 && sub.closed {
			sub.mu.Unlock()
			close(sub.out)
			return
		}
		sig := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		sub.out <- sig
	}
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	sub.closed = true
	sub.cond.Signal()
	sub.mu.Unlock()
}

// timeNow is a var so tests can stub it; defaults to time.Now.
var timeNow = time.Now
