package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drasi-project/mcp-reaction/internal/config"
	"github.com/drasi-project/mcp-reaction/internal/management"
	"github.com/drasi-project/mcp-reaction/internal/store"
	"github.com/drasi-project/mcp-reaction/internal/syncpoint"
	"github.com/drasi-project/mcp-reaction/internal/viewclient"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_InitialisesStoreAndSyncPoint(t *testing.T) {
	mgmt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer mgmt.Close()

	view := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"sequence": 42}`)
		fmt.Fprintln(w, `{"customer_id": "c1", "name": "Ada"}`)
		fmt.Fprintln(w, `{"customer_id": "c2", "name": "Grace"}`)
	}))
	defer view.Close()

	st := store.New("test-reaction", discardLogger())
	sp := syncpoint.NewManager(discardLogger())
	mgmtClient := management.NewClient(mgmt.URL, discardLogger())
	viewClient := viewclient.NewClient(view.URL, discardLogger())

	init := New(st, sp, mgmtClient, viewClient, discardLogger())

	qc := config.QueryConfig{QueryID: "customers", KeyField: "customer_id", ResourceContentType: "application/json"}
	require.NoError(t, init.Run(context.Background(), qc))

	seq, ok := sp.Get("customers")
	require.True(t, ok)
	assert.Equal(t, uint64(42), seq)

	rows, err := st.ListQueryEntryRows("customers")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRun_SkipsRowsWithUnusableKey(t *testing.T) {
	mgmt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer mgmt.Close()

	view := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"sequence": 1}`)
		fmt.Fprintln(w, `{"name": "missing key field"}`)
		fmt.Fprintln(w, `{"customer_id": "c1", "name": "Ada"}`)
	}))
	defer view.Close()

	st := store.New("test-reaction", discardLogger())
	sp := syncpoint.NewManager(discardLogger())
	init := New(st, sp, management.NewClient(mgmt.URL, discardLogger()), viewclient.NewClient(view.URL, discardLogger()), discardLogger())

	qc := config.QueryConfig{QueryID: "customers", KeyField: "customer_id"}
	require.NoError(t, init.Run(context.Background(), qc))

	rows, err := st.ListQueryEntryRows("customers")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRun_IdempotentWhenAlreadyInitialised(t *testing.T) {
	calls := 0
	mgmt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer mgmt.Close()

	st := store.New("test-reaction", discardLogger())
	sp := syncpoint.NewManager(discardLogger())
	sp.Initialise("customers", 7)

	init := New(st, sp, management.NewClient(mgmt.URL, discardLogger()), viewclient.NewClient("http://unused.invalid", discardLogger()), discardLogger())

	qc := config.QueryConfig{QueryID: "customers", KeyField: "customer_id"}
	require.NoError(t, init.Run(context.Background(), qc))
	assert.Equal(t, 0, calls, "already-initialised query must not contact the management service")
}

func TestRun_FatalWhenReadinessNeverSucceeds(t *testing.T) {
	mgmt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer mgmt.Close()

	st := store.New("test-reaction", discardLogger())
	sp := syncpoint.NewManager(discardLogger())
	init := New(st, sp, management.NewClient(mgmt.URL, discardLogger()), viewclient.NewClient("http://unused.invalid", discardLogger()), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // force immediate failure instead of waiting out the 300s budget

	qc := config.QueryConfig{QueryID: "customers", KeyField: "customer_id"}
	err := init.Run(ctx, qc)
	assert.Error(t, err)
}
