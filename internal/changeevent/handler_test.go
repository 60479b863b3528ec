package changeevent

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drasi-project/mcp-reaction/internal/config"
	"github.com/drasi-project/mcp-reaction/internal/store"
	"github.com/drasi-project/mcp-reaction/internal/syncpoint"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) (*Handler, *store.Store, *syncpoint.Manager) {
	t.Helper()
	st := store.New("test-reaction", discardLogger())
	sp := syncpoint.NewManager(discardLogger())
	st.InitializeQuery("customer-data", "customer_id", "application/json", "")
	sp.Initialise("customer-data", 100)

	queries := map[string]config.QueryConfig{
		"customer-data": {QueryID: "customer-data", KeyField: "customer_id"},
	}
	return New(st, sp, queries, discardLogger()), st, sp
}

func TestApply_Scenario1_AddedRowCreatesEntry(t *testing.T) {
	h, st, sp := newFixture(t)

	err := h.Apply(Envelope{
		QueryID:      "customer-data",
		Sequence:     101,
		AddedResults: []Row{{"customer_id": "cust-1", "name": "Ada", "email": "ada@x"}},
	})
	require.NoError(t, err)

	seq, _ := sp.Get("customer-data")
	assert.Equal(t, uint64(101), seq)

	data := st.GetEntry("customer-data", "cust-1")
	require.NotNil(t, data)
	assert.Equal(t, "Ada", data["name"])
}

func TestApply_Scenario2_UpdatedRowReplacesEntry(t *testing.T) {
	h, st, _ := newFixture(t)
	require.NoError(t, h.Apply(Envelope{
		QueryID: "customer-data", Sequence: 101,
		AddedResults: []Row{{"customer_id": "cust-1", "name": "Ada"}},
	}))

	err := h.Apply(Envelope{
		QueryID:  "customer-data",
		Sequence: 102,
		UpdatedResults: []UpdatedRow{{
			Before: Row{"customer_id": "cust-1", "name": "Ada"},
			After:  Row{"customer_id": "cust-1", "name": "Ada Lovelace", "email": "ada@x"},
		}},
	})
	require.NoError(t, err)

	data := st.GetEntry("customer-data", "cust-1")
	require.NotNil(t, data)
	assert.Equal(t, "Ada Lovelace", data["name"])
}

func TestApply_Scenario3_DeletedRowRemovesEntry(t *testing.T) {
	h, st, _ := newFixture(t)
	require.NoError(t, h.Apply(Envelope{
		QueryID: "customer-data", Sequence: 101,
		AddedResults: []Row{{"customer_id": "cust-1", "name": "Ada"}},
	}))

	err := h.Apply(Envelope{
		QueryID:        "customer-data",
		Sequence:       103,
		DeletedResults: []Row{{"customer_id": "cust-1"}},
	})
	require.NoError(t, err)
	assert.Nil(t, st.GetEntry("customer-data", "cust-1"))
}

func TestApply_UnknownQueryIsClientErrorAndQuarantined(t *testing.T) {
	h, st, _ := newFixture(t)
	err := h.Apply(Envelope{QueryID: "does-not-exist", Sequence: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownQuery)
	assert.Nil(t, st.GetEntry("does-not-exist", "anything"))
}

func TestApply_UninitialisedQueryIsRetryable(t *testing.T) {
	st := store.New("test-reaction", discardLogger())
	sp := syncpoint.NewManager(discardLogger())
	st.InitializeQuery("customer-data", "customer_id", "application/json", "")
	queries := map[string]config.QueryConfig{"customer-data": {QueryID: "customer-data", KeyField: "customer_id"}}
	h := New(st, sp, queries, discardLogger())

	err := h.Apply(Envelope{QueryID: "customer-data", Sequence: 1})
	assert.ErrorIs(t, err, ErrUninitialised)
}

func TestApply_DuplicateSequenceIsSilentNoop(t *testing.T) {
	h, st, sp := newFixture(t)
	require.NoError(t, h.Apply(Envelope{
		QueryID: "customer-data", Sequence: 101,
		AddedResults: []Row{{"customer_id": "cust-1", "name": "Ada"}},
	}))

	err := h.Apply(Envelope{
		QueryID: "customer-data", Sequence: 101,
		AddedResults: []Row{{"customer_id": "cust-1", "name": "Should not apply"}},
	})
	require.NoError(t, err)

	data := st.GetEntry("customer-data", "cust-1")
	assert.Equal(t, "Ada", data["name"], "duplicate envelope must not mutate the store")

	seq, _ := sp.Get("customer-data")
	assert.Equal(t, uint64(101), seq)
}

func TestApply_AddThenDeleteSameKeyInOneEnvelopeNetsToDeletion(t *testing.T) {
	h, st, _ := newFixture(t)
	err := h.Apply(Envelope{
		QueryID:        "customer-data",
		Sequence:       101,
		AddedResults:   []Row{{"customer_id": "cust-1", "name": "Ada"}},
		DeletedResults: []Row{{"customer_id": "cust-1"}},
	})
	require.NoError(t, err)
	assert.Nil(t, st.GetEntry("customer-data", "cust-1"))
}

func TestApply_UpdateChangingKeyDeletesOldAndCreatesNew(t *testing.T) {
	h, st, _ := newFixture(t)
	require.NoError(t, h.Apply(Envelope{
		QueryID: "customer-data", Sequence: 101,
		AddedResults: []Row{{"customer_id": "cust-1", "name": "Ada"}},
	}))

	err := h.Apply(Envelope{
		QueryID:  "customer-data",
		Sequence: 102,
		UpdatedResults: []UpdatedRow{{
			Before: Row{"customer_id": "cust-1", "name": "Ada"},
			After:  Row{"customer_id": "cust-1-renamed", "name": "Ada"},
		}},
	})
	require.NoError(t, err)

	assert.Nil(t, st.GetEntry("customer-data", "cust-1"))
	assert.NotNil(t, st.GetEntry("customer-data", "cust-1-renamed"))
}

func TestApply_UpdateWithoutBeforeOnlyUpserts(t *testing.T) {
	h, st, _ := newFixture(t)
	err := h.Apply(Envelope{
		QueryID:  "customer-data",
		Sequence: 101,
		UpdatedResults: []UpdatedRow{{
			After: Row{"customer_id": "cust-1", "name": "Ada"},
		}},
	})
	require.NoError(t, err)
	assert.NotNil(t, st.GetEntry("customer-data", "cust-1"))
}

func TestHandleControl_DoesNotMutateStoreOrSyncPoint(t *testing.T) {
	h, st, sp := newFixture(t)

	h.HandleControl(ControlEvent{QueryID: "customer-data", Kind: "running"})

	seq, _ := sp.Get("customer-data")
	assert.Equal(t, uint64(100), seq, "control signal must not advance the sync point")
	assert.Nil(t, st.GetEntry("customer-data", "cust-1"))
}

func TestHandleControl_UnknownQueryIDIsFine(t *testing.T) {
	h, _, _ := newFixture(t)
	h.HandleControl(ControlEvent{QueryID: "does-not-exist", Kind: "bootstrap-started"})
}

func TestServeHTTP_ControlEventForUnknownQueryIsAcked(t *testing.T) {
	h, st, sp := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(
		`{"queryId":"does-not-exist","kind":"bootstrap-started"}`))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "control events must be acked 2xx even for an unconfigured query")
	assert.Nil(t, st.GetEntry("does-not-exist", "anything"))
	_, known := sp.Get("does-not-exist")
	assert.False(t, known)
}

func TestServeHTTP_ControlEventForKnownQueryDoesNotMutateOrAdvance(t *testing.T) {
	h, st, sp := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(
		`{"queryId":"customer-data","kind":"running"}`))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	seq, _ := sp.Get("customer-data")
	assert.Equal(t, uint64(100), seq, "control signal must not be mistaken for a duplicate change event")
	assert.Nil(t, st.GetEntry("customer-data", "cust-1"))
}

func TestServeHTTP_ChangeEventStillAppliesNormally(t *testing.T) {
	h, st, _ := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(
		`{"queryId":"customer-data","sequence":101,"addedResults":[{"customer_id":"cust-1","name":"Ada"}]}`))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	data := st.GetEntry("customer-data", "cust-1")
	require.NotNil(t, data)
	assert.Equal(t, "Ada", data["name"])
}

func TestServeHTTP_UnknownQueryChangeEventIsBadRequest(t *testing.T) {
	h, _, _ := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(
		`{"queryId":"does-not-exist","sequence":1}`))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApply_RowWithMissingKeyIsSkippedButSequenceStillRecorded(t *testing.T) {
	h, _, sp := newFixture(t)
	err := h.Apply(Envelope{
		QueryID:      "customer-data",
		Sequence:     101,
		AddedResults: []Row{{"name": "no key field"}},
	})
	require.NoError(t, err)

	seq, _ := sp.Get("customer-data")
	assert.Equal(t, uint64(101), seq)
}
