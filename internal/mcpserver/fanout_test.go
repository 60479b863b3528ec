package mcpserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drasi-project/mcp-reaction/internal/store"
)

func drain(t *testing.T, q *notifyQueue, n int) []Notification {
	t.Helper()
	out := make([]Notification, 0, n)
	for i := 0; i < n; i++ {
		select {
		case notif, ok := <-q.out:
			if !ok {
				t.Fatalf("queue closed after %d of %d notifications", i, n)
			}
			out = append(out, notif)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for notification %d/%d", i+1, n)
		}
	}
	return out
}

func assertNoMoreWithin(t *testing.T, q *notifyQueue, d time.Duration) {
	t.Helper()
	select {
	case n := <-q.out:
		t.Fatalf("unexpected extra notification: %+v", n)
	case <-time.After(d):
	}
}

// TestFanout_Scenario1_CreateDeliversTwoUpdatesAndListChanged reproduces
// the documented create scenario: a session subscribed to the query URI
// receives one resources/updated notification for the new entry, one for
// the query URI, and, because the server advertises listChanged, one
// resources/list_changed notification.
func TestFanout_Scenario1_CreateDeliversTwoUpdatesAndListChanged(t *testing.T) {
	st := store.New("test-reaction", discardLogger())
	st.InitializeQuery("customer-data", "customer_id", "application/json", "")

	srv := NewServer(st, "test-reaction", ServerInfo{Name: "mcp-reaction"}, true, discardLogger())
	t.Cleanup(srv.Close)

	sess := srv.createSession("sess-1")
	queue := sess.attachStream()
	sess.subscribe("drasi://test-reaction/queries/customer-data")

	_, err := st.UpsertEntry("customer-data", "cust-1", map[string]any{"customer_id": "cust-1", "name": "Ada"})
	require.NoError(t, err)

	notifs := drain(t, queue, 3)
	for _, n := range notifs[:2] {
		assert.Equal(t, "notifications/resources/updated", n.Method)
	}
	assert.Equal(t, "notifications/resources/list_changed", notifs[2].Method)
	assertNoMoreWithin(t, queue, 100*time.Millisecond)
}

// TestFanout_Scenario2_UpdateDeliversOneNotification reproduces the
// documented update scenario: no list change fires because the entry set
// didn't change shape.
func TestFanout_Scenario2_UpdateDeliversOneNotification(t *testing.T) {
	st := store.New("test-reaction", discardLogger())
	st.InitializeQuery("customer-data", "customer_id", "application/json", "")
	_, err := st.UpsertEntry("customer-data", "cust-1", map[string]any{"customer_id": "cust-1", "name": "Ada"})
	require.NoError(t, err)

	srv := NewServer(st, "test-reaction", ServerInfo{Name: "mcp-reaction"}, true, discardLogger())
	t.Cleanup(srv.Close)

	sess := srv.createSession("sess-1")
	queue := sess.attachStream()
	sess.subscribe("drasi://test-reaction/queries/customer-data")

	_, err = st.UpsertEntry("customer-data", "cust-1", map[string]any{"customer_id": "cust-1", "name": "Ada Lovelace"})
	require.NoError(t, err)

	drain(t, queue, 1)
	assertNoMoreWithin(t, queue, 100*time.Millisecond)
}

// TestFanout_Scenario3_DeleteDeliversTwoUpdatesAndListChanged mirrors the
// create scenario for a removal.
func TestFanout_Scenario3_DeleteDeliversTwoUpdatesAndListChanged(t *testing.T) {
	st := store.New("test-reaction", discardLogger())
	st.InitializeQuery("customer-data", "customer_id", "application/json", "")
	_, err := st.UpsertEntry("customer-data", "cust-1", map[string]any{"customer_id": "cust-1", "name": "Ada"})
	require.NoError(t, err)

	srv := NewServer(st, "test-reaction", ServerInfo{Name: "mcp-reaction"}, true, discardLogger())
	t.Cleanup(srv.Close)

	sess := srv.createSession("sess-1")
	queue := sess.attachStream()
	sess.subscribe("drasi://test-reaction/queries/customer-data")

	result := st.DeleteEntry("customer-data", "cust-1")
	assert.Equal(t, store.Deleted, result)

	notifs := drain(t, queue, 3)
	assert.Equal(t, "notifications/resources/list_changed", notifs[2].Method)
	assertNoMoreWithin(t, queue, 100*time.Millisecond)
}

func TestFanout_UnsubscribedSessionReceivesNothing(t *testing.T) {
	st := store.New("test-reaction", discardLogger())
	st.InitializeQuery("customer-data", "customer_id", "application/json", "")

	srv := NewServer(st, "test-reaction", ServerInfo{Name: "mcp-reaction"}, true, discardLogger())
	t.Cleanup(srv.Close)

	sess := srv.createSession("sess-1")
	queue := sess.attachStream()
	// deliberately not subscribed

	_, err := st.UpsertEntry("customer-data", "cust-1", map[string]any{"customer_id": "cust-1"})
	require.NoError(t, err)

	assertNoMoreWithin(t, queue, 150*time.Millisecond)
}
