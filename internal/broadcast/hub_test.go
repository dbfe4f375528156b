package broadcast

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/position.report/internal/uwb"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func readSnapshot(t *testing.T, conn *websocket.Conn) uwb.Snapshot {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var snap uwb.Snapshot
	require.NoError(t, json.Unmarshal(payload, &snap))
	return snap
}

func testSnapshot(tags ...string) uwb.Snapshot {
	snap := uwb.Snapshot{ServerTime: time.Now().UTC()}
	for _, tag := range tags {
		snap.Trackers = append(snap.Trackers, uwb.TrackerSnapshot{
			TagID:  tag,
			Status: uwb.StatusActive,
		})
	}
	return snap
}

func TestHubSendsCurrentSnapshotOnSubscribe(t *testing.T) {
	hub := NewHub()
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	hub.Publish(testSnapshot("T0", "T1"))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The viewer gets the latest roster immediately, before the next tick.
	snap := readSnapshot(t, conn)
	require.Len(t, snap.Trackers, 2)
	assert.Equal(t, "T0", snap.Trackers[0].TagID)
}

func TestHubBroadcastsToAllViewers(t *testing.T) {
	hub := NewHub()
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	hub.Publish(testSnapshot())

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
		require.NoError(t, err)
		defer conn.Close()
		conns[i] = conn
		readSnapshot(t, conn) // drain the greeting frame
	}

	require.Eventually(t, func() bool { return hub.ViewerCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(testSnapshot("T7"))
	for _, conn := range conns {
		snap := readSnapshot(t, conn)
		require.Len(t, snap.Trackers, 1)
		assert.Equal(t, "T7", snap.Trackers[0].TagID)
	}
}

func TestHubUnsubscribeOnDisconnect(t *testing.T) {
	hub := NewHub()
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ViewerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ViewerCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Publishing with no viewers is a no-op, not an error.
	hub.Publish(testSnapshot("T0"))
}

func TestHubNoSnapshotBeforeFirstPublish(t *testing.T) {
	hub := NewHub()
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Nothing published yet: the first frame arrives with the first publish.
	require.Eventually(t, func() bool { return hub.ViewerCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Publish(testSnapshot("T0"))
	snap := readSnapshot(t, conn)
	require.Len(t, snap.Trackers, 1)
}
