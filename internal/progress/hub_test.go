package progress

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(quietLogger())
	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	hub.Publish(Update{RunID: "run-1", Phase: "running", Completed: 3, Total: 10})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var update Update
	require.NoError(t, json.Unmarshal(data, &update))
	assert.Equal(t, "run-1", update.RunID)
	assert.Equal(t, 3, update.Completed)
	assert.Equal(t, 10, update.Total)
	assert.False(t, update.Timestamp.IsZero())
}

func TestHubPublishWithoutClients(t *testing.T) {
	hub := NewHub(quietLogger())

	// Must not block or panic with nobody listening.
	hub.Publish(Update{RunID: "run-1"})
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	hub := NewHub(quietLogger())
	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	assert.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestFuncPublisher(t *testing.T) {
	var got Update
	p := Func(func(u Update) { got = u })

	p.Publish(Update{RunID: "x", Completed: 1})
	assert.Equal(t, "x", got.RunID)
	assert.Equal(t, 1, got.Completed)
}

func TestNopPublisher(t *testing.T) {
	NopPublisher{}.Publish(Update{RunID: "ignored"})
}
