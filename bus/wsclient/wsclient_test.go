package wsclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripsmith/itinera/bus"
	"github.com/tripsmith/itinera/bus/wsclient"
	"github.com/tripsmith/itinera/events"
)

func TestPumpWritesEventsAsJSONFrames(t *testing.T) {
	received := make(chan []byte, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	b := bus.New(bus.Options{})
	ctx := context.Background()
	sub, err := b.Register(ctx, "trip-ws", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- wsclient.Pump(ctx, conn, sub, nil) }()

	b.Broadcast(ctx, "trip-ws", events.TypeProgress, "exec-1", "", events.ProgressPayload{OverallPct: 10})
	b.Broadcast(ctx, "trip-ws", events.TypeProgress, "exec-1", "", events.ProgressPayload{OverallPct: 20})

	var types []string
	for i := 0; i < 3; i++ {
		select {
		case data := <-received:
			var ev struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(data, &ev))
			types = append(types, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for websocket frame")
		}
	}
	assert.Equal(t, []string{"connected", "progress", "progress"}, types)

	b.Unregister(sub)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not exit after the subscription closed")
	}
}
