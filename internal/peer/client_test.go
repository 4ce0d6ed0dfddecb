package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// echoServer writes back every text frame it receives.
func echoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

// deafServer accepts the connection and then never reads from it, so a close
// handshake is never answered.
func deafServer(t *testing.T) string {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestConnectSendReceive(t *testing.T) {
	c := New(Config{})
	require.NoError(t, c.Connect(context.Background(), echoServer(t)))
	assert.Equal(t, Connected, c.State())

	require.NoError(t, c.Send("one", "two"))
	events := c.Events()
	assert.Equal(t, Event{Kind: EventMessage, Frame: "one"}, next(t, events))
	assert.Equal(t, Event{Kind: EventMessage, Frame: "two"}, next(t, events))

	require.NoError(t, c.Disconnect())
	ev := next(t, events)
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.NoError(t, ev.Err)

	_, ok := <-events
	assert.False(t, ok, "channel must close after the single Disconnected event")
	assert.Eventually(t, func() bool { return c.State() == Disconnected }, time.Second, 10*time.Millisecond)
}

func TestConnect_Failure(t *testing.T) {
	c := New(Config{HandshakeTimeout: 500 * time.Millisecond})
	err := c.Connect(context.Background(), "ws://127.0.0.1:1/")
	assert.Error(t, err)
	assert.Equal(t, Disconnected, c.State())
	assert.Nil(t, c.Events())
}

func TestConnect_Twice(t *testing.T) {
	url := echoServer(t)
	c := New(Config{})
	require.NoError(t, c.Connect(context.Background(), url))
	t.Cleanup(func() { _ = c.Disconnect() })

	assert.ErrorIs(t, c.Connect(context.Background(), url), ErrAlreadyConnected)
}

func TestSend_NotConnected(t *testing.T) {
	c := New(Config{})
	assert.ErrorIs(t, c.Send("x"), ErrNotConnected)
	assert.ErrorIs(t, c.Disconnect(), ErrNotConnected)
}

func TestRemoteClose_FiresDisconnectedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(Config{})
	require.NoError(t, c.Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")))
	events := c.Events()

	ev := next(t, events)
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.NoError(t, ev.Err)
	_, ok := <-events
	assert.False(t, ok)

	assert.Eventually(t, func() bool { return c.State() == Disconnected }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.Send("late"), ErrNotConnected)
}

func TestDisconnected_DeliveredToLateConsumer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range []string{"a", "b", "c"} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	// The buffer is exactly full of messages when the connection ends.
	c := New(Config{EventBuffer: 3, DisconnectTimeout: 100 * time.Millisecond})
	require.NoError(t, c.Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/"))
	events := c.Events()

	require.Eventually(t, func() bool { return c.State() == Disconnected }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 4)
	assert.Equal(t, "c", got[2].Frame)
	assert.Equal(t, EventDisconnected, got[3].Kind)
}

func TestAbruptClose_ReportsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	c := New(Config{})
	require.NoError(t, c.Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")))

	ev := next(t, c.Events())
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.Error(t, ev.Err)
}

func TestDisconnect_BoundedWhenServerIgnoresClose(t *testing.T) {
	c := New(Config{DisconnectTimeout: 200 * time.Millisecond})
	require.NoError(t, c.Connect(context.Background(), deafServer(t)))
	events := c.Events()

	start := time.Now()
	require.NoError(t, c.Disconnect())
	assert.Less(t, time.Since(start), time.Second)

	ev := next(t, events)
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.Eventually(t, func() bool { return c.State() == Disconnected }, time.Second, 10*time.Millisecond)
}

func TestReconnect(t *testing.T) {
	url := echoServer(t)
	c := New(Config{})
	require.NoError(t, c.Connect(context.Background(), url))
	first := c.Events()
	require.NoError(t, c.Disconnect())
	for range first {
	}
	require.Eventually(t, func() bool { return c.State() == Disconnected }, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Connect(context.Background(), url))
	defer c.Disconnect()
	require.NoError(t, c.Send("again"))
	assert.Equal(t, "again", next(t, c.Events()).Frame)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "disconnected", State(42).String())
}
