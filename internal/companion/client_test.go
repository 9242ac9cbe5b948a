package companion

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/riftwake/bridge/internal/config"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.RequestTimeout = 500 * time.Millisecond
	cfg.WarmupDelay = time.Millisecond
	cfg.SubscribeDelay = time.Millisecond
	return cfg
}

// startServer runs a websocket test server and returns credentials that
// point the client at it.
func startServer(t *testing.T, handler http.HandlerFunc) config.ServerCredentials {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return config.ServerCredentials{
		Address:     host,
		Port:        port,
		PlayerID:    "76561198000000000",
		PlayerToken: "token",
		Name:        "Test Server",
	}
}

// wsHandler upgrades and hands the connection to fn.
func wsHandler(upgrades *int32, fn func(conn *websocket.Conn)) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		if upgrades != nil {
			atomic.AddInt32(upgrades, 1)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}
}

// respondAll answers every request with an empty result, forever.
func respondAll(conn *websocket.Conn) {
	var mu sync.Mutex
	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		mu.Lock()
		conn.WriteJSON(Envelope{Seq: req.Seq, Result: json.RawMessage(`{}`)})
		mu.Unlock()
	}
}

func collectEvents(sub *Subscription, d time.Duration) []Event {
	deadline := time.After(d)
	var events []Event
	for {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
}

func TestConnectAndRequest(t *testing.T) {
	creds := startServer(t, wsHandler(nil, respondAll))
	client := New(testConfig(), zap.NewNop())
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background(), creds, nil))
	assert.True(t, client.IsConnected())

	result, err := client.Request(context.Background(), MethodTime, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(result))
}

func TestConcurrentConnectOpensOneSocket(t *testing.T) {
	var upgrades int32
	creds := startServer(t, wsHandler(&upgrades, respondAll))
	client := New(testConfig(), zap.NewNop())
	defer client.Disconnect()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, client.Connect(context.Background(), creds, nil))
		}()
	}
	wg.Wait()

	assert.True(t, client.IsConnected())
	assert.Equal(t, int32(1), atomic.LoadInt32(&upgrades))

	// A later call with a session live is still a no-op.
	require.NoError(t, client.Connect(context.Background(), creds, nil))
	assert.Equal(t, int32(1), atomic.LoadInt32(&upgrades))
}

func TestRequestTimeout(t *testing.T) {
	// Server reads but never answers.
	creds := startServer(t, wsHandler(nil, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	cfg := testConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	client := New(cfg, zap.NewNop())
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background(), creds, nil))
	_, err := client.Request(context.Background(), MethodTime, nil)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestOperationsRequireSession(t *testing.T) {
	client := New(testConfig(), zap.NewNop())

	err := client.SendTeamMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.Request(context.Background(), MethodTime, nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	// Disconnect with no session is a safe no-op.
	client.Disconnect()
	client.Disconnect()
}

func TestBroadcastsDispatchedInTransportOrder(t *testing.T) {
	broadcasts := []string{
		`{"broadcast":"entityChanged","data":{"entityId":"1","value":true}}`,
		`{"broadcast":"teamMessage","data":{"message":"we are being raided"}}`,
		`{"broadcast":"entityChanged","data":{"entityId":"2","value":""}}`,
		`{"broadcast":"somethingNew","data":{}}`,
		`{"broadcast":"entityChanged","data":{"entityId":"3","value":7}}`,
	}
	creds := startServer(t, wsHandler(nil, func(conn *websocket.Conn) {
		for _, b := range broadcasts {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(b)); err != nil {
				return
			}
		}
		// Keep the connection open while the client drains.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))

	client := New(testConfig(), zap.NewNop())
	defer client.Disconnect()
	sub := client.Subscribe()

	require.NoError(t, client.Connect(context.Background(), creds, nil))

	events := collectEvents(sub, 500*time.Millisecond)

	var got []Event
	for _, ev := range events {
		switch ev.(type) {
		case EntityChanged, TeamMessage:
			got = append(got, ev)
		}
	}
	require.Len(t, got, 4) // the unknown kind is ignored
	assert.Equal(t, EntityChanged{EntityID: "1", Value: true}, got[0])
	assert.Equal(t, TeamMessage{Text: "we are being raided"}, got[1])
	assert.Equal(t, EntityChanged{EntityID: "2", Value: ""}, got[2])
	assert.Equal(t, EntityChanged{EntityID: "3", Value: float64(7)}, got[3])
}

func TestBootstrapSubscribesKnownEntities(t *testing.T) {
	requests := make(chan Request, 32)
	creds := startServer(t, wsHandler(nil, func(conn *websocket.Conn) {
		var mu sync.Mutex
		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			requests <- req
			mu.Lock()
			conn.WriteJSON(Envelope{Seq: req.Seq, Result: json.RawMessage(`{}`)})
			mu.Unlock()
		}
	}))

	client := New(testConfig(), zap.NewNop())
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background(), creds, []string{"5821", "77"}))

	var warmup []string
	var subscribed []string
	deadline := time.After(2 * time.Second)
	for len(subscribed) < 2 {
		select {
		case req := <-requests:
			if req.Method == MethodEntityInfo {
				var p entityInfoParams
				require.NoError(t, json.Unmarshal(req.Params, &p))
				subscribed = append(subscribed, p.EntityID)
			} else {
				warmup = append(warmup, req.Method)
			}
		case <-deadline:
			t.Fatalf("bootstrap incomplete: warmup=%v subscribed=%v", warmup, subscribed)
		}
	}

	// Warm-up runs first, in its fixed order, then the entity queries.
	assert.Equal(t, []string{MethodServerInfo, MethodTeamInfo, MethodTime}, warmup)
	assert.ElementsMatch(t, []string{"5821", "77"}, subscribed)
}

func TestConnectAuthFailure(t *testing.T) {
	creds := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	})
	client := New(testConfig(), zap.NewNop())

	err := client.Connect(context.Background(), creds, nil)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ConnAuth, connErr.Kind)
	assert.False(t, client.IsConnected())
}

func TestConnectTransportFailure(t *testing.T) {
	creds := config.ServerCredentials{
		Address: "127.0.0.1", Port: 1, PlayerID: "1", PlayerToken: "t",
	}
	client := New(testConfig(), zap.NewNop())

	err := client.Connect(context.Background(), creds, nil)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ConnTransport, connErr.Kind)

	// A failed attempt releases the guard: the next attempt proceeds.
	err = client.Connect(context.Background(), creds, nil)
	require.ErrorAs(t, err, &connErr)
}

func TestDisconnectEmitsSingleEvent(t *testing.T) {
	creds := startServer(t, wsHandler(nil, respondAll))
	client := New(testConfig(), zap.NewNop())
	sub := client.Subscribe()

	require.NoError(t, client.Connect(context.Background(), creds, nil))
	client.Disconnect()
	client.Disconnect()

	events := collectEvents(sub, 300*time.Millisecond)
	var disconnects, errs int
	for _, ev := range events {
		switch ev.(type) {
		case Disconnected:
			disconnects++
		case ClientError:
			errs++
		}
	}
	assert.Equal(t, 1, disconnects)
	assert.Zero(t, errs)
	assert.False(t, client.IsConnected())
}

func TestServerDropEmitsClientError(t *testing.T) {
	creds := startServer(t, wsHandler(nil, func(conn *websocket.Conn) {
		// Drop the connection without a close frame.
		conn.UnderlyingConn().Close()
	}))
	client := New(testConfig(), zap.NewNop())
	sub := client.Subscribe()

	require.NoError(t, client.Connect(context.Background(), creds, nil))

	events := collectEvents(sub, 500*time.Millisecond)
	var sawError bool
	for _, ev := range events {
		if _, ok := ev.(ClientError); ok {
			sawError = true
		}
	}
	assert.True(t, sawError)
	assert.False(t, client.IsConnected())
}
