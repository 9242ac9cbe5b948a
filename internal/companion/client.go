package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/riftwake/bridge/internal/config"
)

// Config holds companion client tuning.
type Config struct {
	ConnectTimeout time.Duration // bound on establishing the channel
	RequestTimeout time.Duration // bound on a single request/response
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration

	// Bootstrap pacing. A freshly opened channel chokes on back-to-back
	// requests, so the warm-up sequence and the per-entity subscriptions
	// are spaced out.
	WarmupDelay    time.Duration
	SubscribeDelay time.Duration

	SendBuffer  int
	EventBuffer int
}

// DefaultConfig returns default companion client configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 15 * time.Second,
		RequestTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		WarmupDelay:    500 * time.Millisecond,
		SubscribeDelay: 100 * time.Millisecond,
		SendBuffer:     64,
		EventBuffer:    64,
	}
}

// session is the per-connection state. A new one is made on every
// successful connect so a stale goroutine can never touch a live socket.
type session struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Client owns one logical session to a game server. It is safe for
// concurrent use; only one connection attempt is ever in flight, and a
// Connect call while one is pending or a session is live is a no-op.
type Client struct {
	config Config
	logger *zap.Logger

	mu          sync.Mutex
	sess        *session
	connecting  bool
	seq         uint64
	pending     map[uint64]chan *Envelope
	subscribers []*Subscription
}

// New creates a companion client. No connection is made until Connect.
func New(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		config:  cfg,
		logger:  logger,
		pending: make(map[uint64]chan *Envelope),
	}
}

// Subscribe registers an event consumer. Subscribers receive events in
// registration order, each in transport order.
func (c *Client) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan Event, c.config.EventBuffer)}
	c.mu.Lock()
	c.subscribers = append(c.subscribers, sub)
	c.mu.Unlock()
	return sub
}

// IsConnected returns a non-blocking snapshot of the session state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Connect establishes the duplex channel using the given credentials and
// begins receiving broadcasts. knownEntities are subscribed during the
// bootstrap so their future entityChanged broadcasts are delivered.
//
// A call while a connect is pending or a session is live returns nil
// without opening a second socket.
func (c *Client) Connect(ctx context.Context, creds config.ServerCredentials, knownEntities []string) error {
	c.mu.Lock()
	if c.sess != nil || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	conn, err := c.dial(ctx, creds)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		return err
	}

	sess := &session{
		conn: conn,
		send: make(chan []byte, c.config.SendBuffer),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	c.sess = sess
	c.connecting = false
	c.seq = 0
	c.pending = make(map[uint64]chan *Envelope)
	c.mu.Unlock()

	go c.readLoop(sess)
	go c.writeLoop(sess)

	c.logger.Info("companion session established",
		zap.String("server", creds.Address),
		zap.Int("port", creds.Port))
	c.dispatch(Connected{ServerName: creds.Name})

	go c.bootstrap(sess, knownEntities)
	return nil
}

// dial opens the websocket within the connect timeout and classifies
// failures into the ConnectionError taxonomy.
func (c *Client) dial(ctx context.Context, creds config.ServerCredentials) (*websocket.Conn, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(creds.Address, strconv.Itoa(creds.Port)),
		Path:   "/companion",
	}
	q := u.Query()
	q.Set("playerId", creds.PlayerID)
	q.Set("playerToken", creds.PlayerToken)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.config.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err == nil {
		return conn, nil
	}
	if resp != nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, &ConnectionError{Kind: ConnAuth, Err: err}
		}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return nil, &ConnectionError{Kind: ConnTimeout, Err: err}
	}
	return nil, &ConnectionError{Kind: ConnTransport, Err: err}
}

// Disconnect tears the session down. Safe to call in any state, any number
// of times; pending timers and requests owned by the session are released.
func (c *Client) Disconnect() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	c.teardown(sess, nil)
}

// teardown ends one session exactly once: fails the pending requests,
// closes the socket, and emits either Disconnected or ClientError.
func (c *Client) teardown(sess *session, cause error) {
	sess.once.Do(func() {
		c.mu.Lock()
		if c.sess == sess {
			c.sess = nil
		}
		pending := c.pending
		c.pending = make(map[uint64]chan *Envelope)
		c.mu.Unlock()

		close(sess.done)
		sess.conn.Close()
		for _, ch := range pending {
			close(ch)
		}

		if cause != nil {
			c.logger.Warn("companion session lost", zap.Error(cause))
			c.dispatch(ClientError{Err: cause})
		} else {
			c.logger.Info("companion session closed")
			c.dispatch(Disconnected{})
		}
	})
}

// Request sends one envelope and waits for the response correlated by
// sequence id.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.seq++
	seq := c.seq
	ch := make(chan *Envelope, 1)
	c.pending[seq] = ch
	c.mu.Unlock()

	req := Request{Seq: seq, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			c.forget(seq)
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	data, err := json.Marshal(&req)
	if err != nil {
		c.forget(seq)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	select {
	case sess.send <- data:
	case <-sess.done:
		c.forget(seq)
		return nil, ErrNotConnected
	case <-ctx.Done():
		c.forget(seq)
		return nil, ctx.Err()
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case env := <-ch:
		if env == nil {
			return nil, ErrNotConnected
		}
		if env.Error != nil {
			return nil, env.Error
		}
		return env.Result, nil
	case <-timer.C:
		c.forget(seq)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		c.forget(seq)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// SendTeamMessage posts one line to the in-game team chat. Requires a
// connected session.
func (c *Client) SendTeamMessage(ctx context.Context, text string) error {
	_, err := c.Request(ctx, MethodSendTeamMessage, teamMessageParams{Message: text})
	return err
}

// SubscribeEntity issues the entity-info query that doubles as the
// per-entity broadcast subscription.
func (c *Client) SubscribeEntity(ctx context.Context, entityID string) error {
	_, err := c.Request(ctx, MethodEntityInfo, entityInfoParams{EntityID: entityID})
	return err
}

// QueryTime issues the cheap no-op request the liveness probe uses to keep
// the channel warm.
func (c *Client) QueryTime(ctx context.Context) error {
	_, err := c.Request(ctx, MethodTime, nil)
	return err
}

// bootstrap runs the post-connect warm-up: the fixed info/team/time
// sequence that starts the broadcast stream, then one subscription per
// known entity. Paced, best-effort; failures are logged and skipped.
func (c *Client) bootstrap(sess *session, entityIDs []string) {
	warmup := []string{MethodServerInfo, MethodTeamInfo, MethodTime}
	for i, method := range warmup {
		if i > 0 && !c.pause(sess, c.config.WarmupDelay) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
		_, err := c.Request(ctx, method, nil)
		cancel()
		if err != nil {
			if errors.Is(err, ErrNotConnected) {
				return
			}
			c.logger.Warn("bootstrap request failed", zap.String("method", method), zap.Error(err))
		}
	}
	for _, id := range entityIDs {
		if !c.pause(sess, c.config.SubscribeDelay) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
		err := c.SubscribeEntity(ctx, id)
		cancel()
		if err != nil {
			if errors.Is(err, ErrNotConnected) {
				return
			}
			c.logger.Warn("entity subscription failed", zap.String("entity_id", id), zap.Error(err))
		}
	}
}

// pause sleeps for d unless the session ends first.
func (c *Client) pause(sess *session, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-sess.done:
		return false
	}
}

// readLoop consumes inbound frames until the socket dies, routing
// responses to their waiters and broadcasts to subscribers.
func (c *Client) readLoop(sess *session) {
	conn := sess.conn
	conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-sess.done:
				// Disconnect already ran teardown.
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.teardown(sess, nil)
				} else {
					c.teardown(sess, err)
				}
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed frame: protocol error, but the channel itself is
			// still alive. Log and keep reading.
			c.logger.Warn("unparseable envelope", zap.Error(err))
			continue
		}

		if env.IsResponse() {
			c.mu.Lock()
			ch, ok := c.pending[env.Seq]
			if ok {
				delete(c.pending, env.Seq)
			}
			c.mu.Unlock()
			if ok {
				ch <- &env
			} else {
				c.logger.Debug("response for unknown sequence", zap.Uint64("seq", env.Seq))
			}
			continue
		}

		c.handleBroadcast(&env)
	}
}

// handleBroadcast decodes one unsolicited envelope into its typed event.
// Unknown kinds are ignored with a log line.
func (c *Client) handleBroadcast(env *Envelope) {
	switch env.Broadcast {
	case BroadcastEntityChanged:
		var p entityPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Warn("bad entityChanged payload", zap.Error(err))
			return
		}
		c.dispatch(EntityChanged{EntityID: p.EntityID, Value: p.Value})

	case BroadcastEntityInfo:
		var p entityPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Warn("bad entityInfo payload", zap.Error(err))
			return
		}
		c.dispatch(EntityInfo{EntityID: p.EntityID, Value: p.Value})

	case BroadcastTeamMessage:
		var p teamMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Warn("bad teamMessage payload", zap.Error(err))
			return
		}
		c.dispatch(TeamMessage{Text: p.Message, Sender: p.Name})

	case "":
		c.logger.Debug("envelope with neither seq nor broadcast")

	default:
		c.logger.Debug("ignoring broadcast", zap.String("kind", env.Broadcast))
	}
}

// dispatch delivers one event to every subscriber in registration order.
func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	subs := make([]*Subscription, len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			c.logger.Warn("subscriber queue full, dropping event")
		}
	}
}

// writeLoop drains the send queue and keeps the channel alive with pings.
func (c *Client) writeLoop(sess *session) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return

		case data := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.teardown(sess, err)
				return
			}

		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown(sess, fmt.Errorf("ping failed: %w", err))
				return
			}
		}
	}
}
