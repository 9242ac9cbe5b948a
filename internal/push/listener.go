// Package push maintains the persistent connection to the push-delivery
// service and decodes notification envelopes. Interpreting pairing
// semantics is the resolver's job, not this package's.
package push

import (
	"encoding/json"
	"errors"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/riftwake/bridge/internal/config"
)

// ErrMissingCredentials is returned when no push credentials are stored.
// Registration is a one-time out-of-scope setup; without its output there
// is nothing to listen to.
var ErrMissingCredentials = errors.New("push: missing credentials")

// Notification is one delivered payload: the opaque key-value envelope plus
// the parsed nested body.
type Notification struct {
	Envelope map[string]interface{}
	Body     map[string]interface{}
}

// Listener is a live subscription to the push topic.
type Listener struct {
	client mqtt.Client
	topic  string
	logger *zap.Logger
	ch     chan Notification
}

// Listen connects to the broker with the stored credentials and starts
// delivering notifications. The broker connection auto-reconnects; the
// subscription survives reconnects.
func Listen(creds *config.PushCredentials, logger *zap.Logger) (*Listener, error) {
	if !creds.Valid() {
		return nil, ErrMissingCredentials
	}

	l := &Listener{
		topic:  creds.Topic,
		logger: logger,
		ch:     make(chan Notification, 32),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(creds.Broker)
	opts.SetClientID(creds.ClientID)
	if creds.Username != "" {
		opts.SetUsername(creds.Username)
	}
	if creds.Password != "" {
		opts.SetPassword(creds.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if token := c.Subscribe(l.topic, 1, l.onMessage); token.Wait() && token.Error() != nil {
			logger.Error("push subscribe failed", zap.String("topic", l.topic), zap.Error(token.Error()))
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("push connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("push: connect broker: %w", token.Error())
	}
	l.client = client

	logger.Info("push listener started", zap.String("topic", creds.Topic))
	return l, nil
}

// Notifications returns the stream of decoded payloads.
func (l *Listener) Notifications() <-chan Notification { return l.ch }

// Disconnect unsubscribes and closes the broker connection. Must run before
// process exit so the broker sees a clean detach.
func (l *Listener) Disconnect() {
	if l.client == nil {
		return
	}
	if token := l.client.Unsubscribe(l.topic); token.Wait() && token.Error() != nil {
		l.logger.Warn("push unsubscribe failed", zap.Error(token.Error()))
	}
	l.client.Disconnect(250)
	l.logger.Info("push listener stopped")
}

func (l *Listener) onMessage(_ mqtt.Client, msg mqtt.Message) {
	n, err := Decode(msg.Payload())
	if err != nil {
		l.logger.Warn("undecodable push payload", zap.Error(err))
		return
	}
	select {
	case l.ch <- n:
	default:
		l.logger.Warn("push queue full, dropping notification")
	}
}

// Decode parses one raw payload: a JSON object whose "body" field carries a
// nested JSON-encoded document. The body may arrive as a string or already
// as an object; both shapes occur in the wild.
func Decode(data []byte) (Notification, error) {
	var envelope map[string]interface{}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Notification{}, fmt.Errorf("parse envelope: %w", err)
	}

	n := Notification{Envelope: envelope}
	switch body := envelope["body"].(type) {
	case string:
		parsed := make(map[string]interface{})
		if err := json.Unmarshal([]byte(body), &parsed); err != nil {
			return Notification{}, fmt.Errorf("parse body: %w", err)
		}
		n.Body = parsed
	case map[string]interface{}:
		n.Body = body
	case nil:
		n.Body = make(map[string]interface{})
	default:
		return Notification{}, fmt.Errorf("unexpected body type %T", body)
	}
	return n, nil
}
