// Package bridge wires the components together and runs the event loop:
// push notifications feed the pairing resolver, companion events feed the
// rule engine, the supervisor keeps the session alive.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/riftwake/bridge/internal/companion"
	"github.com/riftwake/bridge/internal/config"
	"github.com/riftwake/bridge/internal/notify"
	"github.com/riftwake/bridge/internal/pairing"
	"github.com/riftwake/bridge/internal/power"
	"github.com/riftwake/bridge/internal/push"
	"github.com/riftwake/bridge/internal/rules"
	"github.com/riftwake/bridge/internal/storage"
	"github.com/riftwake/bridge/internal/supervisor"
)

// Config aggregates component configuration.
type Config struct {
	Companion   companion.Config
	Supervisor  supervisor.Config
	Power       power.Config
	HistoryPath string
}

// DefaultConfig returns default bridge configuration.
func DefaultConfig() Config {
	return Config{
		Companion:  companion.DefaultConfig(),
		Supervisor: supervisor.DefaultConfig(),
		Power:      power.DefaultConfig(),
	}
}

// Bridge is the assembled system.
type Bridge struct {
	config Config
	logger *zap.Logger

	store     *config.Store
	history   *storage.DB
	client    *companion.Client
	super     *supervisor.Supervisor
	resolver  *pairing.Resolver
	engine    *rules.Engine
	sequencer *power.Sequencer
	notifier  notify.Notifier
	listener  *push.Listener

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New assembles a bridge around the given store. The history database is
// optional: if it cannot be opened the bridge runs without it.
func New(cfg Config, store *config.Store, logger *zap.Logger) *Bridge {
	b := &Bridge{
		config: cfg,
		logger: logger,
		store:  store,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if cfg.HistoryPath != "" {
		db, err := storage.Open(cfg.HistoryPath)
		if err != nil {
			logger.Warn("history database unavailable, continuing without it",
				zap.String("path", cfg.HistoryPath), zap.Error(err))
		} else {
			b.history = db
		}
	}

	b.client = companion.New(cfg.Companion, logger.Named("companion"))
	b.super = supervisor.New(cfg.Supervisor, b.client, storeCredentials{store},
		supervisor.NewClock(), logger.Named("supervisor"))

	webhook := notify.NewWebhook(func() string {
		doc := store.Snapshot()
		if doc.Webhook == nil {
			return ""
		}
		return doc.Webhook.URL
	}, logger.Named("webhook"))
	b.notifier = notify.Multi{webhook, notify.NewTeam(b.client)}

	// Progress lines during the wake sequence go to the webhook only; the
	// team channel needs the very session the sequence may be bringing up.
	b.sequencer = power.NewSequencer(cfg.Power, store, webhook, logger.Named("power"))

	var history rules.History
	if b.history != nil {
		history = b.history
	}
	b.engine = rules.New(store, b.notifier, b.sequencer, history, logger.Named("rules"))
	b.resolver = pairing.New(store, b.client, b.super, logger.Named("pairing"))

	return b
}

// Start brings up the push listener, the supervisor, and the event loop.
// Missing push credentials disable pairing intake but nothing else.
func (b *Bridge) Start(ctx context.Context) error {
	sub := b.client.Subscribe()

	doc := b.store.Snapshot()
	listener, err := push.Listen(doc.Push, b.logger.Named("push"))
	switch {
	case err == nil:
		b.listener = listener
	case errors.Is(err, push.ErrMissingCredentials):
		b.logger.Info("no push credentials, pairing notifications disabled")
	default:
		b.logger.Error("push listener failed to start", zap.Error(err))
	}

	b.super.Start(ctx)
	b.super.TriggerConnect()

	go b.loop(ctx, sub)
	return nil
}

// Stop shuts the bridge down. The push listener disconnect is issued before
// anything else so the broker always sees a clean detach.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	if b.listener != nil {
		b.listener.Disconnect()
	}
	b.super.Stop()
	<-b.done
	if b.history != nil {
		b.history.Close()
	}
}

// loop is the single flow of control: every mutation of shared state is
// driven from here, one event fully processed before the next.
func (b *Bridge) loop(ctx context.Context, sub *companion.Subscription) {
	defer close(b.done)

	var notifications <-chan push.Notification
	if b.listener != nil {
		notifications = b.listener.Notifications()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return

		case ev := <-sub.Events():
			b.handleEvent(ctx, ev)

		case n := <-notifications:
			b.resolver.Resolve(n.Body)
		}
	}
}

func (b *Bridge) handleEvent(ctx context.Context, ev companion.Event) {
	switch ev := ev.(type) {
	case companion.Connected:
		b.logger.Info("companion connected", zap.String("server", ev.ServerName))

	case companion.Disconnected:
		b.super.OnDisconnected()

	case companion.ClientError:
		b.super.OnError(ev.Err)

	case companion.EntityChanged:
		b.engine.HandleEntityChanged(ctx, ev.EntityID, ev.Value)

	case companion.EntityInfo:
		// Snapshot answer to a subscription query: update stored state,
		// but only entityChanged drives rules.
		b.recordEntityInfo(ev)

	case companion.TeamMessage:
		b.engine.HandleTeamMessage(ctx, ev.Text)
	}
}

func (b *Bridge) recordEntityInfo(ev companion.EntityInfo) {
	value := rules.NormalizeValue(ev.Value)
	if err := b.store.RecordEntityValue(ev.EntityID, value, nowFunc()); err != nil {
		b.logger.Error("failed to record entity info",
			zap.String("entity_id", ev.EntityID), zap.Error(err))
	}
}

// Store returns the configuration store.
func (b *Bridge) Store() *config.Store { return b.store }

// History returns the history database, or nil when disabled.
func (b *Bridge) History() *storage.DB { return b.history }

// ConnectionState returns the supervisor's view of the session.
func (b *Bridge) ConnectionState() supervisor.State { return b.super.State() }

// PushActive reports whether the push listener is running.
func (b *Bridge) PushActive() bool { return b.listener != nil }

// WakeSequence runs the wake sequence on behalf of the control plane.
func (b *Bridge) WakeSequence(ctx context.Context) error {
	return b.sequencer.WakeSequence(ctx)
}

// Notify sends a message over all configured channels on behalf of the
// control plane.
func (b *Bridge) Notify(ctx context.Context, message string) error {
	return b.notifier.Notify(ctx, message)
}

// TriggerConnect requests a connection attempt (user action).
func (b *Bridge) TriggerConnect() { b.super.TriggerConnect() }

var nowFunc = time.Now

// storeCredentials adapts the config store to the supervisor's
// CredentialSource.
type storeCredentials struct {
	store *config.Store
}

func (s storeCredentials) ServerCredentials() (config.ServerCredentials, bool) {
	doc := s.store.Snapshot()
	if !doc.Server.Valid() {
		return config.ServerCredentials{}, false
	}
	return *doc.Server, true
}

func (s storeCredentials) KnownEntityIDs() []string {
	doc := s.store.Snapshot()
	ids := make([]string, 0, len(doc.Entities))
	for id := range doc.Entities {
		ids = append(ids, id)
	}
	return ids
}
