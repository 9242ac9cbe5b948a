// Package pairing turns decoded push notification bodies into
// configuration changes: new server credentials or entity upserts.
package pairing

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/riftwake/bridge/internal/config"
)

// Notification body discriminators.
const (
	typeServer = "server"
	typeEntity = "entity"
	typeAlarm  = "alarm"
)

// serverSwitchDelay spaces the disconnect from the old server and the
// connect to the new one so two live sessions never overlap.
const serverSwitchDelay = 2 * time.Second

// Connector is the slice of the companion client the resolver needs.
type Connector interface {
	IsConnected() bool
	Disconnect()
	SubscribeEntity(ctx context.Context, entityID string) error
}

// Scheduler requests connection attempts from the reconnect supervisor.
type Scheduler interface {
	TriggerConnect()
	ScheduleReconnect(d time.Duration)
}

// Resolver applies pairing notifications to the persisted configuration.
type Resolver struct {
	store  *config.Store
	client Connector
	sched  Scheduler
	logger *zap.Logger
	now    func() time.Time
}

// New creates a resolver.
func New(store *config.Store, client Connector, sched Scheduler, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:  store,
		client: client,
		sched:  sched,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve classifies one parsed notification body and applies it. Unknown
// shapes are logged and ignored; Resolve never fails the caller.
func (r *Resolver) Resolve(body map[string]interface{}) {
	typ, _ := body["type"].(string)

	switch {
	case typ == typeServer:
		r.resolveServer(body)

	// Alarm notifications are device-generated, not pairing envelopes,
	// and may carry an entityId. Checked before the entityId fallback so
	// they never create or touch an entity.
	case typ == typeAlarm:
		r.logger.Debug("ignoring alarm notification")

	case typ == typeEntity, hasKey(body, "entityId"):
		r.resolveEntity(body)

	default:
		r.logger.Info("ignoring notification of unknown type", zap.String("type", typ))
	}
}

// resolveServer replaces the stored server credentials in full and triggers
// a (re)connect with them.
func (r *Resolver) resolveServer(body map[string]interface{}) {
	creds := config.ServerCredentials{
		Address:     stringField(body, "ip"),
		Port:        intField(body, "port"),
		PlayerID:    stringField(body, "playerId"),
		PlayerToken: stringField(body, "playerToken"),
		Name:        stringField(body, "name"),
	}
	if !creds.Valid() {
		r.logger.Warn("server pairing with incomplete credentials, ignored",
			zap.String("address", creds.Address))
		return
	}

	if err := r.store.SetServerCredentials(creds); err != nil {
		r.logger.Error("failed to store server credentials", zap.Error(err))
		return
	}
	r.logger.Info("paired with server",
		zap.String("address", creds.Address),
		zap.Int("port", creds.Port),
		zap.String("name", creds.Name))

	if r.client.IsConnected() {
		r.client.Disconnect()
		r.sched.ScheduleReconnect(serverSwitchDelay)
		return
	}
	r.sched.TriggerConnect()
}

// resolveEntity upserts one entity. Re-delivery is idempotent: an existing
// entity only gets its LastChangedAt refreshed, a user-edited display name
// is never clobbered. A server address change rides along on entity
// pairings and forces a session switch.
func (r *Resolver) resolveEntity(body map[string]interface{}) {
	id := stringField(body, "entityId")
	if id == "" {
		r.logger.Warn("entity pairing without entity id, ignored")
		return
	}
	name := stringField(body, "entityName")
	kind := stringField(body, "entityType")

	if err := r.store.UpsertEntity(id, name, kind, r.now()); err != nil {
		r.logger.Error("failed to store entity", zap.String("entity_id", id), zap.Error(err))
		return
	}
	r.logger.Info("paired entity", zap.String("entity_id", id), zap.String("name", name))

	if r.switchServerIfMoved(body) {
		return
	}

	if r.client.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.client.SubscribeEntity(ctx, id); err != nil {
			r.logger.Warn("subscribe for paired entity failed",
				zap.String("entity_id", id), zap.Error(err))
		}
	}
}

// switchServerIfMoved updates the stored credentials and schedules a
// session switch when the notification names a different server address.
// Disconnect is issued before the delayed connect so the old session is
// down first.
func (r *Resolver) switchServerIfMoved(body map[string]interface{}) bool {
	addr := stringField(body, "ip")
	if addr == "" {
		return false
	}
	doc := r.store.Snapshot()
	if doc.Server != nil && doc.Server.Address == addr {
		return false
	}

	port := intField(body, "port")
	err := r.store.Update(func(d *config.Document) error {
		if d.Server == nil {
			d.Server = &config.ServerCredentials{}
		}
		d.Server.Address = addr
		if port > 0 {
			d.Server.Port = port
		}
		if token := stringField(body, "playerToken"); token != "" {
			d.Server.PlayerToken = token
		}
		if player := stringField(body, "playerId"); player != "" {
			d.Server.PlayerID = player
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to update server address", zap.Error(err))
		return false
	}

	r.logger.Info("server address changed, switching session", zap.String("address", addr))
	r.client.Disconnect()
	r.sched.ScheduleReconnect(serverSwitchDelay)
	return true
}

func hasKey(body map[string]interface{}, key string) bool {
	_, ok := body[key]
	return ok
}

// stringField reads a field that may arrive as a string or a JSON number.
func stringField(body map[string]interface{}, key string) string {
	switch v := body[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func intField(body map[string]interface{}, key string) int {
	switch v := body[key].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
