// Package config holds the persisted bridge configuration document and the
// file-backed store that owns it.
package config

import (
	"time"
)

// ServerCredentials identifies one paired game server session. At most one
// set is active at a time; a new server pairing replaces it in full.
type ServerCredentials struct {
	Address     string `json:"server_address"`
	Port        int    `json:"server_port"`
	PlayerID    string `json:"player_id"`
	PlayerToken string `json:"player_token"`
	Name        string `json:"server_name,omitempty"`
}

// Valid reports whether the credentials are complete enough to connect with.
func (c *ServerCredentials) Valid() bool {
	return c != nil && c.Address != "" && c.Port > 0 && c.PlayerID != "" && c.PlayerToken != ""
}

// PushCredentials is the output of the one-time push registration handshake.
// Registration itself is out of scope; the bridge only consumes the result.
type PushCredentials struct {
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Topic    string `json:"topic"`
}

// Valid reports whether the push credentials are usable for listening.
func (c *PushCredentials) Valid() bool {
	return c != nil && c.Broker != "" && c.Topic != ""
}

// Entity is one smart device visible through the companion protocol.
// LastValue keeps whatever scalar arrived on the wire (bool, number or
// string); truthiness is applied by the rule engine, not here.
type Entity struct {
	ID            string      `json:"id"`
	DisplayName   string      `json:"display_name,omitempty"`
	Kind          string      `json:"kind,omitempty"`
	LastValue     interface{} `json:"last_value"`
	LastChangedAt time.Time   `json:"last_changed_at"`
	Paired        bool        `json:"paired"`
}

// SmartAlarmRule binds an entity or chat condition to actions. EntityID is
// not checked against the entity map; a rule may reference an entity that
// never arrives.
type SmartAlarmRule struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Enabled             bool   `json:"enabled"`
	EntityID            string `json:"entity_id,omitempty"`
	TriggerOnActivation bool   `json:"trigger_on_activation"`
	WakePC              bool   `json:"wake_pc"`
	SendNotification    bool   `json:"send_notification"`
	NotificationMessage string `json:"notification_message,omitempty"`
	MessageFilter       string `json:"message_filter,omitempty"`
}

// PCConfig identifies the machine the wake sequence targets.
type PCConfig struct {
	MACAddress string `json:"mac_address"`
	IP         string `json:"ip"`
}

// WebhookConfig is the chat webhook notification target.
type WebhookConfig struct {
	URL string `json:"url"`
}

// Document is the whole persisted configuration. It is read fresh before
// each mutation and written back atomically; Version increments on every
// successful save so concurrent writers can be detected.
type Document struct {
	Version  int64              `json:"version"`
	Server   *ServerCredentials `json:"server,omitempty"`
	Push     *PushCredentials   `json:"push,omitempty"`
	PC       *PCConfig          `json:"pc,omitempty"`
	Webhook  *WebhookConfig     `json:"webhook,omitempty"`
	Entities map[string]*Entity `json:"entities"`
	Rules    []*SmartAlarmRule  `json:"rules"`
}

// NewDocument returns an empty document with initialized collections.
func NewDocument() *Document {
	return &Document{
		Entities: make(map[string]*Entity),
		Rules:    make([]*SmartAlarmRule, 0),
	}
}

// Clone returns a deep copy of the document. Readers get copies so they can
// never observe a mutation in progress.
func (d *Document) Clone() *Document {
	out := &Document{Version: d.Version}
	if d.Server != nil {
		s := *d.Server
		out.Server = &s
	}
	if d.Push != nil {
		p := *d.Push
		out.Push = &p
	}
	if d.PC != nil {
		pc := *d.PC
		out.PC = &pc
	}
	if d.Webhook != nil {
		w := *d.Webhook
		out.Webhook = &w
	}
	out.Entities = make(map[string]*Entity, len(d.Entities))
	for id, e := range d.Entities {
		copied := *e
		out.Entities[id] = &copied
	}
	out.Rules = make([]*SmartAlarmRule, 0, len(d.Rules))
	for _, r := range d.Rules {
		copied := *r
		out.Rules = append(out.Rules, &copied)
	}
	return out
}

// Rule returns the rule with the given id, or nil.
func (d *Document) Rule(id string) *SmartAlarmRule {
	for _, r := range d.Rules {
		if r.ID == id {
			return r
		}
	}
	return nil
}
