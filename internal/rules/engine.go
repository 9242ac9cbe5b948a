// Package rules evaluates companion events against the configured smart
// alarm rules and fires the matching actions.
package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/riftwake/bridge/internal/config"
)

// Notifier delivers a status line to a human. Implementations decide the
// channel (webhook, team chat).
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Waker runs the wake-PC sequence. External collaborator.
type Waker interface {
	WakeSequence(ctx context.Context) error
}

// History records what happened for the control plane to show. Optional;
// failures never block event processing.
type History interface {
	RecordEntityEvent(entityID string, value interface{}, at time.Time) error
	RecordAlarmFiring(ruleID, ruleName, action string, ok bool, errMsg string, at time.Time) error
}

// Engine consumes one event at a time: updates entity state, finds matching
// rules, and runs their actions. One rule's failure never blocks the rest.
type Engine struct {
	store    *config.Store
	notifier Notifier
	waker    Waker
	history  History
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a rule engine. history may be nil.
func New(store *config.Store, notifier Notifier, waker Waker, history History, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		notifier: notifier,
		waker:    waker,
		history:  history,
		logger:   logger,
		now:      time.Now,
	}
}

// NormalizeValue applies the one coercion the pipeline performs: an absent
// or empty payload value becomes false. Any other scalar passes through
// unchanged; truthiness is applied separately at match time.
func NormalizeValue(raw interface{}) interface{} {
	if raw == nil {
		return false
	}
	if s, ok := raw.(string); ok && s == "" {
		return false
	}
	return raw
}

// Truthy is the explicit truthiness rule for entity values: false, zero and
// the empty string are inactive; every other value is active.
func Truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	default:
		return true
	}
}

// ShouldTrigger is the entity-rule trigger predicate. A disabled rule never
// triggers regardless of value.
func ShouldTrigger(rule *config.SmartAlarmRule, active bool) bool {
	if !rule.Enabled {
		return false
	}
	if rule.TriggerOnActivation {
		return active
	}
	return !active
}

// MatchesMessage reports whether a chat rule matches a team message:
// enabled, non-empty filter, case-insensitive substring.
func MatchesMessage(rule *config.SmartAlarmRule, text string) bool {
	if !rule.Enabled || rule.MessageFilter == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(rule.MessageFilter))
}

// HandleEntityChanged processes one entity state change. The entity's
// stored value and timestamp are updated unconditionally, matching rules or
// not; then every matching rule fires independently.
func (e *Engine) HandleEntityChanged(ctx context.Context, entityID string, raw interface{}) {
	now := e.now()
	value := NormalizeValue(raw)

	if err := e.store.RecordEntityValue(entityID, value, now); err != nil {
		e.logger.Error("failed to record entity value",
			zap.String("entity_id", entityID), zap.Error(err))
	}
	if e.history != nil {
		if err := e.history.RecordEntityEvent(entityID, value, now); err != nil {
			e.logger.Warn("history append failed", zap.Error(err))
		}
	}

	active := Truthy(value)
	doc := e.store.Snapshot()
	for _, rule := range doc.Rules {
		if rule.EntityID != entityID {
			continue
		}
		if !ShouldTrigger(rule, active) {
			continue
		}
		e.fire(ctx, rule, e.entityMessage(rule, doc, entityID, active))
	}
}

// HandleTeamMessage processes one team chat line against the chat rules.
func (e *Engine) HandleTeamMessage(ctx context.Context, text string) {
	doc := e.store.Snapshot()
	for _, rule := range doc.Rules {
		if !MatchesMessage(rule, text) {
			continue
		}
		msg := rule.NotificationMessage
		if msg == "" {
			msg = fmt.Sprintf("Smart alarm %q matched team chat: %s", rule.Name, text)
		}
		e.fire(ctx, rule, msg)
	}
}

// entityMessage builds the notification line for an entity trigger, with
// the observed state appended.
func (e *Engine) entityMessage(rule *config.SmartAlarmRule, doc *config.Document, entityID string, active bool) string {
	msg := rule.NotificationMessage
	if msg == "" {
		name := entityID
		if ent, ok := doc.Entities[entityID]; ok && ent.DisplayName != "" {
			name = ent.DisplayName
		}
		msg = fmt.Sprintf("Smart alarm %q triggered by %s", rule.Name, name)
	}
	state := "inactive"
	if active {
		state = "active"
	}
	return msg + " (" + state + ")"
}

// fire runs one matched rule's actions. Each action's failure is caught and
// logged here so the remaining rules still run.
func (e *Engine) fire(ctx context.Context, rule *config.SmartAlarmRule, message string) {
	e.logger.Info("smart alarm triggered",
		zap.String("rule_id", rule.ID),
		zap.String("rule", rule.Name))

	if rule.WakePC {
		err := e.waker.WakeSequence(ctx)
		if err != nil {
			e.logger.Error("wake action failed",
				zap.String("rule", rule.Name), zap.Error(err))
		}
		e.record(rule, "wake", err)
	}

	if rule.SendNotification {
		err := e.notifier.Notify(ctx, message)
		if err != nil {
			e.logger.Error("notify action failed",
				zap.String("rule", rule.Name), zap.Error(err))
		}
		e.record(rule, "notify", err)
	}
}

func (e *Engine) record(rule *config.SmartAlarmRule, action string, actionErr error) {
	if e.history == nil {
		return
	}
	errMsg := ""
	if actionErr != nil {
		errMsg = actionErr.Error()
	}
	if err := e.history.RecordAlarmFiring(rule.ID, rule.Name, action, actionErr == nil, errMsg, e.now()); err != nil {
		e.logger.Warn("history append failed", zap.Error(err))
	}
}
