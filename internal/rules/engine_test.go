package rules

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/riftwake/bridge/internal/config"
)

type fakeNotifier struct {
	messages []string
	err      error
}

func (f *fakeNotifier) Notify(ctx context.Context, message string) error {
	f.messages = append(f.messages, message)
	return f.err
}

type fakeWaker struct {
	calls int
	err   error
}

func (f *fakeWaker) WakeSequence(ctx context.Context) error {
	f.calls++
	return f.err
}

func newTestEngine(t *testing.T) (*Engine, *config.Store, *fakeNotifier, *fakeWaker) {
	t.Helper()
	store := config.OpenStore(filepath.Join(t.TempDir(), "config.json"), zap.NewNop())
	notifier := &fakeNotifier{}
	waker := &fakeWaker{}
	return New(store, notifier, waker, nil, zap.NewNop()), store, notifier, waker
}

func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		name string
		raw  interface{}
		want interface{}
	}{
		{"absent", nil, false},
		{"empty string", "", false},
		{"explicit false", false, false},
		{"explicit true", true, true},
		{"number passes through", 17.5, 17.5},
		{"zero passes through", 0.0, 0.0},
		{"text passes through", "open", "open"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeValue(tt.raw))
		})
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		name string
		v    interface{}
		want bool
	}{
		{"nil", nil, false},
		{"false", false, false},
		{"true", true, true},
		{"zero float", 0.0, false},
		{"nonzero float", 17.5, true},
		{"negative float", -1.0, true},
		{"empty string", "", false},
		{"nonempty string", "on", true},
		{"zero int", 0, false},
		{"nonzero int", 3, true},
		{"other values are active", []interface{}{1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truthy(tt.v))
		})
	}
}

func TestShouldTrigger(t *testing.T) {
	onActivate := &config.SmartAlarmRule{Enabled: true, TriggerOnActivation: true}
	onDeactivate := &config.SmartAlarmRule{Enabled: true, TriggerOnActivation: false}
	disabled := &config.SmartAlarmRule{Enabled: false, TriggerOnActivation: true}

	assert.True(t, ShouldTrigger(onActivate, true))
	assert.False(t, ShouldTrigger(onActivate, false))
	assert.False(t, ShouldTrigger(onDeactivate, true))
	assert.True(t, ShouldTrigger(onDeactivate, false))
	assert.False(t, ShouldTrigger(disabled, true))
	assert.False(t, ShouldTrigger(disabled, false))
}

func TestEntityValueUpdatedWithoutMatchingRule(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)

	engine.HandleEntityChanged(context.Background(), "5821", true)

	e := store.Snapshot().Entities["5821"]
	require.NotNil(t, e)
	assert.Equal(t, true, e.LastValue)
	assert.False(t, e.LastChangedAt.IsZero())
}

func TestEmptyPayloadStoredAsFalse(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)

	engine.HandleEntityChanged(context.Background(), "5821", nil)
	assert.Equal(t, false, store.Snapshot().Entities["5821"].LastValue)

	engine.HandleEntityChanged(context.Background(), "5821", "")
	assert.Equal(t, false, store.Snapshot().Entities["5821"].LastValue)
}

func TestWakeRuleFiresPerEventWithoutDeduplication(t *testing.T) {
	engine, store, _, waker := newTestEngine(t)
	require.NoError(t, store.PutRule(config.SmartAlarmRule{
		ID: "r1", Name: "Wake on alarm", Enabled: true,
		EntityID: "5821", TriggerOnActivation: true, WakePC: true,
	}))

	// Entity unknown beforehand: the event creates it and fires the rule.
	engine.HandleEntityChanged(context.Background(), "5821", true)
	assert.Equal(t, 1, waker.calls)

	// A second identical event fires again; no de-duplication across
	// distinct events.
	engine.HandleEntityChanged(context.Background(), "5821", true)
	assert.Equal(t, 2, waker.calls)
}

func TestRuleMatchingIsExactOnEntityID(t *testing.T) {
	engine, store, _, waker := newTestEngine(t)
	require.NoError(t, store.PutRule(config.SmartAlarmRule{
		ID: "r1", Name: "Wake", Enabled: true,
		EntityID: "5821", TriggerOnActivation: true, WakePC: true,
	}))

	engine.HandleEntityChanged(context.Background(), "582", true)
	engine.HandleEntityChanged(context.Background(), "58210", true)
	assert.Zero(t, waker.calls)
}

func TestDeactivationRule(t *testing.T) {
	engine, store, notifier, _ := newTestEngine(t)
	require.NoError(t, store.PutRule(config.SmartAlarmRule{
		ID: "r1", Name: "Door closed", Enabled: true,
		EntityID: "9", TriggerOnActivation: false,
		SendNotification: true, NotificationMessage: "door shut",
	}))

	engine.HandleEntityChanged(context.Background(), "9", true)
	assert.Empty(t, notifier.messages)

	engine.HandleEntityChanged(context.Background(), "9", false)
	require.Len(t, notifier.messages, 1)
	assert.Equal(t, "door shut (inactive)", notifier.messages[0])
}

func TestTeamMessageFilter(t *testing.T) {
	engine, store, notifier, _ := newTestEngine(t)
	require.NoError(t, store.PutRule(config.SmartAlarmRule{
		ID: "r1", Name: "Raid watch", Enabled: true,
		MessageFilter: "raid", SendNotification: true,
		NotificationMessage: "raid reported in chat",
	}))

	engine.HandleTeamMessage(context.Background(), "we are being RAIDED now")
	require.Len(t, notifier.messages, 1)

	engine.HandleTeamMessage(context.Background(), "all quiet")
	assert.Len(t, notifier.messages, 1)
}

func TestChatRuleWithoutFilterNeverMatches(t *testing.T) {
	engine, store, notifier, _ := newTestEngine(t)
	require.NoError(t, store.PutRule(config.SmartAlarmRule{
		ID: "r1", Name: "No filter", Enabled: true, SendNotification: true,
	}))

	engine.HandleTeamMessage(context.Background(), "anything at all")
	assert.Empty(t, notifier.messages)
}

func TestActionFailureDoesNotBlockOtherRules(t *testing.T) {
	engine, store, notifier, waker := newTestEngine(t)
	waker.err = errors.New("agent unreachable")
	require.NoError(t, store.PutRule(config.SmartAlarmRule{
		ID: "r1", Name: "Wake", Enabled: true,
		EntityID: "5821", TriggerOnActivation: true, WakePC: true,
	}))
	require.NoError(t, store.PutRule(config.SmartAlarmRule{
		ID: "r2", Name: "Tell me", Enabled: true,
		EntityID: "5821", TriggerOnActivation: true,
		SendNotification: true, NotificationMessage: "motion",
	}))

	engine.HandleEntityChanged(context.Background(), "5821", true)

	// The failing wake action did not stop the second rule.
	assert.Equal(t, 1, waker.calls)
	require.Len(t, notifier.messages, 1)
	assert.Equal(t, "motion (active)", notifier.messages[0])
}

func TestDefaultNotificationUsesDisplayName(t *testing.T) {
	engine, store, notifier, _ := newTestEngine(t)
	require.NoError(t, store.UpsertEntity("5821", "Front Gate", "alarm", time.Now()))
	require.NoError(t, store.PutRule(config.SmartAlarmRule{
		ID: "r1", Name: "Gate watch", Enabled: true,
		EntityID: "5821", TriggerOnActivation: true, SendNotification: true,
	}))

	engine.HandleEntityChanged(context.Background(), "5821", true)

	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "Front Gate")
	assert.Contains(t, notifier.messages[0], "(active)")
}
