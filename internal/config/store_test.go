package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	return OpenStore(path, zap.NewNop())
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store := OpenStore(path, zap.NewNop())

	creds := ServerCredentials{
		Address:     "192.168.1.10",
		Port:        28015,
		PlayerID:    "76561198000000000",
		PlayerToken: "token-1",
		Name:        "Test Server",
	}
	require.NoError(t, store.SetServerCredentials(creds))

	// A fresh store over the same file sees the saved state.
	reopened := OpenStore(path, zap.NewNop())
	doc := reopened.Snapshot()
	require.NotNil(t, doc.Server)
	assert.Equal(t, creds, *doc.Server)
	assert.False(t, reopened.Degraded())
}

func TestVersionIncrementsPerMutation(t *testing.T) {
	store := newTestStore(t)

	base := store.Snapshot().Version
	require.NoError(t, store.SetServerCredentials(ServerCredentials{
		Address: "a", Port: 1, PlayerID: "p", PlayerToken: "t",
	}))
	require.NoError(t, store.RecordEntityValue("1", true, time.Now()))

	assert.Equal(t, base+2, store.Snapshot().Version)
}

func TestUpsertEntityPreservesDisplayName(t *testing.T) {
	store := newTestStore(t)
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	require.NoError(t, store.UpsertEntity("5821", "Front Door Sensor", "alarm", first))
	require.NoError(t, store.RenameEntity("5821", "Garage Sensor"))

	// Re-delivery of the pairing notification only refreshes the timestamp.
	require.NoError(t, store.UpsertEntity("5821", "Front Door Sensor", "alarm", second))

	e := store.Snapshot().Entities["5821"]
	require.NotNil(t, e)
	assert.Equal(t, "Garage Sensor", e.DisplayName)
	assert.Equal(t, second, e.LastChangedAt)
	assert.True(t, e.Paired)
}

func TestRecordEntityValueCreatesLazily(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.RecordEntityValue("99", true, now))

	e := store.Snapshot().Entities["99"]
	require.NotNil(t, e)
	assert.Equal(t, true, e.LastValue)
	assert.Equal(t, now, e.LastChangedAt)
	assert.False(t, e.Paired)
	assert.Empty(t, e.DisplayName)
}

func TestRuleLifecycle(t *testing.T) {
	store := newTestStore(t)

	rule := SmartAlarmRule{ID: "r1", Name: "Raid alarm", Enabled: true, EntityID: "5821"}
	require.NoError(t, store.PutRule(rule))
	require.NotNil(t, store.Snapshot().Rule("r1"))

	rule.Name = "Raid alarm v2"
	require.NoError(t, store.PutRule(rule))
	doc := store.Snapshot()
	require.Len(t, doc.Rules, 1)
	assert.Equal(t, "Raid alarm v2", doc.Rules[0].Name)

	require.NoError(t, store.DeleteRule("r1"))
	assert.Empty(t, store.Snapshot().Rules)

	// Deleting a missing rule is not an error.
	require.NoError(t, store.DeleteRule("r1"))
}

func TestUnwritablePathDegradesInsteadOfFailing(t *testing.T) {
	// Directory that does not exist and cannot be created by rename.
	store := OpenStore("/nonexistent-riftwake-dir/config.json", zap.NewNop())

	require.NoError(t, store.SetServerCredentials(ServerCredentials{
		Address: "a", Port: 1, PlayerID: "p", PlayerToken: "t",
	}))
	assert.True(t, store.Degraded())

	// The in-memory document still carries the update.
	doc := store.Snapshot()
	require.NotNil(t, doc.Server)
	assert.Equal(t, "a", doc.Server.Address)
}

func TestSnapshotIsACopy(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.UpsertEntity("1", "One", "switch", time.Now()))

	doc := store.Snapshot()
	doc.Entities["1"].DisplayName = "mutated"

	assert.Equal(t, "One", store.Snapshot().Entities["1"].DisplayName)
}
