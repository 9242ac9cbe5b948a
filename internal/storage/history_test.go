package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEntityEventRoundTrip(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, db.RecordEntityEvent("5821", true, now))
	require.NoError(t, db.RecordEntityEvent("5821", false, now.Add(time.Second)))
	require.NoError(t, db.RecordEntityEvent("9", 17.5, now.Add(2*time.Second)))

	events, err := db.RecentEntityEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Newest first; raw scalars survive the round-trip.
	assert.Equal(t, "9", events[0].EntityID)
	assert.Equal(t, 17.5, events[0].Value)
	assert.Equal(t, false, events[1].Value)
	assert.Equal(t, true, events[2].Value)
}

func TestEntityEventLimit(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.RecordEntityEvent("1", i, time.Now()))
	}

	events, err := db.RecentEntityEvents(2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAlarmFiringRoundTrip(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, db.RecordAlarmFiring("r1", "Raid alarm", "wake", true, "", now))
	require.NoError(t, db.RecordAlarmFiring("r1", "Raid alarm", "notify", false, "webhook down", now))

	firings, err := db.RecentAlarmFirings(10)
	require.NoError(t, err)
	require.Len(t, firings, 2)

	assert.Equal(t, "notify", firings[0].Action)
	assert.False(t, firings[0].OK)
	assert.Equal(t, "webhook down", firings[0].Error)
	assert.Equal(t, "wake", firings[1].Action)
	assert.True(t, firings[1].OK)
	assert.Empty(t, firings[1].Error)
}
