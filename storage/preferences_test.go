package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerlink/models"
)

func TestPreferenceSetGetDelete(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetPreference("missing")
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.SetPreference("theme", "dark"))
	require.NoError(t, store.SetPreference("theme", "light"))
	value, err := store.GetPreference("theme")
	require.NoError(t, err)
	assert.Equal(t, "light", value)

	require.NoError(t, store.DeletePreference("theme"))
	require.NoError(t, store.DeletePreference("theme"))
	_, err = store.GetPreference("theme")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, store.SetPreference("", "x"))
}

func TestOriginalCommanderRoundTrip(t *testing.T) {
	store := newTestStore(t)

	id, err := store.OriginalCommanderID()
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, store.SetOriginalCommanderID("commander-1"))
	id, err = store.OriginalCommanderID()
	require.NoError(t, err)
	assert.Equal(t, "commander-1", id)

	require.NoError(t, store.SetOriginalCommanderID(""))
	id, err = store.OriginalCommanderID()
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestTimerSettingsPersistence(t *testing.T) {
	store := newTestStore(t)

	_, ok, err := store.TimerSettings()
	require.NoError(t, err)
	assert.False(t, ok)

	want := models.TimerSettings{
		SetTimeSeconds:          900,
		WarningThresholdSeconds: 120,
		FinalThresholdSeconds:   30,
		ColorIndex:              1,
		CompletionSound:         "bell",
	}
	require.NoError(t, store.SaveTimerSettings(want))

	got, ok, err := store.TimerSettings()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	err = store.SaveTimerSettings(models.TimerSettings{SetTimeSeconds: 10, WarningThresholdSeconds: 20})
	assert.Error(t, err)
}
