package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	first, firstPath, err := LoadOrCreate()
	require.NoError(t, err)
	assert.NotEmpty(t, first.DeviceID)
	assert.Equal(t, DefaultServiceType, first.ServiceType)
	assert.Equal(t, RoleClient, first.Role)
	assert.Equal(t, PortModeAutomatic, first.PortMode)
	assert.Equal(t, ":0", first.ListenAddress())
	assert.Equal(t, DefaultInvitationTimeout, first.InvitationTimeout())
	assert.Equal(t, filepath.Join(tempDir, "config.json"), firstPath)

	second, secondPath, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, firstPath, secondPath)
	assert.Equal(t, first.DeviceID, second.DeviceID)
	assert.Equal(t, first.IdentityKeyPath, second.IdentityKeyPath)
}

func TestLoadOrCreateNormalizesLegacyFields(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	require.NoError(t, EnsureDataDirectories(tempDir))

	legacy := &DeviceConfig{
		DeviceID:                 "legacy-device",
		DeviceName:               "Podium",
		Role:                     " Commander ",
		ListeningPort:            9999,
		InvitationTimeoutSeconds: 5,
	}
	require.NoError(t, Save(ConfigPath(tempDir), legacy))

	cfg, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, "legacy-device", cfg.DeviceID)
	assert.Equal(t, RoleCommander, cfg.Role)
	assert.Equal(t, PortModeFixed, cfg.PortMode)
	assert.Equal(t, ":9999", cfg.ListenAddress())
	assert.Equal(t, 5*time.Second, cfg.InvitationTimeout())
	assert.Equal(t, DefaultAppID, cfg.AppID)
}
