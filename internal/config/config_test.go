package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INPUTSCAN_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.MaxScanHistory)
	require.True(t, cfg.Bluetooth.Enabled)
	require.Equal(t, "bluez", cfg.Bluetooth.Backend)
	require.Equal(t, "A", cfg.Keypad.UserKeyA)
	require.Equal(t, "B", cfg.Keypad.UserKeyB)
	require.Equal(t, "dropdown", cfg.Variant)
	require.Len(t, cfg.Instructions, 1)
	require.True(t, cfg.Instructions[0].Default)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
title = "Goods In"
max_scan_history = 2
variant = "radio"

[bluetooth]
enabled = false

[keypad]
enabled = true
user_key_a = "X"

[[instructions]]
title = "Receive"
action = "sequence"
expect = ["A1", "A2"]
default = true

[[instructions]]
title = "Check"
action = "prefix"
prefix = "SKU"
single_scan = true
clear_log = true
`), 0o644))
	t.Setenv("INPUTSCAN_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "Goods In", cfg.Title)
	require.Equal(t, 2, cfg.MaxScanHistory)
	require.Equal(t, "radio", cfg.Variant)
	require.False(t, cfg.Bluetooth.Enabled)
	require.True(t, cfg.Keypad.Enabled)
	require.Equal(t, "X", cfg.Keypad.UserKeyA)
	require.Len(t, cfg.Instructions, 2)
	require.Equal(t, []string{"A1", "A2"}, cfg.Instructions[0].Expect)
	require.True(t, cfg.Instructions[1].SingleScan)
	require.True(t, cfg.Instructions[1].ClearLog)
	require.Equal(t, "SKU", cfg.Instructions[1].Prefix)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("INPUTSCAN_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	t.Setenv("INPUTSCAN_MAX_SCAN_HISTORY", "9")
	t.Setenv("INPUTSCAN_BLUETOOTH_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9, cfg.MaxScanHistory)
	require.False(t, cfg.Bluetooth.Enabled)
}

func TestPathHonoursXDG(t *testing.T) {
	t.Setenv("INPUTSCAN_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	require.Equal(t, "/tmp/xdg/inputscan/config.toml", Path())
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("title = \"unterminated\n[keypad\n"), 0o644))
	t.Setenv("INPUTSCAN_CONFIG", path)

	_, err := Load()
	require.ErrorContains(t, err, path)

	_, err = Watch(func(Config, fsnotify.Event) {})
	require.Error(t, err)
}
