package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")

	w, err := NewWatcher(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	got := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) error {
		got <- cfg
		return nil
	})
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9001\nrouting:\n  families:\n    - tag: creative\n      keywords: [haiku]\n"), 0o644))

	select {
	case cfg := <-got:
		assert.Equal(t, 9001, cfg.Server.Port)
		require.Len(t, cfg.Routing.Families, 1)
		assert.Equal(t, "creative", cfg.Routing.Families[0].Tag)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
}

func TestWatcherKeepsSettingsOnInvalidFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")

	w, err := NewWatcher(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	called := make(chan struct{}, 1)
	w.OnChange(func(*Config) error {
		called <- struct{}{}
		return nil
	})
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("cache:\n  backend: etcd\n"), 0o644))

	select {
	case <-called:
		t.Fatal("handler ran for an invalid config")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestNewWatcherRequiresPath(t *testing.T) {
	_, err := NewWatcher("", nil)
	assert.Error(t, err)
}
