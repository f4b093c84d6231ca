package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRoundTrip(t *testing.T) {
	m := NewManagerAt(filepath.Join(t.TempDir(), "mneme"))
	assert.False(t, m.Exists())

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)

	require.NoError(t, m.Save(&Config{LLMProvider: "openai", APIKey: "sk-1", Model: "gpt-4o-mini"}))
	assert.True(t, m.Exists())

	info, err := os.Stat(m.GetConfigPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err = m.Load()
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.LLMProvider)
	assert.Equal(t, "********", cfg.Redacted().APIKey)
	assert.Equal(t, "sk-1", cfg.APIKey)
}

func TestManagerLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{"), 0600))
	_, err := NewManagerAt(dir).Load()
	assert.ErrorContains(t, err, "failed to parse config json")
}

func TestSettingsDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := ReadSettings(NewViper(dir))
	require.NoError(t, err)

	assert.Equal(t, dir, s.DataDir)
	assert.Equal(t, StoreFile, s.Store)
	assert.Equal(t, 3, s.WindowSize)
	assert.Equal(t, int64(8*1024*1024), s.MaxBlobSize)
	assert.Equal(t, ":5003", s.HTTPAddr)
	assert.False(t, s.Compaction())
	assert.True(t, s.SearchEnabled)
	assert.Equal(t, 30*time.Minute, s.SessionIdle)
}

func TestSettingsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := "store: sqlite\nwindow_size: 6\nmax_blob_size: 1MiB\ncompaction:\n  max_history_lines: 20\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mneme.yaml"), []byte(yaml), 0644))
	t.Setenv("MNEME_WINDOW_SIZE", "4")
	t.Setenv("MNEME_HTTP_ADDR", "127.0.0.1:9000")

	s, err := ReadSettings(NewViper(dir))
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, s.Store)
	assert.Equal(t, 4, s.WindowSize)
	assert.Equal(t, int64(1024*1024), s.MaxBlobSize)
	assert.Equal(t, 20, s.MaxHistoryLines)
	assert.Equal(t, "127.0.0.1:9000", s.HTTPAddr)
	assert.True(t, s.Compaction())
}

func TestSettingsFlags(t *testing.T) {
	v := NewViper(t.TempDir())
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("window-size", 3, "")
	flags.String("http-addr", ":5003", "")
	require.NoError(t, BindFlags(v, flags))
	require.NoError(t, flags.Parse([]string{"--window-size=9", "--http-addr=:7000"}))

	s, err := Decode(v)
	require.NoError(t, err)
	assert.Equal(t, 9, s.WindowSize)
	assert.Equal(t, ":7000", s.HTTPAddr)
}

func TestSettingsValidate(t *testing.T) {
	v := NewViper(t.TempDir())
	v.Set("store", "redis")
	_, err := Decode(v)
	assert.ErrorContains(t, err, "unknown store")

	v = NewViper(t.TempDir())
	v.Set("window_size", 0)
	_, err = Decode(v)
	assert.ErrorContains(t, err, "window_size")

	v = NewViper(t.TempDir())
	v.Set("max_blob_size", "lots")
	_, err = Decode(v)
	assert.ErrorContains(t, err, "invalid max_blob_size")

	v = NewViper(t.TempDir())
	v.Set("session_idle", "-1m")
	_, err = Decode(v)
	assert.ErrorContains(t, err, "session_idle")
}

func TestWatcherReportsConfigEdits(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	var seen []string

	w, err := NewWatcher(dir, []string{"config.json"}, func(changed []string) {
		mu.Lock()
		seen = append(seen, changed...)
		mu.Unlock()
	}, zerolog.Nop())
	require.NoError(t, err)
	w.debounceTime = 20 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644))
	require.NoError(t, NewManagerAt(dir).Save(&Config{Model: "m"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, seen, "other.txt")
	assert.Contains(t, seen, "config.json")
}
