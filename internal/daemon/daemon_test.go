package daemon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castdio/castd/internal/config"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Database: config.DatabaseConfig{
			Driver:   "sqlite",
			DSN:      filepath.Join(t.TempDir(), "castd.db"),
			LogLevel: "silent",
		},
		TV: config.TVConfig{SegmentDir: t.TempDir()},
	}
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(testConfig(t), discard(), "test")
	require.NoError(t, err)
	return d
}

func TestNewOpensPersistence(t *testing.T) {
	d := newTestDaemon(t)
	t.Cleanup(func() { d.Stop(false) })

	require.NotNil(t, d.db)
	assert.Equal(t, "sqlite", d.db.Driver())
	assert.NotNil(t, d.channelRepo)
}

func TestNewSurvivesBrokenDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "bogus"

	d, err := New(cfg, discard(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { d.Stop(false) })

	assert.Nil(t, d.db)

	health := d.Health(context.Background())
	db, ok := health["database"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, db["enabled"])
}

func TestStartRegistersBuiltinPlugins(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop(false) })

	ids := make(map[string]bool)
	for _, p := range d.registry.List() {
		ids[p.Descriptor.ID] = true
	}
	for _, id := range []string{"builtin.audio", "builtin.video", "builtin.image", "builtin.document"} {
		assert.True(t, ids[id], "missing %s", id)
	}
}

func TestHealthSnapshot(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop(false) })

	health := d.Health(context.Background())
	// Built-in encoder health depends on the binaries on PATH, so the
	// aggregate status may legitimately be degraded here.
	assert.Contains(t, []any{"healthy", "degraded"}, health["status"])
	assert.Equal(t, "test", health["version"])
	assert.Contains(t, health, "uptime")
	assert.Contains(t, health, "system")

	db, ok := health["database"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", db["status"])
}

func TestBootstrapChannelsIsIdempotent(t *testing.T) {
	d := newTestDaemon(t)
	t.Cleanup(func() { d.Stop(false) })

	file := filepath.Join(t.TempDir(), "channels.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
radio:
  - name: Morning FM
    audio_codec: mp3
    audio_bitrate_kbps: 128
    playlist:
      - path: /music/a.mp3
        title: A
tv:
  - name: News 24
    video_codec: h264
    variants:
      - name: 720p
        bitrate_kbps: 2500
        resolution: 1280x720
`), 0o644))

	ctx := context.Background()
	require.NoError(t, d.bootstrapChannels(ctx, file))
	require.Len(t, d.radio.List(""), 1)
	require.Len(t, d.tv.List(""), 1)

	// A second pass matches by name and creates nothing.
	require.NoError(t, d.bootstrapChannels(ctx, file))
	assert.Len(t, d.radio.List(""), 1)
	assert.Len(t, d.tv.List(""), 1)
}

func TestBootstrapSkipsInvalidChannel(t *testing.T) {
	d := newTestDaemon(t)
	t.Cleanup(func() { d.Stop(false) })

	file := filepath.Join(t.TempDir(), "channels.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
radio:
  - name: ""
  - name: Valid FM
    audio_codec: mp3
    audio_bitrate_kbps: 128
`), 0o644))

	require.NoError(t, d.bootstrapChannels(context.Background(), file))
	list := d.radio.List("")
	require.Len(t, list, 1)
	assert.Equal(t, "Valid FM", list[0].Channel.Name)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
