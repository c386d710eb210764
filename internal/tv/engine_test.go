package tv

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castdio/castd/internal/broadcast"
	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/plugin"
)

// fakeSegmenter is a streaming video plugin that drops ready-made segment
// files into the requested directory instead of encoding anything.
type fakeSegmenter struct {
	segsPerItem int
	failStreams bool
	holdOpen    time.Duration

	mu      sync.Mutex
	started int
}

func (f *fakeSegmenter) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:             "fake-video",
		Name:           "Fake Video Encoder",
		Version:        "1.0.0",
		JobTypes:       []models.JobType{models.JobTypeVideoTranscode},
		CapabilityTags: []string{plugin.TagStreaming},
	}
}

func (f *fakeSegmenter) Initialize(context.Context, string) error { return nil }
func (f *fakeSegmenter) Shutdown(context.Context) error           { return nil }
func (f *fakeSegmenter) Healthy(context.Context) bool             { return true }
func (f *fakeSegmenter) CanHandle(t models.JobType, _ models.JobParams) bool {
	return t == models.JobTypeVideoTranscode
}

func (f *fakeSegmenter) Process(context.Context, plugin.Request, plugin.ProgressFunc) (plugin.Result, error) {
	return plugin.Result{}, models.PluginErrorf("fake plugin does not process jobs")
}

func (f *fakeSegmenter) Cancel(models.ULID) error { return nil }

func (f *fakeSegmenter) StartStream(_ context.Context, cfg plugin.StreamConfig, _ io.Writer) (plugin.StreamHandle, error) {
	if f.failStreams {
		return nil, models.TranscodeErrorf("fake encoder refused to start")
	}
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
	for i := 0; i < f.segsPerItem; i++ {
		name := segmentFileName(cfg.SegmentStart + i)
		if err := os.WriteFile(filepath.Join(cfg.SegmentDir, name), []byte("TSDATA"), 0o644); err != nil {
			return nil, err
		}
	}
	return &fakeSegHandle{closed: make(chan struct{}), hold: f.holdOpen}, nil
}

func (f *fakeSegmenter) StopStream(models.ULID) error { return nil }

func (f *fakeSegmenter) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

type fakeSegHandle struct {
	closed chan struct{}
	hold   time.Duration
	once   sync.Once
}

func (h *fakeSegHandle) Write([]byte) (int, error) {
	return 0, models.Validationf("segment streams take file input")
}

func (h *fakeSegHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func (h *fakeSegHandle) Wait() error {
	select {
	case <-h.closed:
	case <-time.After(h.hold):
	}
	return nil
}

type fixedProber struct{ d time.Duration }

func (p fixedProber) SegmentDuration(string) (time.Duration, error) { return p.d, nil }

func testTVEngine(t *testing.T, seg *fakeSegmenter) (*Engine, *broadcast.Broadcaster, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := plugin.NewRegistry(logger)
	require.NoError(t, registry.Register(context.Background(), seg))

	b := broadcast.New(broadcast.DefaultConfig(), logger)
	segDir := t.TempDir()

	cfg := config.TVConfig{
		SegmentDir:     segDir,
		SegmentSeconds: 1,
		PlaylistWindow: 3,
	}
	e := New(cfg, config.EncoderConfig{}, b, registry, logger,
		WithProber(fixedProber{d: time.Second}),
	)
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return e, b, segDir
}

func testTVChannel() *models.Channel {
	return &models.Channel{
		Name:       "Test TV",
		VideoCodec: "h264",
		Variants: []models.Variant{
			{Name: "720p", Bitrate: 2800, Resolution: "1280x720"},
		},
	}
}

func TestTVCreateValidatesAndDefaults(t *testing.T) {
	e, _, _ := testTVEngine(t, &fakeSegmenter{})

	_, err := e.Create(context.Background(), &models.Channel{Name: "no codec"})
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	ch, err := e.Create(context.Background(), testTVChannel())
	require.NoError(t, err)
	assert.Equal(t, models.ChannelKindTV, ch.Kind)
	assert.Equal(t, "aac", ch.AudioCodec)
	assert.Equal(t, models.OutputSegments, ch.Output)
	assert.Equal(t, 1, ch.SegmentSeconds)
}

func TestTVStartWritesMasterPlaylistAndIsIdempotent(t *testing.T) {
	e, b, segDir := testTVEngine(t, &fakeSegmenter{segsPerItem: 2, holdOpen: 200 * time.Millisecond})

	ch, err := e.Create(context.Background(), testTVChannel())
	require.NoError(t, err)

	mount1, err := e.Start(context.Background(), ch.ID)
	require.NoError(t, err)
	mount2, err := e.Start(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, mount1, mount2)
	assert.True(t, b.IsActive(mount1))

	master, err := os.ReadFile(filepath.Join(segDir, mount1, "master.m3u8"))
	require.NoError(t, err)
	assert.Contains(t, string(master), "720p/playlist.m3u8")
}

func TestTVLoopSegmentsProgramAndFeedsMount(t *testing.T) {
	seg := &fakeSegmenter{segsPerItem: 2, holdOpen: 300 * time.Millisecond}
	e, b, segDir := testTVEngine(t, seg)

	ch := testTVChannel()
	ch.Schedule = []models.Program{
		{Path: "/media/show.mp4", Title: "Show", Start: time.Now(), Duration: 600},
	}
	created, err := e.Create(context.Background(), ch)
	require.NoError(t, err)

	mount, err := e.Start(context.Background(), created.ID)
	require.NoError(t, err)
	listener, err := b.Attach(mount)
	require.NoError(t, err)

	playlistPath := filepath.Join(segDir, mount, "720p", "playlist.m3u8")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(playlistPath)
		return err == nil && bytes.Contains(data, []byte("segment_00000.ts"))
	}, 3*time.Second, 20*time.Millisecond)

	data, err := os.ReadFile(playlistPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "#EXTINF:1.000,")
	assert.Contains(t, string(data), "segment_00001.ts")

	// The first variant's segments land on the mount as a raw stream.
	var received bytes.Buffer
	deadline := time.After(2 * time.Second)
	for received.Len() < len("TSDATA") {
		select {
		case chunk, ok := <-listener.Chunks():
			if !ok {
				t.Fatal("listener closed before segment bytes arrived")
			}
			received.Write(chunk)
		case <-deadline:
			t.Fatalf("timed out, received %d bytes", received.Len())
		}
	}
	assert.Equal(t, "TSDATA", received.String()[:6])

	ns, err := e.NowShowing(created.ID)
	require.NoError(t, err)
	require.NotNil(t, ns)
	assert.Equal(t, "Show", ns.Title)

	require.NoError(t, e.Stop(context.Background(), created.ID))
	assert.False(t, b.IsActive(mount))
}

func TestTVSegmentNumberingCarriesAcrossItems(t *testing.T) {
	seg := &fakeSegmenter{segsPerItem: 2, holdOpen: 50 * time.Millisecond}
	e, _, segDir := testTVEngine(t, seg)

	ch := testTVChannel()
	ch.Bumpers = []string{"/media/bumper.mp4"}
	created, err := e.Create(context.Background(), ch)
	require.NoError(t, err)

	mount, err := e.Start(context.Background(), created.ID)
	require.NoError(t, err)

	dir := filepath.Join(segDir, mount, "720p")
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, segmentFileName(3)))
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, e.Stop(context.Background(), created.ID))
	assert.GreaterOrEqual(t, seg.startedCount(), 2)
}

func TestTVFailingItemsTakeChannelOffAir(t *testing.T) {
	e, _, _ := testTVEngine(t, &fakeSegmenter{failStreams: true})

	ch := testTVChannel()
	ch.Bumpers = []string{"/media/bumper.mp4"}
	created, err := e.Create(context.Background(), ch)
	require.NoError(t, err)

	_, err = e.Start(context.Background(), created.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := e.Status(created.ID)
		return err == nil && !status.Live && status.StopReason != ""
	}, 3*time.Second, 20*time.Millisecond)
}

func TestTVDeleteLiveChannelConflicts(t *testing.T) {
	e, _, _ := testTVEngine(t, &fakeSegmenter{holdOpen: 50 * time.Millisecond})

	ch, err := e.Create(context.Background(), testTVChannel())
	require.NoError(t, err)
	_, err = e.Start(context.Background(), ch.ID)
	require.NoError(t, err)

	err = e.Delete(context.Background(), ch.ID)
	require.Error(t, err)
	assert.Equal(t, models.KindConflict, models.KindOf(err))

	require.NoError(t, e.Stop(context.Background(), ch.ID))
	require.NoError(t, e.Delete(context.Background(), ch.ID))
}

func TestTVViewerDeltaNeverGoesNegative(t *testing.T) {
	e, _, _ := testTVEngine(t, &fakeSegmenter{})
	ch, err := e.Create(context.Background(), testTVChannel())
	require.NoError(t, err)

	e.ViewerDelta(ch.ID, -1)
	status, err := e.Status(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Viewers)

	e.ViewerDelta(ch.ID, 1)
	e.ViewerDelta(ch.ID, 1)
	e.ViewerDelta(ch.ID, -1)
	status, err = e.Status(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Viewers)
	assert.Equal(t, int64(1), e.TotalViewers())
}

func TestEPGProjectsScheduleWindow(t *testing.T) {
	e, _, _ := testTVEngine(t, &fakeSegmenter{})

	now := time.Now()
	ch := testTVChannel()
	ch.Schedule = []models.Program{
		{Path: "/media/later.mp4", Title: "Later", Start: now.Add(50 * time.Hour), Duration: 1800},
		{Path: "/media/current.mp4", Title: "Current", Start: now.Add(-10 * time.Minute), Duration: 1800},
		{Path: "/media/soon.mp4", Title: "Soon", Start: now.Add(time.Hour), Duration: 1800},
	}
	created, err := e.Create(context.Background(), ch)
	require.NoError(t, err)

	entries, err := e.EPG(created.ID, 2*time.Hour)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Current", entries[0].Title)
	assert.Equal(t, "Soon", entries[1].Title)

	_, err = e.EPG(created.ID, 0)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}
