package plugin

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/rpc"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castdio/castd/internal/models"
)

// newWireClient wires an rpcClient to an rpcServer over an in-memory pipe.
// Everything crossing it is really gob-encoded, so these tests prove the
// wire types survive the trip. The broker is nil; brokered progress and
// output sinks degrade to no-ops, which is also the production behavior for
// callers that pass no progress func or writer.
func newWireClient(t *testing.T, impl Plugin) *rpcClient {
	t.Helper()
	srvConn, cliConn := net.Pipe()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("Plugin", newRPCServer(impl, nil)))
	go server.ServeConn(srvConn)

	client := rpc.NewClient(cliConn)
	t.Cleanup(func() { _ = client.Close() })
	return &rpcClient{client: client}
}

func (s *fakeStreamer) stoppedIDs() []models.ULID {
	s.smu.Lock()
	defer s.smu.Unlock()
	return append([]models.ULID(nil), s.stopped...)
}

// memStream is an in-memory StreamHandle for the plugin side of stream
// tests.
type memStream struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (m *memStream) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Write(p)
}

func (m *memStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStream) Wait() error { return nil }

func (m *memStream) contents() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf.Bytes()...)
}

func (m *memStream) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func TestWire_Descriptor(t *testing.T) {
	impl := newFakePlugin("dyn.enc", models.JobTypeAudioTranscode, models.JobTypeVideoTranscode)
	impl.desc.CapabilityTags = []string{TagStreaming}
	impl.desc.InputFormats = []string{"wav", "flac"}
	c := newWireClient(t, impl)

	desc, err := c.fetchDescriptor()
	require.NoError(t, err)
	assert.Equal(t, impl.desc, desc)
}

func TestWire_InitializeCarriesConfigPath(t *testing.T) {
	impl := newFakePlugin("dyn.enc")
	c := newWireClient(t, impl)

	require.NoError(t, c.Initialize(context.Background(), "/etc/castd/plugins"))
	assert.Equal(t, "/etc/castd/plugins", impl.lastInit())

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, int32(1), impl.shutdownCalls.Load())
}

func TestWire_Healthy(t *testing.T) {
	impl := newFakePlugin("dyn.enc")
	c := newWireClient(t, impl)

	assert.True(t, c.Healthy(context.Background()))
	impl.healthy.Store(false)
	assert.False(t, c.Healthy(context.Background()))
}

func TestWire_CanHandle(t *testing.T) {
	impl := newFakePlugin("dyn.enc")
	c := newWireClient(t, impl)

	params := models.JobParams{Audio: &models.AudioParams{
		InputPath:  "/in/a.wav",
		OutputPath: "/out/a.mp3",
		Codec:      "mp3",
		Bitrate:    192,
	}}
	assert.True(t, c.CanHandle(models.JobTypeAudioTranscode, params))

	impl.canHandle.Store(false)
	assert.False(t, c.CanHandle(models.JobTypeAudioTranscode, params))
}

func TestWire_ProcessRoundTrip(t *testing.T) {
	impl := newFakePlugin("dyn.enc")
	c := newWireClient(t, impl)

	req := Request{
		JobID: models.NewULID(),
		Type:  models.JobTypeAudioTranscode,
		Params: models.JobParams{Audio: &models.AudioParams{
			InputPath:  "/in/a.wav",
			OutputPath: "/out/a.opus",
			Codec:      "opus",
			Bitrate:    96,
			SampleRate: 48000,
			Channels:   2,
		}},
		TenantID: "tenant-1",
		UserID:   "user-1",
	}
	res, err := c.Process(context.Background(), req, func(float64, string) {})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out", res.OutputPath)
	assert.Equal(t, "dyn.enc", res.Detail)

	got := impl.lastRequest()
	assert.Equal(t, req.JobID, got.JobID)
	assert.Equal(t, req.Type, got.Type)
	assert.Equal(t, "tenant-1", got.TenantID)
	require.NotNil(t, got.Params.Audio)
	assert.Equal(t, *req.Params.Audio, *got.Params.Audio)
}

func TestWire_ProcessError(t *testing.T) {
	impl := newFakePlugin("dyn.enc")
	impl.processErr = errors.New("codec exploded")
	c := newWireClient(t, impl)

	_, err := c.Process(context.Background(), Request{JobID: models.NewULID()}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "codec exploded")
}

func TestWire_ProcessCancelForwarded(t *testing.T) {
	impl := newFakePlugin("dyn.enc")
	impl.blockProcess = make(chan struct{})
	c := newWireClient(t, impl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Process(ctx, Request{JobID: models.NewULID()}, nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return impl.processCalls.Load() == 1
	}, time.Second, 5*time.Millisecond, "call reaches the plugin")

	// Cancelling the context sends Cancel over the wire, which unblocks the
	// fake; Process then waits for the plugin's own return.
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err, "plugin finished cleanly after cancel")
	case <-time.After(5 * time.Second):
		t.Fatal("Process did not return after cancel")
	}
	assert.GreaterOrEqual(t, impl.cancelCalls.Load(), int32(1))
}

func TestWire_Cancel(t *testing.T) {
	impl := newFakePlugin("dyn.enc")
	c := newWireClient(t, impl)

	require.NoError(t, c.Cancel(models.NewULID()))
	assert.Equal(t, int32(1), impl.cancelCalls.Load())
}

func TestWire_StreamLifecycle(t *testing.T) {
	handle := &memStream{}
	impl := &fakeStreamer{fakePlugin: newFakePlugin("dyn.stream"), handle: handle}
	c := newWireClient(t, impl)

	cfg := StreamConfig{
		ChannelID:   models.NewULID(),
		Codec:       "mp3",
		BitrateKbps: 128,
		SampleRate:  44100,
		Channels:    2,
		Realtime:    true,
	}
	remote, err := c.StartStream(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg, impl.startedWith())

	n, err := remote.Write([]byte("pcm-frames"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []byte("pcm-frames"), handle.contents())

	require.NoError(t, remote.Close())
	assert.True(t, handle.isClosed())

	require.NoError(t, remote.Wait())

	// Wait drops the server-side handle; the stream is gone afterwards.
	_, err = remote.Write([]byte("late"))
	require.Error(t, err)
}

func TestWire_StopStream(t *testing.T) {
	impl := &fakeStreamer{fakePlugin: newFakePlugin("dyn.stream"), handle: &memStream{}}
	c := newWireClient(t, impl)

	id := models.NewULID()
	_, err := c.StartStream(context.Background(), StreamConfig{ChannelID: id}, nil)
	require.NoError(t, err)

	require.NoError(t, c.StopStream(id))
	assert.Equal(t, []models.ULID{id}, impl.stoppedIDs())
}

func TestWire_StartStreamOnNonStreamer(t *testing.T) {
	impl := newFakePlugin("dyn.enc")
	c := newWireClient(t, impl)

	_, err := c.StartStream(context.Background(), StreamConfig{ChannelID: models.NewULID()}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not stream")
}
