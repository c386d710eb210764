package radio

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcmOf(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func samplesOf(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func TestCrossfadeMixerRampsLinearly(t *testing.T) {
	format := PCMFormat{SampleRate: 4, Channels: 1}
	m := newCrossfadeMixer(format, time.Second) // 4 frames

	outgoing := pcmOf(1000, 1000, 1000, 1000)
	incoming := pcmOf(0, 0, 0, 0)
	dst := make([]byte, len(outgoing))

	n, consumed := m.Mix(dst, outgoing, incoming)
	require.Equal(t, len(outgoing), n)
	assert.Equal(t, len(incoming), consumed)

	got := samplesOf(dst)
	assert.Equal(t, int16(1000), got[0]) // t=0, all outgoing
	assert.Equal(t, int16(750), got[1])
	assert.Equal(t, int16(500), got[2])
	assert.Equal(t, int16(250), got[3])

	// Past the ramp the incoming leg passes through.
	n, _ = m.Mix(dst, pcmOf(1000, 1000), pcmOf(42, 42))
	got = samplesOf(dst[:n])
	assert.Equal(t, []int16{42, 42}, got)
}

func TestCrossfadeMixerPassesUnmatchedTail(t *testing.T) {
	format := PCMFormat{SampleRate: 4, Channels: 1}
	m := newCrossfadeMixer(format, time.Second)

	// Incoming is shorter than outgoing: the tail must pass through.
	outgoing := pcmOf(100, 100, 100)
	incoming := pcmOf(0)
	dst := make([]byte, len(outgoing))

	n, consumed := m.Mix(dst, outgoing, incoming)
	require.Equal(t, len(outgoing), n)
	assert.Equal(t, len(incoming), consumed)
	got := samplesOf(dst)
	assert.Equal(t, int16(100), got[1])
	assert.Equal(t, int16(100), got[2])
}

func TestCrossfadeShortTailDoesNotDropIncomingHead(t *testing.T) {
	format := PCMFormat{SampleRate: 4, Channels: 1}
	m := newCrossfadeMixer(format, time.Second)

	// The outgoing track ends with a short read while a full chunk was
	// read from the incoming leg: only the blended prefix is consumed and
	// the rest replays after the handover.
	incoming := &leg{pcm: io.NopCloser(bytes.NewReader(pcmOf(10, 20, 30, 40)))}
	bufB := make([]byte, 8)
	nB, err := readChunk(incoming.pcm, bufB)
	require.NoError(t, err)
	incoming.readBytes += int64(nB)

	outgoing := pcmOf(1000)
	dst := make([]byte, len(outgoing))
	n, consumed := m.Mix(dst, outgoing, bufB[:nB])
	require.Equal(t, len(outgoing), n)
	require.Equal(t, 2, consumed)

	incoming.pushback(bufB[consumed:nB])
	assert.Equal(t, int64(2), incoming.readBytes)

	rest := make([]byte, 6)
	nr, err := readChunk(incoming.pcm, rest)
	require.NoError(t, err)
	assert.Equal(t, []int16{20, 30, 40}, samplesOf(rest[:nr]))
}

func TestLegPushbackReplaysBeforeStream(t *testing.T) {
	l := &leg{pcm: io.NopCloser(bytes.NewReader(pcmOf(3, 4))), readBytes: 4}
	l.pushback(pcmOf(1, 2))
	assert.Equal(t, int64(0), l.readBytes)

	buf := make([]byte, 8)
	n, err := readChunk(l.pcm, buf)
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2, 3, 4}, samplesOf(buf[:n]))

	require.NoError(t, l.pcm.Close())
}

func TestReadChunkReportsShortFinalRead(t *testing.T) {
	r := bytes.NewReader([]byte{1, 2, 3})
	buf := make([]byte, 4)
	n, err := readChunk(r, buf)
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, io.EOF)
}

type writeRecorder struct {
	sizes []int
}

func (w *writeRecorder) Write(p []byte) (int, error) {
	w.sizes = append(w.sizes, len(p))
	return len(p), nil
}

func TestChunkedWriterSplitsLargeWrites(t *testing.T) {
	rec := &writeRecorder{}
	w := newChunkedWriter(rec, 4)

	n, err := w.Write(make([]byte, 10))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []int{4, 4, 2}, rec.sizes)
}

func TestPCMFormatChunkBytesIsFrameAligned(t *testing.T) {
	f := PCMFormat{SampleRate: 44100, Channels: 2}
	n := f.ChunkBytes(100 * time.Millisecond)
	assert.Zero(t, n%f.FrameBytes())
	assert.InDelta(t, float64(f.BytesPerSecond())/10, float64(n), float64(f.FrameBytes()))
}
