package radio

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"time"
)

// crossfadeMixer blends the tail of an outgoing PCM stream into the head of
// an incoming one with linear gain ramps. The ramp advances per frame so
// all channels of one frame share the same gain.
type crossfadeMixer struct {
	frameBytes  int
	totalFrames int
	doneFrames  int
}

func newCrossfadeMixer(format PCMFormat, window time.Duration) *crossfadeMixer {
	frames := int(float64(format.SampleRate) * window.Seconds())
	if frames < 1 {
		frames = 1
	}
	return &crossfadeMixer{
		frameBytes:  format.FrameBytes(),
		totalFrames: frames,
	}
}

// Mix writes blended samples into dst. The blended region is the largest
// frame-aligned prefix covered by both inputs; outgoing bytes beyond the
// incoming length pass through unblended. Returns the bytes written, which
// always equals len(outgoing), and the incoming bytes consumed so the
// caller can push back what the blend did not use. dst must hold at least
// len(outgoing) bytes.
func (m *crossfadeMixer) Mix(dst, outgoing, incoming []byte) (written, consumed int) {
	n := len(incoming)
	if len(outgoing) < n {
		n = len(outgoing)
	}
	n -= n % m.frameBytes

	for off := 0; off < n; off += m.frameBytes {
		t := float64(m.doneFrames) / float64(m.totalFrames)
		if t > 1 {
			t = 1
		}
		for b := off; b < off+m.frameBytes; b += bytesPerSample {
			out := int16(binary.LittleEndian.Uint16(outgoing[b:]))
			in := int16(binary.LittleEndian.Uint16(incoming[b:]))
			mixed := float64(out)*(1-t) + float64(in)*t
			binary.LittleEndian.PutUint16(dst[b:], uint16(clampS16(mixed)))
		}
		if m.doneFrames < m.totalFrames {
			m.doneFrames++
		}
	}

	copied := copy(dst[n:len(outgoing)], outgoing[n:])
	return n + copied, n
}

// prefixedReader replays pushed-back bytes before the underlying stream.
type prefixedReader struct {
	prefix []byte
	rc     io.ReadCloser
}

func (p *prefixedReader) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.rc.Read(b)
}

func (p *prefixedReader) Close() error { return p.rc.Close() }

func clampS16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// readChunk fills buf, tolerating short reads. io.EOF is reported once the
// source is exhausted, possibly alongside a final short count.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return n, io.EOF
	}
	return n, err
}

// chunkedWriter splits writes so no single mount write exceeds the
// configured chunk size. Listener buffers are counted in chunks, so one
// encoder burst must not arrive as one oversized chunk.
type chunkedWriter struct {
	w    io.Writer
	size int
}

func newChunkedWriter(w io.Writer, size int) *chunkedWriter {
	if size <= 0 {
		size = 4096
	}
	return &chunkedWriter{w: w, size: size}
}

func (c *chunkedWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > c.size {
			n = c.size
		}
		if _, err := c.w.Write(p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}
