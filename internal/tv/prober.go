package tv

import (
	"bufio"
	"context"
	"errors"
	"os"
	"time"

	"github.com/asticode/go-astits"

	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/media"
	"github.com/castdio/castd/internal/models"
)

// SegmentProber measures the real duration of an emitted transport-stream
// segment for the EXTINF entries of the rolling playlists.
type SegmentProber interface {
	SegmentDuration(path string) (time.Duration, error)
}

// TSProber derives a segment's duration from the PTS span of its PES
// packets, falling back to the probe binary when the stream cannot be
// parsed.
type TSProber struct {
	fallback *media.Prober
}

// NewTSProber creates a segment prober with the configured probe binary as
// fallback.
func NewTSProber(cfg config.EncoderConfig) *TSProber {
	return &TSProber{fallback: media.NewProber(cfg.ProbeBinary())}
}

// SegmentDuration measures one segment.
func (p *TSProber) SegmentDuration(path string) (time.Duration, error) {
	if d, err := ptsSpan(path); err == nil && d > 0 {
		return d, nil
	}
	info, err := p.fallback.ProbeInfo(context.Background(), path)
	if err != nil {
		return 0, models.WrapError(models.KindTranscodeError, err, "probing segment %s", path)
	}
	return info.Duration, nil
}

// ptsSpan demuxes the transport stream and returns the spread between the
// smallest and largest presentation timestamps seen.
func ptsSpan(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dmx := astits.NewDemuxer(context.Background(), bufio.NewReader(f))
	var first, last time.Duration
	seen := false
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			if seen {
				// Truncated tail; the span up to here is still usable.
				break
			}
			return 0, err
		}
		if d.PES == nil || d.PES.Header == nil || d.PES.Header.OptionalHeader == nil {
			continue
		}
		pts := d.PES.Header.OptionalHeader.PTS
		if pts == nil {
			continue
		}
		t := pts.Duration()
		if !seen {
			first, last = t, t
			seen = true
			continue
		}
		if t < first {
			first = t
		}
		if t > last {
			last = t
		}
	}
	if !seen {
		return 0, errors.New("no presentation timestamps in segment")
	}
	return last - first, nil
}
