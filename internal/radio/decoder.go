// Package radio implements the radio engine: channel definitions, the
// per-channel playback loop with crossfade and loudness normalization, and
// auto-DJ playlist population from watched folders. Each live channel owns
// one persistent encoder process fed mixed PCM; the encoded stream lands on
// the channel's broadcaster mount.
package radio

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/media"
	"github.com/castdio/castd/internal/models"
)

const bytesPerSample = 2

// PCMFormat describes the interleaved s16le layout every decode leg of a
// channel produces. Mixing happens on raw samples, so all legs of one
// channel must agree on rate and channel count.
type PCMFormat struct {
	SampleRate int
	Channels   int
}

// FrameBytes returns the size of one frame, one sample per channel.
func (f PCMFormat) FrameBytes() int {
	return f.Channels * bytesPerSample
}

// BytesPerSecond returns the PCM byte rate.
func (f PCMFormat) BytesPerSecond() int {
	return f.SampleRate * f.FrameBytes()
}

// ChunkBytes returns the frame-aligned byte count covering d of audio.
func (f PCMFormat) ChunkBytes(d time.Duration) int {
	frame := f.FrameBytes()
	if frame == 0 {
		return 0
	}
	n := int(float64(f.BytesPerSecond()) * d.Seconds())
	n -= n % frame
	if n < frame {
		n = frame
	}
	return n
}

// Duration converts a PCM byte count into play time.
func (f PCMFormat) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(bps) * float64(time.Second))
}

// TrackDecoder opens media files as raw PCM streams. The engine depends on
// the interface so tests can synthesize audio without an encoder binary.
type TrackDecoder interface {
	// Decode starts decoding path to interleaved s16le at the given format.
	// A negative loudness target applies normalization on the decode leg.
	Decode(ctx context.Context, path string, format PCMFormat, loudnessLUFS float64) (io.ReadCloser, error)
	// Duration reports the play time of path, zero when unknown.
	Duration(ctx context.Context, path string) time.Duration
}

// FFmpegDecoder decodes tracks through the encoder CLI and measures
// durations with the probe binary.
type FFmpegDecoder struct {
	binary string
	prober *media.Prober
}

// NewFFmpegDecoder creates a decoder using the configured binaries.
func NewFFmpegDecoder(cfg config.EncoderConfig) *FFmpegDecoder {
	return &FFmpegDecoder{
		binary: cfg.EncoderBinary(),
		prober: media.NewProber(cfg.ProbeBinary()),
	}
}

// Decode launches one decoder process for the track. The returned reader
// yields raw PCM from the process stdout; Close kills and reaps the
// process, and is safe after EOF.
func (d *FFmpegDecoder) Decode(ctx context.Context, path string, format PCMFormat, loudnessLUFS float64) (io.ReadCloser, error) {
	b := media.NewCommandBuilder(d.binary).
		HideBanner().
		Input(path).
		NoVideo().
		AudioCodec("pcm_s16le").
		SampleRate(format.SampleRate).
		AudioChannels(format.Channels).
		Format("s16le").
		FlushPackets()
	if loudnessLUFS < 0 {
		b.Loudnorm(loudnessLUFS)
	}
	cmd := b.Output("pipe:1").Build()

	cmd.Prepare(ctx)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, models.WrapError(models.KindTranscodeError, err, "attaching decoder stdout")
	}
	if err := cmd.StartPrepared(); err != nil {
		return nil, models.WrapError(models.KindTranscodeError, err, "starting decoder for %s", filepath.Base(path))
	}
	return &pcmLeg{cmd: cmd, stdout: stdout}, nil
}

// Duration probes the file, returning zero when the probe fails. A zero
// duration only costs the crossfade for that track.
func (d *FFmpegDecoder) Duration(ctx context.Context, path string) time.Duration {
	info, err := d.prober.ProbeInfo(ctx, path)
	if err != nil {
		return 0
	}
	return info.Duration
}

// pcmLeg is a live decoder process read as a PCM stream.
type pcmLeg struct {
	cmd    *media.Command
	stdout io.ReadCloser
	once   sync.Once
}

func (l *pcmLeg) Read(p []byte) (int, error) {
	return l.stdout.Read(p)
}

// Close stops the decoder and reaps the process. Idempotent.
func (l *pcmLeg) Close() error {
	l.once.Do(func() {
		_ = l.cmd.Kill()
		_ = l.cmd.Wait()
		_ = l.stdout.Close()
	})
	return nil
}
