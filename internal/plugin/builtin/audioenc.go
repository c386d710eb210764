package builtin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/media"
	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/observability"
	"github.com/castdio/castd/internal/plugin"
	"github.com/castdio/castd/internal/version"
)

// streamFormats maps output codecs to the container format used when the
// encoder writes to a pipe and cannot infer it from a file extension.
var streamFormats = map[string]string{
	"mp3":    "mp3",
	"aac":    "adts",
	"flac":   "flac",
	"opus":   "ogg",
	"vorbis": "ogg",
	"ogg":    "ogg",
	"wav":    "wav",
}

// AudioEncoder is the built-in audio-transcode plugin. It shells out to the
// encoder CLI for file jobs and keeps a persistent PCM-fed encoder process
// per channel for radio streams.
type AudioEncoder struct {
	logger   *slog.Logger
	detector *media.Detector
	prober   *media.Prober

	mu      sync.Mutex
	jobs    map[models.ULID]*media.Command
	streams map[models.ULID]*encodeStream
}

// NewAudioEncoder creates the audio encoder plugin. Loudness normalization
// happens on the decode leg of the radio engine, so stream encodes here
// take PCM as-is.
func NewAudioEncoder(cfg config.EncoderConfig, logger *slog.Logger) *AudioEncoder {
	return &AudioEncoder{
		logger:   observability.WithComponent(logger, "builtin.audio"),
		detector: media.NewDetector(cfg.BinaryPath, cfg.ProbePath),
		prober:   media.NewProber(cfg.ProbeBinary()),
		jobs:     make(map[models.ULID]*media.Command),
		streams:  make(map[models.ULID]*encodeStream),
	}
}

func (e *AudioEncoder) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:             AudioPluginID,
		Name:           "Audio Encoder",
		Version:        version.Version,
		Author:         "castd",
		APIVersion:     plugin.APIVersion,
		JobTypes:       []models.JobType{models.JobTypeAudioTranscode},
		CapabilityTags: []string{plugin.TagStreaming},
		InputFormats:   []string{"mp3", "aac", "m4a", "flac", "wav", "ogg", "opus", "wma"},
		OutputFormats:  []string{"mp3", "aac", "flac", "wav", "ogg", "opus", "vorbis"},
		Builtin:        true,
	}
}

// Initialize warms the binary detection cache. A missing encoder binary is
// reported through Healthy rather than failing startup.
func (e *AudioEncoder) Initialize(ctx context.Context, _ string) error {
	if _, err := e.detector.Detect(ctx); err != nil {
		e.logger.Warn("encoder binary unavailable", slog.Any("error", err))
	}
	return nil
}

// Shutdown kills any in-flight encodes and streams.
func (e *AudioEncoder) Shutdown(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, cmd := range e.jobs {
		_ = cmd.Kill()
		delete(e.jobs, id)
	}
	for id, s := range e.streams {
		_ = s.cmd.Kill()
		delete(e.streams, id)
	}
	return nil
}

func (e *AudioEncoder) Healthy(ctx context.Context) bool {
	_, err := e.detector.Detect(ctx)
	return err == nil
}

func (e *AudioEncoder) CanHandle(jobType models.JobType, params models.JobParams) bool {
	if jobType != models.JobTypeAudioTranscode || params.Audio == nil {
		return false
	}
	_, ok := audioEncoders[strings.ToLower(params.Audio.Codec)]
	return ok
}

func (e *AudioEncoder) Process(ctx context.Context, req plugin.Request, progress plugin.ProgressFunc) (plugin.Result, error) {
	p := req.Params.Audio
	if p == nil {
		return plugin.Result{}, models.Validationf("audio params required")
	}
	enc, ok := audioEncoders[strings.ToLower(p.Codec)]
	if !ok {
		return plugin.Result{}, models.Validationf("unsupported audio codec %q", p.Codec)
	}
	info, err := e.detector.Detect(ctx)
	if err != nil {
		return plugin.Result{}, models.WrapError(models.KindTranscodeError, err, "encoder binary unavailable")
	}

	// Probe the source so stats map onto a completion percentage. Probe
	// failure only costs progress fidelity.
	var total time.Duration
	if mi, err := e.prober.ProbeInfo(ctx, p.InputPath); err == nil {
		total = mi.Duration
	}
	progress(0, "starting")

	b := media.NewCommandBuilder(info.FFmpegPath).
		HideBanner().
		Stats().
		Overwrite().
		Input(p.InputPath).
		NoVideo().
		AudioCodec(enc)
	if p.Bitrate > 0 {
		b.AudioBitrate(fmt.Sprintf("%dk", p.Bitrate))
	}
	if p.SampleRate > 0 {
		b.SampleRate(p.SampleRate)
	}
	if p.Channels > 0 {
		b.AudioChannels(p.Channels)
	}
	cmd := b.Output(p.OutputPath).Build()

	e.mu.Lock()
	e.jobs[req.JobID] = cmd
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.jobs, req.JobID)
		e.mu.Unlock()
	}()

	progressCh := make(chan media.Progress, 8)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for pr := range progressCh {
			progress(pr.Percent(total), "encoding")
		}
	}()

	runErr := cmd.RunWithProgress(ctx, progressCh)
	close(progressCh)
	<-forwarded

	if runErr != nil {
		return plugin.Result{}, models.WrapError(models.KindTranscodeError, runErr,
			"audio encode failed: %s", stderrTail(cmd))
	}
	progress(100, "done")
	return plugin.Result{
		OutputPath: p.OutputPath,
		Detail:     fmt.Sprintf("%s encoded with %s", filepath.Base(p.OutputPath), enc),
	}, nil
}

// Cancel kills the encoder process for the job. The worker owning the job
// observes the process death and decides the terminal status.
func (e *AudioEncoder) Cancel(jobID models.ULID) error {
	e.mu.Lock()
	cmd := e.jobs[jobID]
	e.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return cmd.Kill()
}

// StartStream launches a persistent encoder fed raw PCM through the handle
// and writing encoded bytes to out. The stream stays up until the handle is
// closed, the context is cancelled, or out stops accepting writes.
func (e *AudioEncoder) StartStream(ctx context.Context, cfg plugin.StreamConfig, out io.Writer) (plugin.StreamHandle, error) {
	enc, ok := audioEncoders[strings.ToLower(cfg.Codec)]
	if !ok {
		return nil, models.Validationf("unsupported stream codec %q", cfg.Codec)
	}
	if out == nil {
		return nil, models.Validationf("audio streams require an output sink")
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, models.Validationf("stream sample rate and channels must be positive")
	}
	info, err := e.detector.Detect(ctx)
	if err != nil {
		return nil, models.WrapError(models.KindTranscodeError, err, "encoder binary unavailable")
	}

	format, ok := streamFormats[strings.ToLower(cfg.Codec)]
	if !ok {
		format = strings.ToLower(cfg.Codec)
	}
	b := media.NewCommandBuilder(info.FFmpegPath).
		HideBanner().
		PCMInput(cfg.SampleRate, cfg.Channels).
		AudioCodec(enc).
		SampleRate(cfg.SampleRate).
		AudioChannels(cfg.Channels).
		Format(format).
		FlushPackets()
	if cfg.BitrateKbps > 0 {
		b.AudioBitrate(fmt.Sprintf("%dk", cfg.BitrateKbps))
	}
	cmd := b.Output("pipe:1").Build()

	cmd.Prepare(ctx)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, models.WrapError(models.KindTranscodeError, err, "attaching encoder stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, models.WrapError(models.KindTranscodeError, err, "attaching encoder stdout")
	}
	if err := cmd.StartPrepared(); err != nil {
		return nil, models.WrapError(models.KindTranscodeError, err, "starting stream encoder")
	}

	s := &encodeStream{
		cmd:      cmd,
		stdin:    stdin,
		copyDone: make(chan struct{}),
	}
	go func() {
		defer close(s.copyDone)
		if _, err := io.Copy(out, stdout); err != nil {
			s.copyErr = err
			// The sink is gone; without a reader the encoder would
			// block on a full pipe forever.
			_ = cmd.Kill()
		}
	}()

	e.mu.Lock()
	e.streams[cfg.ChannelID] = s
	e.mu.Unlock()

	e.logger.Info("stream encoder started",
		slog.String("channel_id", cfg.ChannelID.String()),
		slog.String("codec", cfg.Codec),
		slog.Int("bitrate_kbps", cfg.BitrateKbps),
	)
	return s, nil
}

// StopStream kills the channel's encoder if one is running.
func (e *AudioEncoder) StopStream(channelID models.ULID) error {
	e.mu.Lock()
	s := e.streams[channelID]
	delete(e.streams, channelID)
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	_ = s.stdin.Close()
	return s.cmd.Kill()
}

// encodeStream is a live PCM-to-codec encoder process.
type encodeStream struct {
	cmd      *media.Command
	stdin    io.WriteCloser
	copyDone chan struct{}
	copyErr  error

	waitOnce sync.Once
	waitErr  error
}

// Write feeds interleaved s16le PCM samples to the encoder.
func (s *encodeStream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Close ends the PCM input so the encoder flushes and exits.
func (s *encodeStream) Close() error {
	return s.stdin.Close()
}

// Wait blocks until the encoder exits and all encoded bytes have been
// copied to the sink.
func (s *encodeStream) Wait() error {
	s.waitOnce.Do(func() {
		<-s.copyDone
		s.waitErr = s.cmd.Wait()
		if s.waitErr == nil {
			s.waitErr = s.copyErr
		}
	})
	return s.waitErr
}

// stderrTail summarizes the last few stderr lines for failure messages.
func stderrTail(cmd *media.Command) string {
	lines := cmd.RecentStderr()
	if len(lines) == 0 {
		return "no encoder output"
	}
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, "; ")
}
