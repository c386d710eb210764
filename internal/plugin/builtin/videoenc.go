package builtin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
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

// containerFormats maps container names to explicit muxer names where the
// encoder CLI cannot infer them.
var containerFormats = map[string]string{
	"mp4":  "mp4",
	"mkv":  "matroska",
	"webm": "webm",
	"mov":  "mov",
	"ts":   "mpegts",
}

// VideoEncoder is the built-in video-transcode plugin. File jobs shell out
// to the encoder CLI; the TV engine uses the streaming side to cut one
// schedule item into numbered transport-stream segments per variant.
type VideoEncoder struct {
	logger   *slog.Logger
	detector *media.Detector
	prober   *media.Prober

	mu      sync.Mutex
	jobs    map[models.ULID]*media.Command
	streams map[models.ULID][]*segmentStream
}

// NewVideoEncoder creates the video encoder plugin.
func NewVideoEncoder(cfg config.EncoderConfig, logger *slog.Logger) *VideoEncoder {
	return &VideoEncoder{
		logger:   observability.WithComponent(logger, "builtin.video"),
		detector: media.NewDetector(cfg.BinaryPath, cfg.ProbePath),
		prober:   media.NewProber(cfg.ProbeBinary()),
		jobs:     make(map[models.ULID]*media.Command),
		streams:  make(map[models.ULID][]*segmentStream),
	}
}

func (e *VideoEncoder) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:             VideoPluginID,
		Name:           "Video Encoder",
		Version:        version.Version,
		Author:         "castd",
		APIVersion:     plugin.APIVersion,
		JobTypes:       []models.JobType{models.JobTypeVideoTranscode},
		CapabilityTags: []string{plugin.TagStreaming, plugin.TagHardwareAccel},
		InputFormats:   []string{"mp4", "mkv", "webm", "mov", "avi", "ts", "m2ts"},
		OutputFormats:  []string{"mp4", "mkv", "webm", "mov", "ts"},
		Builtin:        true,
	}
}

func (e *VideoEncoder) Initialize(ctx context.Context, _ string) error {
	if _, err := e.detector.Detect(ctx); err != nil {
		e.logger.Warn("encoder binary unavailable", slog.Any("error", err))
	}
	return nil
}

func (e *VideoEncoder) Shutdown(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, cmd := range e.jobs {
		_ = cmd.Kill()
		delete(e.jobs, id)
	}
	for id, streams := range e.streams {
		for _, s := range streams {
			_ = s.cmd.Kill()
		}
		delete(e.streams, id)
	}
	return nil
}

func (e *VideoEncoder) Healthy(ctx context.Context) bool {
	_, err := e.detector.Detect(ctx)
	return err == nil
}

func (e *VideoEncoder) CanHandle(jobType models.JobType, params models.JobParams) bool {
	if jobType != models.JobTypeVideoTranscode || params.Video == nil {
		return false
	}
	_, ok := videoEncoders[strings.ToLower(params.Video.VideoCodec)]
	return ok
}

func (e *VideoEncoder) Process(ctx context.Context, req plugin.Request, progress plugin.ProgressFunc) (plugin.Result, error) {
	p := req.Params.Video
	if p == nil {
		return plugin.Result{}, models.Validationf("video params required")
	}
	venc, ok := videoEncoders[strings.ToLower(p.VideoCodec)]
	if !ok {
		return plugin.Result{}, models.Validationf("unsupported video codec %q", p.VideoCodec)
	}
	info, err := e.detector.Detect(ctx)
	if err != nil {
		return plugin.Result{}, models.WrapError(models.KindTranscodeError, err, "encoder binary unavailable")
	}

	var total time.Duration
	if mi, err := e.prober.ProbeInfo(ctx, p.InputPath); err == nil {
		total = mi.Duration
	}
	progress(0, "starting")

	b := media.NewCommandBuilder(info.FFmpegPath).
		HideBanner().
		Stats().
		Overwrite().
		HWAccel(p.HWAccel).
		Input(p.InputPath).
		VideoCodec(venc).
		Resolution(p.Resolution)
	if p.Bitrate > 0 {
		b.VideoBitrate(fmt.Sprintf("%dk", p.Bitrate))
	}
	if p.AudioCodec != "" {
		if aenc, ok := audioEncoders[strings.ToLower(p.AudioCodec)]; ok {
			b.AudioCodec(aenc)
		} else {
			b.AudioCodec(p.AudioCodec)
		}
	}
	if format, ok := containerFormats[strings.ToLower(p.Container)]; ok {
		b.Format(format)
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
			progress(pr.Percent(total), "transcoding")
		}
	}()

	runErr := cmd.RunWithProgress(ctx, progressCh)
	close(progressCh)
	<-forwarded

	if runErr != nil {
		return plugin.Result{}, models.WrapError(models.KindTranscodeError, runErr,
			"video transcode failed: %s", stderrTail(cmd))
	}
	progress(100, "done")
	return plugin.Result{
		OutputPath: p.OutputPath,
		Detail:     fmt.Sprintf("%s transcoded with %s", filepath.Base(p.OutputPath), venc),
	}, nil
}

func (e *VideoEncoder) Cancel(jobID models.ULID) error {
	e.mu.Lock()
	cmd := e.jobs[jobID]
	e.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return cmd.Kill()
}

// StartStream encodes cfg.InputPath into numbered segments under
// cfg.SegmentDir, one variant per call. The handle's Wait blocks until the
// item has been fully segmented; the TV engine drives one item at a time
// and carries the segment counter forward via SegmentStart.
func (e *VideoEncoder) StartStream(ctx context.Context, cfg plugin.StreamConfig, _ io.Writer) (plugin.StreamHandle, error) {
	if cfg.InputPath == "" {
		return nil, models.Validationf("segment streams require an input path")
	}
	if cfg.SegmentDir == "" || cfg.SegmentPattern == "" {
		return nil, models.Validationf("segment streams require a segment dir and pattern")
	}
	if cfg.SegmentSeconds <= 0 {
		return nil, models.Validationf("segment seconds must be positive")
	}
	info, err := e.detector.Detect(ctx)
	if err != nil {
		return nil, models.WrapError(models.KindTranscodeError, err, "encoder binary unavailable")
	}

	venc, ok := videoEncoders[strings.ToLower(cfg.VideoCodec)]
	if !ok {
		venc = "libx264"
	}
	b := media.NewCommandBuilder(info.FFmpegPath).HideBanner()
	if cfg.Realtime {
		b.Realtime()
	}
	b.Input(cfg.InputPath).
		VideoCodec(venc).
		Resolution(cfg.Resolution).
		AudioCodec("aac")
	if cfg.VideoBitrate > 0 {
		b.VideoBitrate(fmt.Sprintf("%dk", cfg.VideoBitrate))
	}
	if cfg.BitrateKbps > 0 {
		b.AudioBitrate(fmt.Sprintf("%dk", cfg.BitrateKbps))
	}
	b.SegmentArgs(cfg.SegmentSeconds).
		OutputArgs("-segment_start_number", strconv.Itoa(cfg.SegmentStart))
	cmd := b.Output(filepath.Join(cfg.SegmentDir, cfg.SegmentPattern)).Build()

	if err := cmd.Start(ctx); err != nil {
		return nil, models.WrapError(models.KindTranscodeError, err, "starting segment encoder")
	}

	s := &segmentStream{cmd: cmd}
	s.remove = func() { e.removeStream(cfg.ChannelID, s) }

	e.mu.Lock()
	e.streams[cfg.ChannelID] = append(e.streams[cfg.ChannelID], s)
	e.mu.Unlock()

	e.logger.Debug("segment encoder started",
		slog.String("channel_id", cfg.ChannelID.String()),
		slog.String("input", cfg.InputPath),
		slog.Int("start_number", cfg.SegmentStart),
	)
	return s, nil
}

// StopStream kills every segment encoder running for the channel.
func (e *VideoEncoder) StopStream(channelID models.ULID) error {
	e.mu.Lock()
	streams := e.streams[channelID]
	delete(e.streams, channelID)
	e.mu.Unlock()
	for _, s := range streams {
		_ = s.cmd.Kill()
	}
	return nil
}

func (e *VideoEncoder) removeStream(channelID models.ULID, target *segmentStream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	streams := e.streams[channelID]
	for i, s := range streams {
		if s == target {
			e.streams[channelID] = append(streams[:i], streams[i+1:]...)
			break
		}
	}
	if len(e.streams[channelID]) == 0 {
		delete(e.streams, channelID)
	}
}

// segmentStream is one segment-producing encoder run. It takes file input,
// so the handle accepts no piped writes.
type segmentStream struct {
	cmd    *media.Command
	remove func()

	waitOnce sync.Once
	waitErr  error
}

func (s *segmentStream) Write([]byte) (int, error) {
	return 0, models.Validationf("segment streams take file input, not piped writes")
}

// Close interrupts the encoder so it finalizes the current segment.
func (s *segmentStream) Close() error {
	return s.cmd.Signal(os.Interrupt)
}

// Wait blocks until the item has been fully segmented.
func (s *segmentStream) Wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
		if s.remove != nil {
			s.remove()
		}
	})
	return s.waitErr
}
