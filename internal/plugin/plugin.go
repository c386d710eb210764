// Package plugin defines the media plugin contract and the registry that
// exclusively owns every plugin instance. Built-in plugins are concrete types
// compiled into the binary; dynamic plugins are separate executables spoken
// to over go-plugin's net/rpc protocol. Job workers and the channel engines
// reach plugins only through registry handles, never by holding raw
// instances across operations.
package plugin

import (
	"context"
	"errors"
	"io"
	"slices"

	"github.com/castdio/castd/internal/models"
)

// APIVersion is the plugin API version this host speaks. A dynamic plugin
// whose descriptor declares any other value is rejected at load time and
// never initialized. Built-in plugins inherit the host version implicitly.
const APIVersion = "1.0"

// Capability tags a descriptor may carry in addition to its job types.
const (
	TagStreaming     = "streaming"
	TagHardwareAccel = "hardware-accel"
)

// Load failure reasons. The loader wraps these so callers can classify why
// an artifact was rejected.
var (
	// ErrArtifactNotFound means the plugin file does not exist or is not
	// executable.
	ErrArtifactNotFound = errors.New("plugin artifact not found")

	// ErrHandshakeFailed means the artifact started but never completed the
	// plugin handshake, or does not export the expected plugin service.
	ErrHandshakeFailed = errors.New("plugin handshake failed")

	// ErrVersionMismatch means the plugin declared an API version different
	// from the host's. The instance is discarded without initialization.
	ErrVersionMismatch = errors.New("plugin api version mismatch")

	// ErrInitFailed means the plugin's Initialize call returned an error.
	ErrInitFailed = errors.New("plugin initialization failed")
)

// Descriptor is a plugin's self-description, reported once at load time and
// immutable afterwards.
type Descriptor struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Version        string            `json:"version"`
	Author         string            `json:"author,omitempty"`
	APIVersion     string            `json:"api_version"`
	JobTypes       []models.JobType  `json:"job_types"`
	CapabilityTags []string          `json:"capability_tags,omitempty"`
	InputFormats   []string          `json:"input_formats,omitempty"`
	OutputFormats  []string          `json:"output_formats,omitempty"`
	Builtin        bool              `json:"builtin"`
}

// Handles reports whether the descriptor declares the given job type.
func (d Descriptor) Handles(t models.JobType) bool {
	return slices.Contains(d.JobTypes, t)
}

// HasTag reports whether the descriptor carries the capability tag.
func (d Descriptor) HasTag(tag string) bool {
	return slices.Contains(d.CapabilityTags, tag)
}

// Validate checks the descriptor fields a loadable plugin must declare.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return errors.New("descriptor id is required")
	}
	if d.Version == "" {
		return errors.New("descriptor version is required")
	}
	if len(d.JobTypes) == 0 {
		return errors.New("descriptor declares no job types")
	}
	for _, t := range d.JobTypes {
		if !t.Valid() {
			return errors.New("descriptor declares unknown job type " + string(t))
		}
	}
	return nil
}

// ProgressFunc receives progress reports during Process. Implementations
// must tolerate out-of-order calls; the job queue clamps percent to a
// non-decreasing sequence before exposing it.
type ProgressFunc func(percent float64, stage string)

// Request is the work order handed to Process. It carries everything the
// plugin needs; plugins never reach back into the job queue.
type Request struct {
	JobID    models.ULID
	Type     models.JobType
	Params   models.JobParams
	TenantID string
	UserID   string
}

// Result is the outcome of a successful Process call.
type Result struct {
	OutputPath string
	Detail     string
}

// Plugin is the capability set every media plugin implements. All methods
// must be safe for concurrent use; Process may run for minutes and must
// honour ctx cancellation.
//
// Initialize is idempotent: a second call on an initialized instance is a
// no-op. Shutdown cancels any in-flight work. Healthy is a cheap liveness
// probe and must not block on external resources. Cancel is best-effort and
// keyed by job id; the worker owning the job decides the terminal status.
type Plugin interface {
	Descriptor() Descriptor
	Initialize(ctx context.Context, configPath string) error
	Shutdown(ctx context.Context) error
	Healthy(ctx context.Context) bool
	CanHandle(jobType models.JobType, params models.JobParams) bool
	Process(ctx context.Context, req Request, progress ProgressFunc) (Result, error)
	Cancel(jobID models.ULID) error
}

// StreamConfig configures a persistent encode stream for a broadcast
// channel. Audio streams feed raw PCM through the handle and receive
// encoded bytes on out; segment streams read InputPath and write numbered
// segments under SegmentDir, ignoring out.
type StreamConfig struct {
	ChannelID   models.ULID
	Codec       string
	BitrateKbps int
	SampleRate  int
	Channels    int

	// Video segment mode.
	VideoCodec     string
	VideoBitrate   int
	Resolution     string
	InputPath      string
	SegmentDir     string
	SegmentPattern string
	SegmentSeconds int
	SegmentStart   int

	// Realtime paces the encoder at input speed rather than as fast as
	// possible. Segment streams set this so wall-clock schedules hold.
	Realtime bool
}

// StreamHandle is a live encode stream. Write feeds input (PCM for audio
// streams; unused for segment streams), Close ends the input and lets the
// encoder flush, and Wait blocks until the encoder exits.
type StreamHandle interface {
	io.WriteCloser
	Wait() error
}

// Streamer is the optional capability behind the "streaming" tag. The
// radio and TV engines use it for their encode legs.
type Streamer interface {
	StartStream(ctx context.Context, cfg StreamConfig, out io.Writer) (StreamHandle, error)
	StopStream(channelID models.ULID) error
}
