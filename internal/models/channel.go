package models

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ChannelKind separates radio channels from TV channels. Both kinds share
// the same lifecycle; TV channels additionally carry a schedule, commercial
// pool, and bumpers.
type ChannelKind string

const (
	ChannelKindRadio ChannelKind = "radio"
	ChannelKindTV    ChannelKind = "tv"
)

// OutputKind selects how the channel's byte stream leaves the daemon.
type OutputKind string

const (
	// OutputStream writes one continuous encoded stream to the channel's
	// broadcaster mount.
	OutputStream OutputKind = "stream"
	// OutputSegments writes numbered multi-variant segments plus rolling
	// playlists to the segment directory.
	OutputSegments OutputKind = "segments"
)

// Track is one playlist item of a radio channel.
type Track struct {
	Path     string  `json:"path"`
	Title    string  `json:"title,omitempty"`
	Artist   string  `json:"artist,omitempty"`
	Duration float64 `json:"duration_seconds,omitempty"`
}

// Program is one schedule item of a TV channel, pinned to a wall-clock
// start time.
type Program struct {
	Path     string  `json:"path"`
	Title    string  `json:"title,omitempty"`
	Start    Time    `json:"start"`
	Duration float64 `json:"duration_seconds"`
}

// Variant is one bitrate/resolution combination of a TV channel's
// multi-variant output.
type Variant struct {
	Name       string `json:"name"`
	Bitrate    int    `json:"bitrate_kbps"`
	Resolution string `json:"resolution"`
}

// AutoDJConfig controls playlist self-population from media folders.
type AutoDJConfig struct {
	Enabled bool     `json:"enabled"`
	Folders []string `json:"folders,omitempty"`
	Shuffle bool     `json:"shuffle"`
}

// Channel is the persisted definition of a simulated radio or TV channel.
// Runtime state (live flag, now playing, listener counts) belongs to the
// owning engine, not to the record.
type Channel struct {
	BaseModel

	Kind     ChannelKind `gorm:"not null;index" json:"kind"`
	Name     string      `gorm:"not null;size:255" json:"name"`
	TenantID string      `gorm:"index" json:"tenant_id"`

	// Audio encoding for radio, and the audio half of TV variants.
	AudioCodec   string `gorm:"size:50" json:"audio_codec"`
	AudioBitrate int    `json:"audio_bitrate_kbps"`
	SampleRate   int    `json:"sample_rate"`
	Channels     int    `json:"channels"`

	// Video encoding (TV only).
	VideoCodec string `gorm:"size:50" json:"video_codec,omitempty"`
	FPS        int    `json:"fps,omitempty"`

	Output OutputKind `gorm:"size:20;default:stream" json:"output"`

	CrossfadeSeconds float64 `json:"crossfade_seconds"`
	// LoudnessTarget is the integrated loudness target in LUFS, e.g. -16.
	// Zero disables normalization.
	LoudnessTarget float64 `json:"loudness_target_lufs"`

	AutoDJ AutoDJConfig `gorm:"serializer:json" json:"auto_dj"`

	Playlist []Track   `gorm:"serializer:json" json:"playlist,omitempty"`
	Schedule []Program `gorm:"serializer:json" json:"schedule,omitempty"`
	Variants []Variant `gorm:"serializer:json" json:"variants,omitempty"`

	// TV interstitials.
	CommercialPool  []string `gorm:"serializer:json" json:"commercial_pool,omitempty"`
	BreakCadenceMin int      `json:"break_cadence_minutes,omitempty"`
	BreakTargetSec  int      `json:"break_target_seconds,omitempty"`
	Bumpers         []string `gorm:"serializer:json" json:"bumpers,omitempty"`

	// SegmentSeconds overrides the configured default segment duration.
	SegmentSeconds int `json:"segment_seconds,omitempty"`
}

// TableName returns the table name for Channel.
func (Channel) TableName() string {
	return "channels"
}

// Clone returns a deep copy. Engines hand out clones so callers cannot
// mutate a definition behind the owning engine's lock.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	out := *c
	out.AutoDJ.Folders = append([]string(nil), c.AutoDJ.Folders...)
	out.Playlist = append([]Track(nil), c.Playlist...)
	out.Schedule = append([]Program(nil), c.Schedule...)
	out.Variants = append([]Variant(nil), c.Variants...)
	out.CommercialPool = append([]string(nil), c.CommercialPool...)
	out.Bumpers = append([]string(nil), c.Bumpers...)
	return &out
}

// Validate checks the definition before it is accepted by an engine.
func (c *Channel) Validate() error {
	if c.Name == "" {
		return Validationf("name is required")
	}
	switch c.Kind {
	case ChannelKindRadio, ChannelKindTV:
	default:
		return Validationf("kind must be radio or tv")
	}
	if c.AudioCodec == "" {
		return Validationf("audio_codec is required")
	}
	if c.AudioBitrate <= 0 {
		return Validationf("audio_bitrate_kbps must be positive")
	}
	if c.CrossfadeSeconds < 0 {
		return Validationf("crossfade_seconds must not be negative")
	}
	if c.LoudnessTarget > 0 {
		return Validationf("loudness_target_lufs must be negative or zero")
	}
	if c.Kind == ChannelKindTV {
		if c.VideoCodec == "" {
			return Validationf("video_codec is required for tv channels")
		}
		if len(c.Variants) == 0 {
			return Validationf("at least one variant is required for tv channels")
		}
		for _, v := range c.Variants {
			if v.Name == "" || v.Bitrate <= 0 || !strings.Contains(v.Resolution, "x") {
				return Validationf("variant needs name, positive bitrate and WxH resolution")
			}
		}
	}
	return nil
}

// Mount derives the broadcaster mount name for the channel. The id keeps
// mounts unique; the slug keeps stream URLs readable.
func (c *Channel) Mount() string {
	slug := Slugify(c.Name)
	if slug == "" {
		return c.ID.String()
	}
	return slug + "-" + c.ID.String()
}

// ContentType returns the HTTP content type of the channel's raw stream.
func (c *Channel) ContentType() string {
	switch strings.ToLower(c.AudioCodec) {
	case "mp3", "libmp3lame":
		return "audio/mpeg"
	case "aac", "libfdk_aac":
		return "audio/aac"
	case "ogg", "vorbis", "libvorbis", "opus", "libopus":
		return "audio/ogg"
	}
	if c.Kind == ChannelKindTV {
		return "video/mp2t"
	}
	return "application/octet-stream"
}

// ScheduleSorted returns the schedule ordered by start time.
func (c *Channel) ScheduleSorted() []Program {
	out := append([]Program(nil), c.Schedule...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Start.Before(out[j-1].Start); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ProgramEnd returns the wall-clock end of a program.
func (p Program) End() Time {
	return p.Start.Add(time.Duration(p.Duration * float64(time.Second)))
}

var slugStripper = transform.Chain(
	norm.NFKD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Slugify lowercases a name, strips diacritics, and collapses everything
// that is not alphanumeric into single dashes.
func Slugify(name string) string {
	stripped, _, err := transform.String(slugStripper, name)
	if err != nil {
		stripped = name
	}
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(stripped) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
