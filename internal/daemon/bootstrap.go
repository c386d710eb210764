package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/castdio/castd/internal/models"
)

// bootstrapFile is the declarative channel definition file loaded at
// startup. Channels are matched by name within their kind; a name that
// already exists (typically restored from the database) is skipped so the
// file stays safe to leave in place across restarts.
type bootstrapFile struct {
	Radio []bootstrapRadio `yaml:"radio"`
	TV    []bootstrapTV    `yaml:"tv"`
}

type bootstrapRadio struct {
	Name             string           `yaml:"name"`
	TenantID         string           `yaml:"tenant_id"`
	AudioCodec       string           `yaml:"audio_codec"`
	AudioBitrate     int              `yaml:"audio_bitrate_kbps"`
	SampleRate       int              `yaml:"sample_rate"`
	Channels         int              `yaml:"channels"`
	CrossfadeSeconds float64          `yaml:"crossfade_seconds"`
	LoudnessTarget   float64          `yaml:"loudness_target_lufs"`
	Playlist         []bootstrapTrack `yaml:"playlist"`
	AutoDJ           struct {
		Enabled bool     `yaml:"enabled"`
		Folders []string `yaml:"folders"`
		Shuffle bool     `yaml:"shuffle"`
	} `yaml:"auto_dj"`
	Autostart bool `yaml:"autostart"`
}

type bootstrapTrack struct {
	Path     string  `yaml:"path"`
	Title    string  `yaml:"title"`
	Artist   string  `yaml:"artist"`
	Duration float64 `yaml:"duration_seconds"`
}

type bootstrapTV struct {
	Name           string             `yaml:"name"`
	TenantID       string             `yaml:"tenant_id"`
	VideoCodec     string             `yaml:"video_codec"`
	AudioCodec     string             `yaml:"audio_codec"`
	AudioBitrate   int                `yaml:"audio_bitrate_kbps"`
	FPS            int                `yaml:"fps"`
	SegmentSeconds int                `yaml:"segment_seconds"`
	Variants       []bootstrapVariant `yaml:"variants"`
	Schedule       []bootstrapProgram `yaml:"schedule"`
	Autostart      bool               `yaml:"autostart"`
}

type bootstrapVariant struct {
	Name       string `yaml:"name"`
	Bitrate    int    `yaml:"bitrate_kbps"`
	Resolution string `yaml:"resolution"`
}

type bootstrapProgram struct {
	Path     string    `yaml:"path"`
	Title    string    `yaml:"title"`
	Start    time.Time `yaml:"start"`
	Duration float64   `yaml:"duration_seconds"`
}

// bootstrapChannels creates the channels declared in the bootstrap file.
// Per-channel failures are logged and skipped; only an unreadable or
// unparseable file is an error.
func (d *Daemon) bootstrapChannels(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading bootstrap file: %w", err)
	}
	var file bootstrapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing bootstrap file: %w", err)
	}

	radioNames := make(map[string]bool)
	for _, st := range d.radio.List("") {
		radioNames[st.Channel.Name] = true
	}
	tvNames := make(map[string]bool)
	for _, st := range d.tv.List("") {
		tvNames[st.Channel.Name] = true
	}

	created := 0
	for _, spec := range file.Radio {
		if radioNames[spec.Name] {
			continue
		}
		ch, err := d.radio.Create(ctx, spec.model())
		if err != nil {
			d.logger.Warn("bootstrap radio channel rejected", "name", spec.Name, "error", err)
			continue
		}
		created++
		if spec.Autostart {
			if _, err := d.radio.Start(ctx, ch.ID); err != nil {
				d.logger.Warn("bootstrap radio channel autostart failed", "name", spec.Name, "error", err)
			}
		}
	}
	for _, spec := range file.TV {
		if tvNames[spec.Name] {
			continue
		}
		ch, err := d.tv.Create(ctx, spec.model())
		if err != nil {
			d.logger.Warn("bootstrap tv channel rejected", "name", spec.Name, "error", err)
			continue
		}
		created++
		if spec.Autostart {
			if _, err := d.tv.Start(ctx, ch.ID); err != nil {
				d.logger.Warn("bootstrap tv channel autostart failed", "name", spec.Name, "error", err)
			}
		}
	}
	if created > 0 {
		d.logger.Info("bootstrapped channels", "file", path, "created", created)
	}
	return nil
}

func (s bootstrapRadio) model() *models.Channel {
	ch := &models.Channel{
		Kind:             models.ChannelKindRadio,
		Name:             s.Name,
		TenantID:         s.TenantID,
		AudioCodec:       s.AudioCodec,
		AudioBitrate:     s.AudioBitrate,
		SampleRate:       s.SampleRate,
		Channels:         s.Channels,
		CrossfadeSeconds: s.CrossfadeSeconds,
		LoudnessTarget:   s.LoudnessTarget,
		AutoDJ: models.AutoDJConfig{
			Enabled: s.AutoDJ.Enabled,
			Folders: s.AutoDJ.Folders,
			Shuffle: s.AutoDJ.Shuffle,
		},
	}
	for _, t := range s.Playlist {
		ch.Playlist = append(ch.Playlist, models.Track{
			Path:     t.Path,
			Title:    t.Title,
			Artist:   t.Artist,
			Duration: t.Duration,
		})
	}
	return ch
}

func (s bootstrapTV) model() *models.Channel {
	ch := &models.Channel{
		Kind:           models.ChannelKindTV,
		Name:           s.Name,
		TenantID:       s.TenantID,
		VideoCodec:     s.VideoCodec,
		AudioCodec:     s.AudioCodec,
		AudioBitrate:   s.AudioBitrate,
		FPS:            s.FPS,
		SegmentSeconds: s.SegmentSeconds,
	}
	for _, v := range s.Variants {
		ch.Variants = append(ch.Variants, models.Variant{
			Name:       v.Name,
			Bitrate:    v.Bitrate,
			Resolution: v.Resolution,
		})
	}
	for _, p := range s.Schedule {
		ch.Schedule = append(ch.Schedule, models.Program{
			Path:     p.Path,
			Title:    p.Title,
			Start:    models.Time(p.Start),
			Duration: p.Duration,
		})
	}
	return ch
}
