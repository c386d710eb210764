// Package builtin provides the plugins compiled into the castd binary: the
// audio and video encoders backed by the external encoder CLI, the pure-Go
// image processor, and the document converter. They register ahead of any
// dynamic plugin and therefore win routing ties.
package builtin

import (
	"log/slog"

	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/plugin"
)

// Plugin ids. The registry routes builtins in lexicographic order.
const (
	AudioPluginID    = "builtin.audio"
	DocumentPluginID = "builtin.document"
	ImagePluginID    = "builtin.image"
	VideoPluginID    = "builtin.video"
)

// audioEncoders maps output codec names to encoder CLI codec implementations.
var audioEncoders = map[string]string{
	"mp3":    "libmp3lame",
	"aac":    "aac",
	"flac":   "flac",
	"opus":   "libopus",
	"vorbis": "libvorbis",
	"ogg":    "libvorbis",
	"wav":    "pcm_s16le",
}

// videoEncoders maps output codec names to encoder CLI codec implementations.
var videoEncoders = map[string]string{
	"h264": "libx264",
	"h265": "libx265",
	"hevc": "libx265",
	"vp9":  "libvpx-vp9",
	"av1":  "libsvtav1",
}

// All constructs every built-in plugin in registration order.
func All(cfg *config.Config, logger *slog.Logger) []plugin.Plugin {
	return []plugin.Plugin{
		NewAudioEncoder(cfg.Encoder, logger),
		NewVideoEncoder(cfg.Encoder, logger),
		NewImageProcessor(logger),
		NewDocumentConverter(cfg.Encoder.ConverterPath, logger),
	}
}
