package models

import (
	"path/filepath"
	"strings"
)

// ImageFilter is one step of the image processing pipeline.
type ImageFilter string

const (
	FilterResize    ImageFilter = "resize"
	FilterBlur      ImageFilter = "blur"
	FilterSharpen   ImageFilter = "sharpen"
	FilterGrayscale ImageFilter = "grayscale"
	FilterNormalize ImageFilter = "normalize"
	FilterFlip      ImageFilter = "flip"
	FilterFlop      ImageFilter = "flop"
)

// Valid reports whether the filter is a known one.
func (f ImageFilter) Valid() bool {
	switch f {
	case FilterResize, FilterBlur, FilterSharpen, FilterGrayscale,
		FilterNormalize, FilterFlip, FilterFlop:
		return true
	}
	return false
}

// VideoParams describes a video-transcode request.
type VideoParams struct {
	InputPath  string `json:"input_path"`
	OutputPath string `json:"output_path"`
	VideoCodec string `json:"video_codec"`
	AudioCodec string `json:"audio_codec"`
	Bitrate    int    `json:"bitrate_kbps"`
	Resolution string `json:"resolution,omitempty"`
	Container  string `json:"container"`
	HWAccel    string `json:"hwaccel,omitempty"`
}

// AudioParams describes an audio-transcode request.
type AudioParams struct {
	InputPath  string `json:"input_path"`
	OutputPath string `json:"output_path"`
	Codec      string `json:"codec"`
	Bitrate    int    `json:"bitrate_kbps"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// ImageParams describes an image-process request.
type ImageParams struct {
	InputPath      string        `json:"input_path"`
	OutputPath     string        `json:"output_path"`
	Width          int           `json:"width"`
	Height         int           `json:"height"`
	PreserveAspect bool          `json:"preserve_aspect"`
	Filters        []ImageFilter `json:"filters,omitempty"`
	Quality        int           `json:"quality,omitempty"`
	Format         string        `json:"format"`
}

// DocumentParams describes a document-convert request.
type DocumentParams struct {
	InputPath    string            `json:"input_path"`
	OutputPath   string            `json:"output_path"`
	Format       string            `json:"format"`
	TemplatePath string            `json:"template_path,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// JobParams is the tagged union of per-type request parameters. Exactly one
// branch matching the job type must be populated; Custom jobs carry an
// opaque string map interpreted by the handling plugin.
type JobParams struct {
	Video    *VideoParams      `json:"video,omitempty"`
	Audio    *AudioParams      `json:"audio,omitempty"`
	Image    *ImageParams      `json:"image,omitempty"`
	Document *DocumentParams   `json:"document,omitempty"`
	Custom   map[string]string `json:"custom,omitempty"`
}

// Validate checks the union against the declared job type. It returns a
// validation_error describing the first problem found.
func (p JobParams) Validate(t JobType) error {
	switch t {
	case JobTypeVideoTranscode:
		if p.Video == nil {
			return Validationf("video params required for %s", t)
		}
		return p.Video.validate()
	case JobTypeAudioTranscode:
		if p.Audio == nil {
			return Validationf("audio params required for %s", t)
		}
		return p.Audio.validate()
	case JobTypeImageProcess:
		if p.Image == nil {
			return Validationf("image params required for %s", t)
		}
		return p.Image.validate()
	case JobTypeDocumentConvert:
		if p.Document == nil {
			return Validationf("document params required for %s", t)
		}
		return p.Document.validate()
	case JobTypeCustom:
		if len(p.Custom) == 0 {
			return Validationf("custom params required for %s", t)
		}
		return nil
	}
	return Validationf("unknown job type %q", t)
}

func (p *VideoParams) validate() error {
	if err := checkPaths(p.InputPath, p.OutputPath); err != nil {
		return err
	}
	if p.VideoCodec == "" {
		return Validationf("video_codec is required")
	}
	if p.Container == "" {
		return Validationf("container is required")
	}
	if p.Bitrate < 0 {
		return Validationf("bitrate_kbps must not be negative")
	}
	if p.Resolution != "" && !strings.Contains(p.Resolution, "x") {
		return Validationf("resolution must look like 1280x720")
	}
	return nil
}

func (p *AudioParams) validate() error {
	if err := checkPaths(p.InputPath, p.OutputPath); err != nil {
		return err
	}
	if p.Codec == "" {
		return Validationf("codec is required")
	}
	if p.Bitrate <= 0 {
		return Validationf("bitrate_kbps must be positive")
	}
	if p.SampleRate < 0 || p.Channels < 0 {
		return Validationf("sample_rate and channels must not be negative")
	}
	return nil
}

func (p *ImageParams) validate() error {
	if err := checkPaths(p.InputPath, p.OutputPath); err != nil {
		return err
	}
	if p.Width <= 0 || p.Height <= 0 {
		return Validationf("width and height must be positive")
	}
	if p.Quality < 0 || p.Quality > 100 {
		return Validationf("quality must be between 0 and 100")
	}
	if p.Format == "" {
		return Validationf("format is required")
	}
	for _, f := range p.Filters {
		if !f.Valid() {
			return Validationf("unknown image filter %q", f)
		}
	}
	return nil
}

func (p *DocumentParams) validate() error {
	if err := checkPaths(p.InputPath, p.OutputPath); err != nil {
		return err
	}
	if p.Format == "" {
		return Validationf("format is required")
	}
	return nil
}

func checkPaths(input, output string) error {
	if input == "" {
		return Validationf("input_path is required")
	}
	if output == "" {
		return Validationf("output_path is required")
	}
	if !filepath.IsAbs(input) || !filepath.IsAbs(output) {
		return Validationf("input_path and output_path must be absolute")
	}
	return nil
}

// Clone deep-copies the union so job snapshots cannot alias live state.
func (p JobParams) Clone() JobParams {
	c := JobParams{}
	if p.Video != nil {
		v := *p.Video
		c.Video = &v
	}
	if p.Audio != nil {
		a := *p.Audio
		c.Audio = &a
	}
	if p.Image != nil {
		i := *p.Image
		i.Filters = append([]ImageFilter(nil), p.Image.Filters...)
		c.Image = &i
	}
	if p.Document != nil {
		d := *p.Document
		if p.Document.Variables != nil {
			d.Variables = make(map[string]string, len(p.Document.Variables))
			for k, v := range p.Document.Variables {
				d.Variables[k] = v
			}
		}
		c.Document = &d
	}
	if p.Custom != nil {
		c.Custom = make(map[string]string, len(p.Custom))
		for k, v := range p.Custom {
			c.Custom[k] = v
		}
	}
	return c
}
