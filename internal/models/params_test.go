package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		jobType JobType
		params  JobParams
		wantErr string
	}{
		{
			name:    "valid audio",
			jobType: JobTypeAudioTranscode,
			params: JobParams{Audio: &AudioParams{
				InputPath: "/in/a.wav", OutputPath: "/out/a.mp3", Codec: "mp3", Bitrate: 128,
			}},
		},
		{
			name:    "audio missing branch",
			jobType: JobTypeAudioTranscode,
			params:  JobParams{},
			wantErr: "audio params required",
		},
		{
			name:    "relative path rejected",
			jobType: JobTypeAudioTranscode,
			params: JobParams{Audio: &AudioParams{
				InputPath: "in/a.wav", OutputPath: "/out/a.mp3", Codec: "mp3", Bitrate: 128,
			}},
			wantErr: "absolute",
		},
		{
			name:    "valid video",
			jobType: JobTypeVideoTranscode,
			params: JobParams{Video: &VideoParams{
				InputPath: "/in/a.mkv", OutputPath: "/out/a.mp4",
				VideoCodec: "h264", AudioCodec: "aac", Bitrate: 2500,
				Resolution: "1280x720", Container: "mp4",
			}},
		},
		{
			name:    "video bad resolution",
			jobType: JobTypeVideoTranscode,
			params: JobParams{Video: &VideoParams{
				InputPath: "/in/a.mkv", OutputPath: "/out/a.mp4",
				VideoCodec: "h264", Container: "mp4", Resolution: "720p",
			}},
			wantErr: "resolution",
		},
		{
			name:    "valid image",
			jobType: JobTypeImageProcess,
			params: JobParams{Image: &ImageParams{
				InputPath: "/in/a.png", OutputPath: "/out/a.jpg",
				Width: 256, Height: 256, Quality: 85, Format: "jpg",
			}},
		},
		{
			name:    "image unknown filter",
			jobType: JobTypeImageProcess,
			params: JobParams{Image: &ImageParams{
				InputPath: "/in/a.png", OutputPath: "/out/a.jpg",
				Width: 100, Height: 100, Format: "png",
				Filters: []ImageFilter{"emboss"},
			}},
			wantErr: "unknown image filter",
		},
		{
			name:    "valid document",
			jobType: JobTypeDocumentConvert,
			params: JobParams{Document: &DocumentParams{
				InputPath: "/in/a.md", OutputPath: "/out/a.pdf", Format: "pdf",
			}},
		},
		{
			name:    "custom empty map",
			jobType: JobTypeCustom,
			params:  JobParams{Custom: map[string]string{}},
			wantErr: "custom params required",
		},
		{
			name:    "unknown type",
			jobType: JobType("gif-reverse"),
			params:  JobParams{Custom: map[string]string{"a": "b"}},
			wantErr: "unknown job type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate(tt.jobType)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}
