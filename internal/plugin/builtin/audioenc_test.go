package builtin

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/plugin"
)

func newTestAudioEncoder() *AudioEncoder {
	// A path that cannot exist makes binary detection fail the same way on
	// every machine.
	return NewAudioEncoder(config.EncoderConfig{
		BinaryPath: "/nonexistent/castd-test-ffmpeg",
		ProbePath:  "/nonexistent/castd-test-ffprobe",
	}, discardLogger())
}

func TestAudioEncoder_Descriptor(t *testing.T) {
	desc := newTestAudioEncoder().Descriptor()

	require.NoError(t, desc.Validate())
	assert.Equal(t, AudioPluginID, desc.ID)
	assert.True(t, desc.Builtin)
	assert.True(t, desc.Handles(models.JobTypeAudioTranscode))
	assert.False(t, desc.Handles(models.JobTypeVideoTranscode))
	assert.True(t, desc.HasTag(plugin.TagStreaming))
}

func TestAudioEncoder_CanHandle(t *testing.T) {
	e := newTestAudioEncoder()

	for codec := range audioEncoders {
		params := models.JobParams{Audio: &models.AudioParams{Codec: codec}}
		assert.True(t, e.CanHandle(models.JobTypeAudioTranscode, params), codec)
	}

	assert.False(t, e.CanHandle(models.JobTypeAudioTranscode,
		models.JobParams{Audio: &models.AudioParams{Codec: "midi"}}))
	assert.False(t, e.CanHandle(models.JobTypeAudioTranscode, models.JobParams{}))
	assert.False(t, e.CanHandle(models.JobTypeVideoTranscode,
		models.JobParams{Audio: &models.AudioParams{Codec: "mp3"}}))
}

func TestAudioEncoder_ProcessRejectsBadParams(t *testing.T) {
	e := newTestAudioEncoder()
	req := plugin.Request{JobID: models.NewULID(), Type: models.JobTypeAudioTranscode}

	_, err := e.Process(context.Background(), req, func(float64, string) {})
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	req.Params = models.JobParams{Audio: &models.AudioParams{
		InputPath:  "/in/a.wav",
		OutputPath: "/out/a.xyz",
		Codec:      "xyz",
	}}
	_, err = e.Process(context.Background(), req, func(float64, string) {})
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestAudioEncoder_ProcessMissingBinary(t *testing.T) {
	e := newTestAudioEncoder()
	req := plugin.Request{
		JobID: models.NewULID(),
		Type:  models.JobTypeAudioTranscode,
		Params: models.JobParams{Audio: &models.AudioParams{
			InputPath:  "/in/a.wav",
			OutputPath: "/out/a.mp3",
			Codec:      "mp3",
			Bitrate:    192,
		}},
	}

	_, err := e.Process(context.Background(), req, func(float64, string) {})
	require.Error(t, err)
	assert.Equal(t, models.KindTranscodeError, models.KindOf(err))
}

func TestAudioEncoder_HealthyWithoutBinary(t *testing.T) {
	assert.False(t, newTestAudioEncoder().Healthy(context.Background()))
}

func TestAudioEncoder_StartStreamValidation(t *testing.T) {
	e := newTestAudioEncoder()
	id := models.NewULID()
	var out bytes.Buffer

	_, err := e.StartStream(context.Background(), plugin.StreamConfig{
		ChannelID: id, Codec: "midi", SampleRate: 44100, Channels: 2,
	}, &out)
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	_, err = e.StartStream(context.Background(), plugin.StreamConfig{
		ChannelID: id, Codec: "mp3", SampleRate: 44100, Channels: 2,
	}, nil)
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	_, err = e.StartStream(context.Background(), plugin.StreamConfig{
		ChannelID: id, Codec: "mp3", Channels: 2,
	}, &out)
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	// Valid config fails later, on the missing encoder binary.
	_, err = e.StartStream(context.Background(), plugin.StreamConfig{
		ChannelID: id, Codec: "mp3", BitrateKbps: 128, SampleRate: 44100, Channels: 2,
	}, &out)
	require.Error(t, err)
	assert.Equal(t, models.KindTranscodeError, models.KindOf(err))
}

func TestAudioEncoder_CancelUnknownJob(t *testing.T) {
	assert.NoError(t, newTestAudioEncoder().Cancel(models.NewULID()))
}

func TestAudioEncoder_StopStreamUnknownChannel(t *testing.T) {
	assert.NoError(t, newTestAudioEncoder().StopStream(models.NewULID()))
}
