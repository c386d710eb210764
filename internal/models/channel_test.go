package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRadioChannel() *Channel {
	return &Channel{
		Kind:         ChannelKindRadio,
		Name:         "Night Jazz",
		TenantID:     "t1",
		AudioCodec:   "mp3",
		AudioBitrate: 128,
		SampleRate:   44100,
		Channels:     2,
	}
}

func TestChannelValidate(t *testing.T) {
	t.Run("valid radio", func(t *testing.T) {
		assert.NoError(t, validRadioChannel().Validate())
	})

	t.Run("missing name", func(t *testing.T) {
		c := validRadioChannel()
		c.Name = ""
		assert.Error(t, c.Validate())
	})

	t.Run("bad kind", func(t *testing.T) {
		c := validRadioChannel()
		c.Kind = "podcast"
		assert.Error(t, c.Validate())
	})

	t.Run("positive loudness rejected", func(t *testing.T) {
		c := validRadioChannel()
		c.LoudnessTarget = 5
		assert.Error(t, c.Validate())
	})

	t.Run("tv needs variants", func(t *testing.T) {
		c := validRadioChannel()
		c.Kind = ChannelKindTV
		c.VideoCodec = "h264"
		assert.Error(t, c.Validate())

		c.Variants = []Variant{{Name: "720p", Bitrate: 2500, Resolution: "1280x720"}}
		assert.NoError(t, c.Validate())
	})
}

func TestChannelMount(t *testing.T) {
	c := validRadioChannel()
	c.ID = NewULID()
	mount := c.Mount()
	assert.Contains(t, mount, "night-jazz-")
	assert.Contains(t, mount, c.ID.String())
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Night Jazz":        "night-jazz",
		"Café del Mar": "cafe-del-mar",
		"  Rock & Roll!  ":  "rock-roll",
		"!!!":               "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slugify(in), in)
	}
}

func TestChannelContentType(t *testing.T) {
	c := validRadioChannel()
	assert.Equal(t, "audio/mpeg", c.ContentType())

	c.AudioCodec = "opus"
	assert.Equal(t, "audio/ogg", c.ContentType())

	c.Kind = ChannelKindTV
	c.AudioCodec = "weird"
	assert.Equal(t, "video/mp2t", c.ContentType())
}

func TestScheduleSorted(t *testing.T) {
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	c := &Channel{Schedule: []Program{
		{Path: "/c.mp4", Start: base.Add(2 * time.Hour), Duration: 1800},
		{Path: "/a.mp4", Start: base, Duration: 3600},
		{Path: "/b.mp4", Start: base.Add(time.Hour), Duration: 3600},
	}}

	sorted := c.ScheduleSorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, "/a.mp4", sorted[0].Path)
	assert.Equal(t, "/b.mp4", sorted[1].Path)
	assert.Equal(t, "/c.mp4", sorted[2].Path)
	assert.Equal(t, base.Add(time.Hour), sorted[0].End())
}
