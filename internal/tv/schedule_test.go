package tv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castdio/castd/internal/models"
)

func scheduleChannel() *models.Channel {
	return &models.Channel{
		Name:       "Test TV",
		Kind:       models.ChannelKindTV,
		VideoCodec: "h264",
		Variants: []models.Variant{
			{Name: "720p", Bitrate: 2800, Resolution: "1280x720"},
		},
	}
}

func TestSchedulerPlaysProgramAtBoundary(t *testing.T) {
	now := time.Now()
	def := scheduleChannel()
	def.Schedule = []models.Program{
		{Path: "/media/show.mp4", Title: "Show", Start: now, Duration: 1800},
	}

	s := &scheduler{}
	item, _, ok := s.next(def, now)
	require.True(t, ok)
	assert.Equal(t, itemProgram, item.kind)
	assert.Equal(t, "/media/show.mp4", item.path)
	assert.Equal(t, now.Add(30*time.Minute).Unix(), item.until.Unix())
}

func TestSchedulerDoesNotReplayFinishedProgram(t *testing.T) {
	now := time.Now()
	def := scheduleChannel()
	def.Schedule = []models.Program{
		{Path: "/media/show.mp4", Title: "Show", Start: now, Duration: 1800},
	}

	s := &scheduler{}
	_, _, ok := s.next(def, now)
	require.True(t, ok)

	// The encoder exited early; the same slot must not replay.
	_, wait, ok := s.next(def, now.Add(time.Minute))
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
}

func TestSchedulerFillsGapWithBumpers(t *testing.T) {
	now := time.Now()
	def := scheduleChannel()
	def.Bumpers = []string{"/media/bumper-a.mp4", "/media/bumper-b.mp4"}
	start := now.Add(10 * time.Minute)
	def.Schedule = []models.Program{
		{Path: "/media/show.mp4", Title: "Show", Start: start, Duration: 1800},
	}

	s := &scheduler{}
	item, _, ok := s.next(def, now)
	require.True(t, ok)
	assert.Equal(t, itemBumper, item.kind)
	assert.Equal(t, "/media/bumper-a.mp4", item.path)
	assert.Equal(t, start.Unix(), item.until.Unix())

	// Bumpers round-robin.
	item, _, ok = s.next(def, now.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, "/media/bumper-b.mp4", item.path)
	item, _, ok = s.next(def, now.Add(2*time.Minute))
	require.True(t, ok)
	assert.Equal(t, "/media/bumper-a.mp4", item.path)
}

func TestSchedulerInsertsCommercialBreakInGap(t *testing.T) {
	now := time.Now()
	def := scheduleChannel()
	def.CommercialPool = []string{"/media/ad1.mp4", "/media/ad2.mp4"}
	def.BreakTargetSec = 60
	def.BreakCadenceMin = 10
	def.Bumpers = []string{"/media/bumper.mp4"}
	start := now.Add(5 * time.Minute)
	def.Schedule = []models.Program{
		{Path: "/media/show.mp4", Title: "Show", Start: start, Duration: 1800},
	}

	s := &scheduler{}
	item, _, ok := s.next(def, now)
	require.True(t, ok)
	assert.Equal(t, itemCommercial, item.kind)
	assert.Equal(t, "/media/ad1.mp4", item.path)
	assert.Equal(t, now.Add(time.Minute).Unix(), item.until.Unix())

	// Pool is round-robin while the break runs.
	item, _, ok = s.next(def, now.Add(30*time.Second))
	require.True(t, ok)
	assert.Equal(t, itemCommercial, item.kind)
	assert.Equal(t, "/media/ad2.mp4", item.path)

	// Past the break target: back to bumpers.
	item, _, ok = s.next(def, now.Add(90*time.Second))
	require.True(t, ok)
	assert.Equal(t, itemBumper, item.kind)

	// Cadence not elapsed: no second break yet.
	item, _, ok = s.next(def, now.Add(3*time.Minute))
	require.True(t, ok)
	assert.Equal(t, itemBumper, item.kind)
}

func TestSchedulerBreakClampedToProgramBoundary(t *testing.T) {
	now := time.Now()
	def := scheduleChannel()
	def.CommercialPool = []string{"/media/ad.mp4"}
	def.BreakTargetSec = 600
	start := now.Add(30 * time.Second)
	def.Schedule = []models.Program{
		{Path: "/media/show.mp4", Title: "Show", Start: start, Duration: 1800},
	}

	s := &scheduler{}
	item, _, ok := s.next(def, now)
	require.True(t, ok)
	assert.Equal(t, itemCommercial, item.kind)
	assert.Equal(t, start.Unix(), item.until.Unix())
}

func TestSchedulerIdlesWithoutScheduleOrFiller(t *testing.T) {
	def := scheduleChannel()
	s := &scheduler{}
	_, wait, ok := s.next(def, time.Now())
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)
}
