package tv

import (
	"time"

	"github.com/castdio/castd/internal/models"
)

type itemKind string

const (
	itemProgram    itemKind = "program"
	itemCommercial itemKind = "commercial"
	itemBumper     itemKind = "bumper"
)

// boundarySlack is how close to a program's scheduled start the clock must
// be for the loop to begin it. Programs only ever begin at their scheduled
// start; joining mid-window plays filler until the next boundary so the
// wall-clock alignment of the schedule is never disturbed.
const boundarySlack = time.Second

// playItem is one thing the loop plays next. A non-zero until cuts playback
// at that wall-clock instant so the following boundary is honoured.
type playItem struct {
	kind  itemKind
	path  string
	title string
	until time.Time
}

// scheduler walks a channel's schedule by wall clock. Commercials and
// bumpers advance round-robin cursors, so the sequence of filler items is
// deterministic for a given schedule and start time.
type scheduler struct {
	commercialIdx int
	bumperIdx     int
	lastBreak     time.Time
	breakUntil    time.Time

	// playedStart marks the program already begun so an item whose encoder
	// exits before the slot ends is not replayed; the rest of the slot is
	// filler.
	playedStart time.Time
}

// next decides what plays at now. When ok is false nothing plays; wait is
// how long to sleep before asking again.
func (s *scheduler) next(def *models.Channel, now time.Time) (playItem, time.Duration, bool) {
	progs := def.ScheduleSorted()

	var upcoming *models.Program
	for i := range progs {
		if !s.playedStart.IsZero() && progs[i].Start.Equal(s.playedStart) {
			continue
		}
		if !progs[i].Start.Before(now.Add(-boundarySlack)) {
			upcoming = &progs[i]
			break
		}
	}

	if upcoming != nil {
		gap := upcoming.Start.Sub(now)
		if gap <= boundarySlack {
			s.breakUntil = time.Time{}
			s.playedStart = upcoming.Start
			return playItem{
				kind:  itemProgram,
				path:  upcoming.Path,
				title: upcoming.Title,
				until: upcoming.End(),
			}, 0, true
		}
		if item, ok := s.fillGap(def, now, upcoming.Start); ok {
			return item, 0, true
		}
		if gap > time.Second {
			gap = time.Second
		}
		return playItem{}, gap, false
	}

	// Nothing scheduled ahead: filler only.
	if item, ok := s.fillGap(def, now, time.Time{}); ok {
		return item, 0, true
	}
	return playItem{}, time.Second, false
}

// fillGap picks filler until the given boundary (zero = unbounded): a
// commercial while a break is due and running, otherwise a bumper.
func (s *scheduler) fillGap(def *models.Channel, now, boundary time.Time) (playItem, bool) {
	if item, ok := s.commercial(def, now, boundary); ok {
		return item, true
	}
	s.breakUntil = time.Time{}

	if len(def.Bumpers) == 0 {
		return playItem{}, false
	}
	path := def.Bumpers[s.bumperIdx%len(def.Bumpers)]
	s.bumperIdx++
	return playItem{
		kind:  itemBumper,
		path:  path,
		until: boundary,
	}, true
}

// commercial serves the current break, opening one when the cadence has
// elapsed. A break runs until its target duration is filled or the next
// program boundary arrives, whichever is sooner.
func (s *scheduler) commercial(def *models.Channel, now, boundary time.Time) (playItem, bool) {
	if len(def.CommercialPool) == 0 || def.BreakTargetSec <= 0 {
		return playItem{}, false
	}

	if s.breakUntil.IsZero() {
		cadence := time.Duration(def.BreakCadenceMin) * time.Minute
		if cadence > 0 && !s.lastBreak.IsZero() && now.Sub(s.lastBreak) < cadence {
			return playItem{}, false
		}
		until := now.Add(time.Duration(def.BreakTargetSec) * time.Second)
		if !boundary.IsZero() && boundary.Before(until) {
			until = boundary
		}
		s.breakUntil = until
		s.lastBreak = now
	}

	if !now.Before(s.breakUntil) {
		return playItem{}, false
	}

	path := def.CommercialPool[s.commercialIdx%len(def.CommercialPool)]
	s.commercialIdx++
	return playItem{
		kind:  itemCommercial,
		path:  path,
		until: s.breakUntil,
	}, true
}
