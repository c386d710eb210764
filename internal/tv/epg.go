package tv

import (
	"time"

	"github.com/castdio/castd/internal/models"
)

// EPGEntry is one program in the electronic program guide projection.
type EPGEntry struct {
	Title string      `json:"title"`
	Path  string      `json:"path"`
	Start models.Time `json:"start"`
	Stop  models.Time `json:"stop"`
}

// EPG projects the channel's schedule over the coming window: every program
// still running at now or starting before now+window, in start order.
func (e *Engine) EPG(id models.ULID, window time.Duration) ([]EPGEntry, error) {
	if window <= 0 {
		return nil, models.Validationf("epg window must be positive")
	}
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	programs := st.def.ScheduleSorted()
	st.mu.Unlock()

	now := time.Now()
	horizon := now.Add(window)
	out := make([]EPGEntry, 0, len(programs))
	for _, p := range programs {
		if !p.End().After(now) || !p.Start.Before(horizon) {
			continue
		}
		out = append(out, EPGEntry{
			Title: p.Title,
			Path:  p.Path,
			Start: p.Start,
			Stop:  p.End(),
		})
	}
	return out, nil
}
