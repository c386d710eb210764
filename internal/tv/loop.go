package tv

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/castdio/castd/internal/broadcast"
	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/plugin"
)

// mountChunkSize is the write granularity for the raw transport stream
// copied onto the channel mount.
const mountChunkSize = 32 * 1024

// runLoop is the per-channel schedule loop. It walks the schedule by wall
// clock, cuts every item into numbered segments once per variant, keeps the
// rolling variant playlists current, and copies completed first-variant
// segments onto the channel mount as a raw transport stream.
func (e *Engine) runLoop(st *channelState, id models.ULID, mount string) {
	defer close(st.done)

	log := e.logger.With(
		slog.String("channel_id", id.String()),
		slog.String("mount", mount),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-st.stop
		cancel()
	}()

	handle, err := e.registry.FindStreamer(models.JobTypeVideoTranscode)
	if err != nil {
		log.Error("no streaming plugin for channel", slog.Any("error", err))
		e.failLoop(st, id, "no streaming video plugin available")
		return
	}
	defer handle.Release()
	streamer, _ := handle.Streamer()
	defer func() { _ = streamer.StopStream(id) }()

	st.mu.Lock()
	def := st.def.Clone()
	st.mu.Unlock()

	root := filepath.Join(e.cfg.SegmentDir, mount)
	variants := make([]*variantState, len(def.Variants))
	for i, v := range def.Variants {
		variants[i] = newVariantState(v, filepath.Join(root, v.Name))
	}

	sched := &scheduler{}
	failures := 0
	for {
		select {
		case <-st.stop:
			return
		default:
		}

		// Re-read the definition so encoding updates apply at item
		// boundaries. Variant membership is fixed for the live session.
		st.mu.Lock()
		def = st.def.Clone()
		st.mu.Unlock()

		item, wait, ok := sched.next(def, time.Now())
		if !ok {
			if wait <= 0 {
				wait = time.Second
			}
			select {
			case <-st.stop:
				return
			case <-time.After(wait):
			}
			continue
		}
		if !item.until.IsZero() && !item.until.After(time.Now()) {
			continue
		}

		e.setNowShowing(st, id, item)
		if err := e.playItem(ctx, streamer, id, mount, def, variants, item); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Warn("schedule item failed",
				slog.String("path", item.path),
				slog.Int("consecutive_failures", failures),
				slog.Any("error", err),
			)
			if failures >= maxConsecutiveFailures {
				e.failLoop(st, id, "three consecutive schedule items failed")
				return
			}
			continue
		}
		failures = 0
	}
}

// playItem encodes one schedule item, one segment stream per variant, and
// keeps playlists and the mount fed while the encoders run. A non-zero
// item deadline interrupts the encoders so they finalize their current
// segment at the boundary.
func (e *Engine) playItem(ctx context.Context, streamer plugin.Streamer, id models.ULID, mount string, def *models.Channel, variants []*variantState, item playItem) error {
	itemCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handles := make([]plugin.StreamHandle, 0, len(variants))
	for _, vs := range variants {
		h, err := streamer.StartStream(itemCtx, plugin.StreamConfig{
			ChannelID:      id,
			Codec:          def.AudioCodec,
			BitrateKbps:    def.AudioBitrate,
			SampleRate:     def.SampleRate,
			Channels:       def.Channels,
			VideoCodec:     def.VideoCodec,
			VideoBitrate:   vs.variant.Bitrate,
			Resolution:     vs.variant.Resolution,
			InputPath:      item.path,
			SegmentDir:     vs.dir,
			SegmentPattern: segmentFilePattern,
			SegmentSeconds: def.SegmentSeconds,
			SegmentStart:   vs.nextSeq,
			Realtime:       true,
		}, nil)
		if err != nil {
			for _, started := range handles {
				_ = started.Close()
				_ = started.Wait()
			}
			return err
		}
		handles = append(handles, h)
	}

	// Boundary cut: interrupting the encoders counts as a clean finish.
	var cut atomic.Bool
	var deadline *time.Timer
	if !item.until.IsZero() {
		deadline = time.AfterFunc(time.Until(item.until), func() {
			cut.Store(true)
			for _, h := range handles {
				_ = h.Close()
			}
		})
		defer deadline.Stop()
	}

	refreshStop := make(chan struct{})
	var refreshWG sync.WaitGroup
	refreshWG.Add(1)
	go func() {
		defer refreshWG.Done()
		ticker := time.NewTicker(time.Duration(def.SegmentSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-refreshStop:
				return
			case <-ticker.C:
				e.refreshVariants(variants, mount, def, false)
			}
		}
	}()

	var waitErr error
	for _, h := range handles {
		if err := h.Wait(); err != nil && waitErr == nil {
			waitErr = err
		}
	}
	close(refreshStop)
	refreshWG.Wait()
	e.refreshVariants(variants, mount, def, true)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if cut.Load() {
		return nil
	}
	return waitErr
}

// refreshVariants collects newly completed segments per variant, measures
// them, rolls the playlists forward and copies first-variant segments onto
// the mount. Unless final, the highest-numbered file is held back because
// the encoder may still be writing it.
func (e *Engine) refreshVariants(variants []*variantState, mount string, def *models.Channel, final bool) {
	fallback := time.Duration(def.SegmentSeconds) * time.Second
	for i, vs := range variants {
		fresh := vs.scanNew(final)
		if len(fresh) == 0 {
			continue
		}
		for _, seg := range fresh {
			path := filepath.Join(vs.dir, seg.name)
			d, err := e.prober.SegmentDuration(path)
			if err != nil || d <= 0 {
				d = fallback
			}
			seg.duration = d
			vs.push(seg, e.cfg.PlaylistWindow)
			if i == 0 {
				e.writeSegmentToMount(mount, path)
			}
		}
		if err := vs.writePlaylist(def.SegmentSeconds); err != nil {
			e.logger.Warn("writing variant playlist",
				slog.String("variant", vs.variant.Name),
				slog.Any("error", err),
			)
		}
	}
}

// writeSegmentToMount copies a finished segment onto the channel mount in
// bounded chunks. A closed mount is not an error here; the loop notices the
// stop signal on its next boundary.
func (e *Engine) writeSegmentToMount(mount, path string) {
	f, err := os.Open(path)
	if err != nil {
		e.logger.Warn("opening segment for mount copy", slog.Any("error", err))
		return
	}
	defer f.Close()

	buf := make([]byte, mountChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := e.broadcaster.Write(mount, buf[:n]); werr != nil {
				if !errors.Is(werr, broadcast.ErrMountClosed) {
					e.logger.Warn("mount write failed", slog.Any("error", werr))
				}
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.logger.Warn("reading segment for mount copy", slog.Any("error", err))
			}
			return
		}
	}
}

// setNowShowing records the item change and announces it.
func (e *Engine) setNowShowing(st *channelState, id models.ULID, item playItem) {
	ns := &NowShowing{
		Title:     item.title,
		Path:      item.path,
		Kind:      string(item.kind),
		StartedAt: time.Now(),
	}
	st.mu.Lock()
	st.nowShowing = ns
	def := st.def.Clone()
	st.mu.Unlock()

	e.notify(models.StreamNotification(models.NotifyStreamStarted, def, map[string]any{
		"event": "program_change",
		"kind":  string(item.kind),
		"path":  item.path,
		"title": item.title,
	}))
	e.logger.Info("now showing",
		slog.String("channel_id", id.String()),
		slog.String("kind", string(item.kind)),
		slog.String("path", item.path),
	)
}

// failLoop takes the channel off air with a reason, from inside the loop
// goroutine. Mount removal happens on a separate goroutine because
// stopChannel waits for the loop to exit.
func (e *Engine) failLoop(st *channelState, id models.ULID, reason string) {
	st.mu.Lock()
	if st.stopReason == "" {
		st.stopReason = reason
	}
	st.mu.Unlock()
	go e.stopChannel(st, id, reason)
}
