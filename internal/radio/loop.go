package radio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/castdio/castd/internal/broadcast"
	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/plugin"
)

// leg is one live decode of a playlist track.
type leg struct {
	track models.Track
	index int
	pcm   io.ReadCloser

	// totalBytes is the expected PCM size derived from the track duration,
	// zero when the duration is unknown. With an unknown duration the
	// crossfade for this track is skipped; the leg simply plays to EOF.
	totalBytes int64
	readBytes  int64
}

func (l *leg) remainingBytes() int64 {
	if l.totalBytes == 0 {
		return -1
	}
	r := l.totalBytes - l.readBytes
	if r < 0 {
		return 0
	}
	return r
}

// pushback returns unconsumed PCM to the front of the leg so a crossfade
// handover never drops the incoming track's head.
func (l *leg) pushback(p []byte) {
	if len(p) == 0 {
		return
	}
	l.pcm = &prefixedReader{prefix: append([]byte(nil), p...), rc: l.pcm}
	l.readBytes -= int64(len(p))
}

// encodingConfig is the subset of a channel definition that requires an
// encoder restart when changed.
type encodingConfig struct {
	codec      string
	bitrate    int
	sampleRate int
	channels   int
}

func (e *Engine) encodingSnapshot(st *channelState) encodingConfig {
	st.mu.Lock()
	defer st.mu.Unlock()
	return encodingConfig{
		codec:      st.def.AudioCodec,
		bitrate:    st.def.AudioBitrate,
		sampleRate: st.def.SampleRate,
		channels:   st.def.Channels,
	}
}

// runLoop is the per-channel playback loop. It owns one persistent encoder
// stream whose output lands on the channel's mount, decodes playlist
// tracks to PCM, crossfades between them, and paces one chunk per
// configured interval. It exits when the channel is stopped, the mount is
// removed, or too many tracks fail in a row.
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

	handle, err := e.registry.FindStreamer(models.JobTypeAudioTranscode)
	if err != nil {
		log.Error("no streaming plugin for channel", slog.Any("error", err))
		e.failLoop(st, id, "no streaming audio plugin available")
		return
	}
	defer handle.Release()
	streamer, _ := handle.Streamer()

	enc := e.encodingSnapshot(st)
	format := PCMFormat{SampleRate: enc.sampleRate, Channels: enc.channels}
	out := newChunkedWriter(e.broadcaster.Writer(mount), e.cfg.ChunkSize)
	startStream := func(cfg encodingConfig) (plugin.StreamHandle, error) {
		return streamer.StartStream(ctx, plugin.StreamConfig{
			ChannelID:   id,
			Codec:       cfg.codec,
			BitrateKbps: cfg.bitrate,
			SampleRate:  cfg.sampleRate,
			Channels:    cfg.channels,
		}, out)
	}
	stream, err := startStream(enc)
	if err != nil {
		log.Error("starting channel encoder", slog.Any("error", err))
		e.failLoop(st, id, "encoder failed to start: "+models.MessageOf(err))
		return
	}
	defer func() {
		_ = stream.Close()
		_ = stream.Wait()
		_ = streamer.StopStream(id)
	}()

	interval := e.cfg.ChunkInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	chunkBytes := format.ChunkBytes(interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		current  *leg
		next     *leg
		mixer    *crossfadeMixer
		playIdx  int
		failures int
		bufA     = make([]byte, chunkBytes)
		bufB     = make([]byte, chunkBytes)
		mixed    = make([]byte, chunkBytes)
	)
	defer func() {
		if current != nil {
			_ = current.pcm.Close()
		}
		if next != nil {
			_ = next.pcm.Close()
		}
	}()

	for {
		select {
		case <-st.stop:
			return
		case <-ticker.C:
		}

		if current == nil {
			// Track boundary: an encoding-affecting update restarts the
			// persistent encoder before the next track opens.
			if want := e.encodingSnapshot(st); want != enc {
				_ = stream.Close()
				_ = stream.Wait()
				_ = streamer.StopStream(id)
				s, serr := startStream(want)
				if serr != nil {
					log.Error("restarting channel encoder", slog.Any("error", serr))
					e.failLoop(st, id, "encoder failed to restart: "+models.MessageOf(serr))
					return
				}
				stream = s
				if want.sampleRate != enc.sampleRate || want.channels != enc.channels {
					format = PCMFormat{SampleRate: want.sampleRate, Channels: want.channels}
					chunkBytes = format.ChunkBytes(interval)
					bufA = make([]byte, chunkBytes)
					bufB = make([]byte, chunkBytes)
					mixed = make([]byte, chunkBytes)
				}
				enc = want
				log.Info("channel encoder restarted",
					slog.String("codec", want.codec),
					slog.Int("bitrate_kbps", want.bitrate),
				)
			}

			tracks := e.playlistSnapshot(ctx, st)
			if len(tracks) == 0 {
				// Live but idle: nothing to play, nothing written.
				continue
			}
			l, err := e.openLeg(ctx, st, format, tracks, &playIdx)
			if err != nil {
				failures++
				log.Warn("track failed to open",
					slog.Int("consecutive_failures", failures),
					slog.Any("error", err),
				)
				if failures >= maxConsecutiveFailures {
					e.failLoop(st, id, "three consecutive tracks failed")
					return
				}
				continue
			}
			current = l
			e.setNowPlaying(st, id, current)
		}

		// A pending encoding change suppresses the crossfade so the
		// restart lands on a clean track boundary.
		crossfade := e.crossfadeWindow(st)
		if next == nil && crossfade > 0 && e.encodingSnapshot(st) == enc {
			if rem := current.remainingBytes(); rem >= 0 && rem <= int64(format.ChunkBytes(crossfade)) {
				tracks := e.playlistSnapshot(ctx, st)
				if len(tracks) > 0 {
					l, err := e.openLeg(ctx, st, format, tracks, &playIdx)
					if err != nil {
						log.Warn("next track failed to open for crossfade", slog.Any("error", err))
					} else {
						next = l
						mixer = newCrossfadeMixer(format, crossfade)
					}
				}
			}
		}

		nA, errA := readChunk(current.pcm, bufA)
		current.readBytes += int64(nA)

		var chunk []byte
		if next != nil && nA > 0 {
			nB, errB := readChunk(next.pcm, bufB)
			next.readBytes += int64(nB)
			if errB != nil && !errors.Is(errB, io.EOF) {
				log.Warn("incoming crossfade leg failed", slog.Any("error", errB))
				_ = next.pcm.Close()
				next, mixer = nil, nil
				chunk = bufA[:nA]
			} else {
				n, consumed := mixer.Mix(mixed, bufA[:nA], bufB[:nB])
				chunk = mixed[:n]
				if consumed < nB {
					// The outgoing tail was shorter than the chunk; the
					// unblended incoming bytes replay after the handover.
					next.pushback(bufB[consumed:nB])
				}
			}
		} else if nA > 0 {
			chunk = bufA[:nA]
		}

		if len(chunk) > 0 {
			if _, err := stream.Write(chunk); err != nil {
				if errors.Is(err, broadcast.ErrMountClosed) {
					log.Debug("mount closed, loop exiting")
				} else {
					log.Warn("channel encoder write failed", slog.Any("error", err))
					e.failLoop(st, id, "encoder stream failed: "+models.MessageOf(err))
				}
				return
			}
			failures = 0
		}

		if errA != nil {
			// Current track finished (or its decoder died). Hand over to
			// the crossfaded leg when one is running, otherwise open the
			// next track on the following tick.
			if !errors.Is(errA, io.EOF) {
				failures++
				log.Warn("track decode failed mid-play",
					slog.String("track", current.track.Path),
					slog.Int("consecutive_failures", failures),
					slog.Any("error", errA),
				)
				if failures >= maxConsecutiveFailures {
					e.failLoop(st, id, "three consecutive tracks failed")
					return
				}
			}
			_ = current.pcm.Close()
			if next != nil {
				current = next
				next, mixer = nil, nil
				e.setNowPlaying(st, id, current)
			} else {
				current = nil
			}
		}
	}
}

// openLeg opens the decode leg for the playlist entry at *idx and advances
// the cursor. The loudness target is re-read so normalization changes
// apply at track boundaries.
func (e *Engine) openLeg(ctx context.Context, st *channelState, format PCMFormat, tracks []models.Track, idx *int) (*leg, error) {
	i := *idx % len(tracks)
	*idx++
	track := tracks[i]

	st.mu.Lock()
	loudness := st.def.LoudnessTarget
	st.mu.Unlock()

	duration := time.Duration(track.Duration * float64(time.Second))
	if duration <= 0 {
		duration = e.decoder.Duration(ctx, track.Path)
	}

	pcm, err := e.decoder.Decode(ctx, track.Path, format, loudness)
	if err != nil {
		return nil, err
	}

	l := &leg{track: track, index: i, pcm: pcm}
	if duration > 0 {
		n := int64(float64(format.BytesPerSecond()) * duration.Seconds())
		l.totalBytes = n - n%int64(format.FrameBytes())
	}
	return l, nil
}

// playlistSnapshot returns the channel's playlist, rescanning auto-DJ
// folders first when the list is empty or flagged dirty.
func (e *Engine) playlistSnapshot(ctx context.Context, st *channelState) []models.Track {
	st.mu.Lock()
	def := st.def
	autodj := def.AutoDJ
	needScan := autodj.Enabled && len(autodj.Folders) > 0 &&
		(len(def.Playlist) == 0 || st.dirty.Load())
	tracks := append([]models.Track(nil), def.Playlist...)
	st.mu.Unlock()

	if !needScan {
		st.dirty.Store(false)
		return tracks
	}

	scanned := scanFolders(ctx, e.logger, autodj.Folders, autodj.Shuffle)
	st.mu.Lock()
	st.def.Playlist = scanned
	st.mu.Unlock()
	st.dirty.Store(false)
	return scanned
}

func (e *Engine) crossfadeWindow(st *channelState) time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()
	return time.Duration(st.def.CrossfadeSeconds * float64(time.Second))
}

// setNowPlaying records the track change and announces it.
func (e *Engine) setNowPlaying(st *channelState, id models.ULID, l *leg) {
	np := &NowPlaying{Track: l.track, Index: l.index, StartedAt: time.Now()}
	st.mu.Lock()
	st.nowPlaying = np
	def := st.def.Clone()
	st.mu.Unlock()

	e.notify(models.StreamNotification(models.NotifyStreamStarted, def, map[string]any{
		"event":  "track_change",
		"track":  l.track.Path,
		"title":  l.track.Title,
		"artist": l.track.Artist,
	}))
	e.logger.Info("now playing",
		slog.String("channel_id", id.String()),
		slog.String("track", l.track.Path),
	)
}

// failLoop takes the channel off air with a reason, from inside the loop
// goroutine. The mount removal happens on a separate goroutine because
// stopChannel waits for the loop to exit.
func (e *Engine) failLoop(st *channelState, id models.ULID, reason string) {
	st.mu.Lock()
	if st.stopReason == "" {
		st.stopReason = reason
	}
	st.mu.Unlock()
	go e.stopChannel(st, id, reason)
}
