package tv

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/castdio/castd/internal/models"
)

// segmentFilePattern is the printf pattern handed to the segment encoder.
// Numbering is monotonic per variant across items; the next item starts
// where the previous one stopped.
const segmentFilePattern = "segment_%05d.ts"

const variantPlaylistName = "playlist.m3u8"

func segmentFileName(seq int) string {
	return fmt.Sprintf(segmentFilePattern, seq)
}

// parseSegmentFileName extracts the sequence number from an emitted
// segment file name.
func parseSegmentFileName(name string) (int, bool) {
	if !strings.HasPrefix(name, "segment_") || !strings.HasSuffix(name, ".ts") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "segment_"), ".ts"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// segment is one finished transport-stream fragment in a variant's rolling
// window.
type segment struct {
	seq      int
	name     string
	duration time.Duration
}

// variantState tracks one variant's segment numbering and rolling playlist
// window. Only the channel loop touches it.
type variantState struct {
	variant  models.Variant
	dir      string
	playlist string
	nextSeq  int
	window   []segment
}

func newVariantState(v models.Variant, dir string) *variantState {
	return &variantState{
		variant:  v,
		dir:      dir,
		playlist: filepath.Join(dir, variantPlaylistName),
	}
}

// scanNew lists segments numbered at or past nextSeq, in order, and
// advances the counter past what it returns. Unless final, the
// highest-numbered file is held back as possibly still being written.
func (vs *variantState) scanNew(final bool) []segment {
	entries, err := os.ReadDir(vs.dir)
	if err != nil {
		return nil
	}

	var fresh []segment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		seq, ok := parseSegmentFileName(entry.Name())
		if !ok || seq < vs.nextSeq {
			continue
		}
		fresh = append(fresh, segment{seq: seq, name: entry.Name()})
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].seq < fresh[j].seq })

	if !final && len(fresh) > 0 {
		fresh = fresh[:len(fresh)-1]
	}
	if len(fresh) > 0 {
		vs.nextSeq = fresh[len(fresh)-1].seq + 1
	}
	return fresh
}

// push appends a finished segment and trims the window to max entries.
func (vs *variantState) push(s segment, max int) {
	vs.window = append(vs.window, s)
	if max > 0 && len(vs.window) > max {
		vs.window = vs.window[len(vs.window)-max:]
	}
}

// mediaSequence is the sequence number of the oldest windowed segment.
func (vs *variantState) mediaSequence() int {
	if len(vs.window) == 0 {
		return vs.nextSeq
	}
	return vs.window[0].seq
}

// writePlaylist rewrites the variant's rolling playlist.
func (vs *variantState) writePlaylist(defaultSeconds int) error {
	target := defaultSeconds
	for _, s := range vs.window {
		if secs := int(s.duration.Seconds() + 0.999); secs > target {
			target = secs
		}
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", vs.mediaSequence())
	for _, s := range vs.window {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", s.duration.Seconds(), s.name)
	}

	if err := os.WriteFile(vs.playlist, []byte(b.String()), 0o644); err != nil {
		return models.StorageErrorf("writing playlist for variant %s: %v", vs.variant.Name, err)
	}
	return nil
}

// writeMasterPlaylist writes the playlist listing every variant, with
// bandwidth and resolution attributes, referencing the per-variant rolling
// playlists by relative path.
func writeMasterPlaylist(path string, variants []models.Variant) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, v := range variants {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s,NAME=%q\n",
			v.Bitrate*1000, v.Resolution, v.Name)
		fmt.Fprintf(&b, "%s/%s\n", v.Name, variantPlaylistName)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return models.StorageErrorf("writing master playlist: %v", err)
	}
	return nil
}
