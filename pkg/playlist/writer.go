package playlist

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Writer provides streaming playlist writing.
type Writer struct {
	w             io.Writer
	headerWritten bool
}

// NewWriter creates a new playlist writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes the M3U header.
// This is automatically called by WriteTrack if not already written.
func (w *Writer) WriteHeader() error {
	if w.headerWritten {
		return nil
	}
	_, err := fmt.Fprintln(w.w, "#EXTM3U")
	if err != nil {
		return fmt.Errorf("writing playlist header: %w", err)
	}
	w.headerWritten = true
	return nil
}

// WriteTrack writes a single track to the playlist.
func (w *Writer) WriteTrack(track *Track) error {
	if err := w.WriteHeader(); err != nil {
		return err
	}

	var attrs []string
	if track.Album != "" {
		attrs = append(attrs, fmt.Sprintf(`album="%s"`, escapeQuotes(track.Album)))
	}
	for k, v := range track.Extra {
		attrs = append(attrs, fmt.Sprintf(`%s="%s"`, k, escapeQuotes(v)))
	}

	duration := track.Duration
	if duration == 0 {
		duration = -1
	}

	var extinf string
	if len(attrs) > 0 {
		extinf = fmt.Sprintf("#EXTINF:%s %s,%s", formatDuration(duration), strings.Join(attrs, " "), track.Display())
	} else {
		extinf = fmt.Sprintf("#EXTINF:%s,%s", formatDuration(duration), track.Display())
	}

	if _, err := fmt.Fprintln(w.w, extinf); err != nil {
		return fmt.Errorf("writing EXTINF: %w", err)
	}

	if _, err := fmt.Fprintln(w.w, track.Path); err != nil {
		return fmt.Errorf("writing track path: %w", err)
	}

	return nil
}

// Encode writes a whole track list as an extended M3U playlist.
func Encode(w io.Writer, tracks []Track) error {
	pw := NewWriter(w)
	if err := pw.WriteHeader(); err != nil {
		return err
	}
	for i := range tracks {
		if err := pw.WriteTrack(&tracks[i]); err != nil {
			return err
		}
	}
	return nil
}

// formatDuration renders whole seconds without a decimal point and
// fractional seconds with minimal digits.
func formatDuration(d float64) string {
	if d == float64(int64(d)) {
		return strconv.FormatInt(int64(d), 10)
	}
	return strconv.FormatFloat(d, 'f', -1, 64)
}

// escapeQuotes escapes double quotes in attribute values.
func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
