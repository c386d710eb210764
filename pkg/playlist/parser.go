// Package playlist provides streaming M3U playlist parsing and writing for
// radio track lists. It understands extended M3U (EXTINF metadata) and
// transparently decompresses gzip, bzip2, and xz payloads.
package playlist

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/ulikunitz/xz"
)

// Track represents a single entry in a radio playlist.
type Track struct {
	// Duration is the declared track length in seconds. -1 means unknown
	// or live.
	Duration float64

	// Artist is the performing artist, from the "Artist - Title" display
	// convention or an artist attribute.
	Artist string

	// Title is the track title.
	Title string

	// Album is the album name from the album attribute.
	Album string

	// Path is the media location: a local file path or a URL.
	Path string

	// Extra contains any additional attributes not explicitly parsed.
	Extra map[string]string
}

// Display returns the human-readable form used on EXTINF lines.
func (t Track) Display() string {
	if t.Artist != "" {
		return t.Artist + " - " + t.Title
	}
	return t.Title
}

// Parser provides streaming playlist parsing with callback-based
// processing.
type Parser struct {
	// OnTrack is called for each parsed track.
	OnTrack func(track *Track) error

	// OnError is called for recoverable parsing errors.
	// If nil, errors are silently ignored.
	OnError func(lineNum int, err error)
}

var (
	// Matches duration and attributes portion: #EXTINF:183.4 album="…",Artist - Title
	extinfRegex = regexp.MustCompile(`^#EXTINF:\s*(-?\d+(?:\.\d+)?)\s*(.*)$`)

	// Matches key="value" or key=value patterns
	attrRegex = regexp.MustCompile(`([a-zA-Z0-9_-]+)=(?:"([^"]*)"|([^\s,]+))`)
)

// Parse parses an M3U playlist from a reader, calling OnTrack for each
// track.
func (p *Parser) Parse(r io.Reader) error {
	if p.OnTrack == nil {
		return fmt.Errorf("OnTrack callback is required")
	}

	scanner := bufio.NewScanner(r)
	// Some playlists carry very long URLs
	const maxLineSize = 1024 * 1024
	buf := make([]byte, maxLineSize)
	scanner.Buffer(buf, maxLineSize)

	var current *Track
	lineNum := 0
	isExtM3U := false

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#EXTM3U") {
			isExtM3U = true
			continue
		}

		if strings.HasPrefix(line, "#EXTINF:") {
			track, err := p.parseExtinf(line)
			if err != nil {
				p.handleError(lineNum, err)
				continue
			}
			current = track
			continue
		}

		// Skip other comment lines
		if strings.HasPrefix(line, "#") {
			continue
		}

		// This should be a path or URL line
		if current != nil {
			current.Path = line
			if err := p.OnTrack(current); err != nil {
				return fmt.Errorf("callback error at line %d: %w", lineNum, err)
			}
			current = nil
		} else if isExtM3U {
			// Path without EXTINF, synthesize a minimal track
			track := &Track{
				Duration: -1,
				Path:     line,
				Title:    titleFromPath(line),
			}
			if err := p.OnTrack(track); err != nil {
				return fmt.Errorf("callback error at line %d: %w", lineNum, err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning playlist: %w", err)
	}

	return nil
}

// ParseCompressed parses a potentially compressed playlist, detecting
// gzip, bzip2, and xz by magic bytes.
func (p *Parser) ParseCompressed(r io.Reader) error {
	br := bufio.NewReader(r)

	header, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return fmt.Errorf("peeking header: %w", err)
	}

	var reader io.Reader = br

	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gzr.Close()
		reader = gzr

	case len(header) >= 3 && header[0] == 'B' && header[1] == 'Z' && header[2] == 'h':
		reader = bzip2.NewReader(br)

	case len(header) >= 6 && header[0] == 0xfd && header[1] == '7' && header[2] == 'z' && header[3] == 'X' && header[4] == 'Z' && header[5] == 0x00:
		xzr, err := xz.NewReader(br)
		if err != nil {
			return fmt.Errorf("creating xz reader: %w", err)
		}
		reader = xzr
	}

	return p.Parse(reader)
}

// Decode reads a whole, possibly compressed playlist into a track slice.
func Decode(r io.Reader) ([]Track, error) {
	var tracks []Track
	p := &Parser{
		OnTrack: func(t *Track) error {
			tracks = append(tracks, *t)
			return nil
		},
	}
	if err := p.ParseCompressed(r); err != nil {
		return nil, err
	}
	return tracks, nil
}

// parseExtinf parses an EXTINF line and extracts metadata.
func (p *Parser) parseExtinf(line string) (*Track, error) {
	matches := extinfRegex.FindStringSubmatch(line)
	if matches == nil {
		return nil, fmt.Errorf("invalid EXTINF format")
	}

	duration, _ := strconv.ParseFloat(matches[1], 64)
	remainder := matches[2]

	track := &Track{
		Duration: duration,
		Extra:    make(map[string]string),
	}

	// Find the display title (everything after the last comma not in quotes)
	titleIdx := findTitleStart(remainder)
	if titleIdx >= 0 {
		display := strings.TrimSpace(remainder[titleIdx+1:])
		track.Artist, track.Title = splitDisplay(display)
		remainder = remainder[:titleIdx]
	}

	attrMatches := attrRegex.FindAllStringSubmatch(remainder, -1)
	for _, match := range attrMatches {
		key := strings.ToLower(match[1])
		value := match[2]
		if value == "" {
			value = match[3]
		}

		switch key {
		case "artist":
			track.Artist = value
		case "album":
			track.Album = value
		default:
			track.Extra[key] = value
		}
	}

	return track, nil
}

// splitDisplay splits the conventional "Artist - Title" display form. A
// display without the separator is all title.
func splitDisplay(display string) (artist, title string) {
	if idx := strings.Index(display, " - "); idx >= 0 {
		return strings.TrimSpace(display[:idx]), strings.TrimSpace(display[idx+3:])
	}
	return "", display
}

// findTitleStart finds the index of the comma that separates attributes
// from the display title, handling commas inside quoted values.
func findTitleStart(s string) int {
	inQuotes := false
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '"' {
			inQuotes = !inQuotes
		}
		if s[i] == ',' && !inQuotes {
			return i
		}
	}
	return -1
}

// titleFromPath derives a title from a bare path line.
func titleFromPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 0 {
		filename := parts[len(parts)-1]
		if idx := strings.Index(filename, "?"); idx > 0 {
			filename = filename[:idx]
		}
		if idx := strings.LastIndex(filename, "."); idx > 0 {
			filename = filename[:idx]
		}
		if filename != "" {
			return filename
		}
	}
	return "Unknown"
}

// handleError calls the OnError callback if set.
func (p *Parser) handleError(lineNum int, err error) {
	if p.OnError != nil {
		p.OnError(lineNum, err)
	}
}
