package playlist

import (
	"bytes"
	"compress/gzip"
	"errors"
	"strings"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"
)

func collect(t *testing.T, content string) []*Track {
	t.Helper()
	var tracks []*Track
	p := &Parser{
		OnTrack: func(track *Track) error {
			tracks = append(tracks, track)
			return nil
		},
	}
	if err := p.Parse(strings.NewReader(content)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return tracks
}

func TestParser_BasicParsing(t *testing.T) {
	content := `#EXTM3U
#EXTINF:214,Daft Punk - Harder Better Faster Stronger
/music/daft_punk/harder.flac
#EXTINF:187,Air - La Femme d'Argent
/music/air/la_femme.mp3
`

	tracks := collect(t, content)
	if len(tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(tracks))
	}

	t1 := tracks[0]
	if t1.Artist != "Daft Punk" {
		t.Errorf("expected artist 'Daft Punk', got '%s'", t1.Artist)
	}
	if t1.Title != "Harder Better Faster Stronger" {
		t.Errorf("expected title 'Harder Better Faster Stronger', got '%s'", t1.Title)
	}
	if t1.Path != "/music/daft_punk/harder.flac" {
		t.Errorf("expected path '/music/daft_punk/harder.flac', got '%s'", t1.Path)
	}
	if t1.Duration != 214 {
		t.Errorf("expected duration 214, got %v", t1.Duration)
	}

	t2 := tracks[1]
	if t2.Artist != "Air" {
		t.Errorf("expected artist 'Air', got '%s'", t2.Artist)
	}
	if t2.Title != "La Femme d'Argent" {
		t.Errorf("expected title \"La Femme d'Argent\", got '%s'", t2.Title)
	}
}

func TestParser_FractionalDuration(t *testing.T) {
	content := `#EXTM3U
#EXTINF:183.48,Boards of Canada - Roygbiv
/music/boc/roygbiv.mp3
`

	tracks := collect(t, content)
	if len(tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(tracks))
	}
	if tracks[0].Duration != 183.48 {
		t.Errorf("expected duration 183.48, got %v", tracks[0].Duration)
	}
}

func TestParser_Attributes(t *testing.T) {
	content := `#EXTM3U
#EXTINF:240 album="Discovery" gain="-6.2",Daft Punk - Aerodynamic
/music/daft_punk/aerodynamic.flac
`

	tracks := collect(t, content)
	if len(tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(tracks))
	}

	track := tracks[0]
	if track.Album != "Discovery" {
		t.Errorf("expected album 'Discovery', got '%s'", track.Album)
	}
	if track.Extra["gain"] != "-6.2" {
		t.Errorf("expected gain extra '-6.2', got '%s'", track.Extra["gain"])
	}
	if track.Artist != "Daft Punk" {
		t.Errorf("expected artist 'Daft Punk', got '%s'", track.Artist)
	}
}

func TestParser_ArtistAttributeWins(t *testing.T) {
	content := `#EXTM3U
#EXTINF:240 artist="CHVRCHES",The Mother We Share
/music/chvrches/mother.flac
`

	tracks := collect(t, content)
	if len(tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(tracks))
	}
	if tracks[0].Artist != "CHVRCHES" {
		t.Errorf("expected artist 'CHVRCHES', got '%s'", tracks[0].Artist)
	}
	if tracks[0].Title != "The Mother We Share" {
		t.Errorf("expected title 'The Mother We Share', got '%s'", tracks[0].Title)
	}
}

func TestParser_TitleWithoutArtist(t *testing.T) {
	content := `#EXTM3U
#EXTINF:55,Station Ident
/bumpers/ident.wav
`

	tracks := collect(t, content)
	if len(tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(tracks))
	}
	if tracks[0].Artist != "" {
		t.Errorf("expected empty artist, got '%s'", tracks[0].Artist)
	}
	if tracks[0].Title != "Station Ident" {
		t.Errorf("expected title 'Station Ident', got '%s'", tracks[0].Title)
	}
}

func TestParser_CommasInQuotes(t *testing.T) {
	content := `#EXTM3U
#EXTINF:200 album="Singles, B-Sides",Artist Name - Track, With Comma
/music/a/track.mp3
`

	tracks := collect(t, content)
	if len(tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(tracks))
	}

	track := tracks[0]
	if track.Album != "Singles, B-Sides" {
		t.Errorf("expected album 'Singles, B-Sides', got '%s'", track.Album)
	}
	if track.Title != "Track, With Comma" {
		t.Errorf("expected title 'Track, With Comma', got '%s'", track.Title)
	}
}

func TestParser_PathWithoutExtinf(t *testing.T) {
	content := `#EXTM3U
/music/unknown/mystery_track.ogg
http://radio.example.com/feed.mp3?token=abc
`

	tracks := collect(t, content)
	if len(tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(tracks))
	}

	if tracks[0].Title != "mystery_track" {
		t.Errorf("expected title 'mystery_track', got '%s'", tracks[0].Title)
	}
	if tracks[0].Duration != -1 {
		t.Errorf("expected duration -1, got %v", tracks[0].Duration)
	}
	if tracks[1].Title != "feed" {
		t.Errorf("expected title 'feed', got '%s'", tracks[1].Title)
	}
}

func TestParser_SkipsCommentsAndBlankLines(t *testing.T) {
	content := `#EXTM3U

# library export 2026-08-01
#PLAYLIST:late night
#EXTINF:100,A - B

/music/a/b.mp3
`

	tracks := collect(t, content)
	if len(tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(tracks))
	}
	if tracks[0].Path != "/music/a/b.mp3" {
		t.Errorf("expected path '/music/a/b.mp3', got '%s'", tracks[0].Path)
	}
}

func TestParser_InvalidExtinfReportsError(t *testing.T) {
	content := `#EXTM3U
#EXTINF:not-a-number,Broken
/music/broken.mp3
#EXTINF:90,Fine - Track
/music/fine.mp3
`

	var tracks []*Track
	var errLines []int
	p := &Parser{
		OnTrack: func(track *Track) error {
			tracks = append(tracks, track)
			return nil
		},
		OnError: func(lineNum int, err error) {
			errLines = append(errLines, lineNum)
		},
	}

	if err := p.Parse(strings.NewReader(content)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(errLines) != 1 || errLines[0] != 2 {
		t.Errorf("expected one error at line 2, got %v", errLines)
	}
	// The bare path after the broken EXTINF still yields a minimal track.
	if len(tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(tracks))
	}
	if tracks[1].Title != "Track" || tracks[1].Artist != "Fine" {
		t.Errorf("expected 'Fine - Track', got '%s - %s'", tracks[1].Artist, tracks[1].Title)
	}
}

func TestParser_CallbackErrorStopsParse(t *testing.T) {
	content := `#EXTM3U
#EXTINF:90,A - B
/music/a.mp3
#EXTINF:90,C - D
/music/c.mp3
`

	wantErr := errors.New("stop")
	calls := 0
	p := &Parser{
		OnTrack: func(track *Track) error {
			calls++
			return wantErr
		},
	}

	err := p.Parse(strings.NewReader(content))
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected parse to stop after first callback, got %d calls", calls)
	}
}

func TestParser_NilOnTrack(t *testing.T) {
	p := &Parser{}
	if err := p.Parse(strings.NewReader("#EXTM3U\n")); err == nil {
		t.Fatal("expected error for nil OnTrack")
	}
}

func TestParser_ParseCompressed_Gzip(t *testing.T) {
	content := `#EXTM3U
#EXTINF:90,A - B
/music/a.mp3
`

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(content)); err != nil {
		t.Fatalf("failed to write gzip: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("failed to close gzip: %v", err)
	}

	tracks, err := Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tracks) != 1 || tracks[0].Path != "/music/a.mp3" {
		t.Fatalf("unexpected tracks: %+v", tracks)
	}
}

func TestParser_ParseCompressed_Bzip2(t *testing.T) {
	content := `#EXTM3U
#EXTINF:90,A - B
/music/a.mp3
`

	var buf bytes.Buffer
	bw, err := bzip2.NewWriter(&buf, nil)
	if err != nil {
		t.Fatalf("failed to create bzip2 writer: %v", err)
	}
	if _, err = bw.Write([]byte(content)); err != nil {
		t.Fatalf("failed to write bzip2: %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("failed to close bzip2: %v", err)
	}

	tracks, err := Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tracks) != 1 || tracks[0].Artist != "A" {
		t.Fatalf("unexpected tracks: %+v", tracks)
	}
}

func TestParser_ParseCompressed_XZ(t *testing.T) {
	content := `#EXTM3U
#EXTINF:90,A - B
/music/a.mp3
`

	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatalf("failed to create xz writer: %v", err)
	}
	if _, err = xw.Write([]byte(content)); err != nil {
		t.Fatalf("failed to write xz: %v", err)
	}
	if err := xw.Close(); err != nil {
		t.Fatalf("failed to close xz: %v", err)
	}

	tracks, err := Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tracks) != 1 || tracks[0].Title != "B" {
		t.Fatalf("unexpected tracks: %+v", tracks)
	}
}

func TestParser_ParseCompressed_Plain(t *testing.T) {
	content := `#EXTM3U
#EXTINF:90,A - B
/music/a.mp3
`

	tracks, err := Decode(strings.NewReader(content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(tracks))
	}
}

func TestSplitDisplay(t *testing.T) {
	tests := []struct {
		display string
		artist  string
		title   string
	}{
		{"Daft Punk - Around the World", "Daft Punk", "Around the World"},
		{"Just a Title", "", "Just a Title"},
		{"A - B - C", "A", "B - C"},
		{"", "", ""},
	}

	for _, tt := range tests {
		artist, title := splitDisplay(tt.display)
		if artist != tt.artist || title != tt.title {
			t.Errorf("splitDisplay(%q) = (%q, %q), want (%q, %q)",
				tt.display, artist, title, tt.artist, tt.title)
		}
	}
}

func TestTitleFromPath(t *testing.T) {
	tests := []struct {
		path  string
		title string
	}{
		{"/music/artist/track.mp3", "track"},
		{"http://example.com/feed.mp3?auth=x", "feed"},
		{"bare", "bare"},
	}

	for _, tt := range tests {
		if got := titleFromPath(tt.path); got != tt.title {
			t.Errorf("titleFromPath(%q) = %q, want %q", tt.path, got, tt.title)
		}
	}
}
