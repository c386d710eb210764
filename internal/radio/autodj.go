package radio

import (
	"context"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dhowden/tag"
	"github.com/fsnotify/fsnotify"

	"github.com/castdio/castd/internal/models"
)

// audioExtensions are the file types auto-DJ picks up while scanning.
var audioExtensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".ogg":  true,
	".opus": true,
	".wav":  true,
	".m4a":  true,
	".aac":  true,
	".wma":  true,
}

// scanFolders walks the auto-DJ folders and builds playlist entries from
// the audio files found. Order is path-sorted for determinism, then
// shuffled when requested. Unreadable folders are logged and skipped.
func scanFolders(ctx context.Context, logger *slog.Logger, folders []string, shuffle bool) []models.Track {
	var tracks []models.Track
	for _, folder := range folders {
		err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if d.IsDir() {
				return nil
			}
			if !audioExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			tracks = append(tracks, trackFromFile(path))
			return nil
		})
		if err != nil {
			logger.Warn("auto-dj folder scan failed",
				slog.String("folder", folder),
				slog.Any("error", err),
			)
		}
	}

	sort.Slice(tracks, func(i, j int) bool { return tracks[i].Path < tracks[j].Path })
	if shuffle {
		rand.Shuffle(len(tracks), func(i, j int) {
			tracks[i], tracks[j] = tracks[j], tracks[i]
		})
	}
	return tracks
}

// trackFromFile builds a playlist entry for one audio file. Tags are read
// when present; files without readable tags fall back to a filename title.
func trackFromFile(path string) models.Track {
	t := models.Track{Path: path, Title: titleFromFilename(path)}
	f, err := os.Open(path)
	if err != nil {
		return t
	}
	defer f.Close()
	m, err := tag.ReadFrom(f)
	if err != nil {
		return t
	}
	if title := strings.TrimSpace(m.Title()); title != "" {
		t.Title = title
	}
	t.Artist = strings.TrimSpace(m.Artist())
	return t
}

func titleFromFilename(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// folderWatcher flags the channel for a rescan whenever an auto-DJ folder
// changes. The loop picks the flag up at the next track boundary.
type folderWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newFolderWatcher(folders []string, logger *slog.Logger, onChange func()) (*folderWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, folder := range folders {
		if err := w.Add(folder); err != nil {
			logger.Warn("auto-dj folder not watchable",
				slog.String("folder", folder),
				slog.Any("error", err),
			)
		}
	}
	fw := &folderWatcher{watcher: w, done: make(chan struct{})}
	go fw.run(logger, onChange)
	return fw, nil
}

func (fw *folderWatcher) run(logger *slog.Logger, onChange func()) {
	defer close(fw.done)
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				onChange()
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("auto-dj watcher error", slog.Any("error", err))
		}
	}
}

// Close stops the watcher and waits for its event loop to drain.
func (fw *folderWatcher) Close() {
	_ = fw.watcher.Close()
	<-fw.done
}
