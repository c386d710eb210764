// Package media wraps the external encoder CLI (ffmpeg/ffprobe): binary
// detection, command construction, progress parsing and media probing.
package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BinaryInfo describes a detected encoder installation.
type BinaryInfo struct {
	FFmpegPath   string   `json:"ffmpeg_path"`
	FFprobePath  string   `json:"ffprobe_path"`
	Version      string   `json:"version"`
	MajorVersion int      `json:"major_version"`
	MinorVersion int      `json:"minor_version"`
	Encoders     []string `json:"encoders,omitempty"`
}

// HasEncoder reports whether the installation provides the named encoder.
func (i *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(i.Encoders, name)
}

// Detector finds and caches encoder binary information.
type Detector struct {
	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration

	// Explicit paths override the search; empty means env/cwd/PATH.
	ffmpegPath  string
	ffprobePath string
}

// NewDetector creates a binary detector. Explicit paths may be empty to
// search CASTD_FFMPEG_BINARY / CASTD_FFPROBE_BINARY, the current directory
// and PATH.
func NewDetector(ffmpegPath, ffprobePath string) *Detector {
	return &Detector{
		cacheTTL:    5 * time.Minute,
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *Detector) WithCacheTTL(ttl time.Duration) *Detector {
	d.cacheTTL = ttl
	return d
}

// Detect locates the encoder binaries and reads their capabilities.
func (d *Detector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring write lock
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	info, err := d.detect(ctx)
	if err != nil {
		return nil, err
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Clear clears the cached binary information.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

func (d *Detector) detect(ctx context.Context) (*BinaryInfo, error) {
	info := &BinaryInfo{}

	ffmpegPath := d.ffmpegPath
	if ffmpegPath == "" {
		var err error
		ffmpegPath, err = findBinary("ffmpeg", "CASTD_FFMPEG_BINARY")
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found: %w", err)
		}
	}
	info.FFmpegPath = ffmpegPath

	// ffprobe is optional; probing degrades gracefully without it.
	ffprobePath := d.ffprobePath
	if ffprobePath == "" {
		ffprobePath, _ = findBinary("ffprobe", "CASTD_FFPROBE_BINARY")
	}
	info.FFprobePath = ffprobePath

	version, major, minor, err := d.getVersion(ctx, ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	info.Version = version
	info.MajorVersion = major
	info.MinorVersion = minor

	if encoders, err := d.getEncoders(ctx, ffmpegPath); err == nil {
		info.Encoders = encoders
	}

	return info, nil
}

var versionRe = regexp.MustCompile(`ffmpeg version (\S+)`)

func (d *Detector) getVersion(ctx context.Context, binary string) (full string, major, minor int, err error) {
	out, err := exec.CommandContext(ctx, binary, "-version").Output()
	if err != nil {
		return "", 0, 0, err
	}

	matches := versionRe.FindStringSubmatch(string(out))
	if len(matches) < 2 {
		return "", 0, 0, fmt.Errorf("unrecognized version output")
	}
	full = matches[1]

	// Versions look like "6.1.1" or "n7.0-dev"
	numeric := strings.TrimPrefix(full, "n")
	parts := strings.SplitN(numeric, ".", 3)
	if len(parts) > 0 {
		major, _ = strconv.Atoi(strings.TrimFunc(parts[0], notDigit))
	}
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(strings.TrimFunc(parts[1], notDigit))
	}

	return full, major, minor, nil
}

func notDigit(r rune) bool {
	return r < '0' || r > '9'
}

// findBinary resolves an executable: env var override first, then the
// current directory, then PATH.
func findBinary(name, envVar string) (string, error) {
	if envVar != "" {
		if p := os.Getenv(envVar); p != "" && isExecutable(p) {
			return p, nil
		}
	}

	if local := "./" + name; isExecutable(local) {
		return local, nil
	}

	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}

func (d *Detector) getEncoders(ctx context.Context, binary string) ([]string, error) {
	out, err := exec.CommandContext(ctx, binary, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, err
	}

	var encoders []string
	inList := false
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, " ------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		// Lines look like " V....D libx264   H.264 / AVC ..."
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			encoders = append(encoders, fields[1])
		}
	}

	return encoders, nil
}
