package media

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Command represents an encoder command to execute.
type Command struct {
	Binary string
	Args   []string
	Input  string
	Output string

	cmd     *exec.Cmd
	started time.Time
	mu      sync.RWMutex

	monitor *ProcessMonitor

	// Recent stderr lines kept for failure diagnosis.
	stderrLines []string
	stderrMu    sync.RWMutex
}

// Progress represents parsed encoder progress information.
type Progress struct {
	Frame   int64         `json:"frame"`
	FPS     float64       `json:"fps"`
	Bitrate string        `json:"bitrate"`
	Size    int64         `json:"size"`
	Time    time.Duration `json:"time"`
	Speed   float64       `json:"speed"`
}

// Percent converts the processed time into a completion percentage
// against a known total duration. Returns 0 when the total is unknown.
func (p Progress) Percent(total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(p.Time) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// CommandBuilder builds encoder commands with a fluent API.
type CommandBuilder struct {
	binary       string
	globalArgs   []string
	inputArgs    []string
	input        string
	videoFilters []string
	audioFilters []string
	outputArgs   []string
	output       string
	logLevel     string
	overwrite    bool
}

// NewCommandBuilder creates a new encoder command builder.
func NewCommandBuilder(binaryPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   binaryPath,
		logLevel: "error",
	}
}

// LogLevel sets the encoder log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the encoder banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Stats enables progress stats output on stderr.
func (b *CommandBuilder) Stats() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-stats")
	return b
}

// HWAccel sets the hardware acceleration method.
// Skips "auto" and "none" since they need no flag.
func (b *CommandBuilder) HWAccel(accel string) *CommandBuilder {
	if accel != "" && accel != "none" && accel != "auto" {
		b.inputArgs = append(b.inputArgs, "-hwaccel", accel)
	}
	return b
}

// Realtime throttles input reading to native frame rate. Required when
// feeding a live mount so the encoder does not race ahead of wall time.
func (b *CommandBuilder) Realtime() *CommandBuilder {
	b.inputArgs = append(b.inputArgs, "-re")
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs adds arbitrary input arguments.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// PCMInput configures reading interleaved signed 16-bit little-endian
// samples from stdin at the given rate and channel count.
func (b *CommandBuilder) PCMInput(sampleRate, channels int) *CommandBuilder {
	b.inputArgs = append(b.inputArgs,
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
	)
	b.input = "pipe:0"
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// VideoBitrate sets the video bitrate.
func (b *CommandBuilder) VideoBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:v", bitrate)
	return b
}

// AudioBitrate sets the audio bitrate.
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	return b
}

// AudioChannels sets the number of audio channels.
func (b *CommandBuilder) AudioChannels(channels int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ac", strconv.Itoa(channels))
	return b
}

// SampleRate sets the output audio sample rate.
func (b *CommandBuilder) SampleRate(rate int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ar", strconv.Itoa(rate))
	return b
}

// NoVideo drops all video streams.
func (b *CommandBuilder) NoVideo() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-vn")
	return b
}

// Resolution sets the output resolution via a scale filter.
// Accepts "WIDTHxHEIGHT" such as "1280x720".
func (b *CommandBuilder) Resolution(res string) *CommandBuilder {
	if res == "" {
		return b
	}
	parts := strings.SplitN(res, "x", 2)
	if len(parts) == 2 {
		b.videoFilters = append(b.videoFilters, fmt.Sprintf("scale=%s:%s", parts[0], parts[1]))
	}
	return b
}

// VideoFilter adds a video filter.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	b.videoFilters = append(b.videoFilters, filter)
	return b
}

// AudioFilter adds an audio filter.
func (b *CommandBuilder) AudioFilter(filter string) *CommandBuilder {
	b.audioFilters = append(b.audioFilters, filter)
	return b
}

// Loudnorm applies EBU R128 loudness normalization to the given
// integrated target in LUFS.
func (b *CommandBuilder) Loudnorm(targetLUFS float64) *CommandBuilder {
	b.audioFilters = append(b.audioFilters, fmt.Sprintf("loudnorm=I=%g:TP=-1.5:LRA=11", targetLUFS))
	return b
}

// Format sets the output container format.
func (b *CommandBuilder) Format(format string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-f", format)
	return b
}

// SegmentArgs configures numbered MPEG-TS segment output for the TV
// engine. The output pattern should contain a %d-style counter.
func (b *CommandBuilder) SegmentArgs(segmentSeconds int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "segment",
		"-segment_time", strconv.Itoa(segmentSeconds),
		"-segment_format", "mpegts",
		"-reset_timestamps", "1",
	)
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// FlushPackets enables immediate packet flushing for low latency.
func (b *CommandBuilder) FlushPackets() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-flush_packets", "1")
	return b
}

// ApplyCustomOptions parses and applies a custom options string to the
// output arguments, respecting quotes.
func (b *CommandBuilder) ApplyCustomOptions(opts string) *CommandBuilder {
	if opts == "" {
		return b
	}
	b.outputArgs = append(b.outputArgs, parseOptionsString(opts)...)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build assembles the final command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)

	if b.overwrite {
		args = append(args, "-y")
	}

	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)

	if len(b.videoFilters) > 0 {
		args = append(args, "-vf", strings.Join(b.videoFilters, ","))
	}
	if len(b.audioFilters) > 0 {
		args = append(args, "-af", strings.Join(b.audioFilters, ","))
	}

	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary:      b.binary,
		Args:        args,
		Input:       b.input,
		Output:      b.output,
		stderrLines: make([]string, 0, maxStderrLines),
	}
}

// parseOptionsString splits an options string respecting quotes.
func parseOptionsString(s string) []string {
	var result []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)
	escaped := false

	for _, r := range s {
		if escaped {
			current.WriteRune(r)
			escaped = false
			continue
		}

		if r == '\\' {
			escaped = true
			continue
		}

		if r == '"' || r == '\'' {
			if !inQuote {
				inQuote = true
				quoteChar = r
			} else if r == quoteChar {
				inQuote = false
			} else {
				current.WriteRune(r)
			}
			continue
		}

		if r == ' ' && !inQuote {
			if current.Len() > 0 {
				result = append(result, current.String())
				current.Reset()
			}
			continue
		}

		current.WriteRune(r)
	}

	if current.Len() > 0 {
		result = append(result, current.String())
	}

	return result
}

const maxStderrLines = 50

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Run executes the command and waits for completion.
func (c *Command) Run(ctx context.Context) error {
	c.mu.Lock()
	c.cmd = exec.CommandContext(ctx, c.Binary, c.Args...)
	c.started = time.Now()
	c.mu.Unlock()

	return c.cmd.Run()
}

// Start starts the command without waiting.
func (c *Command) Start(ctx context.Context) error {
	c.mu.Lock()
	c.cmd = exec.CommandContext(ctx, c.Binary, c.Args...)
	c.started = time.Now()
	c.mu.Unlock()

	return c.cmd.Start()
}

// Wait waits for the command to complete.
func (c *Command) Wait() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil {
		return fmt.Errorf("command not started")
	}

	return cmd.Wait()
}

// Kill terminates the encoder process.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	return cmd.Process.Kill()
}

// Signal sends a signal to the encoder process.
func (c *Command) Signal(sig os.Signal) error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	return cmd.Process.Signal(sig)
}

// IsRunning returns true if the command is running.
func (c *Command) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return false
	}

	return c.cmd.ProcessState == nil
}

// Duration returns how long the command has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.started.IsZero() {
		return 0
	}

	return time.Since(c.started)
}

// StdinPipe returns a pipe connected to the command's stdin.
// Must be called after Start has created the command via prepare.
func (c *Command) StdinPipe() (io.WriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		return nil, fmt.Errorf("command not initialized")
	}

	return c.cmd.StdinPipe()
}

// StdoutPipe returns a pipe connected to the command's stdout.
func (c *Command) StdoutPipe() (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		return nil, fmt.Errorf("command not initialized")
	}

	return c.cmd.StdoutPipe()
}

// StderrPipe returns a pipe connected to the command's stderr.
func (c *Command) StderrPipe() (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		return nil, fmt.Errorf("command not initialized")
	}

	return c.cmd.StderrPipe()
}

// Prepare initializes the underlying process without starting it, so
// pipes can be attached first.
func (c *Command) Prepare(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil {
		c.cmd = exec.CommandContext(ctx, c.Binary, c.Args...)
	}
}

// StartPrepared starts a command previously initialized with Prepare.
func (c *Command) StartPrepared() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		return fmt.Errorf("command not initialized")
	}
	c.started = time.Now()
	return c.cmd.Start()
}

// RunWithProgress runs the command and reports parsed progress on the
// channel until the process exits. Sends never block; stale updates are
// dropped when the receiver lags.
func (c *Command) RunWithProgress(ctx context.Context, progressCh chan<- Progress) error {
	c.mu.Lock()
	c.cmd = exec.CommandContext(ctx, c.Binary, c.Args...)
	c.started = time.Now()

	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("getting stderr pipe: %w", err)
	}
	c.mu.Unlock()

	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("starting command: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.parseProgress(stderr, progressCh)
	}()

	waitErr := c.cmd.Wait()
	<-done
	return waitErr
}

var (
	frameRe   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*([\d.]+\s*\w+/s)`)
	sizeRe    = regexp.MustCompile(`size=\s*(\d+)`)
	timeRe    = regexp.MustCompile(`time=(\d+):(\d+):(\d+).(\d+)`)
	speedRe   = regexp.MustCompile(`speed=\s*([\d.]+)x`)
)

// parseProgress parses encoder progress output from stderr.
func (c *Command) parseProgress(r io.Reader, progressCh chan<- Progress) {
	scanner := bufio.NewScanner(r)
	scanner.Split(scanStatusLines)
	progress := Progress{}

	for scanner.Scan() {
		line := scanner.Text()
		c.recordStderr(line)

		updated := false

		if matches := frameRe.FindStringSubmatch(line); len(matches) > 1 {
			progress.Frame, _ = strconv.ParseInt(matches[1], 10, 64)
			updated = true
		}
		if matches := fpsRe.FindStringSubmatch(line); len(matches) > 1 {
			progress.FPS, _ = strconv.ParseFloat(matches[1], 64)
			updated = true
		}
		if matches := bitrateRe.FindStringSubmatch(line); len(matches) > 1 {
			progress.Bitrate = matches[1]
			updated = true
		}
		if matches := sizeRe.FindStringSubmatch(line); len(matches) > 1 {
			progress.Size, _ = strconv.ParseInt(matches[1], 10, 64)
			updated = true
		}
		if matches := timeRe.FindStringSubmatch(line); len(matches) > 4 {
			hours, _ := strconv.Atoi(matches[1])
			mins, _ := strconv.Atoi(matches[2])
			secs, _ := strconv.Atoi(matches[3])
			centis, _ := strconv.Atoi(matches[4])
			progress.Time = time.Duration(hours)*time.Hour +
				time.Duration(mins)*time.Minute +
				time.Duration(secs)*time.Second +
				time.Duration(centis)*time.Millisecond*10
			updated = true
		}
		if matches := speedRe.FindStringSubmatch(line); len(matches) > 1 {
			progress.Speed, _ = strconv.ParseFloat(matches[1], 64)
			updated = true
		}

		if !updated {
			continue
		}

		select {
		case progressCh <- progress:
		default:
		}
	}
}

// scanStatusLines splits on both newline and carriage return, since the
// encoder rewrites its status line with \r.
func scanStatusLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (c *Command) recordStderr(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	if len(c.stderrLines) >= maxStderrLines {
		c.stderrLines = c.stderrLines[1:]
	}
	c.stderrLines = append(c.stderrLines, line)
}

// RecentStderr returns the most recent stderr lines for diagnostics.
func (c *Command) RecentStderr() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()
	out := make([]string, len(c.stderrLines))
	copy(out, c.stderrLines)
	return out
}

// StreamToWriter runs the encoder and copies stdout to the writer until
// the process exits or the context is cancelled. Resource usage of the
// child process is sampled while it runs.
func (c *Command) StreamToWriter(ctx context.Context, w io.Writer) error {
	c.mu.Lock()
	c.cmd = exec.CommandContext(ctx, c.Binary, c.Args...)
	c.started = time.Now()

	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("getting stdout pipe: %w", err)
	}

	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("getting stderr pipe: %w", err)
	}
	c.mu.Unlock()

	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("starting encoder: %w", err)
	}

	c.mu.Lock()
	c.monitor = NewProcessMonitor(c.cmd.Process.Pid)
	c.monitor.Start()
	c.mu.Unlock()

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		scanner.Split(scanStatusLines)
		for scanner.Scan() {
			c.recordStderr(scanner.Text())
		}
	}()

	countingWriter := NewCountingWriter(w, c.monitor)

	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(countingWriter, stdout)
		copyDone <- err
	}()

	waitErr := c.cmd.Wait()
	<-stderrDone
	c.stopMonitor()

	select {
	case copyErr := <-copyDone:
		if copyErr != nil && waitErr == nil {
			return fmt.Errorf("copying output: %w", copyErr)
		}
	default:
	}

	return waitErr
}

// Monitor returns the process monitor, or nil before streaming starts.
func (c *Command) Monitor() *ProcessMonitor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.monitor
}

func (c *Command) stopMonitor() {
	c.mu.Lock()
	monitor := c.monitor
	c.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
}
