package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/observability"
	"github.com/castdio/castd/internal/plugin"
	"github.com/castdio/castd/internal/version"
)

// DocumentConverter is the built-in document plugin. It shells out to a
// pandoc-compatible converter CLI; when no converter is configured the
// plugin declines every job so dispatch reports a routing failure instead
// of a crash mid-run.
type DocumentConverter struct {
	logger    *slog.Logger
	converter string

	mu   sync.Mutex
	jobs map[models.ULID]context.CancelFunc
}

// NewDocumentConverter creates the document plugin around the given
// converter binary path. An empty path leaves the plugin loaded but inert.
func NewDocumentConverter(converterPath string, logger *slog.Logger) *DocumentConverter {
	return &DocumentConverter{
		logger:    observability.WithComponent(logger, "builtin.document"),
		converter: converterPath,
		jobs:      make(map[models.ULID]context.CancelFunc),
	}
}

func (d *DocumentConverter) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:            DocumentPluginID,
		Name:          "Document Converter",
		Version:       version.Version,
		Author:        "castd",
		APIVersion:    plugin.APIVersion,
		JobTypes:      []models.JobType{models.JobTypeDocumentConvert},
		InputFormats:  []string{"md", "markdown", "html", "docx", "odt", "rst", "tex"},
		OutputFormats: []string{"pdf", "html", "docx", "odt", "md", "txt"},
		Builtin:       true,
	}
}

func (d *DocumentConverter) Initialize(_ context.Context, _ string) error {
	if d.converter == "" {
		d.logger.Warn("no document converter configured, document jobs will not be accepted")
	}
	return nil
}

func (d *DocumentConverter) Shutdown(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, cancel := range d.jobs {
		cancel()
		delete(d.jobs, id)
	}
	return nil
}

func (d *DocumentConverter) Healthy(context.Context) bool {
	if d.converter == "" {
		return false
	}
	_, err := exec.LookPath(d.converter)
	return err == nil
}

func (d *DocumentConverter) CanHandle(jobType models.JobType, params models.JobParams) bool {
	return jobType == models.JobTypeDocumentConvert && params.Document != nil && d.converter != ""
}

func (d *DocumentConverter) Process(ctx context.Context, req plugin.Request, progress plugin.ProgressFunc) (plugin.Result, error) {
	dp := req.Params.Document
	if dp == nil {
		return plugin.Result{}, models.Validationf("document params required")
	}
	if d.converter == "" {
		return plugin.Result{}, models.PluginErrorf("no document converter configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.jobs[req.JobID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.jobs, req.JobID)
		d.mu.Unlock()
	}()

	input := dp.InputPath
	if len(dp.Variables) > 0 {
		substituted, cleanup, err := substituteVariables(dp.InputPath, dp.Variables)
		if err != nil {
			return plugin.Result{}, err
		}
		defer cleanup()
		input = substituted
	}
	progress(10, "preparing")

	// The converter derives the target format from the output extension,
	// so the format field only validates intent here.
	if got := strings.TrimPrefix(filepath.Ext(dp.OutputPath), "."); dp.Format != "" && !strings.EqualFold(got, dp.Format) {
		return plugin.Result{}, models.Validationf("output path extension %q does not match format %q", got, dp.Format)
	}

	args := []string{input, "-o", dp.OutputPath}
	if dp.TemplatePath != "" {
		args = append(args, "--template", dp.TemplatePath)
	}
	progress(50, "converting")

	cmd := exec.CommandContext(ctx, d.converter, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return plugin.Result{}, ctxErr
		}
		return plugin.Result{}, models.WrapError(models.KindTranscodeError, err,
			"document convert failed: %s", outputTail(out))
	}
	progress(100, "done")

	d.logger.Debug("document converted",
		slog.String("job_id", req.JobID.String()),
		slog.String("output", dp.OutputPath),
	)
	return plugin.Result{
		OutputPath: dp.OutputPath,
		Detail:     fmt.Sprintf("converted to %s", strings.ToLower(dp.Format)),
	}, nil
}

func (d *DocumentConverter) Cancel(jobID models.ULID) error {
	d.mu.Lock()
	cancel := d.jobs[jobID]
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// substituteVariables copies the input with every {{key}} placeholder
// replaced, returning the temp copy's path and a cleanup func.
func substituteVariables(inputPath string, vars map[string]string) (string, func(), error) {
	content, err := os.ReadFile(inputPath)
	if err != nil {
		return "", nil, models.WrapError(models.KindValidation, err, "reading input document")
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	replaced := strings.NewReplacer(pairs...).Replace(string(content))

	tmp, err := os.CreateTemp("", "castd-doc-*"+filepath.Ext(inputPath))
	if err != nil {
		return "", nil, models.WrapError(models.KindStorageError, err, "creating temp document")
	}
	if _, err := tmp.WriteString(replaced); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", nil, models.WrapError(models.KindStorageError, err, "writing temp document")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", nil, models.WrapError(models.KindStorageError, err, "writing temp document")
	}
	name := tmp.Name()
	return name, func() { _ = os.Remove(name) }, nil
}

// outputTail returns the last few lines of converter output for error
// messages.
func outputTail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if s == "" {
		return "no converter output"
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, "; ")
}
