package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/plugin"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func docReq(p *models.DocumentParams) plugin.Request {
	return plugin.Request{
		JobID:  models.NewULID(),
		Type:   models.JobTypeDocumentConvert,
		Params: models.JobParams{Document: p},
	}
}

func TestSubstituteVariables(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.md")
	require.NoError(t, os.WriteFile(in, []byte("# {{title}}\nby {{author}} ({{author}})"), 0o644))

	got, cleanup, err := substituteVariables(in, map[string]string{
		"title":  "Quarterly Report",
		"author": "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, ".md", filepath.Ext(got), "temp copy keeps the input extension")

	content, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "# Quarterly Report\nby ops (ops)", string(content))

	cleanup()
	_, err = os.Stat(got)
	assert.True(t, os.IsNotExist(err), "cleanup removes the temp copy")
}

func TestSubstituteVariables_MissingInput(t *testing.T) {
	_, _, err := substituteVariables("/does/not/exist.md", map[string]string{"k": "v"})
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestDocumentConverter_Process(t *testing.T) {
	dir := t.TempDir()
	conv := writeScript(t, dir, "converter", `cp "$1" "$3"`)
	d := NewDocumentConverter(conv, discardLogger())

	in := filepath.Join(dir, "report.md")
	require.NoError(t, os.WriteFile(in, []byte("Hello {{who}}"), 0o644))
	out := filepath.Join(dir, "out.md")

	prog := &progressLog{}
	res, err := d.Process(context.Background(), docReq(&models.DocumentParams{
		InputPath:  in,
		OutputPath: out,
		Format:     "md",
		Variables:  map[string]string{"who": "World"},
	}), prog.fn)
	require.NoError(t, err)
	assert.Equal(t, out, res.OutputPath)
	assert.Equal(t, float64(100), prog.last())

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", string(content),
		"the converter sees the substituted copy, not the original")
}

func TestDocumentConverter_TemplateFlag(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	conv := writeScript(t, dir, "converter", fmt.Sprintf(`echo "$@" > %q
cp "$1" "$3"`, argsFile))
	d := NewDocumentConverter(conv, discardLogger())

	in := filepath.Join(dir, "report.md")
	require.NoError(t, os.WriteFile(in, []byte("body"), 0o644))

	_, err := d.Process(context.Background(), docReq(&models.DocumentParams{
		InputPath:    in,
		OutputPath:   filepath.Join(dir, "out.html"),
		Format:       "html",
		TemplatePath: "/templates/corporate.tmpl",
	}), func(float64, string) {})
	require.NoError(t, err)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "--template /templates/corporate.tmpl")
}

func TestDocumentConverter_FailureSurfacesOutput(t *testing.T) {
	dir := t.TempDir()
	conv := writeScript(t, dir, "converter", `echo "kaboom: unsupported input" >&2
exit 3`)
	d := NewDocumentConverter(conv, discardLogger())

	in := filepath.Join(dir, "report.md")
	require.NoError(t, os.WriteFile(in, []byte("body"), 0o644))

	_, err := d.Process(context.Background(), docReq(&models.DocumentParams{
		InputPath:  in,
		OutputPath: filepath.Join(dir, "out.pdf"),
		Format:     "pdf",
	}), func(float64, string) {})
	require.Error(t, err)
	assert.Equal(t, models.KindTranscodeError, models.KindOf(err))
	assert.Contains(t, err.Error(), "kaboom")
}

func TestDocumentConverter_FormatExtensionMismatch(t *testing.T) {
	dir := t.TempDir()
	conv := writeScript(t, dir, "converter", `cp "$1" "$3"`)
	d := NewDocumentConverter(conv, discardLogger())

	in := filepath.Join(dir, "report.md")
	require.NoError(t, os.WriteFile(in, []byte("body"), 0o644))
	out := filepath.Join(dir, "out.html")

	_, err := d.Process(context.Background(), docReq(&models.DocumentParams{
		InputPath:  in,
		OutputPath: out,
		Format:     "pdf",
	}), func(float64, string) {})
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "converter never ran")
}

func TestDocumentConverter_CancelKillsConverter(t *testing.T) {
	dir := t.TempDir()
	conv := writeScript(t, dir, "converter", `sleep 30`)
	d := NewDocumentConverter(conv, discardLogger())

	in := filepath.Join(dir, "report.md")
	require.NoError(t, os.WriteFile(in, []byte("body"), 0o644))

	req := docReq(&models.DocumentParams{
		InputPath:  in,
		OutputPath: filepath.Join(dir, "out.pdf"),
		Format:     "pdf",
	})

	done := make(chan error, 1)
	go func() {
		_, err := d.Process(context.Background(), req, func(float64, string) {})
		done <- err
	}()

	// Wait until the job is tracked, then cancel through the plugin's own
	// cancel path.
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.jobs) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Cancel(req.JobID))

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop the converter")
	}
}

func TestDocumentConverter_CanHandle(t *testing.T) {
	params := models.JobParams{Document: &models.DocumentParams{Format: "pdf"}}

	unconfigured := NewDocumentConverter("", discardLogger())
	assert.False(t, unconfigured.CanHandle(models.JobTypeDocumentConvert, params),
		"no converter binary means no document jobs")

	d := NewDocumentConverter("/usr/bin/pandoc", discardLogger())
	assert.True(t, d.CanHandle(models.JobTypeDocumentConvert, params))
	assert.False(t, d.CanHandle(models.JobTypeAudioTranscode, params))
	assert.False(t, d.CanHandle(models.JobTypeDocumentConvert, models.JobParams{}))
}

func TestDocumentConverter_Healthy(t *testing.T) {
	assert.False(t, NewDocumentConverter("", discardLogger()).Healthy(context.Background()))
	assert.False(t, NewDocumentConverter("/no/such/converter", discardLogger()).Healthy(context.Background()))
	assert.True(t, NewDocumentConverter("/bin/sh", discardLogger()).Healthy(context.Background()))
}
