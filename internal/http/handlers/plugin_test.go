package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/plugin"
)

type stubPlugin struct {
	id string
}

func (p *stubPlugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:         p.id,
		Name:       p.id,
		Version:    "1.0.0",
		APIVersion: plugin.APIVersion,
		JobTypes:   []models.JobType{models.JobTypeCustom},
	}
}

func (p *stubPlugin) Initialize(context.Context, string) error { return nil }
func (p *stubPlugin) Shutdown(context.Context) error           { return nil }
func (p *stubPlugin) Healthy(context.Context) bool             { return true }

func (p *stubPlugin) CanHandle(t models.JobType, _ models.JobParams) bool {
	return t == models.JobTypeCustom
}

func (p *stubPlugin) Process(context.Context, plugin.Request, plugin.ProgressFunc) (plugin.Result, error) {
	return plugin.Result{}, nil
}

func (p *stubPlugin) Cancel(models.ULID) error { return nil }

func pluginAPI(t *testing.T) humatest.TestAPI {
	t.Helper()
	registry := plugin.NewRegistry(discard())
	require.NoError(t, registry.Register(context.Background(), &stubPlugin{id: "stub"}))

	_, api := humatest.New(t)
	NewPluginHandler(registry).Register(api)
	return api
}

func TestListPlugins(t *testing.T) {
	api := pluginAPI(t)

	resp := api.Get("/plugins")
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Plugins []plugin.Status `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Plugins, 1)
	assert.Equal(t, "stub", body.Plugins[0].Descriptor.ID)
	assert.True(t, body.Plugins[0].Healthy)
}

func TestReloadUnknownPluginIs404(t *testing.T) {
	api := pluginAPI(t)

	resp := api.Post("/plugins/missing/reload")
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Contains(t, resp.Body.String(), "not_found")
}

func TestHealthWithoutSource(t *testing.T) {
	_, api := humatest.New(t)
	NewHealthHandler(nil).Register(api)

	resp := api.Get("/health")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "healthy")
}
