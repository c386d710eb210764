package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/castdio/castd/internal/plugin"
)

// PluginHandler exposes the plugin registry over the API.
type PluginHandler struct {
	registry *plugin.Registry
}

// NewPluginHandler creates a plugin handler.
func NewPluginHandler(registry *plugin.Registry) *PluginHandler {
	return &PluginHandler{registry: registry}
}

// Register registers the plugin routes with the API.
func (h *PluginHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listPlugins",
		Method:      "GET",
		Path:        "/plugins",
		Summary:     "List plugins",
		Description: "Returns every registered plugin with its health",
		Tags:        []string{"Plugins"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "reloadPlugin",
		Method:      "POST",
		Path:        "/plugins/{id}/reload",
		Summary:     "Reload plugin",
		Description: "Loads a fresh instance and swaps it in; in-flight work finishes on the old instance",
		Tags:        []string{"Plugins"},
	}, h.Reload)
}

// ListPluginsOutput is the plugin status list.
type ListPluginsOutput struct {
	Body struct {
		Plugins []plugin.Status `json:"plugins"`
	}
}

// List returns every plugin's status in registry order.
func (h *PluginHandler) List(ctx context.Context, _ *struct{}) (*ListPluginsOutput, error) {
	resp := &ListPluginsOutput{}
	resp.Body.Plugins = h.registry.List()
	return resp, nil
}

// PluginIDInput addresses one plugin.
type PluginIDInput struct {
	ID string `path:"id" doc:"Plugin ID"`
}

// ReloadOutput is the descriptor of the freshly loaded instance.
type ReloadOutput struct {
	Body plugin.Descriptor
}

// Reload swaps in a fresh plugin instance. On failure the old instance
// stays active and the error is returned.
func (h *PluginHandler) Reload(ctx context.Context, input *PluginIDInput) (*ReloadOutput, error) {
	desc, err := h.registry.Reload(ctx, input.ID)
	if err != nil {
		return nil, Err(err)
	}
	return &ReloadOutput{Body: desc}, nil
}
