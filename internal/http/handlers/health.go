package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
)

// HealthSource produces the aggregate health snapshot served at /health.
// The daemon implements it; tests can plug in a stub.
type HealthSource interface {
	Health(ctx context.Context) map[string]any
}

// HealthHandler serves the aggregate health snapshot.
type HealthHandler struct {
	source HealthSource
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(source HealthSource) *HealthHandler {
	return &HealthHandler{source: source}
}

// Register registers the health route with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the aggregate health of the daemon and its subsystems",
		Tags:        []string{"System"},
	}, h.Get)
}

// HealthOutput is the health snapshot.
type HealthOutput struct {
	Body map[string]any
}

// Get returns the health snapshot.
func (h *HealthHandler) Get(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	if h.source == nil {
		return &HealthOutput{Body: map[string]any{"status": "healthy"}}, nil
	}
	return &HealthOutput{Body: h.source.Health(ctx)}, nil
}
