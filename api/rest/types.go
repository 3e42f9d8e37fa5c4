package rest

import (
	"github.com/AlexDorobantiu/CIPP-sub000/internal/master"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/metrics"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SuccessResponse represents a generic success response.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadyResponse represents a readiness check response.
type ReadyResponse struct {
	Ready     bool   `json:"ready"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is the coordinator overview.
type StatusResponse struct {
	State      master.State              `json:"state"`
	Processing bool                      `json:"processing"`
	Scheduler  master.ManagerSnapshot    `json:"scheduler"`
	Workers    int                       `json:"workers"`
	Latency    []metrics.LatencySnapshot `json:"latency"`
}

// WorkersResponse lists the connected remote workers.
type WorkersResponse struct {
	Workers []*types.WorkerInfo `json:"workers"`
	Total   int                 `json:"total"`
}

// PluginResponse describes one plugin.
type PluginResponse struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	Splittable  bool   `json:"splittable"`
}

// CommandResponse describes a submitted command.
type CommandResponse struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Plugin string `json:"plugin"`
	Source string `json:"source,omitempty"`
	Frames int    `json:"frames"`
}

// SubmitResponse is returned after commands were enqueued.
type SubmitResponse struct {
	Commands   []CommandResponse `json:"commands"`
	Processing bool              `json:"processing"`
}

// EventsResponse holds the most recent events, oldest first.
type EventsResponse struct {
	Events []Event `json:"events"`
}

func toCommandResponse(c *types.Command) CommandResponse {
	return CommandResponse{
		ID:     c.ID,
		Kind:   c.Kind.String(),
		Plugin: c.PluginName,
		Source: c.Source,
		Frames: len(c.Images),
	}
}
