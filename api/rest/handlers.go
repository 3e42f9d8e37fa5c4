package rest

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/AlexDorobantiu/CIPP-sub000/internal/input"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/master"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/plugin"
)

// pluginLister is implemented by catalogs that can enumerate their plugins.
type pluginLister interface {
	List() []*plugin.Plugin
}

// healthCheck handles GET /health
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// readyCheck handles GET /ready
func (s *Server) readyCheck(c *fiber.Ctx) error {
	ready := s.backend.State() == master.StateRunning
	status := "ready"
	if !ready {
		status = "not_ready"
		c.Status(fiber.StatusServiceUnavailable)
	}

	return c.JSON(ReadyResponse{
		Ready:     ready,
		Status:    status,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// getStatus handles GET /api/v1/status
func (s *Server) getStatus(c *fiber.Ctx) error {
	return c.JSON(StatusResponse{
		State:      s.backend.State(),
		Processing: s.backend.Processing(),
		Scheduler:  s.backend.Snapshot(),
		Workers:    len(s.backend.Workers()),
		Latency:    s.backend.Latency(),
	})
}

// listWorkers handles GET /api/v1/workers
func (s *Server) listWorkers(c *fiber.Ctx) error {
	workers := s.backend.Workers()
	return c.JSON(WorkersResponse{Workers: workers, Total: len(workers)})
}

// listPlugins handles GET /api/v1/plugins
func (s *Server) listPlugins(c *fiber.Ctx) error {
	lister, ok := s.backend.Catalog().(pluginLister)
	if !ok {
		return fiber.NewError(fiber.StatusNotImplemented, "plugin catalog cannot be listed")
	}

	plugins := lister.List()
	out := make([]PluginResponse, len(plugins))
	for i, p := range plugins {
		out[i] = PluginResponse{
			Name:        p.Name,
			Kind:        p.Kind.String(),
			Description: p.Description,
			Splittable:  !p.DependencyFor(nil).IsUnsplittable(),
		}
	}
	return c.JSON(out)
}

// submitCommands handles POST /api/v1/commands. With ?start=true processing
// is started after the commands were enqueued.
func (s *Server) submitCommands(c *fiber.Ctx) error {
	var req input.Request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to parse request body: " + err.Error(),
		})
	}

	commands, err := input.Build(s.backend.Catalog(), &req)
	if err != nil {
		status := fiber.StatusBadRequest
		if errors.Is(err, plugin.ErrPluginNotFound) {
			status = fiber.StatusNotFound
		}
		return c.Status(status).JSON(ErrorResponse{
			Error:   "invalid_command",
			Message: err.Error(),
		})
	}

	s.backend.Submit(commands...)
	s.logger.Info("commands submitted",
		zap.String("plugin", req.Plugin), zap.Int("count", len(commands)))

	if c.QueryBool("start") {
		if err := s.backend.StartProcessing(); err != nil {
			return processingError(c, err)
		}
	}

	resp := SubmitResponse{
		Commands:   make([]CommandResponse, len(commands)),
		Processing: s.backend.Processing(),
	}
	for i, cmd := range commands {
		resp.Commands[i] = toCommandResponse(cmd)
	}
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

// startProcessing handles POST /api/v1/processing/start
func (s *Server) startProcessing(c *fiber.Ctx) error {
	if err := s.backend.StartProcessing(); err != nil {
		return processingError(c, err)
	}
	return c.JSON(SuccessResponse{Success: true, Message: "processing started"})
}

// abortProcessing handles POST /api/v1/processing/abort
func (s *Server) abortProcessing(c *fiber.Ctx) error {
	if err := s.backend.AbortAll(); err != nil {
		s.logger.Warn("abort did not reach every worker", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "abort_incomplete",
			Message: err.Error(),
		})
	}
	return c.JSON(SuccessResponse{Success: true, Message: "all work aborted"})
}

// recentEvents handles GET /api/v1/events
func (s *Server) recentEvents(c *fiber.Ctx) error {
	return c.JSON(EventsResponse{Events: s.events.Recent()})
}

func processingError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	if errors.Is(err, master.ErrNotRunning) {
		status = fiber.StatusConflict
	}
	return c.Status(status).JSON(ErrorResponse{
		Error:   "processing_failed",
		Message: err.Error(),
	})
}
