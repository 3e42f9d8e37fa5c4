// Package rest provides the HTTP control surface of a coordinator: status,
// command submission, processing control and a live event stream.
package rest

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/AlexDorobantiu/CIPP-sub000/internal/config"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/master"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/metrics"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/plugin"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// Backend is the coordinator as seen by the API.
type Backend interface {
	State() master.State
	Submit(commands ...*types.Command)
	StartProcessing() error
	Processing() bool
	AbortAll() error
	Workers() []*types.WorkerInfo
	Snapshot() master.ManagerSnapshot
	Latency() []metrics.LatencySnapshot
	Catalog() plugin.Catalog
	AddObserver(o types.Observer)
	RemoveObserver(o types.Observer)
}

var _ Backend = (*master.Coordinator)(nil)

// Server represents the REST API server.
type Server struct {
	app     *fiber.App
	backend Backend
	events  *EventHub
	config  *config.ServerConfig
	logger  *zap.Logger
}

// NewServer creates the server and subscribes its event hub to the backend.
func NewServer(backend Backend, cfg *config.ServerConfig, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = &config.DefaultConfig().Server
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          customErrorHandler,
		AppName:               "CIPP Engine API",
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:     app,
		backend: backend,
		events:  NewEventHub(defaultRecentEvents),
		config:  cfg,
		logger:  logger,
	}
	backend.AddObserver(s.events)

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
		Output:     zap.NewStdLog(s.logger.Named("http")).Writer(),
	}))

	if s.config.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,POST,OPTIONS",
			AllowHeaders: "Origin,Content-Type,Accept",
			MaxAge:       86400,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)
	s.app.Get("/ready", s.readyCheck)

	api := s.app.Group("/api/v1")
	api.Get("/health", s.healthCheck)
	api.Get("/ready", s.readyCheck)

	api.Get("/status", s.getStatus)
	api.Get("/workers", s.listWorkers)
	api.Get("/plugins", s.listPlugins)

	api.Post("/commands", s.submitCommands)
	api.Post("/processing/start", s.startProcessing)
	api.Post("/processing/abort", s.abortProcessing)

	api.Get("/events", s.recentEvents)
	s.setupWebSocketRoutes(api)
}

// Events returns the hub fed by the backend.
func (s *Server) Events() *EventHub {
	return s.events
}

// StartWithContext serves until ctx is done, then shuts down.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("REST API listening", zap.String("address", s.config.Address))
		errCh <- s.app.Listen(s.config.Address)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown detaches the event hub and stops the server.
func (s *Server) Shutdown() error {
	s.Close()
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

// Close detaches the event hub from the backend and ends every event stream.
func (s *Server) Close() {
	s.backend.RemoveObserver(s.events)
	s.events.Close()
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
