// Package httpapi serves the assistant session to the upstream UI over
// HTTP+JSON, with a WebSocket stream per command record.
package httpapi

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/doeshing/sidekick/internal/application/assistant"
	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/infrastructure/metrics"
	"github.com/doeshing/sidekick/internal/ports"
)

const shutdownTimeout = 5 * time.Second

// Options tunes the server. Registry and Metrics are optional.
type Options struct {
	AllowedOrigins []string
	Registry       *prometheus.Registry
	Metrics        *metrics.Metrics
}

// Server owns the fiber app.
type Server struct {
	app     *fiber.App
	session *assistant.Session
	metrics *metrics.Metrics
	logger  ports.Logger
	started time.Time
}

// New builds the app and registers every route.
func New(session *assistant.Session, logger ports.Logger, opts Options) *Server {
	s := &Server{
		session: session,
		metrics: opts.Metrics,
		logger:  logger,
		started: time.Now(),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "sidekick",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		IdleTimeout:           2 * time.Minute,
		ErrorHandler:          s.handleError,
	})

	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins(opts.AllowedOrigins),
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))
	s.app.Use(s.logRequest)

	if opts.Registry != nil {
		prom := fiberprometheus.NewWithRegistry(opts.Registry, "sidekick", "sidekick", "http", nil)
		prom.RegisterAt(s.app, "/metrics")
		s.app.Use(prom.Middleware)
	}

	s.routes()
	return s
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves on addr until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(ln)
	}()
	s.logger.Info("http server listening", map[string]interface{}{"addr": ln.Addr().String()})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.health)

	api := s.app.Group("/api")
	api.Post("/commands", s.submitCommand)
	api.Get("/commands", s.listCommands)
	api.Get("/commands/:id", s.getCommand)
	api.Post("/commands/:id/dispatch", s.dispatchCommand)

	api.Get("/conversation", s.getConversation)
	api.Delete("/conversation", s.clearConversation)
	api.Delete("/conversation/:id", s.deleteMessage)

	api.Get("/actions", s.getActions)
	api.Delete("/actions", s.clearActions)
	api.Delete("/actions/:id", s.deleteAction)

	api.Get("/voice", s.voiceState)
	api.Post("/voice/start", s.startVoice)
	api.Post("/voice/stop", s.stopVoice)

	s.app.Use("/ws", requireUpgrade)
	s.app.Get("/ws/commands/:id", s.streamCommand())
}

func (s *Server) logRequest(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("http request", map[string]interface{}{
		"method":   c.Method(),
		"path":     c.Path(),
		"status":   c.Response().StatusCode(),
		"duration": time.Since(start).String(),
	})
	return err
}

// handleError maps domain sentinels onto status codes.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		code = fiberErr.Code
	case errors.Is(err, domain.ErrInvalidInput):
		code = fiber.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyListening), errors.Is(err, domain.ErrAlreadyStarted):
		code = fiber.StatusConflict
	case errors.Is(err, domain.ErrClosed):
		code = fiber.StatusServiceUnavailable
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", err, map[string]interface{}{"path": c.Path()})
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func allowedOrigins(origins []string) string {
	cleaned := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			cleaned = append(cleaned, origin)
		}
	}
	if len(cleaned) == 0 {
		return "*"
	}
	return strings.Join(cleaned, ",")
}
