package admin

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hashicorp/go-hclog"

	"routeflow/internal/domain"
	"routeflow/internal/logging"
)

// Service is the routing job as seen by operators.
type Service interface {
	RunOnce(ctx context.Context, force bool) (int, error)
	PendingGaps(ctx context.Context) ([]domain.DataGap, error)
	UnroutedCount(ctx context.Context) (int64, error)
	FlushCaches()
}

type Options struct {
	Logger hclog.Logger
	// Health reports whether backing stores are reachable.
	Health func(ctx context.Context) error
}

type gapJSON struct {
	StartID    int64     `json:"start_id"`
	EndID      int64     `json:"end_id"`
	CreateTime time.Time `json:"create_time"`
}

type Server struct {
	app    *fiber.App
	svc    Service
	opts   Options
	logger hclog.Logger
}

func New(svc Service, opts Options) *Server {
	s := &Server{
		app:    fiber.New(fiber.Config{DisableStartupMessage: true}),
		svc:    svc,
		opts:   opts,
		logger: logging.OrNull(opts.Logger).Named("admin"),
	}
	s.app.Use(s.logRequests)
	s.app.Post("/route", s.route)
	s.app.Get("/gaps", s.gaps)
	s.app.Get("/unrouted", s.unrouted)
	s.app.Post("/caches/flush", s.flushCaches)
	s.app.Get("/healthz", s.healthz)
	return s
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.logger.Info("listening", "address", addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error { return s.app.Shutdown() }

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("request", "method", c.Method(), "path", c.Path(), "status", c.Response().StatusCode(), "elapsed", time.Since(start))
	return err
}

func (s *Server) route(c *fiber.Ctx) error {
	force := c.QueryBool("force", false)
	n, err := s.svc.RunOnce(c.UserContext(), force)
	if err != nil {
		s.logger.Error("routing run failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":  err.Error(),
			"routed": n,
		})
	}
	return c.JSON(fiber.Map{"routed": n})
}

func (s *Server) gaps(c *fiber.Ctx) error {
	gaps, err := s.svc.PendingGaps(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	out := make([]gapJSON, 0, len(gaps))
	for _, g := range gaps {
		out = append(out, gapJSON{StartID: g.StartID, EndID: g.EndID, CreateTime: g.CreateTime.UTC()})
	}
	return c.JSON(fiber.Map{"gaps": out})
}

func (s *Server) unrouted(c *fiber.Ctx) error {
	n, err := s.svc.UnroutedCount(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"count": n})
}

func (s *Server) flushCaches(c *fiber.Ctx) error {
	s.svc.FlushCaches()
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) healthz(c *fiber.Ctx) error {
	now := time.Now().Unix()
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := s.opts.Health(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"ok": false, "now": now, "error": err.Error()})
		}
	}
	return c.JSON(fiber.Map{"ok": true, "now": now})
}
