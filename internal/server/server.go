package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kw-pass/kwpass/internal/routes"
)

// Server wraps the Fiber application serving the local control surface.
type Server struct {
	app  *fiber.App
	addr string
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
// Write timeout covers a full three-step resolution against a slow service.
func New(d routes.Deps) *Server {
	app := fiber.New(fiber.Config{
		AppName:               d.Cfg.AppName,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          d.Cfg.RemoteTimeout*3 + 5*time.Second,
		ErrorHandler:          routes.ErrorHandler,
		DisableStartupMessage: true,
	})
	routes.Setup(app, d)
	return &Server{app: app, addr: d.Cfg.Address()}
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
