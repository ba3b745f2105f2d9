// Package routes wires the local HTTP control surface.
package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/kw-pass/kwpass/internal/account"
	"github.com/kw-pass/kwpass/internal/config"
	"github.com/kw-pass/kwpass/internal/credential"
	"github.com/kw-pass/kwpass/internal/middleware"
	"github.com/kw-pass/kwpass/internal/notification"
	"github.com/kw-pass/kwpass/internal/peersync"
	"github.com/kw-pass/kwpass/internal/refresher"
	"github.com/kw-pass/kwpass/internal/resolver"
)

// Obtainer verifies an account against the remote service and returns its
// credential. ObtainFresh ignores any cached session token.
type Obtainer interface {
	Obtain(ctx context.Context, acct account.Credential) (resolver.Credential, error)
	ObtainFresh(ctx context.Context, acct account.Credential) (resolver.Credential, error)
}

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg       config.Config
	Store     *credential.Store
	Resolver  Obtainer
	Refresher *refresher.Refresher
	Peer      *peersync.Channel
	Notices   *notification.Recorder
	Cache     *redis.Client
	Logger    *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"role":       d.Cfg.Role,
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterAccountRoutes(api, d, middleware.VerifyRateLimit(d.Cache, d.Cfg.VerifyAttemptsPerMinute, d.Logger))
	RegisterQRRoutes(api, d)
	RegisterDisplayRoutes(api, d)
	RegisterPeerRoutes(api, d)
	RegisterNoticeRoutes(api, d)
}

// ErrorHandler renders every failure as JSON. Taxonomy errors that reach it
// unmapped fall back to their kind.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	return respondError(c, err)
}

// respondError maps domain errors onto HTTP statuses.
func respondError(c *fiber.Ctx, err error) error {
	var verr *account.ValidationError
	if errors.As(err, &verr) {
		return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":  "invalid account",
			"kind":   "validation",
			"fields": verr.Fields,
		})
	}

	status := http.StatusInternalServerError
	kind := resolver.Kind(err)
	switch {
	case errors.Is(err, peersync.ErrNoPeer):
		status, kind = http.StatusConflict, "no_peer"
	case errors.Is(err, resolver.ErrSuperseded):
		status = http.StatusConflict
	case errors.Is(err, resolver.ErrAccount):
		status = http.StatusUnauthorized
	case errors.Is(err, resolver.ErrServer):
		status = http.StatusBadGateway
	case errors.Is(err, resolver.ErrNetwork):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status, kind = http.StatusGatewayTimeout, "timeout"
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error(), "kind": kind})
}
