package routes

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/kw-pass/kwpass/internal/notification"
	"github.com/kw-pass/kwpass/internal/peersync"
)

// RegisterPeerRoutes adds the watch's explicit resend request.
func RegisterPeerRoutes(r fiber.Router, d Deps) {
	if !d.Cfg.IsWatch() {
		return
	}
	r.Post("/peer/refresh", func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		if err := d.Peer.RequestPeerRefresh(ctx); err != nil {
			if errors.Is(err, peersync.ErrNoPeer) {
				_ = d.Notices.Send(ctx, notification.Message{Kind: notification.KindHapticError, Body: "no_peer"})
			}
			return respondError(c, err)
		}
		return c.Status(http.StatusAccepted).JSON(fiber.Map{"status": "requested"})
	})
}

// RegisterNoticeRoutes exposes recent notifications so a UI can replay them.
func RegisterNoticeRoutes(r fiber.Router, d Deps) {
	r.Get("/notices", func(c *fiber.Ctx) error {
		recent := d.Notices.Recent()
		out := make([]fiber.Map, 0, len(recent))
		for _, m := range recent {
			out = append(out, fiber.Map{"kind": m.Kind, "body": m.Body})
		}
		return c.JSON(fiber.Map{"notices": out})
	})
}
