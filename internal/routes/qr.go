package routes

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kw-pass/kwpass/internal/resolver"
)

// RegisterQRRoutes serves the current credential.
func RegisterQRRoutes(r fiber.Router, d Deps) {
	r.Get("/qr", func(c *fiber.Ctx) error {
		snap := d.Refresher.Current()
		if !snap.Ready() {
			if snap.Err != nil {
				return respondError(c, snap.Err)
			}
			return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "no credential yet", "kind": "pending"})
		}

		if c.Query("format") == "png" {
			img, err := snap.Credential.Raster.PNG()
			if err != nil {
				return err
			}
			c.Set(fiber.HeaderContentType, "image/png")
			c.Set(fiber.HeaderCacheControl, "no-store")
			return c.Status(http.StatusOK).Send(img)
		}
		return c.JSON(credentialView(snap.Credential, snap.Err))
	})

	r.Post("/qr/refresh", func(c *fiber.Ctx) error {
		cred, err := d.Refresher.RefreshNow(c.UserContext())
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(credentialView(cred, nil))
	})
}

// credentialView describes a credential. lastErr is set when the most recent
// refresh failed and the payload shown is the previous one.
func credentialView(cred resolver.Credential, lastErr error) fiber.Map {
	view := fiber.Map{
		"payload":   cred.Payload,
		"issued_at": cred.IssuedAt.UTC().Format(time.RFC3339),
		"stale":     lastErr != nil,
	}
	if cred.Raster != nil {
		view["width"] = cred.Raster.Width
		view["height"] = cred.Raster.Height
	}
	if lastErr != nil {
		view["last_error"] = resolver.Kind(lastErr)
	}
	return view
}
