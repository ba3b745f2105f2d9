package routes

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// RegisterDisplayRoutes lets the UI report whether the credential is on screen.
func RegisterDisplayRoutes(r fiber.Router, d Deps) {
	r.Get("/display", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"visible": d.Refresher.Visible()})
	})

	r.Put("/display", func(c *fiber.Ctx) error {
		var req struct {
			Visible *bool `json:"visible"`
		}
		if err := c.BodyParser(&req); err != nil || req.Visible == nil {
			return fiber.NewError(http.StatusBadRequest, "visible is required")
		}
		d.Refresher.SetVisible(*req.Visible)
		return c.JSON(fiber.Map{"visible": *req.Visible})
	})
}
