package routes

import (
	"net/http"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"

	"github.com/kw-pass/kwpass/internal/account"
)

type accountRequest struct {
	Identifier    string `json:"identifier"`
	Secret        string `json:"secret"`
	ContactNumber string `json:"contact_number"`
}

// RegisterAccountRoutes exposes the stored account. Only the phone accepts
// edits; the watch mirrors whatever the phone pushes.
func RegisterAccountRoutes(r fiber.Router, d Deps, verifyLimiter fiber.Handler) {
	r.Get("/account", func(c *fiber.Ctx) error {
		acct := d.Store.Credential()
		return c.JSON(fiber.Map{
			"identifier":     acct.Identifier,
			"contact_number": acct.ContactNumber,
			"secret_length":  utf8.RuneCountInString(acct.Secret),
			"ready":          acct.Ready(),
			"first_run":      d.Store.FirstRun(),
		})
	})

	if d.Cfg.IsWatch() {
		return
	}

	// Saving only happens after the remote service accepts the account, so a
	// rejected secret never replaces a working one.
	r.Put("/account", verifyLimiter, func(c *fiber.Ctx) error {
		var req accountRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid payload")
		}
		acct := account.Credential{
			Identifier:    req.Identifier,
			Secret:        req.Secret,
			ContactNumber: req.ContactNumber,
		}
		if err := acct.Validate(); err != nil {
			return respondError(c, err)
		}

		ctx := c.UserContext()
		obtain := d.Resolver.Obtain
		if acct != d.Store.Credential() {
			// A token issued for the stored account must not vouch for the
			// edited one. The full login replaces it only once it succeeds.
			obtain = d.Resolver.ObtainFresh
		}

		cred, err := obtain(ctx, acct)
		if err != nil {
			return respondError(c, err)
		}
		if err := d.Store.SaveCredential(ctx, acct.Identifier, acct.Secret, acct.ContactNumber); err != nil {
			return err
		}
		if err := d.Store.MarkSetupComplete(ctx); err != nil {
			return err
		}
		d.Refresher.Accept(cred)

		d.Logger.Info("account verified and saved", "identifier", acct.Identifier)
		return c.Status(http.StatusOK).JSON(credentialView(cred, nil))
	})
}
