package http

import (
	"context"

	"remindsync/core/domain"
	"remindsync/pkg/apperr"
	"remindsync/pkg/logger"
	"remindsync/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// IntegrationService is the connection lifecycle the handler drives.
type IntegrationService interface {
	AuthURL(ctx context.Context, userID string) (string, error)
	Connect(ctx context.Context, state, code string) (*domain.UserIntegration, error)
	Disconnect(ctx context.Context, userID string) error
	Get(ctx context.Context, userID string) (*domain.UserIntegration, error)
	SetSyncEnabled(ctx context.Context, userID string, enabled bool) error
	UpdatePreferences(ctx context.Context, userID string, prefs domain.IntegrationPreferences) (*domain.UserIntegration, error)
}

type IntegrationHandler struct {
	integrations IntegrationService
}

func NewIntegrationHandler(integrations IntegrationService) *IntegrationHandler {
	return &IntegrationHandler{integrations: integrations}
}

// Register mounts the user-scoped routes under api.
func (h *IntegrationHandler) Register(api fiber.Router) {
	integ := api.Group("/integrations/:userId")
	integ.Get("/", h.Get)
	integ.Get("/connect-url", h.ConnectURL)
	integ.Post("/disconnect", h.Disconnect)
	integ.Put("/sync", h.SetSyncEnabled)
	integ.Put("/preferences", h.UpdatePreferences)
}

// RegisterCallback mounts the provider redirect, which carries no bearer token.
func (h *IntegrationHandler) RegisterCallback(app fiber.Router) {
	app.Get("/oauth/callback", h.Callback)
}

func (h *IntegrationHandler) Get(c *fiber.Ctx) error {
	integ, err := h.integrations.Get(c.UserContext(), c.Params("userId"))
	if err != nil {
		return err
	}
	return response.OK(c, integ)
}

func (h *IntegrationHandler) ConnectURL(c *fiber.Ctx) error {
	url, err := h.integrations.AuthURL(c.UserContext(), c.Params("userId"))
	if err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"url": url})
}

// Callback finishes the consent flow started by ConnectURL.
func (h *IntegrationHandler) Callback(c *fiber.Ctx) error {
	if reason := c.Query("error"); reason != "" {
		logger.WithContext(c.UserContext()).Warn("[IntegrationHandler.Callback] consent denied: %s", reason)
		return apperr.New(apperr.CodeOAuthFailed, "calendar access was not granted", fiber.StatusBadRequest).
			WithDetail("reason", reason)
	}
	state, code := c.Query("state"), c.Query("code")
	if state == "" {
		return apperr.MissingField("state")
	}
	if code == "" {
		return apperr.MissingField("code")
	}

	integ, err := h.integrations.Connect(c.UserContext(), state, code)
	if err != nil {
		return err
	}
	return response.OK(c, fiber.Map{
		"user_id":               integ.UserID,
		"connected":             integ.Connected,
		"calendar_sync_enabled": integ.CalendarSyncEnabled,
		"calendar_id":           integ.EffectiveCalendarID(),
	})
}

func (h *IntegrationHandler) Disconnect(c *fiber.Ctx) error {
	if err := h.integrations.Disconnect(c.UserContext(), c.Params("userId")); err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"connected": false})
}

type setSyncRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *IntegrationHandler) SetSyncEnabled(c *fiber.Ctx) error {
	var req setSyncRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if req.Enabled == nil {
		return apperr.MissingField("enabled")
	}
	if err := h.integrations.SetSyncEnabled(c.UserContext(), c.Params("userId"), *req.Enabled); err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"calendar_sync_enabled": *req.Enabled})
}

func (h *IntegrationHandler) UpdatePreferences(c *fiber.Ctx) error {
	var prefs domain.IntegrationPreferences
	if err := c.BodyParser(&prefs); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	integ, err := h.integrations.UpdatePreferences(c.UserContext(), c.Params("userId"), prefs)
	if err != nil {
		return err
	}
	return response.OK(c, integ)
}
