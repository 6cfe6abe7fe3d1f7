package http

import (
	"remindsync/core/domain"
	"remindsync/core/port/in"
	"remindsync/core/port/out"
	"remindsync/infra/middleware"
	"remindsync/pkg/apperr"
	"remindsync/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// ReminderHandler exposes the sync entry point to the chat layer.
type ReminderHandler struct {
	sync    in.ReminderSyncUseCase
	records out.SyncRecordRepository
}

func NewReminderHandler(sync in.ReminderSyncUseCase, records out.SyncRecordRepository) *ReminderHandler {
	return &ReminderHandler{sync: sync, records: records}
}

func (h *ReminderHandler) Register(app fiber.Router) {
	app.Post("/reminders/sync", h.SyncReminder)
	app.Get("/integrations/:userId/records/:messageId", h.GetRecord)
}

// SyncReminder runs one sync. Expected failures are reported in the body
// with 200; only a store outage maps to 503 so the caller may resend.
func (h *ReminderHandler) SyncReminder(c *fiber.Ctx) error {
	var req domain.SyncRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if req.Reminder == nil {
		return apperr.MissingField("reminder")
	}
	if req.UserID == "" {
		return apperr.MissingField("user_id")
	}
	if req.CorrelationID == "" {
		req.CorrelationID = middleware.CorrelationID(c)
	}

	res := h.sync.SyncReminder(c.UserContext(), req)
	c.Set(middleware.HeaderCorrelationID, res.CorrelationID)

	if res.StoreUnavailable() {
		return response.Error(c, fiber.StatusServiceUnavailable, apperr.CodeDatabaseError, res.Error, res)
	}
	return response.Result(c, res.Status != domain.SyncResultFailed, res)
}

// GetRecord returns the sync record of messageId if it belongs to userId.
func (h *ReminderHandler) GetRecord(c *fiber.Ctx) error {
	userID, messageID := c.Params("userId"), c.Params("messageId")

	rec, err := h.records.GetByMessageID(c.UserContext(), messageID)
	if err != nil {
		return apperr.DatabaseError("get sync record", err)
	}
	if rec == nil || rec.UserID != userID {
		return apperr.NotFound("sync record")
	}
	return response.OK(c, rec)
}
