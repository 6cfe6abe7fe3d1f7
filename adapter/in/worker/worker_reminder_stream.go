package worker

import (
	"context"
	"fmt"

	"remindsync/core/domain"
	"remindsync/core/port/in"
	"remindsync/pkg/logger"

	"github.com/goccy/go-json"
)

// ReminderStreamHandler turns reminders:sync stream entries into sync calls.
type ReminderStreamHandler struct {
	sync in.ReminderSyncUseCase
}

// NewReminderStreamHandler creates a new stream handler.
func NewReminderStreamHandler(sync in.ReminderSyncUseCase) *ReminderStreamHandler {
	return &ReminderStreamHandler{sync: sync}
}

// Handle decodes one SyncRequest and runs it. Malformed entries are dropped;
// only a storage outage is returned so the entry stays pending and is
// redelivered. Provider failures are already on the record and belong to
// the retry queue.
func (h *ReminderStreamHandler) Handle(ctx context.Context, stream string, data []byte) error {
	var req domain.SyncRequest
	if err := json.Unmarshal(data, &req); err != nil {
		logger.WithError(err).Warn("[ReminderStreamHandler.Handle] dropping malformed entry on %s", stream)
		return nil
	}
	if req.Reminder == nil {
		logger.Warn("[ReminderStreamHandler.Handle] dropping entry without reminder on %s", stream)
		return nil
	}

	res := h.sync.SyncReminder(ctx, req)
	log := logger.WithContext(logger.WithCorrelationID(ctx, res.CorrelationID))

	if res.StoreUnavailable() {
		return fmt.Errorf("sync %s: %s", res.MessageID, res.Error)
	}
	log.Debug("[ReminderStreamHandler.Handle] %s -> %s", res.MessageID, res.Status)
	return nil
}
