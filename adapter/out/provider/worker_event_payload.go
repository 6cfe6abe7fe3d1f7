package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"remindsync/core/port/out"

	"google.golang.org/api/calendar/v3"
)

// syncKeyProperty tags every event we create. The value is an HMAC of the
// messageId so it cannot be guessed or forged from the reminder alone.
const syncKeyProperty = "remindsyncKey"

const reminderMethodPopup = "popup"

// IdempotencyKey derives the provider-side marker for messageID.
func IdempotencyKey(secret []byte, messageID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(messageID))
	return hex.EncodeToString(mac.Sum(nil))
}

// toGoogleEvent builds the provider payload for a reminder.
func toGoogleEvent(p *out.EventPayload, key string) *calendar.Event {
	ev := &calendar.Event{
		Summary:     p.Summary,
		Description: p.Description,
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{syncKeyProperty: key},
		},
	}

	t := p.Timing
	if t.AllDay {
		// date-only fields, exclusive end: one local calendar day
		ev.Start = &calendar.EventDateTime{Date: t.StartDate}
		ev.End = &calendar.EventDateTime{Date: t.EndDate}
	} else {
		tz := t.TimeZone
		if tz == "" {
			tz = "UTC"
		}
		ev.Start = &calendar.EventDateTime{
			DateTime: t.Start.Format(time.RFC3339),
			TimeZone: tz,
		}
		ev.End = &calendar.EventDateTime{
			DateTime: t.End.Format(time.RFC3339),
			TimeZone: tz,
		}
	}

	if len(p.ReminderOffsets) > 0 {
		overrides := make([]*calendar.EventReminder, 0, len(p.ReminderOffsets))
		for _, minutes := range p.ReminderOffsets {
			if minutes < 0 {
				continue
			}
			overrides = append(overrides, &calendar.EventReminder{
				Method:          reminderMethodPopup,
				Minutes:         int64(minutes),
				ForceSendFields: []string{"Minutes"},
			})
		}
		ev.Reminders = &calendar.EventReminders{
			UseDefault:      false,
			Overrides:       overrides,
			ForceSendFields: []string{"UseDefault"},
		}
	} else {
		ev.Reminders = &calendar.EventReminders{UseDefault: true}
	}

	return ev
}

// convertEvent maps a provider event to the port type.
func convertEvent(e *calendar.Event, calendarID string) *out.ProviderEvent {
	pe := &out.ProviderEvent{
		ID:         e.Id,
		CalendarID: calendarID,
		Status:     e.Status,
		HTMLLink:   e.HtmlLink,
	}
	if e.Updated != "" {
		if t, err := time.Parse(time.RFC3339, e.Updated); err == nil {
			pe.Updated = t
		}
	}
	return pe
}
