package out

import (
	"context"

	"remindsync/core/domain"
)

// AlertSink forwards fired and resolved alerts to operators.
type AlertSink interface {
	PublishAlert(ctx context.Context, alert *domain.Alert) error
}
