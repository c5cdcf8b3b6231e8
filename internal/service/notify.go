package service

import (
	"context"
	"log/slog"
	"time"

	"digital-fulfillment/internal/model"
)

type Notifier interface {
	Publish(ctx context.Context, n model.Notification) error
}

// dispatcher publishes after commit. Failures are logged and never surface
// to the pipeline.
type dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger
}

func newDispatcher(notifier Notifier, timeout time.Duration, logger *slog.Logger) *dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &dispatcher{notifier: notifier, timeout: timeout, logger: logger}
}

func (d *dispatcher) send(ctx context.Context, notifications ...model.Notification) {
	if d == nil || d.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	for _, n := range notifications {
		if n.OccurredAt.IsZero() {
			n.OccurredAt = time.Now().UTC()
		}
		if err := d.notifier.Publish(ctx, n); err != nil {
			d.logger.WarnContext(ctx, "publish notification failed",
				"type", n.Type,
				"order_code", n.OrderCode,
				"error", err,
			)
		}
	}
}

func grantIDs(grants []*model.AccessGrant) []string {
	ids := make([]string, 0, len(grants))
	for _, g := range grants {
		ids = append(ids, g.ID)
	}
	return ids
}
