// Package notify delivers audit events to the notification collaborator.
// Delivery is fire-and-forget; failures are the collaborator's concern and
// are never retried by the core.
package notify

import (
	"context"

	"github.com/ClearClose-Network/escrow_layer/pkg/logger"
)

// Notifier receives (event_type, transaction_id, payload) after each audit
// append.
type Notifier interface {
	Notify(ctx context.Context, eventType, transactionID string, payload []byte) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, eventType, transactionID string, payload []byte) error

func (f Func) Notify(ctx context.Context, eventType, transactionID string, payload []byte) error {
	return f(ctx, eventType, transactionID, payload)
}

// LogNotifier writes notifications to the log. Used when no delivery
// collaborator is configured.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier builds a log-backed notifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, eventType, transactionID string, _ []byte) error {
	n.log.WithField("event_type", eventType).
		WithField("transaction_id", transactionID).
		Debug("notification dispatched")
	return nil
}
