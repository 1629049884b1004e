package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// DryRunNotifier logs alerts without sending notifications.
type DryRunNotifier struct {
	logger zerolog.Logger
	inner  Notifier
}

// NewDryRunNotifier returns a notifier that suppresses delivery and logs instead.
func NewDryRunNotifier(logger zerolog.Logger, inner Notifier) *DryRunNotifier {
	return &DryRunNotifier{logger: logger, inner: inner}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, space string, events []Event) error {
	for _, event := range events {
		n.logger.Info().
			Str("space", space).
			Str("kind", string(event.Kind)).
			Str("from_state", string(event.FromState)).
			Str("to_state", string(event.ToState)).
			Str("detail", event.Detail).
			Msg("[DRY-RUN] Would notify")
	}
	return nil
}
