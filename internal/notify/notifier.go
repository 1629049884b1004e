package notify

import (
	"context"
	"time"

	"github.com/quorum-ai/quorum-agent/internal/lifecycle"
)

// EventKind identifies why an alert is being raised.
type EventKind string

const (
	// KindErrorState fires when the agent enters its error state.
	KindErrorState EventKind = "error-state"
	// KindFastTransitions fires when the agent cycles through states
	// abnormally quickly.
	KindFastTransitions EventKind = "fast-transitions"
	// KindRecovered fires when the agent leaves the error state.
	KindRecovered EventKind = "recovered"
)

// Event is a single alert about the agent's lifecycle in a governance space.
type Event struct {
	Space     string          `json:"space"`
	Kind      EventKind       `json:"kind"`
	FromState lifecycle.State `json:"from_state"`
	ToState   lifecycle.State `json:"to_state"`
	Occurred  time.Time       `json:"occurred"`
	Detail    string          `json:"detail,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Notifier delivers lifecycle alerts to external systems.
type Notifier interface {
	Notify(ctx context.Context, space string, events []Event) error
}

// eventKinds returns the distinct kinds in events, in first-seen order.
func eventKinds(events []Event) []EventKind {
	var kinds []EventKind
	seen := make(map[EventKind]bool, len(events))
	for _, event := range events {
		if seen[event.Kind] {
			continue
		}
		seen[event.Kind] = true
		kinds = append(kinds, event.Kind)
	}
	return kinds
}
