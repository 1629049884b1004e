package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/quorum-ai/quorum-agent/internal/lifecycle"
)

const (
	slackMaxBlocks = 50
	// slackReservedBlocks accounts for header block + context block in each message
	slackReservedBlocks = 2
	slackMaxEvents      = slackMaxBlocks - slackReservedBlocks
)

type SlackNotifier struct {
	logger     zerolog.Logger
	webhookURL string
	timing     timingConfig
	poster     *httpPoster
}

// SlackOption customizes SlackNotifier behavior.
type SlackOption func(*SlackNotifier)

// WithSlackTiming overrides timing parameters (primarily for testing).
func WithSlackTiming(rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) SlackOption {
	return func(s *SlackNotifier) {
		s.timing.rateInterval = rateInterval
		s.timing.rateBurst = rateBurst
		s.timing.backoffInitial = backoffInitial
		s.timing.backoffMax = backoffMax
		s.timing.backoffMaxElapsed = backoffMaxElapsed
	}
}

// NewSlackNotifier creates a Slack notifier or a noop notifier when the webhook is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...SlackOption) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; notifications disabled")
	}

	notifier := &SlackNotifier{
		logger:     logger,
		webhookURL: webhookURL,
		timing:     defaultTiming,
	}

	for _, opt := range opts {
		opt(notifier)
	}

	notifier.poster = newHTTPPoster(logger, "slack", webhookURL, "application/json", notifier.timing)

	return notifier
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, space string, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	spaceName := space
	if spaceName == "" {
		spaceName = "default"
	}
	if err := n.poster.waitForRateLimit(ctx, spaceName); err != nil {
		return err
	}

	messages := buildSlackMessages(spaceName, events)
	for _, message := range messages {
		payload, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("marshal slack payload: %w", err)
		}
		if err := n.poster.postWithRetry(ctx, spaceName, eventKinds(events), payload); err != nil {
			return err
		}
	}

	n.logger.Debug().
		Str("space", spaceName).
		Int("events", len(events)).
		Int("messages", len(messages)).
		Msg("slack notification sent")

	return nil
}

func (n *SlackNotifier) postOnce(ctx context.Context, payload []byte) error {
	return n.poster.postOnce(ctx, payload)
}

func buildSlackMessages(space string, events []Event) []slack.WebhookMessage {
	if len(events) == 0 {
		return nil
	}
	if slackMaxEvents <= 0 {
		return []slack.WebhookMessage{buildSlackMessage(space, events, len(events), 1, 1)}
	}

	total := len(events)
	chunkTotal := (total + slackMaxEvents - 1) / slackMaxEvents
	messages := make([]slack.WebhookMessage, 0, chunkTotal)

	for i := 0; i < total; i += slackMaxEvents {
		end := i + slackMaxEvents
		if end > total {
			end = total
		}
		partIndex := (i / slackMaxEvents) + 1
		messages = append(messages, buildSlackMessage(space, events[i:end], total, partIndex, chunkTotal))
	}
	return messages
}

func buildSlackMessage(space string, events []Event, total int, partIndex int, partTotal int) slack.WebhookMessage {
	summary := fmt.Sprintf("Space %s: %d agent alert(s)", space, total)
	if partTotal > 1 {
		summary = fmt.Sprintf("%s (part %d/%d)", summary, partIndex, partTotal)
	}
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, false, false))
	contextElements := []slack.MixedElement{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Space: *%s*", space), false, false),
	}
	if partTotal > 1 {
		contextElements = append(contextElements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Batch: %d/%d", partIndex, partTotal), false, false))
	}
	context := slack.NewContextBlock("", contextElements...)

	blocks := []slack.Block{header, context}
	for _, event := range events {
		blocks = append(blocks, buildEventBlock(event))
	}

	blockSet := slack.Blocks{BlockSet: blocks}
	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &blockSet,
	}
}

func buildEventBlock(event Event) slack.Block {
	title := fmt.Sprintf("*%s*: `%s` → `%s`", kindLabel(event.Kind), stateLabel(event.FromState), stateLabel(event.ToState))
	text := slack.NewTextBlockObject("mrkdwn", title, false, false)

	fields := make([]*slack.TextBlockObject, 0, 3)
	if event.Detail != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Detail:*\n"+event.Detail, false, false))
	}
	if !event.Occurred.IsZero() {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*At:*\n"+event.Occurred.UTC().Format(time.RFC3339), false, false))
	}
	if reason, ok := event.Metadata["error"].(string); ok && reason != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Error:*\n"+reason, false, false))
	}

	return slack.NewSectionBlock(text, fields, nil)
}

func kindLabel(kind EventKind) string {
	switch kind {
	case KindErrorState:
		return "Agent entered error state"
	case KindFastTransitions:
		return "Agent transitioning abnormally fast"
	case KindRecovered:
		return "Agent recovered"
	default:
		return string(kind)
	}
}

func stateLabel(state lifecycle.State) string {
	if state == "" {
		return "UNKNOWN"
	}
	return string(state)
}
