// Package activity tracks the daily on-chain activity requirement imposed by
// the staking contract. The tracker records, per UTC day, whether an activity
// transaction has already been made, persisting the record through the state
// manager so a restart does not trigger a duplicate transaction.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorum-ai/quorum-agent/internal/state"
)

const (
	stateName = "activity_tracker"

	dateLayout = "2006-01-02"
)

// Tracker decides whether the daily staking activity still needs to happen.
type Tracker struct {
	logger zerolog.Logger
	store  *state.Manager
	now    func() time.Time
}

// Option customizes Tracker construction.
type Option func(*Tracker)

// WithClock overrides the time source (testing).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker builds an activity tracker backed by store.
func NewTracker(store *state.Manager, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		logger: logger,
		store:  store,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IsDailyActivityNeeded reports true when no activity transaction has been
// recorded for the current UTC day. A missing record means activity is
// needed.
func (t *Tracker) IsDailyActivityNeeded(ctx context.Context) (bool, error) {
	data, err := t.store.LoadState(ctx, stateName, state.LoadOptions{AllowRecovery: true})
	if err != nil {
		return true, fmt.Errorf("loading activity record: %w", err)
	}
	if data == nil {
		return true, nil
	}

	lastDate, _ := data["last_activity_date"].(string)
	today := t.now().UTC().Format(dateLayout)
	return lastDate != today, nil
}

// MarkCompleted records that the daily activity transaction has been made.
func (t *Tracker) MarkCompleted(ctx context.Context, txHash string) error {
	today := t.now().UTC().Format(dateLayout)
	data := map[string]any{
		"last_activity_date": today,
		"last_tx_hash":       txHash,
	}
	if _, err := t.store.SaveState(ctx, stateName, data, state.SaveOptions{}); err != nil {
		return fmt.Errorf("recording daily activity: %w", err)
	}
	t.logger.Info().
		Str("date", today).
		Str("tx_hash", txHash).
		Msg("daily activity recorded")
	return nil
}

// LastTxHash returns the hash of the most recent activity transaction, or an
// empty string when none has been recorded.
func (t *Tracker) LastTxHash(ctx context.Context) (string, error) {
	data, err := t.store.LoadState(ctx, stateName, state.LoadOptions{AllowRecovery: true})
	if err != nil {
		return "", err
	}
	if data == nil {
		return "", nil
	}
	hash, _ := data["last_tx_hash"].(string)
	return hash, nil
}
