// Package tracker maintains the agent's authoritative lifecycle state, its
// bounded transition history, and anomaly detection over transition velocity.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorum-ai/quorum-agent/internal/lifecycle"
	"github.com/quorum-ai/quorum-agent/internal/metrics"
)

const (
	defaultMaxHistorySize          = 100
	defaultFastTransitionThreshold = 500 * time.Millisecond
	defaultFastTransitionWindow    = 5
)

// ErrInvalidTransition is returned when a validated transition is not in the
// allowed set for the current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// Tracker records lifecycle transitions and persists a snapshot after every
// mutation. All methods are safe for concurrent use from multiple
// goroutines; operations on one tracker are linearized by a single mutex.
type Tracker struct {
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	persister     Persister
	legacyPath    string
	maxHistory    int
	fastThreshold time.Duration
	fastWindow    int
	now           func() time.Time

	mu                 sync.Mutex
	currentState       lifecycle.State
	lastTransitionTime time.Time
	history            []lifecycle.Transition
}

// Option customizes tracker behavior.
type Option func(*Tracker)

// WithMaxHistorySize bounds the retained transition history.
func WithMaxHistorySize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxHistory = n
		}
	}
}

// WithFastTransitionThreshold sets the gap below which consecutive
// transitions count as fast.
func WithFastTransitionThreshold(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.fastThreshold = d
		}
	}
}

// WithFastTransitionWindow sets how many recent transitions the fast
// detector examines.
func WithFastTransitionWindow(n int) Option {
	return func(t *Tracker) {
		if n > 1 {
			t.fastWindow = n
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithLegacyFile registers an old file-backed snapshot to migrate from when
// the persister holds nothing. The file is renamed to <path>.backup after a
// successful migration.
func WithLegacyFile(path string) Option {
	return func(t *Tracker) {
		t.legacyPath = path
	}
}

// WithClock overrides the time source (testing).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New constructs a tracker in the idle state with empty history. Call
// Initialize to load persisted state.
func New(persister Persister, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		logger:        logger,
		persister:     persister,
		maxHistory:    defaultMaxHistorySize,
		fastThreshold: defaultFastTransitionThreshold,
		fastWindow:    defaultFastTransitionWindow,
		now:           time.Now,
		currentState:  lifecycle.StateIdle,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize loads the persisted snapshot, migrating a legacy file-backed
// snapshot into the persister when configured. Corrupted or unreadable
// snapshots fall back to idle with empty history; they never fail startup.
func (t *Tracker) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot, err := t.persister.Load(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("persisted tracker state unusable, starting from idle")
		t.resetLocked()
		return nil
	}

	if snapshot == nil && t.legacyPath != "" {
		migrated, err := t.migrateLegacyLocked(ctx)
		if err != nil {
			t.logger.Warn().Err(err).Str("path", t.legacyPath).Msg("legacy tracker state migration failed, starting from idle")
			t.resetLocked()
			return nil
		}
		if migrated {
			return nil
		}
	}

	if snapshot == nil {
		t.resetLocked()
		return t.persister.Save(ctx, t.snapshotLocked())
	}

	t.currentState = snapshot.CurrentState
	t.lastTransitionTime = snapshot.LastTransitionTime
	t.history = snapshot.TransitionHistory
	t.logger.Info().
		Str("current_state", string(t.currentState)).
		Int("history", len(t.history)).
		Msg("tracker state restored")
	return nil
}

// migrateLegacyLocked loads the legacy file snapshot, persists it through
// the configured persister, and renames the old file out of the way.
func (t *Tracker) migrateLegacyLocked(ctx context.Context) (bool, error) {
	legacy := NewFilePersister(t.legacyPath, t.logger)
	snapshot, err := legacy.Load(ctx)
	if err != nil || snapshot == nil {
		return false, err
	}

	t.currentState = snapshot.CurrentState
	t.lastTransitionTime = snapshot.LastTransitionTime
	t.history = snapshot.TransitionHistory

	if err := t.persister.Save(ctx, t.snapshotLocked()); err != nil {
		return false, err
	}
	if err := os.Rename(t.legacyPath, t.legacyPath+".backup"); err != nil {
		t.logger.Warn().Err(err).Str("path", t.legacyPath).Msg("failed to rename migrated legacy state file")
	}

	t.logger.Info().Str("path", t.legacyPath).Msg("migrated legacy tracker state")
	return true, nil
}

func (t *Tracker) resetLocked() {
	t.currentState = lifecycle.StateIdle
	t.lastTransitionTime = time.Time{}
	t.history = nil
}

// RecordTransition appends a transition to history, updates the current
// state, and persists the snapshot before returning. With validate set, a
// transition missing from the allowed set fails without mutating anything.
//
// When the persister is strict and the save fails, the in-memory state is
// still updated (the machine reflects this process's latest decision) and
// the error is returned so the caller can react.
func (t *Tracker) RecordTransition(ctx context.Context, newState lifecycle.State, metadata map[string]any, validate bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if validate && !lifecycle.Allowed(t.currentState, newState) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.currentState, newState)
	}

	transition := lifecycle.Transition{
		FromState: t.currentState,
		ToState:   newState,
		Timestamp: t.now().UTC(),
		Metadata:  metadata,
	}

	t.history = append(t.history, transition)
	if len(t.history) > t.maxHistory {
		t.history = t.history[len(t.history)-t.maxHistory:]
	}
	t.currentState = newState
	t.lastTransitionTime = transition.Timestamp

	t.metrics.ObserveTransition(transition.FromState, transition.ToState, transition.Timestamp)
	t.logger.Info().
		Str("from_state", string(transition.FromState)).
		Str("to_state", string(transition.ToState)).
		Msg("state transition")

	return t.persister.Save(ctx, t.snapshotLocked())
}

// CurrentState returns the authoritative current lifecycle state.
func (t *Tracker) CurrentState() lifecycle.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentState
}

// SecondsSinceLastTransition returns the seconds elapsed since the most
// recent transition, or +Inf when no transition has ever been recorded. The
// infinity sentinel never reaches the wire; the health service serializes
// it as -1.
func (t *Tracker) SecondsSinceLastTransition() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastTransitionTime.IsZero() {
		return math.Inf(1)
	}
	return t.now().Sub(t.lastTransitionTime).Seconds()
}

// IsTransitioningFast reports whether the last fastWindow transitions all
// happened closer together than the threshold. Fewer transitions than the
// window is not fast.
func (t *Tracker) IsTransitioningFast() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.history) < t.fastWindow {
		return false
	}
	recent := t.history[len(t.history)-t.fastWindow:]
	for i := 1; i < len(recent); i++ {
		gap := recent[i].Timestamp.Sub(recent[i-1].Timestamp)
		if gap >= t.fastThreshold {
			return false
		}
	}
	return true
}

// RecentTransitions returns all retained transitions within the window.
func (t *Tracker) RecentTransitions(window time.Duration) []lifecycle.Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-window)
	recent := make([]lifecycle.Transition, 0)
	for _, tr := range t.history {
		if !tr.Timestamp.Before(cutoff) {
			recent = append(recent, tr)
		}
	}
	return recent
}

// History returns a copy of the retained transition history, oldest first.
func (t *Tracker) History() []lifecycle.Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]lifecycle.Transition(nil), t.history...)
}

// ClearHistory empties the transition history, preserves the current state,
// and persists the cleared snapshot.
func (t *Tracker) ClearHistory(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = nil
	return t.persister.Save(ctx, t.snapshotLocked())
}

// InErrorState reports whether the current state is error.
func (t *Tracker) InErrorState() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentState == lifecycle.StateError
}

// ErrorCount counts retained transitions into the error state. The count is
// windowed by the history bound, not lifetime.
func (t *Tracker) ErrorCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, tr := range t.history {
		if tr.ToState == lifecycle.StateError {
			count++
		}
	}
	return count
}

// StateDurations attributes the gap between consecutive transitions to the
// destination state of the earlier one. The open-ended interval for the
// current state is excluded.
func (t *Tracker) StateDurations() map[lifecycle.State]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	durations := make(map[lifecycle.State]float64)
	for i := 0; i+1 < len(t.history); i++ {
		gap := t.history[i+1].Timestamp.Sub(t.history[i].Timestamp).Seconds()
		durations[t.history[i].ToState] += gap
	}
	return durations
}

// TransitionPair identifies one observed from->to combination.
type TransitionPair struct {
	From lifecycle.State `json:"from_state"`
	To   lifecycle.State `json:"to_state"`
}

// Statistics summarizes the retained history.
type Statistics struct {
	TotalTransitions int                     `json:"total_transitions"`
	StateCounts      map[lifecycle.State]int `json:"state_counts"`
	TransitionPairs  []TransitionPair        `json:"transition_pairs"`
}

// Statistics returns counts of destination states and the distinct
// transition pairs observed, in first-seen order.
func (t *Tracker) Statistics() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Statistics{
		TotalTransitions: len(t.history),
		StateCounts:      make(map[lifecycle.State]int),
	}

	seen := make(map[TransitionPair]bool)
	for _, tr := range t.history {
		stats.StateCounts[tr.ToState]++
		pair := TransitionPair{From: tr.FromState, To: tr.ToState}
		if !seen[pair] {
			seen[pair] = true
			stats.TransitionPairs = append(stats.TransitionPairs, pair)
		}
	}
	return stats
}

// FastTransitionWindow exposes the detector window for health reporting.
func (t *Tracker) FastTransitionWindow() int {
	return t.fastWindow
}

// FastTransitionThreshold exposes the detector threshold for health
// reporting.
func (t *Tracker) FastTransitionThreshold() time.Duration {
	return t.fastThreshold
}

func (t *Tracker) snapshotLocked() Snapshot {
	return Snapshot{
		CurrentState:       t.currentState,
		LastTransitionTime: t.lastTransitionTime,
		TransitionHistory:  append([]lifecycle.Transition(nil), t.history...),
	}
}
