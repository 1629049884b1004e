package runner

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quorum-ai/quorum-agent/internal/lifecycle"
	"github.com/quorum-ai/quorum-agent/internal/metrics"
	"github.com/quorum-ai/quorum-agent/internal/notify"
	"github.com/quorum-ai/quorum-agent/internal/tracker"
)

// Ticker is the minimal interface needed for driving the runner loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// PhaseFunc performs the work of a single lifecycle phase. The runner records
// the transition into the phase before invoking it.
type PhaseFunc func(ctx context.Context, space string, phase lifecycle.State) error

// cyclePhases is the happy path of one voting cycle, in order.
var cyclePhases = []lifecycle.State{
	lifecycle.StateStarting,
	lifecycle.StateLoadingPreferences,
	lifecycle.StateFetchingProposals,
	lifecycle.StateFilteringProposals,
	lifecycle.StateAnalyzingProposal,
	lifecycle.StateDecidingVote,
	lifecycle.StateSubmittingVote,
	lifecycle.StateCompleted,
}

// Runner drives the voting cycle for one governance space.
type Runner struct {
	logger        zerolog.Logger
	pollInterval  time.Duration
	tickerFactory func(time.Duration) Ticker
	runOnce       func(context.Context) error
	tracker       *tracker.Tracker
	notifier      notify.Notifier
	metrics       *metrics.Metrics
	space         string
	phaseFunc     PhaseFunc
	now           func() time.Time

	lastRunFailed bool
	fastAlerted   bool
}

// Option customizes runner behavior.
type Option func(*Runner)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(r *Runner) {
		r.tickerFactory = factory
	}
}

// WithRunOnce overrides the single-cycle execution step.
func WithRunOnce(runOnce func(context.Context) error) Option {
	return func(r *Runner) {
		r.runOnce = runOnce
	}
}

// WithNotifier sets the alert sink for error and fast-transition events.
func WithNotifier(notifier notify.Notifier) Option {
	return func(r *Runner) {
		r.notifier = notifier
	}
}

// WithMetrics attaches metric collectors for alert counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithSpace scopes the runner to a governance space.
func WithSpace(space string) Option {
	return func(r *Runner) {
		r.space = space
	}
}

// WithPhaseFunc sets the work performed in each lifecycle phase.
func WithPhaseFunc(fn PhaseFunc) Option {
	return func(r *Runner) {
		r.phaseFunc = fn
	}
}

// WithClock overrides the time source (testing).
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// New constructs a Runner around a lifecycle tracker.
func New(logger zerolog.Logger, tr *tracker.Tracker, pollInterval time.Duration, opts ...Option) *Runner {
	r := &Runner{
		logger:       logger,
		pollInterval: pollInterval,
		tracker:      tr,
		now:          time.Now,
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
	}
	r.runOnce = r.defaultRunOnce

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run starts the main loop and blocks until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	if r.pollInterval <= 0 {
		return errors.New("poll interval must be greater than zero")
	}

	// Run immediately on startup
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error().Err(err).Msg("initial voting cycle failed")
	}

	ticker := r.tickerFactory(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Str("space", r.space).Msg("runner stopped")
			return nil
		case <-ticker.C():
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("voting cycle failed")
			}
		}
	}
}

// RunOnce executes a single voting cycle.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.runOnce(ctx)
}

func (r *Runner) defaultRunOnce(ctx context.Context) error {
	runID := uuid.NewString()
	metadata := map[string]any{"run_id": runID}
	if r.space != "" {
		metadata["space"] = r.space
	}

	// A failed or aborted cycle can leave the agent parked anywhere in the
	// phase walk, and starting is only legal from idle. Every lifecycle
	// state may return to idle, so normalize before walking the phases.
	if r.tracker.CurrentState() != lifecycle.StateIdle {
		if err := r.tracker.RecordTransition(ctx, lifecycle.StateIdle, metadata, true); err != nil {
			return r.cycleError("reset to idle", err)
		}
	}

	for _, phase := range cyclePhases {
		if err := r.tracker.RecordTransition(ctx, phase, metadata, true); err != nil {
			return r.cycleError("enter "+string(phase), err)
		}
		if r.phaseFunc == nil {
			continue
		}
		if err := r.phaseFunc(ctx, r.space, phase); err != nil {
			r.enterError(ctx, phase, runID, err)
			r.checkFastTransitions(ctx)
			return r.cycleError(string(phase), err)
		}
	}

	if err := r.tracker.RecordTransition(ctx, lifecycle.StateIdle, metadata, true); err != nil {
		return r.cycleError("return to idle", err)
	}

	if r.lastRunFailed {
		r.lastRunFailed = false
		r.sendAlert(ctx, notify.Event{
			Space:     r.space,
			Kind:      notify.KindRecovered,
			FromState: lifecycle.StateError,
			ToState:   lifecycle.StateIdle,
			Occurred:  r.now().UTC(),
			Detail:    "voting cycle completed after a failed run",
			Metadata:  metadata,
		})
	}

	r.checkFastTransitions(ctx)

	r.logger.Info().
		Str("space", r.space).
		Str("run_id", runID).
		Msg("voting cycle completed")
	return nil
}

func (r *Runner) enterError(ctx context.Context, phase lifecycle.State, runID string, cause error) {
	metadata := map[string]any{
		"run_id": runID,
		"error":  cause.Error(),
	}
	if r.space != "" {
		metadata["space"] = r.space
	}
	// completed has no edge to error; park on idle instead so the next
	// cycle can start cleanly.
	to := lifecycle.StateError
	if !lifecycle.Allowed(r.tracker.CurrentState(), lifecycle.StateError) {
		to = lifecycle.StateIdle
	}
	if err := r.tracker.RecordTransition(ctx, to, metadata, true); err != nil {
		r.logger.Error().Err(err).Msg("failed to record error state")
	}
	r.lastRunFailed = true

	r.sendAlert(ctx, notify.Event{
		Space:     r.space,
		Kind:      notify.KindErrorState,
		FromState: phase,
		ToState:   to,
		Occurred:  r.now().UTC(),
		Detail:    cause.Error(),
		Metadata:  metadata,
	})
}

// checkFastTransitions raises a single alert per fast-transition episode; the
// flag rearms once the agent slows down again.
func (r *Runner) checkFastTransitions(ctx context.Context) {
	if !r.tracker.IsTransitioningFast() {
		r.fastAlerted = false
		return
	}
	if r.fastAlerted {
		return
	}
	r.fastAlerted = true

	r.logger.Warn().
		Str("space", r.space).
		Int("window", r.tracker.FastTransitionWindow()).
		Dur("threshold", r.tracker.FastTransitionThreshold()).
		Msg("agent transitioning abnormally fast")

	r.sendAlert(ctx, notify.Event{
		Space:    r.space,
		Kind:     notify.KindFastTransitions,
		ToState:  r.tracker.CurrentState(),
		Occurred: r.now().UTC(),
		Detail:   "lifecycle transitions faster than the configured threshold",
	})
}

func (r *Runner) sendAlert(ctx context.Context, event notify.Event) {
	r.metrics.IncAlertsTotal(event.Space, string(event.Kind))
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, r.space, []notify.Event{event}); err != nil {
		r.logger.Error().Err(err).Str("kind", string(event.Kind)).Msg("alert delivery failed")
	}
}
