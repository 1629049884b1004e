package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quorum-ai/quorum-agent/internal/config"
	"github.com/quorum-ai/quorum-agent/internal/metrics"
	"github.com/quorum-ai/quorum-agent/internal/notify"
	"github.com/quorum-ai/quorum-agent/internal/runner"
	"github.com/quorum-ai/quorum-agent/internal/state"
	"github.com/quorum-ai/quorum-agent/internal/tracker"
)

// Coordinator manages multiple Runner instances, one per governance space.
// It spawns runners in parallel and waits for context cancellation.
type Coordinator struct {
	logger       zerolog.Logger
	cfg          config.Config
	mappings     []config.SpaceMapping
	store        *state.Manager
	metrics      *metrics.Metrics
	notifier     notify.Notifier
	phaseFunc    runner.PhaseFunc
	runners      map[string]*runner.Runner
	trackers     map[string]*tracker.Tracker
	runnerErrors map[string]error
	mu           sync.RWMutex
}

// New constructs a Coordinator with the given configuration and space mappings.
func New(logger zerolog.Logger, cfg config.Config, mappings []config.SpaceMapping, store *state.Manager, m *metrics.Metrics, notifier notify.Notifier, phaseFunc runner.PhaseFunc) *Coordinator {
	return &Coordinator{
		logger:       logger,
		cfg:          cfg,
		mappings:     mappings,
		store:        store,
		metrics:      m,
		notifier:     notifier,
		phaseFunc:    phaseFunc,
		runners:      make(map[string]*runner.Runner),
		trackers:     make(map[string]*tracker.Tracker),
		runnerErrors: make(map[string]error),
	}
}

// Run starts all runners in parallel and blocks until context is canceled.
// Returns nil on clean shutdown; logs any per-runner errors internally.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info().
		Int("spaces", len(c.mappings)).
		Msg("starting coordinator")

	// Spawn all runners in parallel
	var wg sync.WaitGroup
	for _, mapping := range c.mappings {
		wg.Add(1)
		go c.spawnRunner(ctx, &wg, mapping)
	}

	// Wait for all runners to exit (via context cancellation or error)
	wg.Wait()
	c.logger.Info().Msg("all runners stopped")

	// Report any errors
	c.mu.RLock()
	defer c.mu.RUnlock()
	for space, err := range c.runnerErrors {
		if err != nil {
			c.logger.Error().Err(err).Str("space", space).Msg("runner error")
		}
	}

	return nil
}

// spawnRunner creates and runs a single Runner for the given space mapping.
func (c *Coordinator) spawnRunner(ctx context.Context, wg *sync.WaitGroup, mapping config.SpaceMapping) {
	defer wg.Done()

	spaceLogger := c.logger.With().Str("space", mapping.Name).Logger()

	// Determine interval: per-space override or global default
	interval := c.cfg.PollInterval
	if mapping.PollInterval > 0 {
		interval = mapping.PollInterval
	}

	tr, err := c.trackerFor(ctx, mapping, spaceLogger)
	if err != nil {
		spaceLogger.Error().Err(err).Msg("failed to initialize tracker")
		c.recordError(mapping.Name, err)
		return
	}

	r := runner.New(
		spaceLogger,
		tr,
		interval,
		runner.WithSpace(mapping.Name),
		runner.WithNotifier(c.notifier),
		runner.WithMetrics(c.metrics),
		runner.WithPhaseFunc(c.phaseFunc),
	)

	c.mu.Lock()
	c.runners[mapping.Name] = r
	c.mu.Unlock()

	spaceLogger.Info().Dur("poll_interval", interval).Msg("runner started")

	// Run until context is canceled or error occurs
	if err := r.Run(ctx); err != nil {
		spaceLogger.Error().Err(err).Msg("runner exited with error")
		c.recordError(mapping.Name, err)
	} else {
		spaceLogger.Info().Msg("runner exited cleanly")
	}
}

// recordError records a per-space error for later reporting.
func (c *Coordinator) recordError(space string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runnerErrors[space] = err
}

// GetRunners returns a copy of the runners map for testing.
func (c *Coordinator) GetRunners() map[string]*runner.Runner {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]*runner.Runner, len(c.runners))
	for k, v := range c.runners {
		result[k] = v
	}
	return result
}

// Tracker returns the lifecycle tracker for a space, or nil when the space's
// runner has not started.
func (c *Coordinator) Tracker(space string) *tracker.Tracker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trackers[space]
}

// PrimaryTracker initializes and returns the tracker for the first configured
// space. The health endpoints observe it, so it must exist before Run spawns
// the runners; Run reuses the same instance for that space's runner.
func (c *Coordinator) PrimaryTracker(ctx context.Context) (*tracker.Tracker, error) {
	if len(c.mappings) == 0 {
		return nil, fmt.Errorf("no spaces configured")
	}
	mapping := c.mappings[0]
	return c.trackerFor(ctx, mapping, c.logger.With().Str("space", mapping.Name).Logger())
}

// trackerFor returns the space's tracker, creating and initializing it on
// first use. Each space keeps its own tracker document in the shared store.
func (c *Coordinator) trackerFor(ctx context.Context, mapping config.SpaceMapping, spaceLogger zerolog.Logger) (*tracker.Tracker, error) {
	c.mu.RLock()
	tr := c.trackers[mapping.Name]
	c.mu.RUnlock()
	if tr != nil {
		return tr, nil
	}

	persister := tracker.NewNamedManagerPersister(c.store, trackerDocName(mapping.Name), c.metrics, spaceLogger)
	tr = tracker.New(persister, spaceLogger,
		tracker.WithMetrics(c.metrics),
		tracker.WithFastTransitionThreshold(c.cfg.FastTransitionThreshold),
		tracker.WithFastTransitionWindow(c.cfg.FastTransitionWindow),
	)
	if err := tr.Initialize(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.trackers[mapping.Name] = tr
	c.mu.Unlock()
	return tr, nil
}

func trackerDocName(space string) string {
	return fmt.Sprintf("agent_state_transitions_%s", space)
}
