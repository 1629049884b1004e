package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/quorum-ai/quorum-agent/internal/activity"
	"github.com/quorum-ai/quorum-agent/internal/config"
	"github.com/quorum-ai/quorum-agent/internal/coordinator"
	"github.com/quorum-ai/quorum-agent/internal/funds"
	"github.com/quorum-ai/quorum-agent/internal/healthcheck"
	"github.com/quorum-ai/quorum-agent/internal/lifecycle"
	"github.com/quorum-ai/quorum-agent/internal/logging"
	"github.com/quorum-ai/quorum-agent/internal/metrics"
	"github.com/quorum-ai/quorum-agent/internal/notify"
	"github.com/quorum-ai/quorum-agent/internal/runner"
	"github.com/quorum-ai/quorum-agent/internal/server"
	"github.com/quorum-ai/quorum-agent/internal/state"
	"github.com/quorum-ai/quorum-agent/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New()
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.NewWithLevel(cfg.LogLevel)
	logger.Info().Msg("quorum-agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsCollector := metrics.New()

	store, err := state.NewManager(cfg.StorePath, logger,
		state.WithMaxBackups(cfg.MaxBackups),
		state.WithMetrics(metricsCollector),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open state store")
	}

	notifier := buildNotifier(cfg, logger)

	mappings, err := config.LoadMappingFile(cfg.SpacesFile)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.SpacesFile).Msg("invalid spaces file")
	}

	// The health endpoints must observe a tracker the run loop actually
	// drives: the first space's tracker in coordinator mode, the single
	// agent tracker otherwise.
	var (
		coord         *coordinator.Coordinator
		singleRunner  *runner.Runner
		healthTracker *tracker.Tracker
	)
	if len(mappings) > 0 {
		coord = coordinator.New(logger, cfg, mappings, store, metricsCollector, notifier, nil)
		healthTracker, err = coord.PrimaryTracker(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize lifecycle tracker")
		}
	} else {
		trackerOpts := []tracker.Option{
			tracker.WithMetrics(metricsCollector),
			tracker.WithFastTransitionThreshold(cfg.FastTransitionThreshold),
			tracker.WithFastTransitionWindow(cfg.FastTransitionWindow),
		}
		if cfg.LegacyTrackerFile != "" {
			trackerOpts = append(trackerOpts, tracker.WithLegacyFile(cfg.LegacyTrackerFile))
		}
		persister := tracker.NewManagerPersister(store, metricsCollector, logger)
		healthTracker = tracker.New(persister, logger, trackerOpts...)
		if err := healthTracker.Initialize(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize lifecycle tracker")
		}
		singleRunner = runner.New(logger, healthTracker, cfg.PollInterval,
			runner.WithNotifier(notifier),
			runner.WithMetrics(metricsCollector),
		)
	}

	healthService := buildHealthService(cfg, logger, healthTracker, store)
	healthService.MarkReady()

	handlers := healthcheck.NewHandlers(healthService, logger, metricsCollector)
	server.Start(ctx, logger, handlers, metricsCollector, cfg.HTTPPort)

	if coord != nil {
		if err := coord.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("coordinator failed")
		}
	} else {
		if err := singleRunner.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("runner failed")
		}
	}

	shutdown(healthTracker, logger)
	logger.Info().Msg("quorum-agent stopped")
}

func buildHealthService(cfg config.Config, logger zerolog.Logger, agentTracker *tracker.Tracker, store *state.Manager) *healthcheck.Service {
	opts := []healthcheck.Option{
		healthcheck.WithCacheTTL(cfg.HealthCacheTTL),
		healthcheck.WithActivityChecker(activity.NewTracker(store, logger)),
	}
	if cfg.RPCURL != "" {
		opts = append(opts, healthcheck.WithFundsChecker(
			funds.NewChecker(cfg.RPCURL, cfg.SafeAddress, cfg.MinBalanceWei, logger),
		))
	}
	return healthcheck.NewService(agentTracker, logger, opts...)
}

func buildNotifier(cfg config.Config, logger zerolog.Logger) notify.Notifier {
	slackNotifier := notify.NewSlackNotifier(logger, cfg.SlackWebhookURL)

	webhookNotifier, err := notify.NewWebhookNotifier(logger, cfg.AlertWebhookURL, cfg.AlertWebhookTemplate)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid alert webhook template")
	}

	var notifier notify.Notifier = slackNotifier
	if webhookNotifier != nil {
		notifier = notify.NewMultiNotifier(slackNotifier, webhookNotifier)
	}
	if cfg.DryRun {
		logger.Info().Msg("dry-run mode: alerts will be logged, not delivered")
		notifier = notify.NewDryRunNotifier(logger, notifier)
	}
	return notifier
}

// shutdown records the clean exit path so a restart does not mistake the
// stop for a crash.
func shutdown(agentTracker *tracker.Tracker, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
	defer cancel()

	for _, s := range []lifecycle.State{lifecycle.StateShuttingDown, lifecycle.StateIdle} {
		if !lifecycle.Allowed(agentTracker.CurrentState(), s) {
			continue
		}
		if err := agentTracker.RecordTransition(ctx, s, nil, true); err != nil {
			logger.Error().Err(err).Str("state", string(s)).Msg("failed to record shutdown transition")
			return
		}
	}
}
