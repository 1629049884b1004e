// Package healthcheck synthesizes the health document consumed by the Pearl
// monitoring platform. Computation is cached with a short TTL so that serving
// the document is served well within the platform's 100ms deadline even when the
// upstream collaborators are slow.
package healthcheck

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/quorum-ai/quorum-agent/internal/lifecycle"
	"github.com/quorum-ai/quorum-agent/internal/tracker"
)

const (
	// noTransitionsSentinel is the wire form of "no transitions ever
	// recorded". The tracker reports +Inf internally, which does not
	// serialize to JSON.
	noTransitionsSentinel = -1

	// tmFreshness is how recent the last transition must be for the
	// transaction manager to count as healthy.
	tmFreshness = 5 * time.Minute

	// maxRounds bounds how many transitions are reported as rounds.
	maxRounds = 10

	defaultCacheTTL = 10 * time.Second

	cacheKey = "complete_health_status"
)

// ActivityChecker reports whether the daily staking activity requirement is
// still outstanding.
type ActivityChecker interface {
	IsDailyActivityNeeded(ctx context.Context) (bool, error)
}

// FundsChecker reports whether the agent's wallet holds sufficient funds.
type FundsChecker interface {
	HasSufficientFunds(ctx context.Context) (bool, error)
}

// AgentHealth is the agent-level boolean health sub-object.
type AgentHealth struct {
	IsMakingOnChainTransactions bool `json:"is_making_on_chain_transactions"`
	IsStakingKPIMet             bool `json:"is_staking_kpi_met"`
	HasRequiredFunds            bool `json:"has_required_funds"`
}

// Round presents one recorded transition as a consensus-round proxy.
type Round struct {
	RoundID   int             `json:"round_id"`
	FromState lifecycle.State `json:"from_state"`
	ToState   lifecycle.State `json:"to_state"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// RoundsInfo summarizes the reported rounds.
type RoundsInfo struct {
	TotalRounds          int     `json:"total_rounds"`
	LatestRound          *Round  `json:"latest_round"`
	AverageRoundDuration float64 `json:"average_round_duration"`
}

// Status is the complete health document.
type Status struct {
	SecondsSinceLastTransition float64     `json:"seconds_since_last_transition"`
	IsTransitioningFast        bool        `json:"is_transitioning_fast"`
	Period                     int         `json:"period"`
	ResetPauseDuration         float64     `json:"reset_pause_duration"`
	IsTMHealthy                bool        `json:"is_tm_healthy"`
	AgentHealth                AgentHealth `json:"agent_health"`
	Rounds                     []Round     `json:"rounds"`
	RoundsInfo                 RoundsInfo  `json:"rounds_info"`
}

// Service computes and caches the health document. Collaborators may be nil;
// their fields then report false (health never fails open).
type Service struct {
	logger   zerolog.Logger
	tracker  *tracker.Tracker
	activity ActivityChecker
	funds    FundsChecker
	cache    *gocache.Cache
	ttl      time.Duration
	ready    atomic.Bool
}

// Option customizes Service construction.
type Option func(*Service)

// WithCacheTTL overrides how long a computed document is served from cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithActivityChecker attaches the staking-activity collaborator.
func WithActivityChecker(checker ActivityChecker) Option {
	return func(s *Service) {
		s.activity = checker
	}
}

// WithFundsChecker attaches the funds collaborator.
func WithFundsChecker(checker FundsChecker) Option {
	return func(s *Service) {
		s.funds = checker
	}
}

// NewService constructs the health check service around a tracker.
func NewService(tr *tracker.Tracker, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		logger:  logger,
		tracker: tr,
		ttl:     defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = gocache.New(s.ttl, 2*s.ttl)
	return s
}

// MarkReady flags the service ready once the tracker has been initialized.
func (s *Service) MarkReady() {
	s.ready.Store(true)
}

// Ready reports whether the tracker behind the service has been initialized.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// CompleteHealthStatus returns the health document, served from cache when a
// result younger than the TTL exists. It never returns an error: any failing
// upstream signal degrades to its pessimistic default and the rest of the
// document is still produced.
func (s *Service) CompleteHealthStatus(ctx context.Context) Status {
	if cached, ok := s.cache.Get(cacheKey); ok {
		s.logger.Debug().Msg("serving cached health status")
		return cached.(Status)
	}

	status := s.generate(ctx)
	s.cache.Set(cacheKey, status, gocache.DefaultExpiration)
	return status
}

func (s *Service) generate(ctx context.Context) Status {
	seconds := s.tracker.SecondsSinceLastTransition()
	fast := s.tracker.IsTransitioningFast()

	wireSeconds := seconds
	if math.IsInf(seconds, 1) {
		wireSeconds = noTransitionsSentinel
	}

	rounds := s.buildRounds()

	return Status{
		SecondsSinceLastTransition: wireSeconds,
		IsTransitioningFast:        fast,
		Period:                     s.tracker.FastTransitionWindow(),
		ResetPauseDuration:         s.tracker.FastTransitionThreshold().Seconds(),
		IsTMHealthy:                s.tmHealthy(seconds, fast),
		AgentHealth:                s.agentHealth(ctx),
		Rounds:                     rounds,
		RoundsInfo:                 buildRoundsInfo(rounds),
	}
}

// tmHealthy requires at least one recorded transition, recency, and
// stability. Any one violation makes the transaction manager unhealthy.
func (s *Service) tmHealthy(seconds float64, fast bool) bool {
	if math.IsInf(seconds, 1) {
		return false
	}
	return seconds < tmFreshness.Seconds() && !fast
}

// agentHealth queries the collaborators, failing closed: a missing or
// erroring collaborator reports false, never true.
func (s *Service) agentHealth(ctx context.Context) AgentHealth {
	var health AgentHealth

	if s.activity != nil {
		needed, err := s.activity.IsDailyActivityNeeded(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("activity check failed, reporting inactive")
		} else {
			// Both fields derive from the same daily-activity signal.
			health.IsMakingOnChainTransactions = !needed
			health.IsStakingKPIMet = !needed
		}
	}

	if s.funds != nil {
		sufficient, err := s.funds.HasSufficientFunds(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("funds check failed, reporting insufficient")
		} else {
			health.HasRequiredFunds = sufficient
		}
	}

	return health
}

// buildRounds maps the most recent transitions into round summaries with
// 1-based identifiers.
func (s *Service) buildRounds() []Round {
	history := s.tracker.History()
	if len(history) > maxRounds {
		history = history[len(history)-maxRounds:]
	}

	rounds := make([]Round, 0, len(history))
	for i, tr := range history {
		rounds = append(rounds, Round{
			RoundID:   i + 1,
			FromState: tr.FromState,
			ToState:   tr.ToState,
			Timestamp: tr.Timestamp,
			Metadata:  tr.Metadata,
		})
	}
	return rounds
}

func buildRoundsInfo(rounds []Round) RoundsInfo {
	info := RoundsInfo{TotalRounds: len(rounds)}
	if len(rounds) == 0 {
		return info
	}

	latest := rounds[len(rounds)-1]
	info.LatestRound = &latest

	if len(rounds) > 1 {
		var total float64
		for i := 1; i < len(rounds); i++ {
			total += rounds[i].Timestamp.Sub(rounds[i-1].Timestamp).Seconds()
		}
		info.AverageRoundDuration = total / float64(len(rounds)-1)
	}
	return info
}
