package tracker

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorum-ai/quorum-agent/internal/lifecycle"
)

// memoryPersister captures snapshots, optionally failing every save.
type memoryPersister struct {
	mu       sync.Mutex
	saved    []Snapshot
	loadWith *Snapshot
	loadErr  error
	saveErr  error
}

func (p *memoryPersister) Load(context.Context) (*Snapshot, error) {
	return p.loadWith, p.loadErr
}

func (p *memoryPersister) Save(_ context.Context, snapshot Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.saved = append(p.saved, snapshot)
	return nil
}

func (p *memoryPersister) last(t *testing.T) Snapshot {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.saved) == 0 {
		t.Fatal("no snapshot was persisted")
	}
	return p.saved[len(p.saved)-1]
}

// testClock is an adjustable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTracker_StartsIdleWithInfiniteSilence(t *testing.T) {
	tr := New(&memoryPersister{}, zerolog.Nop())

	if tr.CurrentState() != lifecycle.StateIdle {
		t.Fatalf("initial state = %s, want idle", tr.CurrentState())
	}
	if !math.IsInf(tr.SecondsSinceLastTransition(), 1) {
		t.Fatalf("expected +Inf before any transition, got %v", tr.SecondsSinceLastTransition())
	}
	if tr.IsTransitioningFast() {
		t.Fatal("empty history must not be fast")
	}
}

func TestTracker_RecordTransitionPersistsBeforeReturning(t *testing.T) {
	p := &memoryPersister{}
	tr := New(p, zerolog.Nop())
	ctx := context.Background()

	if err := tr.RecordTransition(ctx, lifecycle.StateStarting, map[string]any{"run_id": "r1"}, false); err != nil {
		t.Fatalf("record transition: %v", err)
	}

	snapshot := p.last(t)
	if snapshot.CurrentState != lifecycle.StateStarting {
		t.Fatalf("persisted current state = %s, want starting", snapshot.CurrentState)
	}
	if len(snapshot.TransitionHistory) != 1 {
		t.Fatalf("persisted history length = %d, want 1", len(snapshot.TransitionHistory))
	}
	got := snapshot.TransitionHistory[0]
	if got.FromState != lifecycle.StateIdle || got.ToState != lifecycle.StateStarting {
		t.Fatalf("persisted transition %s -> %s", got.FromState, got.ToState)
	}
	if got.Metadata["run_id"] != "r1" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
}

func TestTracker_StrictPersistFailureSurfacesButStateAdvances(t *testing.T) {
	p := &memoryPersister{saveErr: errors.New("disk full")}
	tr := New(p, zerolog.Nop())

	err := tr.RecordTransition(context.Background(), lifecycle.StateStarting, nil, false)
	if err == nil {
		t.Fatal("expected persistence error to surface")
	}
	// The machine still reflects the process's latest decision.
	if tr.CurrentState() != lifecycle.StateStarting {
		t.Fatalf("current state = %s, want starting", tr.CurrentState())
	}
}

func TestTracker_ValidatedTransitionRejectedWithoutMutation(t *testing.T) {
	p := &memoryPersister{}
	tr := New(p, zerolog.Nop())
	ctx := context.Background()

	err := tr.RecordTransition(ctx, lifecycle.StateSubmittingVote, nil, true)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if tr.CurrentState() != lifecycle.StateIdle {
		t.Fatalf("state mutated by rejected transition: %s", tr.CurrentState())
	}
	if len(tr.History()) != 0 {
		t.Fatal("history mutated by rejected transition")
	}
	if len(p.saved) != 0 {
		t.Fatal("rejected transition was persisted")
	}

	// Legal validated transition goes through.
	if err := tr.RecordTransition(ctx, lifecycle.StateStarting, nil, true); err != nil {
		t.Fatalf("legal validated transition failed: %v", err)
	}
}

func TestTracker_HistoryBoundIsFIFO(t *testing.T) {
	tr := New(&memoryPersister{}, zerolog.Nop(), WithMaxHistorySize(10))
	ctx := context.Background()

	states := []lifecycle.State{lifecycle.StateStarting, lifecycle.StateError, lifecycle.StateIdle}
	for i := 0; i < 25; i++ {
		if err := tr.RecordTransition(ctx, states[i%len(states)], map[string]any{"n": i}, false); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	history := tr.History()
	if len(history) != 10 {
		t.Fatalf("history length = %d, want 10", len(history))
	}
	// Oldest entries dropped: the first retained entry is transition 15.
	if history[0].Metadata["n"] != 15 {
		t.Fatalf("first retained transition n = %v, want 15", history[0].Metadata["n"])
	}
	if history[9].Metadata["n"] != 24 {
		t.Fatalf("last retained transition n = %v, want 24", history[9].Metadata["n"])
	}
}

func TestTracker_FastTransitionDetection(t *testing.T) {
	clock := newTestClock()
	tr := New(&memoryPersister{}, zerolog.Nop(),
		WithClock(clock.Now),
		WithFastTransitionWindow(5),
		WithFastTransitionThreshold(500*time.Millisecond),
	)
	ctx := context.Background()

	// Four rapid transitions: below the window, not fast.
	for i := 0; i < 4; i++ {
		clock.Advance(100 * time.Millisecond)
		if err := tr.RecordTransition(ctx, lifecycle.StateStarting, nil, false); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if tr.IsTransitioningFast() {
		t.Fatal("short history must not be fast")
	}

	// Fifth rapid transition completes the window.
	clock.Advance(100 * time.Millisecond)
	if err := tr.RecordTransition(ctx, lifecycle.StateError, nil, false); err != nil {
		t.Fatalf("record: %v", err)
	}
	if !tr.IsTransitioningFast() {
		t.Fatal("five sub-threshold gaps should be fast")
	}

	// One slow gap anywhere in the window clears the flag.
	clock.Advance(2 * time.Second)
	if err := tr.RecordTransition(ctx, lifecycle.StateIdle, nil, false); err != nil {
		t.Fatalf("record: %v", err)
	}
	if tr.IsTransitioningFast() {
		t.Fatal("a slow gap in the window must clear the fast flag")
	}

	// A gap of exactly the threshold is not fast (strict less-than).
	for i := 0; i < 5; i++ {
		clock.Advance(500 * time.Millisecond)
		if err := tr.RecordTransition(ctx, lifecycle.StateStarting, nil, false); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if tr.IsTransitioningFast() {
		t.Fatal("gaps equal to the threshold must not count as fast")
	}
}

func TestTracker_SecondsSinceLastTransition(t *testing.T) {
	clock := newTestClock()
	tr := New(&memoryPersister{}, zerolog.Nop(), WithClock(clock.Now))

	if err := tr.RecordTransition(context.Background(), lifecycle.StateStarting, nil, false); err != nil {
		t.Fatalf("record: %v", err)
	}
	clock.Advance(42 * time.Second)

	if got := tr.SecondsSinceLastTransition(); got != 42 {
		t.Fatalf("seconds since last transition = %v, want 42", got)
	}
	// Reads are idempotent.
	if got := tr.SecondsSinceLastTransition(); got != 42 {
		t.Fatalf("repeated read = %v, want 42", got)
	}
}

func TestTracker_ErrorScenario(t *testing.T) {
	clock := newTestClock()
	tr := New(&memoryPersister{}, zerolog.Nop(), WithClock(clock.Now))
	ctx := context.Background()

	if err := tr.RecordTransition(ctx, lifecycle.StateStarting, nil, false); err != nil {
		t.Fatalf("record: %v", err)
	}
	clock.Advance(3 * time.Second)
	if err := tr.RecordTransition(ctx, lifecycle.StateError, nil, false); err != nil {
		t.Fatalf("record: %v", err)
	}

	if !tr.InErrorState() {
		t.Fatal("expected error state")
	}
	if got := tr.ErrorCount(); got != 1 {
		t.Fatalf("error count = %d, want 1", got)
	}

	durations := tr.StateDurations()
	if got := durations[lifecycle.StateStarting]; got != 3 {
		t.Fatalf("starting duration = %v, want 3", got)
	}
	// The open-ended error interval is not attributed.
	if _, ok := durations[lifecycle.StateError]; ok {
		t.Fatal("open-ended interval must not appear in durations")
	}
}

func TestTracker_StatisticsIdempotentReads(t *testing.T) {
	tr := New(&memoryPersister{}, zerolog.Nop())
	ctx := context.Background()

	sequence := []lifecycle.State{
		lifecycle.StateStarting,
		lifecycle.StateError,
		lifecycle.StateIdle,
		lifecycle.StateStarting,
	}
	for _, s := range sequence {
		if err := tr.RecordTransition(ctx, s, nil, false); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	first := tr.Statistics()
	second := tr.Statistics()

	if first.TotalTransitions != 4 || second.TotalTransitions != 4 {
		t.Fatalf("total transitions = %d/%d, want 4", first.TotalTransitions, second.TotalTransitions)
	}
	if first.StateCounts[lifecycle.StateStarting] != 2 {
		t.Fatalf("starting count = %d, want 2", first.StateCounts[lifecycle.StateStarting])
	}
	if len(first.TransitionPairs) != len(second.TransitionPairs) {
		t.Fatal("repeated reads disagree")
	}
	// idle->starting appears twice in history but once as a pair.
	pairs := make(map[TransitionPair]int)
	for _, pair := range first.TransitionPairs {
		pairs[pair]++
	}
	if pairs[TransitionPair{From: lifecycle.StateIdle, To: lifecycle.StateStarting}] != 1 {
		t.Fatalf("pairs = %v", first.TransitionPairs)
	}
}

func TestTracker_RecentTransitions(t *testing.T) {
	clock := newTestClock()
	tr := New(&memoryPersister{}, zerolog.Nop(), WithClock(clock.Now))
	ctx := context.Background()

	if err := tr.RecordTransition(ctx, lifecycle.StateStarting, nil, false); err != nil {
		t.Fatalf("record: %v", err)
	}
	clock.Advance(10 * time.Minute)
	if err := tr.RecordTransition(ctx, lifecycle.StateError, nil, false); err != nil {
		t.Fatalf("record: %v", err)
	}
	clock.Advance(30 * time.Second)

	recent := tr.RecentTransitions(time.Minute)
	if len(recent) != 1 {
		t.Fatalf("recent transitions = %d, want 1", len(recent))
	}
	if recent[0].ToState != lifecycle.StateError {
		t.Fatalf("recent transition to %s, want error", recent[0].ToState)
	}
}

func TestTracker_ClearHistoryPreservesCurrentState(t *testing.T) {
	p := &memoryPersister{}
	tr := New(p, zerolog.Nop())
	ctx := context.Background()

	if err := tr.RecordTransition(ctx, lifecycle.StateStarting, nil, false); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := tr.ClearHistory(ctx); err != nil {
		t.Fatalf("clear history: %v", err)
	}

	if tr.CurrentState() != lifecycle.StateStarting {
		t.Fatalf("current state = %s, want starting", tr.CurrentState())
	}
	if len(tr.History()) != 0 {
		t.Fatal("history not cleared")
	}
	snapshot := p.last(t)
	if len(snapshot.TransitionHistory) != 0 {
		t.Fatal("cleared history was not persisted")
	}
}

func TestTracker_InitializeRestoresSnapshot(t *testing.T) {
	stamp := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	p := &memoryPersister{loadWith: &Snapshot{
		CurrentState:       lifecycle.StateCompleted,
		LastTransitionTime: stamp,
		TransitionHistory: []lifecycle.Transition{
			{FromState: lifecycle.StateIdle, ToState: lifecycle.StateStarting, Timestamp: stamp.Add(-time.Minute)},
			{FromState: lifecycle.StateStarting, ToState: lifecycle.StateCompleted, Timestamp: stamp},
		},
	}}
	tr := New(p, zerolog.Nop())

	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if tr.CurrentState() != lifecycle.StateCompleted {
		t.Fatalf("restored state = %s, want completed", tr.CurrentState())
	}
	if len(tr.History()) != 2 {
		t.Fatalf("restored history = %d entries, want 2", len(tr.History()))
	}
}

func TestTracker_InitializeFallsBackOnLoadError(t *testing.T) {
	p := &memoryPersister{loadErr: errors.New("checksum mismatch")}
	tr := New(p, zerolog.Nop())

	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize must not fail on corrupt state: %v", err)
	}
	if tr.CurrentState() != lifecycle.StateIdle {
		t.Fatalf("fallback state = %s, want idle", tr.CurrentState())
	}
	if len(tr.History()) != 0 {
		t.Fatal("fallback history must be empty")
	}
}

func TestTracker_ConcurrentTransitionsLinearize(t *testing.T) {
	p := &memoryPersister{}
	tr := New(p, zerolog.Nop(), WithMaxHistorySize(1000))
	ctx := context.Background()

	var wg sync.WaitGroup
	const writers = 8
	const perWriter = 20
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if err := tr.RecordTransition(ctx, lifecycle.StateStarting, nil, false); err != nil {
					t.Errorf("concurrent record: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	history := tr.History()
	if len(history) != writers*perWriter {
		t.Fatalf("history length = %d, want %d (no lost or duplicated transitions)", len(history), writers*perWriter)
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Fatal("history timestamps out of order")
		}
	}
}
