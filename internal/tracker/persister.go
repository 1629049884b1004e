package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorum-ai/quorum-agent/internal/lifecycle"
	"github.com/quorum-ai/quorum-agent/internal/metrics"
	"github.com/quorum-ai/quorum-agent/internal/state"
)

// stateKey is the document name used for tracker snapshots in the state
// manager.
const stateKey = "agent_state_transitions"

// Snapshot is the durable form of the tracker's runtime state.
type Snapshot struct {
	CurrentState       lifecycle.State        `json:"current_state"`
	LastTransitionTime time.Time              `json:"last_transition_time"`
	TransitionHistory  []lifecycle.Transition `json:"transition_history"`
}

// Persister stores and retrieves tracker snapshots. Load returns (nil, nil)
// when nothing has been persisted yet. Implementations choose their own
// error propagation policy for Save: the legacy file persister is
// best-effort, the manager-backed persister is strict.
type Persister interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
}

// FilePersister persists snapshots as plain JSON at a fixed path. Save
// failures are logged and swallowed, preserving the legacy behavior of the
// file-backed tracker.
type FilePersister struct {
	path   string
	logger zerolog.Logger
}

// NewFilePersister returns a best-effort file persister.
func NewFilePersister(path string, logger zerolog.Logger) *FilePersister {
	return &FilePersister{path: path, logger: logger}
}

// Load reads the snapshot file. Missing files return (nil, nil).
func (p *FilePersister) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tracker state: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("decode tracker state: %w", err)
	}
	return &snapshot, nil
}

// Save writes the snapshot, logging and swallowing any failure.
func (p *FilePersister) Save(ctx context.Context, snapshot Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to encode tracker state")
		return nil
	}
	if err := os.WriteFile(p.path, encoded, 0o644); err != nil {
		p.logger.Error().Str("path", p.path).Err(err).Msg("failed to persist tracker state")
	}
	return nil
}

// ManagerPersister persists snapshots through the state manager with
// checksums and backups. Save failures surface to the caller.
type ManagerPersister struct {
	manager *state.Manager
	name    string
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewManagerPersister returns a strict manager-backed persister using the
// default document name. metrics may be nil.
func NewManagerPersister(manager *state.Manager, m *metrics.Metrics, logger zerolog.Logger) *ManagerPersister {
	return NewNamedManagerPersister(manager, stateKey, m, logger)
}

// NewNamedManagerPersister persists snapshots under a caller-chosen document
// name, letting each governance space keep its own tracker document.
func NewNamedManagerPersister(manager *state.Manager, name string, m *metrics.Metrics, logger zerolog.Logger) *ManagerPersister {
	if name == "" {
		name = stateKey
	}
	return &ManagerPersister{manager: manager, name: name, metrics: m, logger: logger}
}

// Load fetches the persisted snapshot from the state manager.
func (p *ManagerPersister) Load(ctx context.Context) (*Snapshot, error) {
	data, err := p.manager.LoadState(ctx, p.name, state.LoadOptions{})
	if err != nil {
		var corruption *state.CorruptionError
		if errors.As(err, &corruption) {
			p.metrics.IncStateCorruption()
		}
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return snapshotFromData(data)
}

// Save writes the snapshot through the state manager.
func (p *ManagerPersister) Save(ctx context.Context, snapshot Snapshot) error {
	started := time.Now()
	_, err := p.manager.SaveState(ctx, p.name, snapshotToData(snapshot), state.SaveOptions{})
	if err != nil {
		return fmt.Errorf("persist tracker state: %w", err)
	}
	p.metrics.ObserveStateSaveDuration(time.Since(started))
	return nil
}

// snapshotToData converts a snapshot to the document shape stored by the
// state manager.
func snapshotToData(snapshot Snapshot) map[string]any {
	history := make([]any, 0, len(snapshot.TransitionHistory))
	for _, t := range snapshot.TransitionHistory {
		entry := map[string]any{
			"from_state": string(t.FromState),
			"to_state":   string(t.ToState),
			"timestamp":  t.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if len(t.Metadata) > 0 {
			entry["metadata"] = t.Metadata
		}
		history = append(history, entry)
	}

	data := map[string]any{
		"current_state":      string(snapshot.CurrentState),
		"transition_history": history,
	}
	if !snapshot.LastTransitionTime.IsZero() {
		data["last_transition_time"] = snapshot.LastTransitionTime.UTC().Format(time.RFC3339Nano)
	}
	return data
}

// snapshotFromData parses a stored document back into a snapshot.
func snapshotFromData(data map[string]any) (*Snapshot, error) {
	current, ok := data["current_state"].(string)
	if !ok {
		return nil, errors.New("tracker state missing current_state")
	}
	snapshot := &Snapshot{CurrentState: lifecycle.State(current)}
	if !snapshot.CurrentState.Valid() {
		return nil, fmt.Errorf("tracker state has unknown current_state %q", current)
	}

	if raw, ok := data["last_transition_time"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse last_transition_time: %w", err)
		}
		snapshot.LastTransitionTime = parsed
	}

	rawHistory, _ := data["transition_history"].([]any)
	for i, rawEntry := range rawHistory {
		entry, ok := rawEntry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("transition %d has unexpected shape", i)
		}
		from, _ := entry["from_state"].(string)
		to, _ := entry["to_state"].(string)
		stamp, _ := entry["timestamp"].(string)
		parsed, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			return nil, fmt.Errorf("parse transition %d timestamp: %w", i, err)
		}
		metadata, _ := entry["metadata"].(map[string]any)
		snapshot.TransitionHistory = append(snapshot.TransitionHistory, lifecycle.Transition{
			FromState: lifecycle.State(from),
			ToState:   lifecycle.State(to),
			Timestamp: parsed,
			Metadata:  metadata,
		})
	}

	return snapshot, nil
}
