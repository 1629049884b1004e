// Package state provides durable, corruption-resistant storage of named JSON
// documents with checksums, automatic backups, and schema migrations.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorum-ai/quorum-agent/internal/metrics"
)

const (
	backupsDirName    = "backups"
	defaultMaxBackups = 5
	stateFileSuffix   = ".json"
	backupSuffix      = ".backup"
)

// defaultVersion tags documents saved without an explicit schema version.
var defaultVersion = Version{Major: 1}

// Document is the persisted unit on disk. Checksum always matches Data at
// rest; a mismatch is corruption, not a version mismatch.
type Document struct {
	Version   string         `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Checksum  string         `json:"checksum"`
}

// MigrationFunc upgrades a document's data between schema versions.
type MigrationFunc func(data map[string]any) (map[string]any, error)

type migration struct {
	from Version
	to   Version
	fn   MigrationFunc
}

// SaveOptions customizes a single SaveState call.
type SaveOptions struct {
	// Sensitive restricts the written file to owner read/write (0600).
	Sensitive bool
	// Schema, when non-nil, is validated before anything is written.
	Schema *Schema
	// Version tags the document; the zero value means 1.0.0.
	Version Version
}

// LoadOptions customizes a single LoadState call.
type LoadOptions struct {
	// Sensitive asserts the on-disk file mode is exactly 0600.
	Sensitive bool
	// Schema, when non-nil, is validated after any migrations.
	Schema *Schema
	// AllowRecovery falls back to the newest backup on corruption.
	AllowRecovery bool
	// TargetVersion, when non-nil, applies registered migrations up to it.
	TargetVersion *Version
}

// Manager stores named JSON documents under a root directory. Save and load
// for the same name never interleave; distinct names proceed concurrently.
type Manager struct {
	logger     zerolog.Logger
	root       string
	backupsDir string
	maxBackups int
	metrics    *metrics.Metrics

	mu             sync.Mutex
	locks          map[string]*sync.Mutex
	migrationPaths []string
	migrations     []migration
}

// Option customizes Manager construction.
type Option func(*Manager)

// WithMaxBackups overrides how many backups are retained per document.
func WithMaxBackups(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxBackups = n
		}
	}
}

// WithMetrics attaches a collector so backup recoveries are counted.
func WithMetrics(collector *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = collector
	}
}

// NewManager creates a Manager rooted at root, creating the directory tree
// if needed. An empty root falls back to $HOME/.quorum-agent/state.
func NewManager(root string, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		root = filepath.Join(home, ".quorum-agent", "state")
	}

	m := &Manager{
		logger:     logger,
		root:       root,
		backupsDir: filepath.Join(root, backupsDirName),
		maxBackups: defaultMaxBackups,
		locks:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(m.backupsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directories: %w", err)
	}

	return m, nil
}

// Root returns the directory the manager stores documents under.
func (m *Manager) Root() string {
	return m.root
}

// AddMigrationPath registers a legacy directory to search when a document is
// not found in the primary store. The first match is copied in and used.
func (m *Manager) AddMigrationPath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrationPaths = append(m.migrationPaths, path)
}

// RegisterMigration registers fn to upgrade documents from one schema
// version to another. Migrations run in ascending version order at load.
func (m *Manager) RegisterMigration(from, to Version, fn MigrationFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrations = append(m.migrations, migration{from: from, to: to, fn: fn})
}

// SaveState validates and atomically writes a document. The previous
// committed document, if any, is copied into the backup directory first.
// Returns the path of the written file.
func (m *Manager) SaveState(ctx context.Context, name string, data map[string]any, opts SaveOptions) (string, error) {
	if name == "" {
		return "", errors.New("state name must not be empty")
	}
	if err := opts.Schema.Validate(data); err != nil {
		return "", err
	}

	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	return m.saveLocked(ctx, name, data, opts)
}

// saveLocked performs the backup-then-write sequence. Callers hold the
// per-name lock.
func (m *Manager) saveLocked(ctx context.Context, name string, data map[string]any, opts SaveOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	target := m.statePath(name)

	if _, err := os.Stat(target); err == nil {
		if err := m.createBackup(name, target); err != nil {
			return "", fmt.Errorf("back up previous state: %w", err)
		}
	}

	version := opts.Version
	if version.IsZero() {
		version = defaultVersion
	}

	checksum, err := Checksum(data)
	if err != nil {
		return "", fmt.Errorf("compute checksum: %w", err)
	}

	doc := Document{
		Version:   version.String(),
		Timestamp: time.Now().UTC(),
		Data:      data,
		Checksum:  checksum,
	}
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode state document: %w", err)
	}

	tempFile, err := os.CreateTemp(m.root, "."+name+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = os.Remove(tempFile.Name())
	}

	if _, err := tempFile.Write(encoded); err != nil {
		_ = tempFile.Close()
		cleanup()
		return "", fmt.Errorf("write state document: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		cleanup()
		return "", fmt.Errorf("sync state document: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close temp file: %w", err)
	}

	mode := os.FileMode(0o644)
	if opts.Sensitive {
		mode = 0o600
	}
	if err := os.Chmod(tempFile.Name(), mode); err != nil {
		cleanup()
		return "", fmt.Errorf("set file mode: %w", err)
	}

	if err := os.Rename(tempFile.Name(), target); err != nil {
		cleanup()
		return "", fmt.Errorf("commit state document: %w", err)
	}

	if dirHandle, err := os.Open(m.root); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}

	info, err := os.Stat(target)
	if err != nil {
		return "", fmt.Errorf("stat committed state: %w", err)
	}
	if info.Mode().Perm()&0o200 == 0 {
		return "", &PermissionError{Name: name, Mode: info.Mode().Perm()}
	}

	m.logger.Debug().Str("name", name).Str("version", doc.Version).Msg("state saved")
	return target, nil
}

// LoadState reads a document's data. Returns nil data and nil error when the
// document does not exist anywhere (primary store or migration paths).
func (m *Manager) LoadState(ctx context.Context, name string, opts LoadOptions) (map[string]any, error) {
	if name == "" {
		return nil, errors.New("state name must not be empty")
	}

	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target, err := m.findOrMigrate(ctx, name)
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, nil
	}

	if opts.Sensitive {
		info, err := os.Stat(target)
		if err != nil {
			return nil, fmt.Errorf("stat state file: %w", err)
		}
		if info.Mode().Perm() != 0o600 {
			return nil, &PermissionError{Name: name, Mode: info.Mode().Perm()}
		}
	}

	data, err := m.readVerified(target, name)
	if err != nil {
		var corruption *CorruptionError
		if errors.As(err, &corruption) && opts.AllowRecovery {
			m.logger.Warn().Str("name", name).Str("reason", corruption.Reason).Msg("state corrupted, attempting recovery from backup")
			return m.recoverFromBackup(name)
		}
		return nil, err
	}

	if opts.TargetVersion != nil {
		data, err = m.applyMigrations(target, *opts.TargetVersion, data)
		if err != nil {
			return nil, err
		}
	}

	if err := opts.Schema.Validate(data); err != nil {
		return nil, err
	}

	return data, nil
}

// findOrMigrate locates the document, migrating it in from a legacy
// directory on first sight. Returns "" when nothing exists.
func (m *Manager) findOrMigrate(ctx context.Context, name string) (string, error) {
	target := m.statePath(name)
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}

	m.mu.Lock()
	paths := append([]string(nil), m.migrationPaths...)
	m.mu.Unlock()

	for _, dir := range paths {
		legacy := filepath.Join(dir, name+stateFileSuffix)
		raw, err := os.ReadFile(legacy)
		if err != nil {
			continue
		}

		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			return "", &CorruptionError{Name: name, Reason: fmt.Sprintf("legacy file %s is not valid JSON", legacy)}
		}

		if _, err := m.saveLocked(ctx, name, data, SaveOptions{}); err != nil {
			return "", fmt.Errorf("migrate legacy state %s: %w", legacy, err)
		}
		m.logger.Info().Str("name", name).Str("from", legacy).Msg("migrated legacy state into store")
		return target, nil
	}

	return "", nil
}

// readVerified parses a document file and verifies its checksum.
func (m *Manager) readVerified(path, name string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &CorruptionError{Name: name, Reason: "document is not valid JSON"}
	}

	if doc.Checksum != "" {
		actual, err := Checksum(doc.Data)
		if err != nil {
			return nil, fmt.Errorf("compute checksum: %w", err)
		}
		if actual != doc.Checksum {
			return nil, &CorruptionError{Name: name, Reason: "checksum mismatch"}
		}
	}

	return doc.Data, nil
}

// recoverFromBackup returns the newest intact backup's data, or nil when no
// backup exists.
func (m *Manager) recoverFromBackup(name string) (map[string]any, error) {
	backups, err := m.ListBackups(name)
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, nil
	}
	m.logger.Info().Str("name", name).Str("backup", backups[0]).Msg("restoring state from backup")
	data, err := m.RestoreFromBackup(name, backups[0])
	if err != nil {
		return nil, err
	}
	m.metrics.IncBackupRecoveries()
	return data, nil
}

// applyMigrations upgrades data to the target version using registered
// migration functions in ascending version order.
func (m *Manager) applyMigrations(path string, target Version, data map[string]any) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode state document: %w", err)
	}
	if doc.Version == "" {
		return data, nil
	}

	stored, err := ParseVersion(doc.Version)
	if err != nil {
		return nil, fmt.Errorf("parse stored version: %w", err)
	}
	if !stored.Less(target) {
		return data, nil
	}

	m.mu.Lock()
	pending := make([]migration, 0, len(m.migrations))
	for _, mig := range m.migrations {
		if mig.from.Compare(stored) >= 0 && mig.to.Compare(target) <= 0 {
			pending = append(pending, mig)
		}
	}
	m.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		if c := pending[i].from.Compare(pending[j].from); c != 0 {
			return c < 0
		}
		return pending[i].to.Less(pending[j].to)
	})

	current := data
	for _, mig := range pending {
		next, err := mig.fn(current)
		if err != nil {
			return nil, &MigrationError{From: mig.from, To: mig.to, Err: err}
		}
		current = next
		m.logger.Info().Str("from", mig.from.String()).Str("to", mig.to.String()).Msg("applied state migration")
	}

	return current, nil
}

// ListBackups returns backup file paths for name, newest first.
func (m *Manager) ListBackups(name string) ([]string, error) {
	entries, err := filepath.Glob(filepath.Join(m.backupsDir, name+".*"+backupSuffix))
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	type backupInfo struct {
		path    string
		modTime time.Time
	}
	infos := make([]backupInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := os.Stat(entry)
		if err != nil {
			continue
		}
		infos = append(infos, backupInfo{path: entry, modTime: info.ModTime()})
	}

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].modTime.Equal(infos[j].modTime) {
			return infos[i].modTime.After(infos[j].modTime)
		}
		return infos[i].path > infos[j].path
	})

	paths := make([]string, len(infos))
	for i, info := range infos {
		paths[i] = info.path
	}
	return paths, nil
}

// RestoreFromBackup returns the data from a specific backup after verifying
// its checksum. A corrupted backup is never silently trusted.
func (m *Manager) RestoreFromBackup(name, backupPath string) (map[string]any, error) {
	raw, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &CorruptionError{Name: name, Reason: fmt.Sprintf("backup %s is not valid JSON", filepath.Base(backupPath))}
	}

	if doc.Checksum != "" {
		actual, err := Checksum(doc.Data)
		if err != nil {
			return nil, fmt.Errorf("compute checksum: %w", err)
		}
		if actual != doc.Checksum {
			return nil, &CorruptionError{Name: name, Reason: fmt.Sprintf("backup %s failed checksum verification", filepath.Base(backupPath))}
		}
	}

	return doc.Data, nil
}

// ListFiles returns the names of all documents in the store, sorted.
func (m *Manager) ListFiles() ([]string, error) {
	entries, err := filepath.Glob(filepath.Join(m.root, "*"+stateFileSuffix))
	if err != nil {
		return nil, fmt.Errorf("list state files: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, filepath.Base(entry))
	}
	sort.Strings(names)
	return names, nil
}

// Checksum computes the SHA-256 hex digest of the canonical JSON encoding
// of data. The value is round-tripped through encoding/json first so that
// the digest covers the decoded representation: loading hashes what came
// off disk, and numbers wider than float64 precision (json decodes all
// numbers to float64) would otherwise hash differently at save time than
// at load time. encoding/json writes map keys in sorted order, which makes
// the second encoding canonical for JSON-object data.
func Checksum(data map[string]any) (string, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:]), nil
}

// createBackup copies the committed document into the backup directory and
// prunes backups beyond maxBackups, oldest first.
func (m *Manager) createBackup(name, target string) error {
	raw, err := os.ReadFile(target)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	stamp := now.Format("20060102_150405") + fmt.Sprintf("_%06d", now.Nanosecond()/1000)
	backupPath := filepath.Join(m.backupsDir, fmt.Sprintf("%s.%s%s", name, stamp, backupSuffix))

	if err := os.WriteFile(backupPath, raw, 0o600); err != nil {
		return err
	}

	backups, err := m.ListBackups(name)
	if err != nil {
		return err
	}
	for _, old := range backups[min(len(backups), m.maxBackups):] {
		if err := os.Remove(old); err != nil {
			m.logger.Warn().Str("backup", old).Err(err).Msg("failed to prune old backup")
		}
	}

	return nil
}

func (m *Manager) statePath(name string) string {
	return filepath.Join(m.root, name+stateFileSuffix)
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[name] = lock
	}
	return lock
}
