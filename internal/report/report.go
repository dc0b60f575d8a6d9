package report

// ============================================================================
// Run reports:
// 1. One JSON file per run, named by a time-ordered ULID run id
// 2. Atomic writes (temp file + rename) so a crash never leaves half a report
// 3. latest.json always mirrors the most recent run for the status command
// 4. Only the newest `retention` reports are kept
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ChuLiYu/bootbaker/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptReport       = errors.New("run report is corrupted")
	ErrIncompatibleVersion = errors.New("run report schema version is incompatible")
	ErrReportNotFound      = errors.New("run report not found")
)

// SchemaVersion is written into every report.
const SchemaVersion = 1

const latestName = "latest.json"

// ============================================================================
// Data
// ============================================================================

// Report is the persisted record of one run.
type Report struct {
	SchemaVer     int                   `json:"schema_version"`
	RunID         string                `json:"run_id"`
	Mode          types.RunMode         `json:"mode"`
	StartedAt     time.Time             `json:"started_at"`
	FinishedAt    time.Time             `json:"finished_at"`
	Targets       int                   `json:"targets"`
	Built         int                   `json:"built"`
	Workers       int                   `json:"workers"`
	Counters      types.CounterSnapshot `json:"counters"`
	Outcomes      []types.TestOutcome   `json:"outcomes,omitempty"`
	BuildFailures []types.BuildFailure  `json:"build_failures,omitempty"`
}

// Failed reports whether any build or test in the run did not pass.
func (r Report) Failed() bool {
	return len(r.BuildFailures) > 0 || r.Counters.Failed > 0 || r.Counters.TimedOut > 0
}

// NewRunID returns a new lexicographically time-ordered run id.
func NewRunID() string {
	return ulid.Make().String()
}

// Store reads and writes reports in one directory.
type Store struct {
	dir       string
	retention int        // reports kept, <= 0 keeps all
	mu        sync.Mutex // serializes file operations
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, retention int) *Store {
	return &Store{dir: dir, retention: retention}
}

// ============================================================================
// Operations
// ============================================================================

// Write persists r as <run-id>.json and latest.json and prunes old reports.
// It returns the path of the run's report.
func (s *Store) Write(r Report) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.RunID == "" {
		return "", fmt.Errorf("report has no run id")
	}
	r.SchemaVer = SchemaVersion

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report dir: %w", err)
	}

	path := filepath.Join(s.dir, r.RunID+".json")
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	if err := writeAtomic(filepath.Join(s.dir, latestName), data); err != nil {
		return "", err
	}
	if err := s.prune(); err != nil {
		return "", err
	}
	return path, nil
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}

// Latest loads latest.json.
func (s *Store) Latest() (Report, error) {
	return s.Load(filepath.Join(s.dir, latestName))
}

// Load reads and validates one report file.
func (s *Store) Load(path string) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r Report
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, fmt.Errorf("%w: %s", ErrReportNotFound, path)
		}
		return r, fmt.Errorf("failed to read report: %w", err)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrCorruptReport, err)
	}
	if r.SchemaVer != SchemaVersion {
		return r, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, r.SchemaVer, SchemaVersion)
	}
	return r, nil
}

// List returns the stored run ids, oldest first.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *Store) list() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == latestName || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if _, err := ulid.ParseStrict(id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) prune() error {
	if s.retention <= 0 {
		return nil
	}
	ids, err := s.list()
	if err != nil {
		return err
	}
	for len(ids) > s.retention {
		if err := os.Remove(filepath.Join(s.dir, ids[0]+".json")); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to prune report %s: %w", ids[0], err)
		}
		ids = ids[1:]
	}
	return nil
}
