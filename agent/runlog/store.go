package runlog

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/dshills/agentflow-go/log"
)

// File names inside a run directory.
const (
	summaryFile  = "summary.json"
	detailsFile  = "details.jsonl"
	toolLogsFile = "tool_logs.jsonl"
)

// Store writes and reads run logs under <root>/runs/<run_id>/.
//
// Appends open the file per call with O_APPEND so crash recovery needs no
// in-memory bookkeeping; the summary is written atomically via temp+rename.
type Store struct {
	root   string
	logger log.Logger

	// mu serializes appends to the same run from parallel goroutines so
	// lines are never interleaved mid-record.
	mu sync.Mutex
}

// NewStore creates a Store rooted at dir, creating <dir>/runs if needed.
func NewStore(dir string, logger log.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("runlog root cannot be empty")
	}
	if logger == nil {
		logger = &log.NoOpLogger{}
	}
	if err := os.MkdirAll(filepath.Join(dir, "runs"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runs dir: %w", err)
	}
	return &Store{root: dir, logger: logger}, nil
}

func (s *Store) runDir(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, "/\\") || strings.Contains(runID, "..") {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(s.root, "runs", runID), nil
}

// EnsureRunDir creates the run directory eagerly so in-progress runs are
// visible to ListRuns before any record is written.
func (s *Store) EnsureRunDir(runID string) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create run dir %s: %w", runID, err)
	}
	return nil
}

// appendLine marshals v and appends it as one line to the named file.
func (s *Store) appendLine(runID, file string, v any) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", file, err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(dir, file), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s for run %s: %w", file, runID, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append to %s for run %s: %w", file, runID, err)
	}
	return nil
}

// AppendStep appends one L3 record to tool_logs.jsonl.
func (s *Store) AppendStep(runID string, step NodeStepLog) error {
	return s.appendLine(runID, toolLogsFile, step)
}

// AppendNodeDetail appends one L2 record to details.jsonl.
func (s *Store) AppendNodeDetail(runID string, detail NodeDetail) error {
	return s.appendLine(runID, detailsFile, detail)
}

// SaveSummary writes summary.json atomically via a temp file and rename.
func (s *Store) SaveSummary(runID string, summary RunSummaryLog) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create run dir %s: %w", runID, err)
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".summary-*")
	if err != nil {
		return fmt.Errorf("failed to create temp summary: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp summary: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, summaryFile)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename summary: %w", err)
	}
	return nil
}

// LoadSummary reads summary.json. Returns os.ErrNotExist-wrapped errors for
// runs that have not completed.
func (s *Store) LoadSummary(runID string) (*RunSummaryLog, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, summaryFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read summary for %s: %w", runID, err)
	}
	var summary RunSummaryLog
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary for %s: %w", runID, err)
	}
	return &summary, nil
}

// readLines decodes each line of the named file into out via decode,
// skipping lines that do not parse. A missing file yields zero records.
func (s *Store) readLines(runID, file string, decode func([]byte) bool) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	f, err := os.Open(filepath.Join(dir, file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open %s for %s: %w", file, runID, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if !decode(raw) {
			s.logger.Warn("skipping corrupt line %d in %s/%s", line, runID, file)
		}
	}
	if err := scanner.Err(); err != nil {
		// A torn trailing write surfaces here; the records already decoded
		// are still valid.
		s.logger.Warn("stopped reading %s/%s: %v", runID, file, err)
	}
	return nil
}

// LoadDetails parses details.jsonl, skipping corrupt lines.
func (s *Store) LoadDetails(runID string) ([]NodeDetail, error) {
	var details []NodeDetail
	err := s.readLines(runID, detailsFile, func(raw []byte) bool {
		var d NodeDetail
		if json.Unmarshal(raw, &d) != nil {
			return false
		}
		details = append(details, d)
		return true
	})
	return details, err
}

// LoadToolLogs parses tool_logs.jsonl, skipping corrupt lines.
func (s *Store) LoadToolLogs(runID string) ([]NodeStepLog, error) {
	var steps []NodeStepLog
	err := s.readLines(runID, toolLogsFile, func(raw []byte) bool {
		var st NodeStepLog
		if json.Unmarshal(raw, &st) != nil {
			return false
		}
		steps = append(steps, st)
		return true
	})
	return steps, err
}

// ListFilter narrows ListRuns results. Zero values mean "no filter".
type ListFilter struct {
	Status         string
	NeedsAttention *bool
	Limit          int
}

// ListRuns scans run directories, parsing each summary. Directories without
// a summary surface as synthetic in_progress entries with the start time
// recovered from the run id prefix. Results sort by started_at descending.
func (s *Store) ListRuns(filter ListFilter) ([]RunSummaryLog, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan runs dir: %w", err)
	}

	var runs []RunSummaryLog
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runID := e.Name()
		summary, err := s.LoadSummary(runID)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("skipping run %s: %v", runID, err)
				continue
			}
			summary = &RunSummaryLog{
				RunID:     runID,
				Status:    StatusInProgress,
				StartedAt: parseRunIDTime(runID),
			}
		}
		if filter.Status != "" && summary.Status != filter.Status {
			continue
		}
		if filter.NeedsAttention != nil && summary.NeedsAttention != *filter.NeedsAttention {
			continue
		}
		runs = append(runs, *summary)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// Digest returns a short BLAKE3 digest of data, used for the input/output
// fingerprints in L3 records. Large payloads are never stored verbatim.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// NowMS returns elapsed milliseconds since start, never negative.
func NowMS(start time.Time) int64 {
	d := time.Since(start).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}
