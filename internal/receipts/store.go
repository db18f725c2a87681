// Package receipts implements the atomic on-disk receipt and artifact store
// (spec §4.3 / component C3). Every persisted JSON file and binary artifact
// goes through the same write-temp-then-rename discipline, grounded on
// core/pkg/artifacts.FileStore.Store's tmp+rename CAS write.
package receipts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/apperrors"
)

// Store is the filesystem-backed receipt/artifact/cache persistence layer
// rooted at a single state directory. Writes to distinct receipt paths
// never contend, each is protected by its unique (run_id, job_id)-derived
// path (spec §5), so Store itself holds no lock.
type Store struct {
	stateDir string
}

// NewStore creates a Store rooted at stateDir. The directory is created
// lazily by the first write.
func NewStore(stateDir string) *Store {
	return &Store{stateDir: stateDir}
}

// ReceiptDir returns "<state_dir>/receipts/<run_id>/<job_id>".
func (s *Store) ReceiptDir(runID, jobID string) string {
	return filepath.Join(s.stateDir, "receipts", runID, jobID)
}

// ReceiptPath returns the job_receipt.json path for (runID, jobID).
func (s *Store) ReceiptPath(runID, jobID string) string {
	return filepath.Join(s.ReceiptDir(runID, jobID), "job_receipt.json")
}

// LogPath returns the worker.log path for (runID, jobID).
func (s *Store) LogPath(runID, jobID string) string {
	return filepath.Join(s.ReceiptDir(runID, jobID), "worker.log")
}

// ArtifactsDir returns the artifacts/ directory for (runID, jobID).
func (s *Store) ArtifactsDir(runID, jobID string) string {
	return filepath.Join(s.ReceiptDir(runID, jobID), "artifacts")
}

// ArtifactsZipPath returns the optional bulk artifacts.zip path.
func (s *Store) ArtifactsZipPath(runID, jobID string) string {
	return filepath.Join(s.ReceiptDir(runID, jobID), "artifacts.zip")
}

// WriteReceipt persists r atomically at its (RunID, JobID) path. A
// re-submission with identical inputs that resolves to the same
// (run_id, job_id) overwrites the same path, idempotency-by-fingerprint is
// preserved because the caller only calls WriteReceipt once per job_id
// (spec §5: "Receipts for a given (run_id, job_id) are written once").
func (s *Store) WriteReceipt(r *Receipt) error {
	if r.RunID == "" || r.JobID == "" {
		return apperrors.New(apperrors.KindInternal, "receipt missing run_id/job_id")
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("receipts: marshal: %w", err)
	}
	return atomicWriteFile(s.ReceiptPath(r.RunID, r.JobID), data, 0o644)
}

// ReadReceipt loads the receipt for (runID, jobID). Missing files are
// reported via apperrors.KindNotFound.
func (s *Store) ReadReceipt(runID, jobID string) (*Receipt, error) {
	data, err := os.ReadFile(s.ReceiptPath(runID, jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.New(apperrors.KindNotFound, "receipt not found")
		}
		return nil, fmt.Errorf("receipts: read: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("receipts: unmarshal: %w", err)
	}
	return &r, nil
}

// AppendLogLine appends one JSON-line log event to worker.log for
// (runID, jobID). Each call is a single os.OpenFile+Write of a complete
// line so concurrent writers interleave safely at line granularity
// (spec §4.6: "each append is a single write of a complete line").
func (s *Store) AppendLogLine(runID, jobID string, event LogEvent) error {
	path := s.LogPath(runID, jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("receipts: mkdir for log: %w", err)
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("receipts: marshal log event: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("receipts: open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("receipts: write log line: %w", err)
	}
	return nil
}

// LogEvent is a single append-only log line. Spec §4.6.
type LogEvent struct {
	Timestamp time.Time `json:"ts"`
	JobID     string    `json:"job_id"`
	Event     string    `json:"event"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// SafeArtifactName applies the safe-name rule: path separators are replaced
// with underscores, then the resolved path's parent directory must be
// exactly dir, anything else is PATH_ESCAPE. Spec §4.3.
func SafeArtifactName(dir, name string) (string, error) {
	if name == "" {
		return "", apperrors.New(apperrors.KindPathEscape, "artifact name is empty")
	}
	flattened := strings.NewReplacer("/", "_", "\\", "_").Replace(name)
	candidate := filepath.Join(dir, flattened)

	cleanDir := filepath.Clean(dir)
	if filepath.Dir(candidate) != cleanDir {
		return "", apperrors.New(apperrors.KindPathEscape, fmt.Sprintf("artifact name %q escapes the receipt directory", name))
	}
	return candidate, nil
}

// WriteArtifact writes data as an artifact named name under the receipt's
// artifacts/ directory, atomically, and returns its catalog entry. SHA-256
// is computed locally and is the source of truth recorded in the receipt;
// callers that also received a SHA-256 from a remote worker must compare it
// against the returned Artifact's SHA256 themselves (spec §9 open question 3).
func (s *Store) WriteArtifact(runID, jobID, name string, data []byte) (Artifact, error) {
	dir := s.ArtifactsDir(runID, jobID)
	path, err := SafeArtifactName(dir, name)
	if err != nil {
		return Artifact{}, err
	}
	if err := atomicWriteFile(path, data, 0o644); err != nil {
		return Artifact{}, err
	}
	sum := sha256.Sum256(data)
	return Artifact{
		Path:      path,
		SHA256:    hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(data)),
	}, nil
}

// LocalCachePath returns "<state_dir>/local_cache/<step>_<hash>.json".
func (s *Store) LocalCachePath(step, hash string) string {
	name := fmt.Sprintf("%s_%s.json", strings.ToLower(step), strings.ToLower(hash))
	return filepath.Join(s.stateDir, "local_cache", name)
}

// WriteLocalCacheEntry atomically persists a fingerprint-keyed cache entry.
func (s *Store) WriteLocalCacheEntry(step, hash string, entry LocalCacheEntry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("receipts: marshal cache entry: %w", err)
	}
	return atomicWriteFile(s.LocalCachePath(step, hash), data, 0o644)
}

// ReadLocalCacheEntry returns the cache entry for (step, hash), or ok=false
// if no cache file exists yet.
func (s *Store) ReadLocalCacheEntry(step, hash string) (entry LocalCacheEntry, ok bool, err error) {
	data, readErr := os.ReadFile(s.LocalCachePath(step, hash))
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return LocalCacheEntry{}, false, nil
		}
		return LocalCacheEntry{}, false, fmt.Errorf("receipts: read cache entry: %w", readErr)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return LocalCacheEntry{}, false, fmt.Errorf("receipts: unmarshal cache entry: %w", err)
	}
	return entry, true, nil
}
