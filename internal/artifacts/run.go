// Package artifacts owns the on-disk record of runs: one directory per run
// holding metadata.json, an append-only run.jsonl, and captured screenshots
// and HTML snapshots.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"humanbrowse/internal/logging"

	"github.com/google/uuid"
)

const (
	MetadataFile   = "metadata.json"
	LogFile        = "run.jsonl"
	ScreenshotsDir = "screenshots"
	HTMLDir        = "html"
)

// Metadata is the contents of metadata.json.
type Metadata struct {
	RunID      string     `json:"run_id"`
	SessionID  string     `json:"session_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Status     Status     `json:"status"`
}

// Run is a handle to one run directory.
type Run struct {
	ID        string
	SessionID string
	Dir       string

	mu sync.Mutex
}

// NewRunID returns a sortable run id: UTC second stamp plus 8 random hex digits.
func NewRunID() string {
	return newRunID(time.Now())
}

func newRunID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return t.UTC().Format("20060102T150405Z") + "_" + suffix
}

// InitRun creates a run directory under root and marks it running.
func InitRun(root, sessionID string) (*Run, error) {
	id := NewRunID()
	dir := filepath.Join(root, id)
	for _, sub := range []string{ScreenshotsDir, HTMLDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create run directory: %w", err)
		}
	}

	run := &Run{ID: id, SessionID: sessionID, Dir: dir}
	meta := Metadata{
		RunID:     id,
		SessionID: sessionID,
		StartedAt: now(),
		Status:    StatusRunning,
	}
	if err := writeMetadata(dir, meta); err != nil {
		return nil, err
	}
	logging.ArtifactsDebug("initialized run %s for session %s", id, sessionID)
	return run, nil
}

// LogPath returns the path of run.jsonl.
func (r *Run) LogPath() string { return filepath.Join(r.Dir, LogFile) }

// MetadataPath returns the path of metadata.json.
func (r *Run) MetadataPath() string { return filepath.Join(r.Dir, MetadataFile) }

// Append writes one record as a line of run.jsonl and flushes it to disk
// before returning.
func (r *Run) Append(record interface{}) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.LogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync run log: %w", err)
	}
	return f.Close()
}

// Finalize re-reads metadata.json, records the terminal status and finish
// time, and replaces the file atomically.
func (r *Run) Finalize(status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, err := LoadMetadata(r.Dir)
	if err != nil {
		return err
	}
	finished := now()
	meta.Status = status
	meta.FinishedAt = &finished
	if err := writeMetadata(r.Dir, meta); err != nil {
		return err
	}
	logging.ArtifactsDebug("finalized run %s as %s", r.ID, status)
	return nil
}

// ScreenshotPath returns screenshots/<label>.png, defaulting the label to step_<index>.
func (r *Run) ScreenshotPath(label string, index int) string {
	return filepath.Join(r.Dir, ScreenshotsDir, artifactName(label, index)+".png")
}

// HTMLSnapshotPath returns html/<label>.html, defaulting the label to step_<index>.
func (r *Run) HTMLSnapshotPath(label string, index int) string {
	return filepath.Join(r.Dir, HTMLDir, artifactName(label, index)+".html")
}

// WriteFile stores an artifact and returns its run-relative path.
func (r *Run) WriteFile(path string, data []byte) (string, error) {
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return r.Rel(path), nil
}

// Rel returns path relative to the run directory using forward slashes.
func (r *Run) Rel(path string) string {
	rel, err := filepath.Rel(r.Dir, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func artifactName(label string, index int) string {
	if label == "" {
		label = fmt.Sprintf("step_%d", index)
	}
	return SanitizeLabel(label)
}

// SanitizeLabel maps every character outside [A-Za-z0-9_-] to "_", strips
// surrounding underscores, and falls back to "artifact".
func SanitizeLabel(label string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, label)
	cleaned = strings.Trim(cleaned, "_")
	if cleaned == "" {
		return "artifact"
	}
	return cleaned
}

func writeMetadata(dir string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".metadata-*.json")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, MetadataFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace metadata: %w", err)
	}
	return nil
}
