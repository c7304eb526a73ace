package artifacts

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"humanbrowse/internal/logging"
)

// ErrNoMetadata is returned when a run directory has no metadata.json.
var ErrNoMetadata = errors.New("run metadata not found")

// LoadMetadata reads metadata.json from a run directory.
func LoadMetadata(dir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, ErrNoMetadata
		}
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse metadata: %w", err)
	}
	return meta, nil
}

// ReadRecords returns every record of run.jsonl in order. Blank lines and
// lines that are not valid JSON, such as a partially written tail, are skipped.
func ReadRecords(dir string) ([]json.RawMessage, error) {
	f, err := os.Open(filepath.Join(dir, LogFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	records := []json.RawMessage{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			logging.ArtifactsWarn("skipping malformed record in %s", dir)
			continue
		}
		records = append(records, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read run log: %w", err)
	}
	return records, nil
}

// ListRuns returns the metadata of every run under root, newest first.
// Hidden entries and directories without readable metadata are skipped.
func ListRuns(root string) ([]Metadata, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []Metadata{}, nil
		}
		return nil, fmt.Errorf("list runs: %w", err)
	}

	runs := []Metadata{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		meta, err := LoadMetadata(filepath.Join(root, e.Name()))
		if err != nil {
			continue
		}
		runs = append(runs, meta)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// ManualAssist describes why a run handed control to a human.
type ManualAssist struct {
	Message    string    `json:"message"`
	Screenshot string    `json:"screenshot,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Detail is a run's metadata with its records split by type.
type Detail struct {
	Metadata     Metadata          `json:"metadata"`
	Records      []json.RawMessage `json:"records"`
	Steps        []json.RawMessage `json:"steps"`
	Notes        []json.RawMessage `json:"notes"`
	ManualAssist *ManualAssist     `json:"manual_assist"`
}

type recordHeader struct {
	Type      RecordType `json:"type"`
	Status    Status     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Result    struct {
		Reason     string `json:"reason"`
		Message    string `json:"message"`
		Screenshot string `json:"screenshot"`
	} `json:"result"`
}

// LoadRunDetail reads everything known about one run.
func LoadRunDetail(dir string) (Detail, error) {
	meta, err := LoadMetadata(dir)
	if err != nil {
		return Detail{}, err
	}
	records, err := ReadRecords(dir)
	if err != nil {
		return Detail{}, err
	}

	d := Detail{
		Metadata: meta,
		Records:  records,
		Steps:    []json.RawMessage{},
		Notes:    []json.RawMessage{},
	}
	for _, raw := range records {
		var h recordHeader
		if err := json.Unmarshal(raw, &h); err != nil {
			continue
		}
		switch h.Type {
		case RecordStep:
			d.Steps = append(d.Steps, raw)
			if h.Status == StatusNeedsManualAssist {
				msg := h.Result.Reason
				if msg == "" {
					msg = h.Result.Message
				}
				d.ManualAssist = &ManualAssist{
					Message:    msg,
					Screenshot: h.Result.Screenshot,
					Timestamp:  h.Timestamp,
				}
			}
		case RecordNote:
			d.Notes = append(d.Notes, raw)
		}
	}
	return d, nil
}
