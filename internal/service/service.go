// Package service coordinates a request end to end: it resolves the session,
// opens a run, executes the steps and reports a caller-facing response.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"humanbrowse/internal/artifacts"
	"humanbrowse/internal/config"
	"humanbrowse/internal/logging"
	"humanbrowse/internal/metrics"
	"humanbrowse/internal/policy"
	"humanbrowse/internal/runner"
	"humanbrowse/internal/session"
	"humanbrowse/internal/steps"
	"humanbrowse/internal/store"
)

// DefaultPausedMessage is returned for a paused session with no stored reason.
const DefaultPausedMessage = "Session paused. Resume required."

var (
	ErrRunNotFound      = errors.New("run not found")
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Request asks for steps to run in a session.
type Request struct {
	SessionID  string            `json:"session_id,omitempty"`
	NewSession bool              `json:"new_session"`
	Steps      []json.RawMessage `json:"steps"`
	// BaseURL overrides the configured public URL when building run_url.
	BaseURL string `json:"-"`
}

// Response is the outcome of a request.
type Response struct {
	Status     string `json:"status"`
	RunID      string `json:"run_id"`
	SessionID  string `json:"session_id"`
	RunURL     string `json:"run_url"`
	Message    string `json:"message,omitempty"`
	Screenshot string `json:"screenshot,omitempty"`
}

// RunIndex records run lifecycle rows alongside the artifact directories.
type RunIndex interface {
	SaveRun(ctx context.Context, rec store.RunRecord) error
}

// Service ties the registry, executor and artifact store together.
type Service struct {
	live     *config.Live
	sessions *session.Registry
	metrics  *metrics.Collector
	index    RunIndex
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics reports run and step metrics to m.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRunIndex records runs in idx.
func WithRunIndex(idx RunIndex) Option {
	return func(s *Service) { s.index = idx }
}

// New creates a service. Settings are read from live at the start of each
// run so reloaded budgets and policy apply to the next request.
func New(live *config.Live, sessions *session.Registry, opts ...Option) *Service {
	s := &Service{live: live, sessions: sessions}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PublicURL returns the configured public base URL, which may be empty.
func (s *Service) PublicURL() string {
	return s.live.Get().Server.PublicURL
}

// RunsDir returns the current run root.
func (s *Service) RunsDir() string {
	return s.live.Get().RunsDir
}

func (s *Service) runURL(base, runID string) string {
	if base == "" {
		base = s.live.Get().BaseURL()
	}
	base = strings.TrimRight(base, "/")
	if runID == "" {
		return base
	}
	return base + "/runs/" + runID
}

// RunSteps validates req.Steps, resolves the session and executes the run.
// A paused session short-circuits without creating a run. Step validation
// failures are returned as *steps.ValidationError before any session work.
func (s *Service) RunSteps(ctx context.Context, req Request) (Response, error) {
	list, err := steps.DecodeRaw(req.Steps)
	if err != nil {
		return Response{}, err
	}

	info, err := s.sessions.GetOrCreate(ctx, req.SessionID, req.NewSession)
	if err != nil {
		return Response{}, err
	}

	if info.Status == session.StatusPaused {
		resp := Response{
			Status:    string(artifacts.StatusNeedsManualAssist),
			RunID:     info.LastRunID,
			SessionID: info.ID,
			RunURL:    s.runURL(req.BaseURL, info.LastRunID),
			Message:   DefaultPausedMessage,
		}
		if ma := info.LastManualAssist; ma != nil {
			if ma.Message != "" {
				resp.Message = ma.Message
			}
			resp.Screenshot = ma.Screenshot
		}
		logging.SessionDebug("Session %s is paused, skipping run", info.ID)
		return resp, nil
	}

	page, err := s.sessions.Acquire(info.ID)
	if err != nil {
		return Response{}, err
	}

	cfg := s.live.Get()
	run, err := artifacts.InitRun(cfg.RunsDir, info.ID)
	if err != nil {
		s.sessions.Release(ctx, info.ID, session.RunResult{})
		return Response{}, fmt.Errorf("init run: %w", err)
	}
	s.indexRun(ctx, run, artifacts.StatusRunning)

	exec := runner.New(runner.OptionsFromConfig(cfg), policy.New(cfg.Policy.Mode, cfg.Policy.Domains), s.metrics)
	out, execErr := exec.Execute(ctx, page, list, run)

	if err := run.Finalize(out.Status); err != nil {
		execErr = errors.Join(execErr, fmt.Errorf("finalize run: %w", err))
	}
	s.indexRun(context.WithoutCancel(ctx), run, out.Status)

	res := session.RunResult{RunID: run.ID, Status: string(out.Status)}
	if out.Status == artifacts.StatusNeedsManualAssist {
		res.ManualAssist = &session.ManualAssist{
			Message:    out.Message,
			Screenshot: out.Screenshot,
			RunID:      run.ID,
		}
	}
	s.sessions.Release(context.WithoutCancel(ctx), info.ID, res)

	if execErr != nil {
		logging.Get(logging.CategoryRun).Error("Run %s could not be recorded: %v", run.ID, execErr)
		return Response{}, execErr
	}

	message := out.Message
	if message == "" {
		message = out.Error
	}
	return Response{
		Status:     string(out.Status),
		RunID:      run.ID,
		SessionID:  info.ID,
		RunURL:     s.runURL(req.BaseURL, run.ID),
		Message:    message,
		Screenshot: out.Screenshot,
	}, nil
}

func (s *Service) indexRun(ctx context.Context, run *artifacts.Run, status artifacts.Status) {
	if s.index == nil {
		return
	}
	meta, err := artifacts.LoadMetadata(run.Dir)
	if err != nil {
		logging.StoreWarn("Failed to read metadata for run %s: %v", run.ID, err)
		return
	}
	rec := store.RunRecord{
		RunID:      run.ID,
		SessionID:  run.SessionID,
		Status:     string(status),
		StartedAt:  meta.StartedAt,
		FinishedAt: meta.FinishedAt,
	}
	if err := s.index.SaveRun(ctx, rec); err != nil {
		logging.StoreWarn("Failed to index run %s: %v", run.ID, err)
	}
}

// Resume reactivates a paused session.
func (s *Service) Resume(ctx context.Context, sessionID string) error {
	if !s.sessions.Resume(ctx, sessionID) {
		return session.ErrSessionNotFound
	}
	return nil
}

// CloseSession closes a session and its page.
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	ok, err := s.sessions.Close(ctx, sessionID)
	if !ok {
		return session.ErrSessionNotFound
	}
	return err
}

// SessionStatus reports a session's metadata.
func (s *Service) SessionStatus(ctx context.Context, sessionID string) (session.Info, error) {
	info, ok := s.sessions.Status(ctx, sessionID)
	if !ok {
		return session.Info{}, session.ErrSessionNotFound
	}
	return info, nil
}

// ListRuns returns run metadata, newest first.
func (s *Service) ListRuns() ([]artifacts.Metadata, error) {
	return artifacts.ListRuns(s.RunsDir())
}

// runDir resolves a run id to its directory, rejecting ids that are not a
// single path element.
func (s *Service) runDir(runID string) (string, error) {
	if runID == "" || runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return "", ErrRunNotFound
	}
	dir := filepath.Join(s.RunsDir(), runID)
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return "", ErrRunNotFound
	}
	return dir, nil
}

// RunDetail loads a run's metadata and records.
func (s *Service) RunDetail(runID string) (artifacts.Detail, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return artifacts.Detail{}, err
	}
	detail, err := artifacts.LoadRunDetail(dir)
	if errors.Is(err, artifacts.ErrNoMetadata) {
		return artifacts.Detail{}, ErrRunNotFound
	}
	return detail, err
}

// ArtifactPath resolves rel inside a run directory. Paths escaping the run
// directory and anything that is not a regular file are not found.
func (s *Service) ArtifactPath(runID, rel string) (string, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return "", err
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", ErrArtifactNotFound
	}
	target := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", ErrArtifactNotFound
	}
	if resolved, err := filepath.EvalSymlinks(target); err != nil ||
		!strings.HasPrefix(resolved, resolveLinks(root)+string(filepath.Separator)) {
		return "", ErrArtifactNotFound
	}
	fi, err := os.Stat(target)
	if err != nil || !fi.Mode().IsRegular() {
		return "", ErrArtifactNotFound
	}
	return target, nil
}

func resolveLinks(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}
