// Package session tracks logical browsing sessions. Each session owns one
// page handle that successive runs reuse until the session is closed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"humanbrowse/internal/browser"
	"humanbrowse/internal/logging"
	"humanbrowse/internal/metrics"
	"humanbrowse/internal/store"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusClosed Status = "closed"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrSessionPaused   = errors.New("session paused")
	ErrSessionBusy     = errors.New("session busy")
)

// ManualAssist is the payload left behind by a run that paused for a human.
type ManualAssist struct {
	Message    string `json:"message"`
	Screenshot string `json:"screenshot,omitempty"`
	RunID      string `json:"run_id"`
}

// Info is a snapshot of a session's metadata.
type Info struct {
	ID               string        `json:"session_id"`
	Status           Status        `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	LastActive       time.Time     `json:"last_active"`
	LastRunID        string        `json:"last_run_id,omitempty"`
	LastManualAssist *ManualAssist `json:"last_manual_assist,omitempty"`
	Busy             bool          `json:"busy"`
}

// RunResult is reported by the caller when a run on the session ends.
type RunResult struct {
	RunID        string
	Status       string
	ManualAssist *ManualAssist
}

// Journal persists session metadata across process restarts.
type Journal interface {
	SaveSession(ctx context.Context, rec store.SessionRecord) error
	GetSession(ctx context.Context, id string) (store.SessionRecord, bool, error)
}

type entry struct {
	info Info
	page browser.Page
}

// Registry maps session ids to live pages.
type Registry struct {
	mu       sync.Mutex
	opener   browser.Opener
	journal  Journal
	metrics  *metrics.Collector
	sessions map[string]*entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithJournal persists every metadata change to j.
func WithJournal(j Journal) Option {
	return func(r *Registry) { r.journal = j }
}

// WithMetrics reports session counts to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = c }
}

var now = func() time.Time { return time.Now().UTC() }

// NewRegistry creates a registry that opens pages through opener.
func NewRegistry(opener browser.Opener, opts ...Option) *Registry {
	r := &Registry{
		opener:   opener,
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newSessionID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

// GetOrCreate returns the live session for id, refreshing its last-active
// time, unless forceNew is set or id is unknown or closed. In those cases a
// new page is opened and a new session id allocated.
func (r *Registry) GetOrCreate(ctx context.Context, id string, forceNew bool) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" && !forceNew {
		if e, ok := r.sessions[id]; ok && e.info.Status != StatusClosed {
			e.info.LastActive = now()
			r.persist(ctx, e.info)
			return e.info, nil
		}
	}

	page, err := r.opener.NewPage(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("open session page: %w", err)
	}

	ts := now()
	e := &entry{
		info: Info{
			ID:         newSessionID(),
			Status:     StatusActive,
			CreatedAt:  ts,
			LastActive: ts,
		},
		page: page,
	}
	r.sessions[e.info.ID] = e
	r.persist(ctx, e.info)
	r.metrics.SessionCreated()
	r.reportActive()

	if id != "" && !forceNew {
		logging.Session("Session %s unavailable, created %s", id, e.info.ID)
	} else {
		logging.Session("Created session %s", e.info.ID)
	}
	return e.info, nil
}

// Acquire marks the session busy and hands out its page for one run.
// Paused, closed and already-busy sessions are rejected.
func (r *Registry) Acquire(id string) (browser.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	switch {
	case e.info.Status == StatusClosed:
		return nil, ErrSessionClosed
	case e.info.Status == StatusPaused:
		return nil, ErrSessionPaused
	case e.info.Busy:
		return nil, ErrSessionBusy
	}
	e.info.Busy = true
	return e.page, nil
}

// Release ends the run handshake started by Acquire. A run that stopped for
// manual assistance pauses the session.
func (r *Registry) Release(ctx context.Context, id string, res RunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return
	}
	e.info.Busy = false
	if res.RunID != "" {
		e.info.LastRunID = res.RunID
	}
	if res.ManualAssist != nil && e.info.Status == StatusActive {
		ma := *res.ManualAssist
		e.info.Status = StatusPaused
		e.info.LastManualAssist = &ma
		logging.Session("Session %s paused for manual assist: %s", id, ma.Message)
	}
	e.info.LastActive = now()
	r.persist(ctx, e.info)
}

// RecordRun stores the last run id without taking the page, for runs that
// end before any step is dispatched.
func (r *Registry) RecordRun(ctx context.Context, id, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return
	}
	e.info.LastRunID = runID
	e.info.LastActive = now()
	r.persist(ctx, e.info)
}

// Resume moves a paused session back to active. It returns false for
// unknown and closed sessions.
func (r *Registry) Resume(ctx context.Context, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok || e.info.Status == StatusClosed {
		return false
	}
	if e.info.Status == StatusPaused {
		logging.Session("Session %s resumed", id)
	}
	e.info.Status = StatusActive
	e.info.LastActive = now()
	r.persist(ctx, e.info)
	return true
}

// Close tears down the session's page and marks it closed. It returns false
// when the id is unknown. Closing a closed session is a no-op.
func (r *Registry) Close(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return false, nil
	}
	if e.info.Status == StatusClosed {
		return true, nil
	}

	err := e.page.Close(ctx)
	e.info.Status = StatusClosed
	e.info.Busy = false
	e.info.LastActive = now()
	r.persist(ctx, e.info)
	r.reportActive()
	logging.Session("Closed session %s", id)
	if err != nil {
		return true, fmt.Errorf("close session page: %w", err)
	}
	return true, nil
}

// Status returns the session's metadata. Sessions known only to the journal
// belong to an earlier process and report as closed.
func (r *Registry) Status(ctx context.Context, id string) (Info, bool) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	var info Info
	if ok {
		info = e.info
	}
	r.mu.Unlock()
	if ok {
		return info, true
	}

	if r.journal == nil {
		return Info{}, false
	}
	rec, found, err := r.journal.GetSession(ctx, id)
	if err != nil {
		logging.SessionWarn("Journal lookup for %s failed: %v", id, err)
		return Info{}, false
	}
	if !found {
		return Info{}, false
	}
	info = fromRecord(rec)
	info.Status = StatusClosed
	return info, true
}

// List returns all sessions known to this process, most recently active first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out
}

// Shutdown closes every open session.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, e := range r.sessions {
		if e.info.Status == StatusClosed {
			continue
		}
		if err := e.page.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
		e.info.Status = StatusClosed
		e.info.Busy = false
		e.info.LastActive = now()
		r.persist(ctx, e.info)
	}
	r.reportActive()
	return errors.Join(errs...)
}

// reportActive must be called with r.mu held.
func (r *Registry) reportActive() {
	n := 0
	for _, e := range r.sessions {
		if e.info.Status != StatusClosed {
			n++
		}
	}
	r.metrics.SetSessionsActive(n)
}

// persist must be called with r.mu held. Journal failures are logged only.
func (r *Registry) persist(ctx context.Context, info Info) {
	if r.journal == nil {
		return
	}
	if err := r.journal.SaveSession(ctx, toRecord(info)); err != nil {
		logging.SessionWarn("Failed to journal session %s: %v", info.ID, err)
	}
}

func toRecord(info Info) store.SessionRecord {
	rec := store.SessionRecord{
		ID:         info.ID,
		Status:     string(info.Status),
		CreatedAt:  info.CreatedAt,
		LastActive: info.LastActive,
		LastRunID:  info.LastRunID,
	}
	if ma := info.LastManualAssist; ma != nil {
		rec.ManualAssistMessage = ma.Message
		rec.ManualAssistScreenshot = ma.Screenshot
		rec.ManualAssistRunID = ma.RunID
	}
	return rec
}

func fromRecord(rec store.SessionRecord) Info {
	info := Info{
		ID:         rec.ID,
		Status:     Status(rec.Status),
		CreatedAt:  rec.CreatedAt,
		LastActive: rec.LastActive,
		LastRunID:  rec.LastRunID,
	}
	if rec.ManualAssistMessage != "" || rec.ManualAssistRunID != "" {
		info.LastManualAssist = &ManualAssist{
			Message:    rec.ManualAssistMessage,
			Screenshot: rec.ManualAssistScreenshot,
			RunID:      rec.ManualAssistRunID,
		}
	}
	return info
}
