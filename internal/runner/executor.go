// Package runner executes a validated step list against one session page,
// writing every outcome to the run's artifact log.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"humanbrowse/internal/artifacts"
	"humanbrowse/internal/browser"
	"humanbrowse/internal/config"
	"humanbrowse/internal/extract"
	"humanbrowse/internal/logging"
	"humanbrowse/internal/metrics"
	"humanbrowse/internal/policy"
	"humanbrowse/internal/steps"
	"humanbrowse/internal/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	msgMaxSteps       = "Maximum steps per run exceeded"
	msgRuntimeRecord  = "Maximum total runtime exceeded"
	msgRuntimeOutcome = "Runtime limit exceeded"
	msgDomainBlocked  = "Domain blocked by policy"
	manualAssistLabel = "manual_assist"
)

// Options are the per-run budgets. Zero disables a limit.
type Options struct {
	MaxStepsPerRun      int
	MaxTotalRuntime     time.Duration
	MinDelay            time.Duration
	MaxExtractChars     int
	CaptureHTMLSnapshot bool
}

// OptionsFromConfig reads the run budgets from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxStepsPerRun:      cfg.MaxStepsPerRun,
		MaxTotalRuntime:     cfg.MaxTotalRuntime(),
		MinDelay:            cfg.MinDelay(),
		MaxExtractChars:     cfg.MaxExtractChars,
		CaptureHTMLSnapshot: cfg.CaptureHTMLSnapshot,
	}
}

// Outcome is the terminal result of a run.
type Outcome struct {
	Status     artifacts.Status
	Message    string
	Screenshot string
	Error      string
}

// Executor runs step lists. It holds no per-run state and may be shared.
type Executor struct {
	opts    Options
	policy  *policy.DomainPolicy
	metrics *metrics.Collector
	tracer  trace.Tracer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New creates an executor. pol and m may be nil.
func New(opts Options, pol *policy.DomainPolicy, m *metrics.Collector) *Executor {
	return &Executor{
		opts:    opts,
		policy:  pol,
		metrics: m,
		tracer:  telemetry.Tracer(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// logError marks a failure to write the run log itself. Such failures abort
// the run without a terminal record since the log cannot take one.
type logError struct{ err error }

func (e *logError) Error() string { return e.err.Error() }
func (e *logError) Unwrap() error { return e.err }

func appendRecord(run *artifacts.Run, rec interface{}) error {
	if err := run.Append(rec); err != nil {
		return &logError{err: err}
	}
	return nil
}

// Execute runs list on page, recording into run. The returned error is
// non-nil only when the artifact log could not be written; step failures
// are reported through the Outcome.
func (e *Executor) Execute(ctx context.Context, page browser.Page, list []steps.Step, run *artifacts.Run) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "run", trace.WithAttributes(
		telemetry.AttrRunID.String(run.ID),
		telemetry.AttrSessionID.String(run.SessionID),
		telemetry.AttrStepCount.Int(len(list)),
	))
	defer span.End()

	timer := logging.StartTimer(logging.CategoryRun, "run "+run.ID)
	out, err := e.execute(ctx, page, list, run)
	timer.Stop()

	if err != nil {
		out = Outcome{Status: artifacts.StatusError, Error: err.Error()}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(telemetry.AttrStatus.String(string(out.Status)))
	e.metrics.RunFinished(string(out.Status))
	logging.Run("Run %s finished: %s", run.ID, out.Status)
	return out, err
}

func (e *Executor) execute(ctx context.Context, page browser.Page, list []steps.Step, run *artifacts.Run) (Outcome, error) {
	if limit := e.opts.MaxStepsPerRun; limit > 0 && len(list) > limit {
		logging.RunWarn("Run %s rejected: %d steps exceeds limit %d", run.ID, len(list), limit)
		return e.violation(run, artifacts.NewPolicyViolation(artifacts.ViolationMaxSteps, msgMaxSteps, -1, nil), msgMaxSteps)
	}

	var deadline time.Time
	if e.opts.MaxTotalRuntime > 0 {
		deadline = e.now().Add(e.opts.MaxTotalRuntime)
	}

	for i, step := range list {
		if !deadline.IsZero() && e.now().After(deadline) {
			rec := artifacts.NewPolicyViolation(artifacts.ViolationMaxRuntime, msgRuntimeRecord, i, nil)
			return e.violation(run, rec, msgRuntimeOutcome)
		}

		if g, ok := step.(steps.Goto); ok && !e.policy.IsAllowed(g.URL) {
			rec := artifacts.NewPolicyViolation(artifacts.ViolationDomainBlocked,
				"Domain blocked by policy: "+g.URL, i, step)
			return e.violation(run, rec, msgDomainBlocked)
		}

		out, halted, err := e.runStep(ctx, page, run, i, step)
		if err != nil || halted {
			return out, err
		}

		if current := page.URL(ctx); !e.policy.IsAllowed(current) {
			rec := artifacts.NewPolicyViolation(artifacts.ViolationDomainBlocked,
				"Domain blocked by policy: "+current, i, step)
			return e.violation(run, rec, msgDomainBlocked)
		}

		if e.opts.MinDelay > 0 && i < len(list)-1 {
			e.sleep(ctx, e.opts.MinDelay)
		}
	}
	return Outcome{Status: artifacts.StatusOK}, nil
}

func (e *Executor) violation(run *artifacts.Run, rec artifacts.PolicyViolationRecord, message string) (Outcome, error) {
	e.metrics.PolicyViolation(string(rec.Kind))
	logging.RunWarn("Run %s policy violation (%s): %s", run.ID, rec.Kind, rec.Message)
	if err := appendRecord(run, rec); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: artifacts.StatusPolicyViolation, Message: message}, nil
}

// runStep dispatches one step and writes its record. halted is true when the
// run must stop after this step.
func (e *Executor) runStep(ctx context.Context, page browser.Page, run *artifacts.Run, index int, step steps.Step) (Outcome, bool, error) {
	kind := string(step.Kind())
	ctx, span := e.tracer.Start(ctx, "step", trace.WithAttributes(
		telemetry.AttrStepIndex.Int(index),
		telemetry.AttrStepKind.String(kind),
	))
	defer span.End()
	started := time.Now()

	finish := func(status artifacts.Status) {
		span.SetAttributes(telemetry.AttrStatus.String(string(status)))
		e.metrics.StepFinished(kind, string(status), time.Since(started))
	}

	var (
		result map[string]interface{}
		halt   *Outcome
		err    = ctx.Err()
	)
	if err == nil {
		logging.RunDebug("Run %s step %d: %s", run.ID, index, kind)
		result, halt, err = e.dispatch(ctx, page, run, index, step)
	}

	var le *logError
	if errors.As(err, &le) {
		finish(artifacts.StatusError)
		return Outcome{}, true, le.err
	}

	if err != nil {
		finish(artifacts.StatusError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.RunWarn("Run %s step %d (%s) failed: %v", run.ID, index, kind, err)
		rec := artifacts.NewStepRecord(index, step, artifacts.StatusError, map[string]interface{}{
			"error": err.Error(),
			"url":   page.URL(context.WithoutCancel(ctx)),
		})
		if err := appendRecord(run, rec); err != nil {
			return Outcome{}, true, err
		}
		return Outcome{Status: artifacts.StatusError, Message: err.Error(), Error: err.Error()}, true, nil
	}

	if halt != nil {
		finish(halt.Status)
		if err := appendRecord(run, artifacts.NewStepRecord(index, step, halt.Status, result)); err != nil {
			return Outcome{}, true, err
		}
		return *halt, true, nil
	}

	finish(artifacts.StatusOK)
	if err := appendRecord(run, artifacts.NewStepRecord(index, step, artifacts.StatusOK, result)); err != nil {
		return Outcome{}, true, err
	}
	return Outcome{}, false, nil
}

func (e *Executor) dispatch(ctx context.Context, page browser.Page, run *artifacts.Run, index int, step steps.Step) (map[string]interface{}, *Outcome, error) {
	switch s := step.(type) {
	case steps.Goto:
		if err := page.Navigate(ctx, s.URL, s.WaitUntil); err != nil {
			return nil, nil, err
		}
		return pageInfo(ctx, page)

	case steps.WaitFor:
		var err error
		switch {
		case s.Selector != "":
			err = page.WaitForSelector(ctx, s.Selector)
		case s.Text != "":
			err = page.WaitForText(ctx, s.Text)
		default:
			err = page.WaitForLoadState(ctx, s.LoadState)
		}
		if err != nil {
			return nil, nil, err
		}
		return pageInfo(ctx, page)

	case steps.Click:
		var err error
		switch {
		case s.Selector != "":
			err = page.Click(ctx, s.Selector)
		case s.Text != "":
			err = page.ClickText(ctx, s.Text)
		default:
			err = page.ClickRole(ctx, s.Role)
		}
		if err != nil {
			return nil, nil, err
		}
		return pageInfo(ctx, page)

	case steps.Type:
		if err := page.Fill(ctx, s.Selector, s.Text); err != nil {
			return nil, nil, err
		}
		return pageInfo(ctx, page)

	case steps.Press:
		if err := page.PressKey(ctx, s.Key); err != nil {
			return nil, nil, err
		}
		return pageInfo(ctx, page)

	case steps.Scroll:
		var err error
		if s.ToSelector != "" {
			err = page.ScrollIntoView(ctx, s.ToSelector)
		} else {
			pixels := 0
			if s.Pixels != nil {
				pixels = *s.Pixels
			}
			err = page.ScrollBy(ctx, pixels)
		}
		if err != nil {
			return nil, nil, err
		}
		return pageInfo(ctx, page)

	case steps.Screenshot:
		rel, err := capture(ctx, page, run, run.ScreenshotPath(s.Label, index))
		if err != nil {
			return nil, nil, err
		}
		result, _, err := pageInfo(ctx, page)
		if err != nil {
			return nil, nil, err
		}
		result["screenshot"] = rel
		return result, nil, nil

	case steps.ExtractReadable:
		res, err := extract.Readable(ctx, page, e.opts.MaxExtractChars)
		if err != nil {
			return nil, nil, err
		}
		if err := e.note(ctx, page, run, index, artifacts.NoteReadable, "readable", res); err != nil {
			return nil, nil, err
		}
		return map[string]interface{}{"chars": res.Chars, "truncated": res.Truncated}, nil, nil

	case steps.Extract:
		res, err := extract.Selector(ctx, page, s.Selector, e.opts.MaxExtractChars)
		if err != nil {
			return nil, nil, err
		}
		if err := e.note(ctx, page, run, index, artifacts.NoteExtract, "extract", res); err != nil {
			return nil, nil, err
		}
		return map[string]interface{}{"chars": res.Chars, "truncated": res.Truncated}, nil, nil

	case steps.Links:
		links, err := extract.Links(ctx, page, s.Scope)
		if err != nil {
			return nil, nil, err
		}
		if err := e.note(ctx, page, run, index, artifacts.NoteLinks, "links", links); err != nil {
			return nil, nil, err
		}
		return map[string]interface{}{"count": links.Count, "scope": links.Scope}, nil, nil

	case steps.Quote:
		contextChars := s.ContextChars
		if limit := e.opts.MaxExtractChars; limit > 0 && contextChars > limit {
			contextChars = limit
		}
		quote, err := extract.Quote(ctx, page, s.Query, contextChars, e.opts.MaxExtractChars)
		if err != nil {
			return nil, nil, err
		}
		if err := e.note(ctx, page, run, index, artifacts.NoteQuote, "quote", quote); err != nil {
			return nil, nil, err
		}
		return map[string]interface{}{"found": quote.Found, "query": s.Query}, nil, nil

	case steps.PauseForUser:
		rel, err := capture(ctx, page, run, run.ScreenshotPath(manualAssistLabel, index))
		if err != nil {
			return nil, nil, err
		}
		logging.Run("Run %s paused at step %d: %s", run.ID, index, s.Reason)
		return map[string]interface{}{"reason": s.Reason, "screenshot": rel},
			&Outcome{Status: artifacts.StatusNeedsManualAssist, Message: s.Reason, Screenshot: rel}, nil
	}
	return nil, nil, fmt.Errorf("unsupported step type %q", step.Kind())
}

func pageInfo(ctx context.Context, page browser.Page) (map[string]interface{}, *Outcome, error) {
	title, err := page.Title(ctx)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"url": page.URL(ctx), "title": title}, nil, nil
}

func capture(ctx context.Context, page browser.Page, run *artifacts.Run, path string) (string, error) {
	data, err := page.Screenshot(ctx)
	if err != nil {
		return "", err
	}
	return run.WriteFile(path, data)
}

// note appends an extraction note, snapshotting the page markup first when
// enabled.
func (e *Executor) note(ctx context.Context, page browser.Page, run *artifacts.Run, index int, kind artifacts.NoteKind, label string, content interface{}) error {
	var htmlPath string
	if e.opts.CaptureHTMLSnapshot {
		markup, err := page.HTML(ctx)
		if err != nil {
			return err
		}
		htmlPath, err = run.WriteFile(run.HTMLSnapshotPath(label, index), []byte(markup))
		if err != nil {
			return err
		}
		logging.ArtifactsDebug("Run %s captured %s", run.ID, htmlPath)
	}
	title, err := page.Title(ctx)
	if err != nil {
		return err
	}
	return appendRecord(run, artifacts.NewNoteRecord(kind, page.URL(ctx), title, content, htmlPath))
}
