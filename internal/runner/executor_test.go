package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"humanbrowse/internal/artifacts"
	"humanbrowse/internal/browser/browsertest"
	"humanbrowse/internal/metrics"
	"humanbrowse/internal/policy"
	"humanbrowse/internal/steps"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRun(t *testing.T) *artifacts.Run {
	t.Helper()
	run, err := artifacts.InitRun(t.TempDir(), "session-1")
	require.NoError(t, err)
	return run
}

func newExecutor(opts Options, pol *policy.DomainPolicy) *Executor {
	e := New(opts, pol, nil)
	e.sleep = func(context.Context, time.Duration) {}
	return e
}

func readLog(t *testing.T, run *artifacts.Run) []map[string]interface{} {
	t.Helper()
	raw, err := artifacts.ReadRecords(run.Dir)
	require.NoError(t, err)
	out := make([]map[string]interface{}, 0, len(raw))
	for _, line := range raw {
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &rec))
		out = append(out, rec)
	}
	return out
}

// assertFaithfulPrefix checks that only the final record can carry a
// terminal non-ok status.
func assertFaithfulPrefix(t *testing.T, records []map[string]interface{}) {
	t.Helper()
	for i, rec := range records[:max(len(records)-1, 0)] {
		switch rec["type"] {
		case "note":
		case "step":
			assert.Equal(t, "ok", rec["status"], "record %d", i)
		default:
			t.Errorf("record %d: unexpected %v before the last record", i, rec["type"])
		}
	}
}

func stepIndices(records []map[string]interface{}) []int {
	var idx []int
	for _, rec := range records {
		if rec["type"] == "step" {
			idx = append(idx, int(rec["index"].(float64)))
		}
	}
	return idx
}

func TestExecuteReadableTruncated(t *testing.T) {
	page := browsertest.NewPage()
	page.PageTitle = "Example"
	page.Texts["article"] = strings.Repeat("a", 500)
	run := newRun(t)

	e := newExecutor(Options{MaxExtractChars: 80}, nil)
	out, err := e.Execute(context.Background(), page, []steps.Step{
		steps.Goto{URL: "https://example.com"},
		steps.ExtractReadable{},
	}, run)
	require.NoError(t, err)
	assert.Equal(t, artifacts.StatusOK, out.Status)

	records := readLog(t, run)
	require.Len(t, records, 3)
	assert.Equal(t, "step", records[0]["type"])
	assert.Equal(t, map[string]interface{}{"url": "https://example.com", "title": "Example"}, records[0]["result"])

	note := records[1]
	assert.Equal(t, "note", note["type"])
	assert.Equal(t, "readable_extract", note["note_kind"])
	assert.Equal(t, "https://example.com", note["url"])
	content := note["content"].(map[string]interface{})
	assert.Equal(t, true, content["truncated"])
	assert.Equal(t, 80.0, content["chars"])
	assert.Equal(t, "article", content["source"])

	assert.Equal(t, map[string]interface{}{"chars": 80.0, "truncated": true}, records[2]["result"])
	assertFaithfulPrefix(t, records)
}

func TestExecuteMaxStepsNeverTouchesDriver(t *testing.T) {
	page := browsertest.NewPage()
	run := newRun(t)
	m := metrics.New()

	e := New(Options{MaxStepsPerRun: 2}, nil, m)
	out, err := e.Execute(context.Background(), page, []steps.Step{
		steps.Goto{URL: "https://example.com"},
		steps.Press{Key: "Enter"},
		steps.Press{Key: "Tab"},
	}, run)
	require.NoError(t, err)
	assert.Equal(t, artifacts.StatusPolicyViolation, out.Status)
	assert.Equal(t, "Maximum steps per run exceeded", out.Message)
	assert.Empty(t, page.Calls())

	records := readLog(t, run)
	require.Len(t, records, 1)
	assert.Equal(t, "policy_violation", records[0]["type"])
	assert.Equal(t, "max_steps_per_run", records[0]["kind"])
	assert.NotContains(t, records[0], "step_index")

	count, err := testutil.GatherAndCount(m.Registry(), "humanbrowse_policy_violations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestExecutePauseForUser(t *testing.T) {
	page := browsertest.NewPage()
	run := newRun(t)

	e := newExecutor(Options{}, nil)
	out, err := e.Execute(context.Background(), page, []steps.Step{
		steps.Goto{URL: "https://example.com/login"},
		steps.PauseForUser{Reason: "Solve the captcha"},
		steps.Click{Selector: "#submit"},
	}, run)
	require.NoError(t, err)
	assert.Equal(t, artifacts.StatusNeedsManualAssist, out.Status)
	assert.Equal(t, "Solve the captcha", out.Message)
	assert.Equal(t, "screenshots/manual_assist.png", out.Screenshot)

	records := readLog(t, run)
	assert.Equal(t, []int{0, 1}, stepIndices(records))
	last := records[len(records)-1]
	assert.Equal(t, "needs_manual_assist", last["status"])
	assert.Equal(t, map[string]interface{}{
		"reason":     "Solve the captcha",
		"screenshot": "screenshots/manual_assist.png",
	}, last["result"])
	assertFaithfulPrefix(t, records)

	_, err = os.Stat(filepath.Join(run.Dir, "screenshots", "manual_assist.png"))
	assert.NoError(t, err)
	assert.NotContains(t, page.Calls(), "click #submit")
}

func TestExecuteDomainBlockedBeforeNavigation(t *testing.T) {
	page := browsertest.NewPage()
	run := newRun(t)

	e := newExecutor(Options{}, policy.New("denylist", []string{"example.com"}))
	out, err := e.Execute(context.Background(), page, []steps.Step{
		steps.Goto{URL: "https://sub.example.com/x"},
	}, run)
	require.NoError(t, err)
	assert.Equal(t, artifacts.StatusPolicyViolation, out.Status)
	assert.Equal(t, "Domain blocked by policy", out.Message)
	assert.Empty(t, page.Calls())

	records := readLog(t, run)
	require.Len(t, records, 1)
	assert.Equal(t, "domain_blocked", records[0]["kind"])
	assert.Equal(t, "Domain blocked by policy: https://sub.example.com/x", records[0]["message"])
	assert.Equal(t, 0.0, records[0]["step_index"])
	assert.Equal(t, map[string]interface{}{"type": "goto", "url": "https://sub.example.com/x"}, records[0]["step"])
}

func TestExecuteRedirectBlockedAfterStep(t *testing.T) {
	page := browsertest.NewPage()
	page.Redirects["https://good.com/"] = "https://evil.com/landing"
	run := newRun(t)

	e := newExecutor(Options{}, policy.New("allowlist", []string{"good.com"}))
	out, err := e.Execute(context.Background(), page, []steps.Step{
		steps.Goto{URL: "https://good.com/"},
		steps.ExtractReadable{},
	}, run)
	require.NoError(t, err)
	assert.Equal(t, artifacts.StatusPolicyViolation, out.Status)

	records := readLog(t, run)
	require.Len(t, records, 2)
	assert.Equal(t, "ok", records[0]["status"])
	assert.Equal(t, "policy_violation", records[1]["type"])
	assert.Equal(t, "Domain blocked by policy: https://evil.com/landing", records[1]["message"])
	assertFaithfulPrefix(t, records)
}

func TestExecuteDriverError(t *testing.T) {
	page := browsertest.NewPage()
	page.Errors["click"] = errors.New("element not found")
	run := newRun(t)

	e := newExecutor(Options{}, nil)
	out, err := e.Execute(context.Background(), page, []steps.Step{
		steps.Goto{URL: "https://example.com"},
		steps.Click{Text: "Next"},
		steps.Click{Selector: "#a"},
		steps.Press{Key: "Enter"},
	}, run)
	require.NoError(t, err)
	assert.Equal(t, artifacts.StatusError, out.Status)
	assert.Contains(t, out.Error, "element not found")

	records := readLog(t, run)
	assert.Equal(t, []int{0, 1, 2}, stepIndices(records))
	assertFaithfulPrefix(t, records)
	last := records[len(records)-1]
	assert.Equal(t, "error", last["status"])
	result := last["result"].(map[string]interface{})
	assert.Contains(t, result["error"], "element not found")
	assert.Equal(t, "https://example.com", result["url"])
}

func TestExecuteRuntimeBudget(t *testing.T) {
	page := browsertest.NewPage()
	run := newRun(t)

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newExecutor(Options{MaxTotalRuntime: time.Second}, nil)
	e.now = func() time.Time {
		clock = clock.Add(600 * time.Millisecond)
		return clock
	}

	out, err := e.Execute(context.Background(), page, []steps.Step{
		steps.Press{Key: "a"},
		steps.Press{Key: "b"},
		steps.Press{Key: "c"},
	}, run)
	require.NoError(t, err)
	assert.Equal(t, artifacts.StatusPolicyViolation, out.Status)
	assert.Equal(t, "Runtime limit exceeded", out.Message)

	records := readLog(t, run)
	require.Len(t, records, 2)
	assert.Equal(t, "max_total_runtime_s", records[1]["kind"])
	assert.Equal(t, 1.0, records[1]["step_index"])
	assert.NotContains(t, records[1], "step")
}

func TestExecuteQuoteMissIsNotAnError(t *testing.T) {
	page := browsertest.NewPage()
	page.Texts["body"] = "The quick brown fox"
	run := newRun(t)

	e := newExecutor(Options{MaxExtractChars: 5}, nil)
	out, err := e.Execute(context.Background(), page, []steps.Step{
		steps.Quote{Query: "zebra", ContextChars: 400},
		steps.Quote{Query: "BROWN", ContextChars: 400},
	}, run)
	require.NoError(t, err)
	assert.Equal(t, artifacts.StatusOK, out.Status)

	records := readLog(t, run)
	require.Len(t, records, 4)
	miss := records[0]["content"].(map[string]interface{})
	assert.Equal(t, false, miss["found"])
	assert.Equal(t, map[string]interface{}{"found": false, "query": "zebra"}, records[1]["result"])

	hit := records[2]["content"].(map[string]interface{})
	assert.Equal(t, true, hit["found"])
	assert.Equal(t, 5.0, hit["context_chars"], "context is clamped to the extract limit")
}

func TestExecuteExtractMissingSelectorContinues(t *testing.T) {
	page := browsertest.NewPage()
	page.Texts["body"] = "hello world"
	run := newRun(t)

	e := newExecutor(Options{}, nil)
	out, err := e.Execute(context.Background(), page, []steps.Step{
		steps.Goto{URL: "https://example.com"},
		steps.Extract{Selector: "#absent"},
		steps.Quote{Query: "hello", ContextChars: 5},
	}, run)
	require.NoError(t, err)
	assert.Equal(t, artifacts.StatusOK, out.Status)

	records := readLog(t, run)
	require.Len(t, records, 5)
	assertFaithfulPrefix(t, records)
	assert.Equal(t, []int{0, 1, 2}, stepIndices(records))

	content := records[1]["content"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"text": "", "truncated": false, "chars": 0.0, "source": "#absent"}, content)
	assert.Equal(t, true, records[3]["content"].(map[string]interface{})["found"])
	assert.NotContains(t, page.Calls(), "inner_text #absent")
}

func TestExecuteLinksWithHTMLSnapshot(t *testing.T) {
	page := browsertest.NewPage()
	page.Markup = "<html><body><a href='/a'>A</a></body></html>"
	page.EvalResult = json.RawMessage(`[{"text":"A","href":"https://example.com/a"}]`)
	run := newRun(t)

	e := newExecutor(Options{CaptureHTMLSnapshot: true}, nil)
	out, err := e.Execute(context.Background(), page, []steps.Step{
		steps.Links{Scope: "main"},
	}, run)
	require.NoError(t, err)
	assert.Equal(t, artifacts.StatusOK, out.Status)

	records := readLog(t, run)
	require.Len(t, records, 2)
	note := records[0]
	assert.Equal(t, "links", note["note_kind"])
	assert.Equal(t, map[string]interface{}{"html": "html/links.html"}, note["evidence"])
	assert.Equal(t, map[string]interface{}{"count": 1.0, "scope": "main"}, records[1]["result"])

	data, err := os.ReadFile(filepath.Join(run.Dir, "html", "links.html"))
	require.NoError(t, err)
	assert.Equal(t, page.Markup, string(data))
}

func TestExecuteScreenshotAndScroll(t *testing.T) {
	page := browsertest.NewPage()
	run := newRun(t)

	e := newExecutor(Options{}, nil)
	out, err := e.Execute(context.Background(), page, []steps.Step{
		steps.Scroll{Pixels: steps.Pixels(0)},
		steps.Scroll{ToSelector: "#footer"},
		steps.Screenshot{Label: "My Shot!"},
		steps.Screenshot{},
	}, run)
	require.NoError(t, err)
	assert.Equal(t, artifacts.StatusOK, out.Status)

	records := readLog(t, run)
	require.Len(t, records, 4)
	assert.Equal(t, "screenshots/My_Shot.png", records[2]["result"].(map[string]interface{})["screenshot"])
	assert.Equal(t, "screenshots/step_3.png", records[3]["result"].(map[string]interface{})["screenshot"])
	assert.Contains(t, page.Calls(), "scroll_by 0")
	assert.Contains(t, page.Calls(), "scroll_into_view #footer")
}

func TestExecutePacing(t *testing.T) {
	page := browsertest.NewPage()
	run := newRun(t)

	var slept []time.Duration
	e := New(Options{MinDelay: 250 * time.Millisecond}, nil, nil)
	e.sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }

	_, err := e.Execute(context.Background(), page, []steps.Step{
		steps.Press{Key: "a"},
		steps.Press{Key: "b"},
		steps.Press{Key: "c"},
	}, run)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, slept)
}

func TestExecuteCancelledContext(t *testing.T) {
	page := browsertest.NewPage()
	run := newRun(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newExecutor(Options{}, nil)
	out, err := e.Execute(ctx, page, []steps.Step{steps.Goto{URL: "https://example.com"}}, run)
	require.NoError(t, err)
	assert.Equal(t, artifacts.StatusError, out.Status)
	assert.Empty(t, page.Calls())

	records := readLog(t, run)
	require.Len(t, records, 1)
	assert.Equal(t, "error", records[0]["status"])
}

func TestExecuteSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	e := newExecutor(Options{}, nil)
	e.tracer = tp.Tracer("test")

	_, err := e.Execute(context.Background(), browsertest.NewPage(), []steps.Step{
		steps.Press{Key: "a"},
		steps.Press{Key: "b"},
	}, newRun(t))
	require.NoError(t, err)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"step", "step", "run"}, names)
}

func TestExecuteOverLimitProperty(t *testing.T) {
	root := t.TempDir()
	e := newExecutor(Options{}, nil)

	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.IntRange(1, 10).Draw(rt, "limit")
		n := rapid.IntRange(limit+1, limit+10).Draw(rt, "n")
		e.opts.MaxStepsPerRun = limit

		list := make([]steps.Step, n)
		for i := range list {
			list[i] = steps.Press{Key: "a"}
		}
		run, err := artifacts.InitRun(root, "prop")
		if err != nil {
			rt.Fatal(err)
		}
		page := browsertest.NewPage()
		out, err := e.Execute(context.Background(), page, list, run)
		if err != nil {
			rt.Fatal(err)
		}
		if out.Status != artifacts.StatusPolicyViolation {
			rt.Fatalf("status %s, want policy_violation", out.Status)
		}
		if calls := page.Calls(); len(calls) != 0 {
			rt.Fatalf("driver touched: %v", calls)
		}
	})
}
