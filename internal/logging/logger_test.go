package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	Initialize(zap.New(core))
	t.Cleanup(func() { Initialize(nil) })
	return logs
}

func TestCategoryLoggersAreNamed(t *testing.T) {
	logs := observe(t)

	Get(CategoryRun).Info("step %d done", 3)
	SessionWarn("session %s paused", "abc")

	require.Equal(t, 2, logs.Len())
	entries := logs.All()
	assert.Equal(t, "run", entries[0].LoggerName)
	assert.Equal(t, "step 3 done", entries[0].Message)
	assert.Equal(t, "session", entries[1].LoggerName)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestGetCachesUntilReinitialized(t *testing.T) {
	observe(t)
	a := Get(CategoryBrowser)
	assert.Same(t, a, Get(CategoryBrowser))

	Initialize(zap.NewNop())
	assert.NotSame(t, a, Get(CategoryBrowser))
}

func TestWithAddsFields(t *testing.T) {
	logs := observe(t)
	Get(CategoryArtifacts).With(zap.String("run_id", "r1")).Debug("appended")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "r1", logs.All()[0].ContextMap()["run_id"])
}

func TestTimerThreshold(t *testing.T) {
	logs := observe(t)

	timer := StartTimer(CategoryRun, "navigate")
	timer.start = time.Now().Add(-2 * time.Second)
	elapsed := timer.StopWithThreshold(time.Second)

	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	require.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud", "json", false)
	require.Error(t, err)

	l, err := New("warn", "console", true)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}
