package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, level zapcore.Level, enabled map[string]bool) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(level)
	Use(zap.New(core), enabled)
	t.Cleanup(func() { Use(zap.NewNop(), nil) })
	return logs
}

func TestCategoryLoggersAreNamed(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel, nil)

	Extract("parsed %s", "a.py")
	HarnessDebug("entry %d", 3)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "extract", entries[0].LoggerName)
	assert.Equal(t, "parsed a.py", entries[0].Message)
	assert.Equal(t, "harness", entries[1].LoggerName)
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
}

func TestDisabledCategoryIsSilent(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel, map[string]bool{"store": false})

	Store("should not appear")
	Audit("should appear")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "audit", logs.All()[0].LoggerName)
	assert.False(t, IsCategoryEnabled(CategoryStore))
	assert.True(t, IsCategoryEnabled(CategoryEngine))
}

func TestLevelFiltering(t *testing.T) {
	logs := observe(t, zapcore.WarnLevel, nil)

	EngineDebug("hidden")
	Engine("hidden")
	EngineWarn("shown")
	EngineError("shown too")

	assert.Equal(t, 2, logs.Len())
}

func TestWithAddsFields(t *testing.T) {
	logs := observe(t, zapcore.InfoLevel, nil)

	Get(CategoryHarness).With("identity", "p.py").Info("done")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "p.py", logs.All()[0].ContextMap()["identity"])
}

func TestInitializeWritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "rtpfuzz.log")
	t.Cleanup(func() { Use(zap.NewNop(), nil) })

	require.NoError(t, Initialize(Config{Level: "debug", Format: "json", File: path}))
	Audit("batch of %d", 4)
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "batch of 4"))
}

func TestInitializeRejectsUnknownLevel(t *testing.T) {
	err := Initialize(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestConcurrentGet(t *testing.T) {
	observe(t, zapcore.InfoLevel, nil)

	var wg sync.WaitGroup
	got := make([]*Logger, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = Get(CategoryGenerate)
		}(i)
	}
	wg.Wait()
	for _, l := range got {
		assert.Same(t, got[0], l)
	}
}

func TestTimerReturnsElapsed(t *testing.T) {
	observe(t, zapcore.DebugLevel, nil)
	timer := StartTimer(CategoryExtract, "op")
	assert.GreaterOrEqual(t, int64(timer.Stop()), int64(0))
}
