package engine

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"rtpfuzz/internal/config"
	"rtpfuzz/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeSimulator = `#!/bin/sh
case "$(cat "$1")" in
  *FAIL*)
    echo "Traceback (most recent call last):" >&2
    echo "RuntimeError: boom" >&2
    exit 3 ;;
  *SLEEP*)
    exec sleep 5 ;;
  *NOISY*)
    i=0
    while [ $i -lt 200 ]; do echo "line line line line line"; i=$((i+1)); done ;;
esac
echo "simulated $1"
`

func fakeEngine(t *testing.T, mutate func(*SubprocessConfig)) *Subprocess {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake simulator is a shell script")
	}
	bin := filepath.Join(t.TempDir(), "fake_simulate")
	require.NoError(t, os.WriteFile(bin, []byte(fakeSimulator), 0755))

	cfg := SubprocessConfig{
		Binary:         bin,
		Timeout:        5 * time.Second,
		WorkDir:        t.TempDir(),
		MaxOutputBytes: 1 << 16,
		AllowedEnv:     []string{"PATH"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSubprocess(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func request(index int, body string) Request {
	return Request{
		Identity:   "proto.py",
		Index:      index,
		Assignment: protocol.Assignment{{Name: "n", Value: protocol.Int(int64(index))}},
		Source:     []byte(body),
	}
}

func TestSubprocess_Pass(t *testing.T) {
	s := fakeEngine(t, nil)

	res, err := s.Simulate(context.Background(), request(3, "print('ok')\n"))
	require.NoError(t, err)
	assert.Equal(t, VerdictPass, res.Verdict)
	assert.Equal(t, 0, res.Diagnostics.ExitCode)
	assert.Contains(t, res.Diagnostics.Stdout, "3_proto.py")
	assert.Greater(t, res.Elapsed, time.Duration(0))

	_, err = os.Stat(filepath.Join(s.Dir(), "3_proto.py"))
	assert.True(t, os.IsNotExist(err), "variant is removed after the call")
}

func TestSubprocess_Fail(t *testing.T) {
	s := fakeEngine(t, nil)

	res, err := s.Simulate(context.Background(), request(0, "FAIL"))
	require.NoError(t, err)
	assert.Equal(t, VerdictFail, res.Verdict)
	assert.Equal(t, 3, res.Diagnostics.ExitCode)
	assert.Equal(t, "RuntimeError: boom", res.Diagnostics.Message)
}

func TestSubprocess_Timeout(t *testing.T) {
	s := fakeEngine(t, func(c *SubprocessConfig) { c.Timeout = 200 * time.Millisecond })

	start := time.Now()
	res, err := s.Simulate(context.Background(), request(0, "SLEEP"))
	require.NoError(t, err)
	assert.Equal(t, VerdictError, res.Verdict)
	assert.Contains(t, res.Diagnostics.Message, "timeout")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestSubprocess_Cancelled(t *testing.T) {
	s := fakeEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Simulate(ctx, request(0, "print()"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, VerdictError, res.Verdict)
}

func TestSubprocess_MissingBinary(t *testing.T) {
	s, err := NewSubprocess(SubprocessConfig{
		Binary:  filepath.Join(t.TempDir(), "does_not_exist"),
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)

	res, err := s.Simulate(context.Background(), request(0, "print()"))
	require.NoError(t, err)
	assert.Equal(t, VerdictError, res.Verdict)
	assert.Equal(t, -1, res.Diagnostics.ExitCode)
	assert.NotEmpty(t, res.Diagnostics.Message)
}

func TestSubprocess_OutputTruncated(t *testing.T) {
	s := fakeEngine(t, func(c *SubprocessConfig) { c.MaxOutputBytes = 64 })

	res, err := s.Simulate(context.Background(), request(0, "NOISY"))
	require.NoError(t, err)
	assert.Equal(t, VerdictPass, res.Verdict)
	assert.True(t, res.Diagnostics.Truncated)
	assert.Len(t, res.Diagnostics.Stdout, 64)
}

func TestSubprocess_KeepArtifacts(t *testing.T) {
	s := fakeEngine(t, func(c *SubprocessConfig) { c.KeepArtifacts = true })

	res, err := s.Simulate(context.Background(), request(7, "print('kept')\n"))
	require.NoError(t, err)
	require.NotEmpty(t, res.Diagnostics.Artifact)
	content, err := os.ReadFile(res.Diagnostics.Artifact)
	require.NoError(t, err)
	assert.Equal(t, "print('kept')\n", string(content))
	assert.True(t, strings.HasSuffix(res.Diagnostics.Artifact, "7_proto.py"))
}

func TestSubprocess_PrivateDirRemovedOnClose(t *testing.T) {
	s, err := NewSubprocess(SubprocessConfig{Binary: "true"})
	require.NoError(t, err)
	dir := s.Dir()
	require.DirExists(t, dir)

	require.NoError(t, s.Close())
	assert.NoDirExists(t, dir)
}

func TestNewSubprocess_RequiresBinary(t *testing.T) {
	_, err := NewSubprocess(SubprocessConfig{Binary: "  "})
	assert.Error(t, err)
}

func TestSubprocessConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Simulation.Timeout = "90s"
	sc := SubprocessConfigFrom(cfg)
	assert.Equal(t, "opentrons_simulate", sc.Binary)
	assert.Equal(t, 90*time.Second, sc.Timeout)
	assert.Equal(t, int64(1<<20), sc.MaxOutputBytes)
}

func TestLimitedWriter(t *testing.T) {
	var b strings.Builder
	lw := &limitedWriter{w: &b, max: 5}
	n, err := lw.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = lw.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	_, _ = lw.Write([]byte("hij"))

	assert.Equal(t, "abcde", b.String())
	assert.True(t, lw.truncated)
	assert.Equal(t, int64(5), lw.discarded)
}

func TestVariantName(t *testing.T) {
	assert.Equal(t, "12_prep.py", VariantName("protocols/prep.py", 12))
}
