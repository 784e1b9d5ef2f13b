package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"rtpfuzz/internal/config"
	"rtpfuzz/internal/logging"
)

const waitDelay = 2 * time.Second

// SubprocessConfig configures a Subprocess engine.
type SubprocessConfig struct {
	Binary         string
	Args           []string
	Timeout        time.Duration // per call; 0 = none
	WorkDir        string        // empty = private temp dir
	KeepArtifacts  bool
	MaxOutputBytes int64
	AllowedEnv     []string
}

// SubprocessConfigFrom converts the simulation section of the configuration.
func SubprocessConfigFrom(cfg *config.Config) SubprocessConfig {
	return SubprocessConfig{
		Binary:         cfg.Simulation.Binary,
		Args:           cfg.Simulation.Args,
		Timeout:        cfg.SimulationTimeout(),
		WorkDir:        cfg.Simulation.WorkDir,
		KeepArtifacts:  cfg.Simulation.KeepArtifacts,
		MaxOutputBytes: cfg.Simulation.MaxOutputBytes,
		AllowedEnv:     cfg.Simulation.AllowedEnvVars,
	}
}

// Subprocess writes each variant to disk and runs the simulator on it.
// Exit status 0 is a pass, any other exit status a fail. Start failures and
// timeouts are engine errors.
type Subprocess struct {
	cfg     SubprocessConfig
	dir     string
	ownsDir bool
}

// NewSubprocess prepares the work directory.
func NewSubprocess(cfg SubprocessConfig) (*Subprocess, error) {
	if strings.TrimSpace(cfg.Binary) == "" {
		return nil, fmt.Errorf("simulator binary is required")
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	s := &Subprocess{cfg: cfg, dir: cfg.WorkDir}
	if s.dir == "" {
		dir, err := os.MkdirTemp("", "rtpfuzz-variants-")
		if err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
		s.dir, s.ownsDir = dir, true
	} else if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	logging.EngineDebug("subprocess engine: binary=%s dir=%s timeout=%s", cfg.Binary, s.dir, cfg.Timeout)
	return s, nil
}

// Dir returns the directory variants are written to.
func (s *Subprocess) Dir() string { return s.dir }

// Close removes a private work directory unless artifacts are kept.
func (s *Subprocess) Close() error {
	if !s.ownsDir || s.cfg.KeepArtifacts {
		return nil
	}
	return os.RemoveAll(s.dir)
}

// VariantName is the file name a variant is written under: the assignment
// index, an underscore, then the protocol's file name.
func VariantName(identity string, index int) string {
	return fmt.Sprintf("%d_%s", index, filepath.Base(identity))
}

// Simulate runs one variant. A returned error means the call was cancelled
// by ctx; every other outcome is reported through the Result.
func (s *Subprocess) Simulate(ctx context.Context, req Request) (Result, error) {
	path := filepath.Join(s.dir, VariantName(req.Identity, req.Index))
	if err := os.WriteFile(path, req.Source, 0644); err != nil {
		return Result{
			Verdict:     VerdictError,
			Diagnostics: Diagnostics{ExitCode: -1, Message: fmt.Sprintf("write variant: %v", err)},
		}, nil
	}
	if !s.cfg.KeepArtifacts {
		defer os.Remove(path)
	}

	execCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, s.cfg.Args...), path)
	cmd := exec.CommandContext(execCtx, s.cfg.Binary, args...)
	cmd.Dir = s.dir
	cmd.Env = s.environment()
	// grandchildren holding the output pipes must not outlive the kill
	cmd.WaitDelay = waitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: s.cfg.MaxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, max: s.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logging.EngineDebug("running %s %v", s.cfg.Binary, args)
	start := time.Now()
	err := cmd.Run()

	res := Result{
		Elapsed: time.Since(start),
		Diagnostics: Diagnostics{
			Stdout:    stdoutBuf.String(),
			Stderr:    stderrBuf.String(),
			Truncated: stdout.truncated || stderr.truncated,
		},
	}
	if s.cfg.KeepArtifacts {
		res.Diagnostics.Artifact = path
	}
	if res.Diagnostics.Truncated {
		logging.EngineWarn("%s: output truncated, %d bytes discarded", path, stdout.discarded+stderr.discarded)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Verdict = VerdictPass
	case ctx.Err() != nil:
		res.Verdict = VerdictError
		res.Diagnostics.ExitCode = -1
		res.Diagnostics.Message = "cancelled"
		return res, ctx.Err()
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.Verdict = VerdictError
		res.Diagnostics.ExitCode = -1
		res.Diagnostics.Message = fmt.Sprintf("timeout after %s", s.cfg.Timeout)
		logging.EngineWarn("%s killed after %s", path, s.cfg.Timeout)
	case errors.As(err, &exitErr):
		res.Verdict = VerdictFail
		res.Diagnostics.ExitCode = exitErr.ExitCode()
		res.Diagnostics.Message = lastLine(res.Diagnostics.Stderr)
	default:
		res.Verdict = VerdictError
		res.Diagnostics.ExitCode = -1
		res.Diagnostics.Message = err.Error()
		logging.EngineError("failed to run %s: %v", s.cfg.Binary, err)
	}

	logging.EngineDebug("%s -> %s (exit=%d, %s)", path, res.Verdict, res.Diagnostics.ExitCode, res.Elapsed)
	return res, nil
}

func (s *Subprocess) environment() []string {
	env := make([]string, 0, len(s.cfg.AllowedEnv))
	for _, key := range s.cfg.AllowedEnv {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return env
}

// lastLine returns the last non-blank line, which is where Python puts the
// exception of a traceback.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// limitedWriter is an io.Writer that keeps at most max bytes.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		// report the full length so exec does not fail with a short write
		return n, err
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
