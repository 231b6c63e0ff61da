package helper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/streamhawk/streamhawk/internal/config"
	"github.com/streamhawk/streamhawk/internal/observability"
)

// ErrBinaryNotFound indicates the helper binary is not available.
var ErrBinaryNotFound = errors.New("streamhawk-helper binary not found")

// defaultBinaryName is searched in PATH and next to the daemon binary when
// no explicit path is configured.
const defaultBinaryName = "streamhawk-helper"

// Spawner dials the helper by launching it as a subprocess and speaking the
// framed protocol over its stdin/stdout. Stderr is forwarded to the log.
type Spawner struct {
	cfg    config.HelperConfig
	logger *slog.Logger

	binaryPath     string
	binaryPathOnce sync.Once
}

// NewSpawner creates a subprocess dialer for the helper.
func NewSpawner(cfg config.HelperConfig, logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{
		cfg:    cfg,
		logger: observability.WithComponent(logger, "helper-spawner"),
	}
}

// Dial implements Dialer by spawning a fresh helper process.
func (s *Spawner) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	binary := s.findBinary()
	if binary == "" {
		return nil, ErrBinaryNotFound
	}

	cmd := exec.Command(binary, s.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating helper stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating helper stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating helper stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting helper %s: %w", binary, err)
	}
	s.logger.Info("helper spawned",
		slog.String("binary", binary),
		slog.Int("pid", cmd.Process.Pid))

	go s.forwardStderr(stderr)

	pc := &processConn{
		Reader: stdout,
		Writer: stdin,
		stdin:  stdin,
		cmd:    cmd,
		logger: s.logger,
		done:   make(chan struct{}),
	}
	go pc.reap()

	// If the caller's context dies, take the process with it.
	go func() {
		select {
		case <-ctx.Done():
			pc.Close()
		case <-pc.done:
		}
	}()

	return pc, nil
}

// forwardStderr relays helper diagnostics into the daemon log.
func (s *Spawner) forwardStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.logger.Debug("helper stderr", slog.String("output", string(buf[:n])))
		}
		if err != nil {
			return
		}
	}
}

// findBinary resolves the helper binary path once: explicit config, PATH,
// then the daemon's own directory.
func (s *Spawner) findBinary() string {
	s.binaryPathOnce.Do(func() {
		if s.cfg.BinaryPath != "" {
			if _, err := os.Stat(s.cfg.BinaryPath); err == nil {
				s.binaryPath = s.cfg.BinaryPath
			}
			return
		}
		if p, err := exec.LookPath(defaultBinaryName); err == nil {
			s.binaryPath = p
			return
		}
		if self, err := os.Executable(); err == nil {
			candidate := filepath.Join(filepath.Dir(self), defaultBinaryName)
			if _, err := os.Stat(candidate); err == nil {
				s.binaryPath = candidate
			}
		}
	})
	return s.binaryPath
}

// processConn adapts a running subprocess to io.ReadWriteCloser.
type processConn struct {
	io.Reader
	io.Writer
	stdin  io.Closer
	cmd    *exec.Cmd
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// Close shuts the process down: closing stdin asks a well-behaved helper to
// exit; a kill follows if the reaper has not collected it.
func (pc *processConn) Close() error {
	pc.closeOnce.Do(func() {
		pc.stdin.Close()
		if pc.cmd.Process != nil {
			pc.cmd.Process.Kill()
		}
	})
	return nil
}

// reap collects the process exit status so it never zombies.
func (pc *processConn) reap() {
	err := pc.cmd.Wait()
	close(pc.done)
	if err != nil {
		pc.logger.Debug("helper exited", slog.String("error", err.Error()))
	} else {
		pc.logger.Debug("helper exited cleanly")
	}
}
