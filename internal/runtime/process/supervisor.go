// Package process supervises the child processes that back workers. A
// Supervisor spawns one child with redirected stdio, logs its output, writes
// control lines to its stdin and tears it down on request.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	rterrors "github.com/drblury/workerpool/internal/runtime/errors"
	"github.com/drblury/workerpool/internal/runtime/logging"
)

// QuitLine asks the child to leave its stdin loop.
const QuitLine = "quit"

// DefaultStopPollInterval bounds each wait for exit during RequestStop.
const DefaultStopPollInterval = 3 * time.Second

const maxLogLine = 1 << 20

// Options configures a Supervisor.
type Options struct {
	Command string
	Args    []string
	// Env entries are appended to the inherited environment.
	Env []string
	// StopPollInterval is how long RequestStop waits between liveness checks.
	StopPollInterval time.Duration
	Logger           logging.ServiceLogger
}

// Supervisor owns the lifetime of one child process.
type Supervisor struct {
	opts   Options
	logger logging.ServiceLogger

	cmd     *exec.Cmd
	stdinMu sync.Mutex
	stdin   io.WriteCloser

	started       atomic.Bool
	stopRequested atomic.Bool
	exitCode      atomic.Int64
	exited        chan struct{}
	waitErr       error
}

// New validates opts. The child is not started until Start.
func New(opts Options) (*Supervisor, error) {
	if strings.TrimSpace(opts.Command) == "" {
		return nil, rterrors.ErrCommandRequired
	}
	if opts.StopPollInterval <= 0 {
		opts.StopPollInterval = DefaultStopPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Supervisor{
		opts:   opts,
		logger: logger.With(logging.LogFields{"command": opts.Command}),
		exited: make(chan struct{}),
	}
	s.exitCode.Store(-1)
	return s, nil
}

// Start spawns the child. Stderr lines are logged as errors and stdout lines
// at debug level for as long as the child runs.
func (s *Supervisor) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("process: supervisor already started")
	}

	cmd := exec.Command(s.opts.Command, s.opts.Args...)
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.WaitDelay = s.opts.StopPollInterval

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("process: stdin pipe: %w", err)
	}
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return fmt.Errorf("process: start %s: %w", s.opts.Command, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.logger = s.logger.With(logging.LogFields{"pid": cmd.Process.Pid})
	s.logger.Debug("Child process started", logging.LogFields{"args": s.opts.Args})

	var readers sync.WaitGroup
	readers.Add(2)
	go s.pump(&readers, stderrR, func(line string) {
		s.logger.Error("Child process stderr", nil, logging.LogFields{"line": line})
	})
	go s.pump(&readers, stdoutR, func(line string) {
		s.logger.Debug("Child process stdout", logging.LogFields{"line": line})
	})

	go func() {
		err := cmd.Wait()
		_ = stdoutW.Close()
		_ = stderrW.Close()
		readers.Wait()

		s.waitErr = err
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		s.exitCode.Store(int64(code))
		fields := logging.LogFields{"exit_code": code}
		if s.stopRequested.Load() {
			s.logger.Debug("Child process exited", fields)
		} else {
			s.logger.Warn("Child process exited unexpectedly", fields)
		}
		close(s.exited)
	}()
	return nil
}

func (s *Supervisor) pump(wg *sync.WaitGroup, r io.Reader, emit func(string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLogLine)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			emit(line)
		}
	}
	// drain whatever a scanner error left behind so the child never blocks
	_, _ = io.Copy(io.Discard, r)
}

// PID is the child's process id, or 0 before Start.
func (s *Supervisor) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Exited is closed once the child has exited and its output is drained.
func (s *Supervisor) Exited() <-chan struct{} { return s.exited }

// Running reports whether the child was started and has not exited.
func (s *Supervisor) Running() bool {
	if !s.started.Load() || s.cmd == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// ExitCode is the child's exit code, or -1 while it runs or when killed.
func (s *Supervisor) ExitCode() int { return int(s.exitCode.Load()) }

// Err is the error returned by waiting on the child, valid after Exited.
func (s *Supervisor) Err() error {
	select {
	case <-s.exited:
		return s.waitErr
	default:
		return nil
	}
}

// WriteLine writes one control line to the child's stdin.
func (s *Supervisor) WriteLine(line string) error {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if s.stdin == nil {
		return errors.New("process: stdin is closed")
	}
	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		return fmt.Errorf("process: write stdin: %w", err)
	}
	return nil
}

func (s *Supervisor) closeStdin() {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
}

// RequestStop writes QuitLine, closes stdin and closer (normally the framing
// channel), then waits for the child in StopPollInterval slices until it
// exits. When ctx ends first the child is killed and ctx's error returned.
func (s *Supervisor) RequestStop(ctx context.Context, closer io.Closer) error {
	if !s.started.Load() || s.cmd == nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil
	}
	s.stopRequested.Store(true)

	if err := s.WriteLine(QuitLine); err != nil {
		s.logger.Debug("Could not send quit line", logging.LogFields{"error": err.Error()})
	}
	s.closeStdin()
	if closer != nil {
		if err := closer.Close(); err != nil {
			s.logger.Debug("Closing channel failed", logging.LogFields{"error": err.Error()})
		}
	}

	ticker := time.NewTicker(s.opts.StopPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.exited:
			return nil
		case <-ticker.C:
			s.logger.Info("Still waiting for child process to exit", nil)
		case <-ctx.Done():
			s.logger.Warn("Child process did not exit in time, killing it", nil)
			if err := s.Kill(); err != nil {
				s.logger.Error("Kill failed", err, nil)
			}
			<-s.exited
			return fmt.Errorf("process: waiting for exit: %w", ctx.Err())
		}
	}
}

// Kill terminates the child immediately.
func (s *Supervisor) Kill() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	s.stopRequested.Store(true)
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("process: kill %d: %w", s.cmd.Process.Pid, err)
	}
	return nil
}
