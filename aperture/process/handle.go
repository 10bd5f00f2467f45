// Package process supervises a single recorder child process: it spawns it,
// decodes its standard output line by line, collects its standard error and
// settles its exit status exactly once.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	child_process_manager "github.com/AgustinSRG/go-child-process-manager"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/screencapture"
	"github.com/xaionaro-go/screencapture/metrics"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
)

const (
	DefaultStderrLimit = 1 << 20

	// waitDelay bounds how long Wait keeps reading output after the child
	// exited, in case a grandchild inherited its pipes.
	waitDelay = 5 * time.Second
)

var (
	ErrNotStarted     = errors.New("the process is not started")
	ErrAlreadyStarted = errors.New("the process was already started")
)

type Config struct {
	Path string
	Args []string

	// Env is appended to the environment of the host.
	Env []string

	// Mode is used as a label in logs and metrics.
	Mode string

	StderrLimit int
	Metrics     *metrics.Metrics
}

type ExitStatus struct {
	Code   int
	Signal string
	Stderr string
}

func (s *ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == ""
}

// Err returns nil on a zero exit code and a *screencapture.ChildProcessError otherwise.
func (s *ExitStatus) Err() error {
	if s.Success() {
		return nil
	}
	return &screencapture.ChildProcessError{
		ExitCode: s.Code,
		Signal:   s.Signal,
		Stderr:   s.Stderr,
	}
}

type Handle struct {
	Config Config

	ctx          context.Context
	cmd          *exec.Cmd
	stdoutReader *io.PipeReader
	stdoutWriter *io.PipeWriter
	stderr       *stderrCollector
	isStarted    atomic.Bool
	pid          atomic.Int64
	startedAt    time.Time

	subscribersLocker xsync.Mutex
	subscribers       map[uint64]*subscription
	subscriberNextID  uint64
	linesClosed       bool

	terminateOnce sync.Once
	killOnce      sync.Once

	settleOnce sync.Once
	done       chan struct{}
	exitStatus *ExitStatus
	exitErr    error
}

func New(
	ctx context.Context,
	cfg Config,
) *Handle {
	if cfg.StderrLimit <= 0 {
		cfg.StderrLimit = DefaultStderrLimit
	}
	if cfg.Mode == "" {
		cfg.Mode = "record"
	}
	ctx = xcontext.DetachDone(ctx)
	stdoutReader, stdoutWriter := io.Pipe()
	return &Handle{
		Config:       cfg,
		ctx:          ctx,
		stdoutReader: stdoutReader,
		stdoutWriter: stdoutWriter,
		stderr:       newStderrCollector(ctx, cfg.Mode, cfg.StderrLimit),
		subscribers:  map[uint64]*subscription{},
		done:         make(chan struct{}),
	}
}

func (h *Handle) Start(
	ctx context.Context,
) (_err error) {
	logger.Debugf(ctx, "Start(ctx): %s %s", h.Config.Path, h.Config.Mode)
	defer func() { logger.Debugf(ctx, "/Start(ctx): %s %s: %v", h.Config.Path, h.Config.Mode, _err) }()

	if !h.isStarted.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	observability.Go(h.ctx, func(ctx context.Context) {
		h.readLoop(ctx)
	})

	err := h.start(ctx)
	if err != nil {
		h.stdoutWriter.CloseWithError(err)
		h.settle(nil, err)
		return err
	}

	observability.Go(h.ctx, func(ctx context.Context) {
		h.waitLoop(ctx)
	})
	return nil
}

func (h *Handle) start(ctx context.Context) error {
	if err := initChildProcessManager(); err != nil {
		return fmt.Errorf("unable to initialize the child process manager: %w", err)
	}

	cmd := exec.Command(h.Config.Path, h.Config.Args...)
	if len(h.Config.Env) > 0 {
		cmd.Env = append(os.Environ(), h.Config.Env...)
	}
	cmd.Stdin = nil
	cmd.Stdout = h.stdoutWriter
	cmd.Stderr = h.stderr
	cmd.WaitDelay = waitDelay
	child_process_manager.ConfigureCommand(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("unable to start '%s': %w", h.Config.Path, err)
	}
	h.cmd = cmd
	h.pid.Store(int64(cmd.Process.Pid))
	h.startedAt = time.Now()

	if m := h.Config.Metrics; m != nil {
		m.ChildProcessesSpawned.WithLabelValues(h.Config.Mode).Inc()
		m.ChildProcessesRunning.Inc()
	}

	if err := child_process_manager.AddChildProcess(cmd.Process); err != nil {
		logger.Errorf(ctx, "unable to register process %d in the child process manager, killing it: %v", cmd.Process.Pid, err)
		_ = cmd.Process.Kill()
		h.waitLoop(ctx)
		return fmt.Errorf("unable to register the child process: %w", err)
	}

	logger.Debugf(ctx, "started '%s' (%s) as PID %d", h.Config.Path, h.Config.Mode, cmd.Process.Pid)
	return nil
}

func (h *Handle) waitLoop(ctx context.Context) {
	err := h.cmd.Wait()
	h.stdoutWriter.Close()

	state := h.cmd.ProcessState
	if state == nil {
		h.settle(nil, fmt.Errorf("unable to wait for process %d: %w", h.cmd.Process.Pid, err))
		return
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		logger.Warnf(ctx, "process %d: %v", h.cmd.Process.Pid, err)
	}

	status := &ExitStatus{
		Code:   state.ExitCode(),
		Stderr: h.stderr.String(),
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	logger.Debugf(ctx, "process %d (%s) exited: code %d, signal '%s'", h.cmd.Process.Pid, h.Config.Mode, status.Code, status.Signal)

	if m := h.Config.Metrics; m != nil {
		m.ChildProcessesRunning.Dec()
		exitLabel := "success"
		switch {
		case status.Signal != "":
			exitLabel = "signal"
		case status.Code != 0:
			exitLabel = "failure"
		}
		m.ChildProcessExits.WithLabelValues(h.Config.Mode, exitLabel).Inc()
	}

	h.settle(status, nil)
}

func (h *Handle) settle(status *ExitStatus, err error) {
	h.settleOnce.Do(func() {
		h.exitStatus = status
		h.exitErr = err
		close(h.done)
	})
}

// PID returns -1 until the process is started.
func (h *Handle) PID() int {
	pid := h.pid.Load()
	if pid == 0 {
		return -1
	}
	return int(pid)
}

func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// Done is closed once the process exited (or failed to start).
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitStatus returns the cached outcome; it must be called only after Done is closed.
func (h *Handle) ExitStatus() (*ExitStatus, error) {
	select {
	case <-h.done:
	default:
		return nil, fmt.Errorf("process %d has not exited yet", h.PID())
	}
	return h.exitStatus, h.exitErr
}

func (h *Handle) Wait(
	ctx context.Context,
) (*ExitStatus, error) {
	if !h.isStarted.Load() {
		return nil, ErrNotStarted
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.exitStatus, h.exitErr
	}
}

// Terminate asks the process to finish gracefully. Only the first call
// sends the signal.
func (h *Handle) Terminate() error {
	err := ErrNotStarted
	if h.cmd == nil {
		return err
	}
	err = nil
	h.terminateOnce.Do(func() {
		logger.Debugf(h.ctx, "terminating process %d", h.PID())
		err = h.ignoreDone(terminate(h.cmd.Process))
	})
	return err
}

// Kill forcibly stops the process. Only the first call sends the signal.
func (h *Handle) Kill() error {
	err := ErrNotStarted
	if h.cmd == nil {
		return err
	}
	err = nil
	h.killOnce.Do(func() {
		logger.Debugf(h.ctx, "killing process %d", h.PID())
		err = h.ignoreDone(h.cmd.Process.Kill())
	})
	return err
}

func (h *Handle) ignoreDone(err error) error {
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	select {
	case <-h.done:
		return nil
	default:
	}
	return fmt.Errorf("unable to signal process %d: %w", h.PID(), err)
}
