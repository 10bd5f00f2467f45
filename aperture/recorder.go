package aperture

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/google/uuid"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/screencapture"
	"github.com/xaionaro-go/screencapture/aperture/process"
	"github.com/xaionaro-go/screencapture/internal"
	"github.com/xaionaro-go/screencapture/metrics"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
)

type State int

const (
	StateIdle = State(iota)
	StateStarting
	StateRecording
	StateStopping
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateCancelling:
		return "cancelling"
	}
	return fmt.Sprintf("unexpected_state_%d", int(s))
}

type session struct {
	handle      *process.Handle
	destination string
	state       State
	timer       *time.Timer
	lines       <-chan string
	unsubscribe context.CancelFunc

	// interrupted is closed when Stop or Cancel takes over a starting session.
	interrupted   chan struct{}
	interruptOnce sync.Once
	isInterrupted bool

	// ended is closed after the child exited and the session was cleared.
	ended  chan struct{}
	endErr error
}

func (sess *session) interrupt() {
	if sess.state != StateStarting {
		return
	}
	sess.isInterrupted = true
	sess.interruptOnce.Do(func() {
		close(sess.interrupted)
	})
}

// Recorder supervises at most one recorder child process at a time.
type Recorder struct {
	Config Config

	locker  xsync.Mutex
	session *session
}

var _ screencapture.Recorder = (*Recorder)(nil)

func NewRecorder(
	ctx context.Context,
	opts ...screencapture.CustomOption,
) (*Recorder, error) {
	return newRecorder(NewConfig(ctx, opts...))
}

func newRecorder(cfg Config) (*Recorder, error) {
	if err := cfg.checkTempDir(); err != nil {
		return nil, err
	}
	return &Recorder{
		Config: cfg,
	}, nil
}

func (r *Recorder) State() State {
	ctx := xsync.WithNoLogging(context.Background(), true)
	return xsync.DoR1(ctx, &r.locker, func() State {
		if r.session == nil {
			return StateIdle
		}
		return r.session.state
	})
}

// Start spawns the recorder and waits until it confirms that capturing
// began. It returns the path of the file the recording is written to.
func (r *Recorder) Start(
	ctx context.Context,
	opts screencapture.RecordingOptions,
) (_ret string, _err error) {
	logger.Debugf(ctx, "Start(ctx, %#+v)", opts)
	defer func() { logger.Debugf(ctx, "/Start(ctx, %#+v): '%s' %v", opts, _ret, _err) }()
	defer func() { r.observeStart(_err) }()

	sess, err := xsync.DoR2(ctx, &r.locker, func() (*session, error) {
		if r.session != nil {
			return nil, fmt.Errorf("%w (the current state: %s)", screencapture.ErrAlreadyActive, r.session.state)
		}
		return r.spawn(ctx, opts)
	})
	if err != nil {
		return "", err
	}
	defer sess.unsubscribe()

	lines := sess.lines
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if !process.IsConfirmationToken(line) {
				continue
			}
			if r.confirm(ctx, sess) {
				return sess.destination, nil
			}
		case <-sess.handle.Done():
			confirmed := drainForConfirmation(lines)
			<-sess.ended
			if confirmed && !sess.isInterrupted {
				if sess.endErr != nil {
					return "", fmt.Errorf("the recorder exited right after it started recording: %w", sess.endErr)
				}
				return sess.destination, nil
			}
			return "", r.startFailure(sess)
		case <-sess.timer.C:
			if r.abortStart(ctx, sess) {
				<-sess.ended
				return "", fmt.Errorf("%w: no confirmation within %s", screencapture.ErrStartTimeout, r.Config.StartTimeout)
			}
		case <-sess.interrupted:
			<-sess.ended
			return "", screencapture.ErrStartInterrupted
		case <-ctx.Done():
			if r.abortStart(xcontext.DetachDone(ctx), sess) {
				<-sess.ended
			}
			return "", ctx.Err()
		}
	}
}

// spawn must be called with the locker held.
func (r *Recorder) spawn(
	ctx context.Context,
	opts screencapture.RecordingOptions,
) (*session, error) {
	opts = opts.Normalize()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var videoCodecID string
	if opts.VideoCodec != screencapture.VideoCodecUndefined {
		var err error
		videoCodecID, err = r.Config.Negotiator.Resolve(opts.VideoCodec)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", screencapture.ErrInvalidOptions, err)
		}
	}

	destination := filepath.Join(r.Config.TempDir, uuid.NewString()+".mp4")
	args := newRecorderArgs(opts, videoCodecID, destination)
	logger.Debugf(ctx, "recorder options: %s", spew.Sdump(args))
	arg, err := process.EncodeArgument(args)
	if err != nil {
		return nil, err
	}

	handle := process.New(ctx, process.Config{
		Path:    r.Config.BinaryPath,
		Args:    []string{arg},
		Env:     r.Config.Env,
		Mode:    "record",
		Metrics: r.Config.Metrics,
	})
	lines, unsubscribe := handle.SubscribeLines()
	if err := handle.Start(ctx); err != nil {
		unsubscribe()
		return nil, fmt.Errorf("%w: %w", screencapture.ErrChildProcessFailure, err)
	}

	sess := &session{
		handle:      handle,
		destination: destination,
		state:       StateStarting,
		timer:       time.NewTimer(r.Config.StartTimeout),
		lines:       lines,
		unsubscribe: unsubscribe,
		interrupted: make(chan struct{}),
		ended:       make(chan struct{}),
	}
	r.session = sess
	r.Config.Metrics.SessionsActive.Inc()

	observability.Go(xcontext.DetachDone(ctx), func(ctx context.Context) {
		r.watchExit(ctx, sess)
	})
	return sess, nil
}

func (r *Recorder) confirm(
	ctx context.Context,
	sess *session,
) bool {
	return xsync.DoR1(ctx, &r.locker, func() bool {
		if sess.state != StateStarting {
			return false
		}
		sess.timer.Stop()
		sess.state = StateRecording
		r.Config.Metrics.StartDuration.Observe(time.Since(sess.handle.StartedAt()).Seconds())
		logger.Debugf(ctx, "the recorder %d confirmed the start of recording to '%s'", sess.handle.PID(), sess.destination)
		return true
	})
}

// abortStart kills a session that is still starting; it returns false if
// somebody else already took the session over.
func (r *Recorder) abortStart(
	ctx context.Context,
	sess *session,
) bool {
	return xsync.DoR1(ctx, &r.locker, func() bool {
		if sess.state != StateStarting {
			return false
		}
		sess.timer.Stop()
		sess.state = StateCancelling
		if err := sess.handle.Kill(); err != nil {
			logger.Errorf(ctx, "unable to kill the recorder %d: %v", sess.handle.PID(), err)
		}
		return true
	})
}

// drainForConfirmation reads the lines left after the child exited; the
// output is closed by then, so this does not block for long.
func drainForConfirmation(lines <-chan string) bool {
	if lines == nil {
		return false
	}
	confirmed := false
	for line := range lines {
		if process.IsConfirmationToken(line) {
			confirmed = true
		}
	}
	return confirmed
}

func (r *Recorder) startFailure(sess *session) error {
	if sess.isInterrupted {
		return screencapture.ErrStartInterrupted
	}
	if sess.endErr != nil {
		return fmt.Errorf("the recorder failed to start: %w", sess.endErr)
	}
	return fmt.Errorf("%w: the recorder exited before it started recording", screencapture.ErrChildProcessFailure)
}

// watchExit is the only place a session is cleared, so the recorder never
// becomes idle while its child is still running.
func (r *Recorder) watchExit(
	ctx context.Context,
	sess *session,
) {
	<-sess.handle.Done()
	status, err := sess.handle.ExitStatus()
	endErr := err
	if endErr == nil {
		endErr = status.Err()
	}

	r.locker.Do(ctx, func() {
		internal.Assert(ctx, r.session == sess, "the session was replaced while its child was running")
		sess.timer.Stop()
		switch sess.state {
		case StateRecording:
			if endErr != nil {
				logger.Errorf(ctx, "the recorder %d exited unexpectedly: %v", sess.handle.PID(), endErr)
			} else {
				logger.Warnf(ctx, "the recorder %d finished on its own", sess.handle.PID())
			}
		case StateCancelling:
			// killed on purpose
			endErr = nil
		}
		sess.endErr = endErr
		sess.state = StateIdle
		r.session = nil
		r.Config.Metrics.SessionsActive.Dec()
		r.Config.Metrics.SessionDuration.Observe(time.Since(sess.handle.StartedAt()).Seconds())
		close(sess.ended)
	})
}

// Stop asks the recorder to finalize the file and waits for it to exit,
// however long it takes, unless ctx is cancelled. Calling Stop while another
// Stop is in progress is a misuse and returns ErrStopInProgress.
func (r *Recorder) Stop(
	ctx context.Context,
) (_ret string, _err error) {
	logger.Debugf(ctx, "Stop(ctx)")
	defer func() { logger.Debugf(ctx, "/Stop(ctx): '%s' %v", _ret, _err) }()

	sess, err := xsync.DoR2(ctx, &r.locker, func() (*session, error) {
		sess := r.session
		if sess == nil {
			return nil, screencapture.ErrNotActive
		}
		switch sess.state {
		case StateStopping, StateCancelling:
			return nil, fmt.Errorf("%w (the current state: %s)", screencapture.ErrStopInProgress, sess.state)
		}
		sess.timer.Stop()
		sess.interrupt()
		sess.state = StateStopping
		if err := sess.handle.Terminate(); err != nil {
			logger.Errorf(ctx, "unable to terminate the recorder %d, killing it: %v", sess.handle.PID(), err)
			if err := sess.handle.Kill(); err != nil {
				logger.Errorf(ctx, "unable to kill the recorder %d: %v", sess.handle.PID(), err)
			}
		}
		return sess, nil
	})
	if err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-sess.ended:
	}
	if sess.endErr != nil {
		return sess.destination, fmt.Errorf("the recorder did not finish cleanly: %w", sess.endErr)
	}
	return sess.destination, nil
}

// Cancel kills the recorder without waiting for the file to be finalized.
// It does nothing if there is no active session.
func (r *Recorder) Cancel(
	ctx context.Context,
) (_err error) {
	logger.Debugf(ctx, "Cancel(ctx)")
	defer func() { logger.Debugf(ctx, "/Cancel(ctx): %v", _err) }()

	sess := xsync.DoR1(ctx, &r.locker, func() *session {
		sess := r.session
		if sess == nil {
			return nil
		}
		sess.timer.Stop()
		sess.interrupt()
		sess.state = StateCancelling
		if err := sess.handle.Kill(); err != nil {
			logger.Errorf(ctx, "unable to kill the recorder %d: %v", sess.handle.PID(), err)
		}
		return sess
	})
	if sess == nil {
		logger.Debugf(ctx, "nothing to cancel")
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.ended:
		return nil
	}
}

// WaitForRecordingEnd waits until the child of the current session exits
// and returns the reason. The host decides what to do about it.
func (r *Recorder) WaitForRecordingEnd(
	ctx context.Context,
) error {
	sess := xsync.DoR1(ctx, &r.locker, func() *session {
		return r.session
	})
	if sess == nil {
		return screencapture.ErrNotActive
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.ended:
		return sess.endErr
	}
}

func (r *Recorder) Close() error {
	return r.Cancel(context.Background())
}

func (r *Recorder) observeStart(err error) {
	outcome := metrics.OutcomeStarted
	switch {
	case err == nil:
	case errors.Is(err, screencapture.ErrInvalidOptions):
		outcome = metrics.OutcomeInvalid
	case errors.Is(err, screencapture.ErrAlreadyActive):
		outcome = metrics.OutcomeBusy
	case errors.Is(err, screencapture.ErrStartTimeout):
		outcome = metrics.OutcomeTimeout
	case errors.Is(err, screencapture.ErrStartInterrupted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		outcome = metrics.OutcomeInterrupted
	default:
		outcome = metrics.OutcomeFailed
	}
	r.Config.Metrics.StartsTotal.WithLabelValues(outcome).Inc()
}
