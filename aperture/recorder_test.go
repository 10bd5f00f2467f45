package aperture

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	gopsprocess "github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/screencapture"
	"github.com/xaionaro-go/screencapture/aperture/codec"
	"github.com/xaionaro-go/screencapture/metrics"
	"github.com/xaionaro-go/xsync"
)

var (
	hostWithHEVC = codec.HostInfo{
		OS:              "darwin",
		PlatformVersion: "14.2.1",
		CPUModel:        "Apple M1 Pro",
	}
	hostWithoutHEVC = codec.HostInfo{
		OS:              "darwin",
		PlatformVersion: "10.12.6",
		CPUModel:        "Intel(R) Core(TM) i7-4870HQ CPU @ 2.50GHz",
	}
)

func testContext(t *testing.T) context.Context {
	ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancelFn)
	l := logrus.Default().WithLevel(logger.LevelDebug)
	return logger.CtxWithLogger(ctx, l)
}

func fakeRecorderOptions(
	t *testing.T,
	behavior string,
	opts ...screencapture.CustomOption,
) []screencapture.CustomOption {
	env := OptionEnv{
		envKeyFakeRecorder + "=1",
		envKeyFakeRecorderBehavior + "=" + behavior,
	}
	result := []screencapture.CustomOption{
		OptionBinaryPath(os.Args[0]),
		OptionTempDir(t.TempDir()),
		OptionMetrics{metrics.New(nil)},
		OptionNegotiator{codec.NewNegotiator(hostWithHEVC)},
		env,
	}
	for _, opt := range opts {
		if extraEnv, ok := opt.(OptionEnv); ok {
			opt = append(env, extraEnv...)
		}
		result = append(result, opt)
	}
	return result
}

func newTestRecorder(
	t *testing.T,
	ctx context.Context,
	behavior string,
	opts ...screencapture.CustomOption,
) *Recorder {
	r, err := NewRecorder(ctx, fakeRecorderOptions(t, behavior, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Close())
	})
	return r
}

func spawnCount(r *Recorder) int {
	return int(testutil.ToFloat64(r.Config.Metrics.ChildProcessesSpawned.WithLabelValues("record")))
}

func startOutcomes(r *Recorder, outcome string) int {
	return int(testutil.ToFloat64(r.Config.Metrics.StartsTotal.WithLabelValues(outcome)))
}

func (r *Recorder) currentPID() int {
	ctx := xsync.WithNoLogging(context.Background(), true)
	return xsync.DoR1(ctx, &r.locker, func() int {
		if r.session == nil {
			return -1
		}
		return r.session.handle.PID()
	})
}

type startResult struct {
	Path string
	Err  error
}

// startAsync starts a recording in the background and waits until the child is spawned.
func startAsync(
	t *testing.T,
	ctx context.Context,
	r *Recorder,
	opts screencapture.RecordingOptions,
) (<-chan startResult, int) {
	resultCh := make(chan startResult, 1)
	go func() {
		path, err := r.Start(ctx, opts)
		resultCh <- startResult{Path: path, Err: err}
	}()

	var pid int
	require.Eventually(t, func() bool {
		pid = r.currentPID()
		return pid > 0
	}, 30*time.Second, time.Millisecond)
	return resultCh, pid
}

func waitStart(t *testing.T, resultCh <-chan startResult) startResult {
	select {
	case result := <-resultCh:
		return result
	case <-time.After(30 * time.Second):
		t.Fatal("Start did not return in time")
	}
	panic("unreachable")
}

func requireNotRunning(t *testing.T, pid int) {
	require.Greater(t, pid, 0)
	exists, err := gopsprocess.PidExists(int32(pid))
	require.NoError(t, err)
	require.False(t, exists, "process %d is still alive", pid)
}

func TestRecorderStartStop(t *testing.T) {
	ctx := testContext(t)
	r := newTestRecorder(t, ctx, "ok")
	require.Equal(t, StateIdle, r.State())

	path, err := r.Start(ctx, screencapture.RecordingOptions{})
	require.NoError(t, err)
	require.Equal(t, r.Config.TempDir, filepath.Dir(path))
	require.Equal(t, ".mp4", filepath.Ext(path))
	require.NoFileExists(t, path)
	require.Equal(t, StateRecording, r.State())
	pid := r.currentPID()

	stoppedPath, err := r.Stop(ctx)
	require.NoError(t, err)
	require.Equal(t, path, stoppedPath)
	require.FileExists(t, path)
	require.Equal(t, StateIdle, r.State())
	requireNotRunning(t, pid)

	require.Equal(t, 1, spawnCount(r))
	require.Equal(t, 1, startOutcomes(r, metrics.OutcomeStarted))
	require.Equal(t, float64(0), testutil.ToFloat64(r.Config.Metrics.SessionsActive))

	_, err = r.Stop(ctx)
	require.ErrorIs(t, err, screencapture.ErrNotActive)
}

func TestRecorderStartTwice(t *testing.T) {
	ctx := testContext(t)
	r := newTestRecorder(t, ctx, "ok")

	_, err := r.Start(ctx, screencapture.RecordingOptions{})
	require.NoError(t, err)

	_, err = r.Start(ctx, screencapture.RecordingOptions{})
	require.ErrorIs(t, err, screencapture.ErrAlreadyActive)
	require.Equal(t, 1, spawnCount(r))
	require.Equal(t, 1, startOutcomes(r, metrics.OutcomeBusy))
	require.Equal(t, StateRecording, r.State())

	_, err = r.Stop(ctx)
	require.NoError(t, err)

	_, err = r.Start(ctx, screencapture.RecordingOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, spawnCount(r))
	_, err = r.Stop(ctx)
	require.NoError(t, err)
}

func TestRecorderInvalidOptions(t *testing.T) {
	ctx := testContext(t)
	r := newTestRecorder(t, ctx, "ok")

	_, err := r.Start(ctx, screencapture.RecordingOptions{
		CropArea: &screencapture.CropArea{
			X:     ptr(0.0),
			Y:     ptr(0.0),
			Width: ptr(100.0),
		},
	})
	require.ErrorIs(t, err, screencapture.ErrInvalidOptions)

	_, err = r.Start(ctx, screencapture.RecordingOptions{FramesPerSecond: -1})
	require.ErrorIs(t, err, screencapture.ErrInvalidOptions)

	_, err = r.Start(ctx, screencapture.RecordingOptions{CropArea: screencapture.NewCropArea(math.NaN(), 0, 100, 100)})
	require.ErrorIs(t, err, screencapture.ErrInvalidOptions)

	_, err = r.Start(ctx, screencapture.RecordingOptions{ScaleFactor: math.Inf(1)})
	require.ErrorIs(t, err, screencapture.ErrInvalidOptions)

	require.Equal(t, 0, spawnCount(r))
	require.Equal(t, 4, startOutcomes(r, metrics.OutcomeInvalid))
	require.Equal(t, StateIdle, r.State())
}

func TestRecorderUnsupportedCodec(t *testing.T) {
	ctx := testContext(t)
	r := newTestRecorder(t, ctx, "ok", OptionNegotiator{codec.NewNegotiator(hostWithoutHEVC)})

	_, err := r.Start(ctx, screencapture.RecordingOptions{VideoCodec: screencapture.VideoCodecHEVC})
	require.ErrorIs(t, err, screencapture.ErrInvalidOptions)
	require.ErrorIs(t, err, screencapture.ErrUnsupportedCodec)
	require.Equal(t, 0, spawnCount(r))

	_, err = r.Start(ctx, screencapture.RecordingOptions{VideoCodec: screencapture.VideoCodecH264})
	require.NoError(t, err)
	_, err = r.Stop(ctx)
	require.NoError(t, err)
}

func TestRecorderArguments(t *testing.T) {
	ctx := testContext(t)
	dumpPath := filepath.Join(t.TempDir(), "args.json")
	r := newTestRecorder(t, ctx, "ok", OptionEnv{envKeyFakeRecorderDump + "=" + dumpPath})

	path, err := r.Start(ctx, screencapture.RecordingOptions{
		CropArea:        screencapture.NewCropArea(10, 20, 640, 480),
		ShowCursor:      ptr(false),
		HighlightClicks: true,
		ScreenID:        2,
		AudioDeviceID:   "BuiltInMicrophoneDevice",
		VideoCodec:      screencapture.VideoCodecHEVC,
	})
	require.NoError(t, err)
	_, err = r.Stop(ctx)
	require.NoError(t, err)

	b, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	var argv []string
	require.NoError(t, json.Unmarshal(b, &argv))
	require.Len(t, argv, 1)

	var args recorderArgs
	require.NoError(t, json.Unmarshal([]byte(argv[0]), &args))
	require.Equal(t, recorderArgs{
		Destination:     fileURL(path),
		FramesPerSecond: screencapture.DefaultFramesPerSecond,
		CropRect:        &[2][2]float64{{10, 20}, {640, 480}},
		ShowCursor:      true,
		HighlightClicks: true,
		ScreenID:        2,
		AudioDeviceID:   "BuiltInMicrophoneDevice",
		VideoCodec:      "hvc1",
		ScaleFactor:     screencapture.DefaultScaleFactor,
	}, args)
}

func TestRecorderStartTimeout(t *testing.T) {
	for _, behavior := range []string{"noise", "hang"} {
		t.Run(behavior, func(t *testing.T) {
			ctx := testContext(t)
			r := newTestRecorder(t, ctx, behavior, OptionStartTimeout(500*time.Millisecond))

			resultCh, pid := startAsync(t, ctx, r, screencapture.RecordingOptions{})
			result := waitStart(t, resultCh)
			require.ErrorIs(t, result.Err, screencapture.ErrStartTimeout)
			require.Empty(t, result.Path)
			require.Equal(t, StateIdle, r.State())
			requireNotRunning(t, pid)
			require.Equal(t, 1, startOutcomes(r, metrics.OutcomeTimeout))
		})
	}
}

func TestRecorderStartFailure(t *testing.T) {
	ctx := testContext(t)
	r := newTestRecorder(t, ctx, "fail")

	_, err := r.Start(ctx, screencapture.RecordingOptions{})
	require.ErrorIs(t, err, screencapture.ErrChildProcessFailure)
	var childErr *screencapture.ChildProcessError
	require.True(t, errors.As(err, &childErr))
	require.Equal(t, 1, childErr.ExitCode)
	require.Contains(t, childErr.Stderr, "capture device busy")
	require.Equal(t, StateIdle, r.State())
	require.Equal(t, 1, startOutcomes(r, metrics.OutcomeFailed))
}

func TestRecorderExitBeforeConfirmation(t *testing.T) {
	ctx := testContext(t)
	r := newTestRecorder(t, ctx, "exit-zero-early")

	_, err := r.Start(ctx, screencapture.RecordingOptions{})
	require.ErrorIs(t, err, screencapture.ErrChildProcessFailure)
	require.Equal(t, StateIdle, r.State())
}

func TestRecorderExitRightAfterConfirmation(t *testing.T) {
	ctx := testContext(t)
	r := newTestRecorder(t, ctx, "confirm-and-exit")

	for i := 0; i < 5; i++ {
		path, err := r.Start(ctx, screencapture.RecordingOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, path)
		require.Eventually(t, func() bool {
			return r.State() == StateIdle
		}, 30*time.Second, time.Millisecond)
	}
	require.Equal(t, 5, startOutcomes(r, metrics.OutcomeStarted))
}

func TestRecorderSpawnFailure(t *testing.T) {
	ctx := testContext(t)
	r := newTestRecorder(t, ctx, "ok", OptionBinaryPath(filepath.Join(t.TempDir(), "no-such-recorder")))

	_, err := r.Start(ctx, screencapture.RecordingOptions{})
	require.ErrorIs(t, err, screencapture.ErrChildProcessFailure)
	require.Equal(t, StateIdle, r.State())
}

func TestRecorderStopWhileStarting(t *testing.T) {
	ctx := testContext(t)
	r := newTestRecorder(t, ctx, "ok", OptionEnv{envKeyFakeRecorderDelay + "=500ms"})

	resultCh, pid := startAsync(t, ctx, r, screencapture.RecordingOptions{})
	path, err := r.Stop(ctx)
	if err != nil {
		// the child was signalled before it installed its handlers
		require.ErrorIs(t, err, screencapture.ErrChildProcessFailure)
	}
	require.NotEmpty(t, path)

	result := waitStart(t, resultCh)
	if result.Err != nil {
		require.ErrorIs(t, result.Err, screencapture.ErrStartInterrupted)
	} else {
		require.Equal(t, path, result.Path)
	}
	require.Equal(t, 1, spawnCount(r))
	require.Equal(t, StateIdle, r.State())
	requireNotRunning(t, pid)
}

func TestRecorderCancelWhileStarting(t *testing.T) {
	ctx := testContext(t)
	r := newTestRecorder(t, ctx, "hang")

	resultCh, pid := startAsync(t, ctx, r, screencapture.RecordingOptions{})
	require.NoError(t, r.Cancel(ctx))

	result := waitStart(t, resultCh)
	require.ErrorIs(t, result.Err, screencapture.ErrStartInterrupted)
	require.Equal(t, StateIdle, r.State())
	requireNotRunning(t, pid)
	require.Equal(t, 1, startOutcomes(r, metrics.OutcomeInterrupted))
}

func TestRecorderCancel(t *testing.T) {
	ctx := testContext(t)
	r := newTestRecorder(t, ctx, "ok")

	require.NoError(t, r.Cancel(ctx))

	path, err := r.Start(ctx, screencapture.RecordingOptions{})
	require.NoError(t, err)
	pid := r.currentPID()

	require.NoError(t, r.Cancel(ctx))
	require.Equal(t, StateIdle, r.State())
	require.NoFileExists(t, path)
	requireNotRunning(t, pid)
	require.NoError(t, r.Cancel(ctx))
}

func TestRecorderStartContextCancelled(t *testing.T) {
	ctx := testContext(t)
	r := newTestRecorder(t, ctx, "hang")

	startCtx, cancelFn := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancelFn()
	resultCh, pid := startAsync(t, startCtx, r, screencapture.RecordingOptions{})

	result := waitStart(t, resultCh)
	require.ErrorIs(t, result.Err, context.DeadlineExceeded)
	require.Equal(t, StateIdle, r.State())
	requireNotRunning(t, pid)
}

func TestRecorderCrashAfterStart(t *testing.T) {
	ctx := testContext(t)
	r := newTestRecorder(t, ctx, "crash-after-start")

	_, err := r.Start(ctx, screencapture.RecordingOptions{})
	require.NoError(t, err)
	pid := r.currentPID()

	err = r.WaitForRecordingEnd(ctx)
	require.ErrorIs(t, err, screencapture.ErrChildProcessFailure)
	require.Contains(t, err.Error(), "stream interrupted")
	require.Equal(t, StateIdle, r.State())
	requireNotRunning(t, pid)

	_, err = r.Stop(ctx)
	require.ErrorIs(t, err, screencapture.ErrNotActive)
	require.ErrorIs(t, r.WaitForRecordingEnd(ctx), screencapture.ErrNotActive)
}

func TestRecorderStopInProgress(t *testing.T) {
	ctx := testContext(t)
	r := newTestRecorder(t, ctx, "slow-stop")

	path, err := r.Start(ctx, screencapture.RecordingOptions{})
	require.NoError(t, err)

	stopCh := make(chan startResult, 1)
	go func() {
		path, err := r.Stop(ctx)
		stopCh <- startResult{Path: path, Err: err}
	}()
	require.Eventually(t, func() bool {
		return r.State() == StateStopping
	}, 30*time.Second, time.Millisecond)

	_, err = r.Stop(ctx)
	require.ErrorIs(t, err, screencapture.ErrStopInProgress)

	result := waitStart(t, stopCh)
	require.NoError(t, result.Err)
	require.Equal(t, path, result.Path)
	require.FileExists(t, path)
}

func TestRecorderStopContextCancelled(t *testing.T) {
	ctx := testContext(t)
	r := newTestRecorder(t, ctx, "slow-stop")

	_, err := r.Start(ctx, screencapture.RecordingOptions{})
	require.NoError(t, err)

	stopCtx, cancelFn := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelFn()
	_, err = r.Stop(stopCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, r.WaitForRecordingEnd(ctx))
	require.Equal(t, StateIdle, r.State())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "recording", StateRecording.String())
	require.Equal(t, "unexpected_state_42", State(42).String())
}

func ptr[T any](v T) *T {
	return &v
}
