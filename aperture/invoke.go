package aperture

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/screencapture/aperture/process"
)

// run spawns the recorder binary in a one-shot mode and waits for it to
// exit. The child is killed if ctx is cancelled first.
func (cfg Config) run(
	ctx context.Context,
	mode string,
	args ...string,
) (_ret *process.ExitStatus, _err error) {
	logger.Debugf(ctx, "run(ctx, '%s', %q)", mode, args)
	defer func() { logger.Debugf(ctx, "/run(ctx, '%s', %q): %v", mode, args, _err) }()

	handle := process.New(ctx, process.Config{
		Path:    cfg.BinaryPath,
		Args:    append([]string{mode}, args...),
		Env:     cfg.Env,
		Mode:    mode,
		Metrics: cfg.Metrics,
	})
	if err := handle.Start(ctx); err != nil {
		return nil, err
	}

	select {
	case <-handle.Done():
	case <-ctx.Done():
		if err := handle.Kill(); err != nil {
			logger.Errorf(ctx, "unable to kill '%s' process %d: %v", mode, handle.PID(), err)
		}
		<-handle.Done()
		return nil, ctx.Err()
	}

	status, err := handle.ExitStatus()
	if err != nil {
		return nil, fmt.Errorf("unable to get the exit status of '%s': %w", mode, err)
	}
	return status, nil
}
