// Package aperture implements screencapture on top of the aperture recorder
// binary, which is spawned as a child process for every operation.
package aperture

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/screencapture"
	"github.com/xaionaro-go/xsync"
)

type Factory struct {
	Config

	locker    xsync.Mutex
	recorders []*Recorder
	isClosed  bool
}

var _ screencapture.Factory = (*Factory)(nil)

func NewFactory(
	ctx context.Context,
	opts ...screencapture.CustomOption,
) (*Factory, error) {
	cfg := NewConfig(ctx, opts...)
	if err := cfg.checkTempDir(); err != nil {
		return nil, err
	}
	return &Factory{
		Config: cfg,
	}, nil
}

func (f *Factory) NewRecorder(
	ctx context.Context,
) (screencapture.Recorder, error) {
	return xsync.DoR2(ctx, &f.locker, func() (screencapture.Recorder, error) {
		if f.isClosed {
			return nil, fmt.Errorf("the factory is closed")
		}
		r, err := newRecorder(f.Config)
		if err != nil {
			return nil, fmt.Errorf("unable to initialize a recorder: %w", err)
		}
		f.recorders = append(f.recorders, r)
		return r, nil
	})
}

// Codecs returns the video codecs the host can record with, by their display names.
func (f *Factory) Codecs() map[screencapture.VideoCodec]string {
	return f.Config.Negotiator.Codecs()
}

// Close cancels the sessions of all the recorders created by the factory.
func (f *Factory) Close() (_err error) {
	ctx := context.Background()
	logger.Debugf(ctx, "Close()")
	defer func() { logger.Debugf(ctx, "/Close(): %v", _err) }()

	recorders := xsync.DoR1(ctx, &f.locker, func() []*Recorder {
		f.isClosed = true
		recorders := f.recorders
		f.recorders = nil
		return recorders
	})

	var mErr *multierror.Error
	for _, r := range recorders {
		if err := r.Close(); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unable to close the recorder: %w", err))
		}
	}
	return mErr.ErrorOrNil()
}
