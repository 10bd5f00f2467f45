package screencapture

import (
	"context"
	"io"
)

type Recorder interface {
	io.Closer

	Start(context.Context, RecordingOptions) (string, error)
	Stop(context.Context) (string, error)
	Cancel(context.Context) error
	WaitForRecordingEnd(context.Context) error
}

type Compressor interface {
	Compress(ctx context.Context, inputPath, outputPath string) error
}

type DeviceLister interface {
	Screens(context.Context) (*DeviceList[Screen], error)
	AudioDevices(context.Context) (*DeviceList[AudioDevice], error)
}
