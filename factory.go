package screencapture

import (
	"context"
	"io"
)

type Factory interface {
	io.Closer
	Compressor
	DeviceLister

	NewRecorder(context.Context) (Recorder, error)
}
