package aperture

import (
	"net/url"
	"path/filepath"

	"github.com/xaionaro-go/screencapture"
)

// recorderArgs is the JSON document the recorder receives as its only argument.
type recorderArgs struct {
	Destination     string         `json:"destination"`
	FramesPerSecond int            `json:"framesPerSecond"`
	CropRect        *[2][2]float64 `json:"cropRect,omitempty"`
	ShowCursor      bool           `json:"showCursor"`
	HighlightClicks bool           `json:"highlightClicks"`
	ScreenID        uint32         `json:"screenId"`
	AudioDeviceID   string         `json:"audioDeviceId,omitempty"`
	VideoCodec      string         `json:"videoCodec,omitempty"`
	ScaleFactor     float64        `json:"scaleFactor"`
}

// newRecorderArgs expects normalized and validated options.
func newRecorderArgs(
	opts screencapture.RecordingOptions,
	videoCodecID string,
	destination string,
) recorderArgs {
	args := recorderArgs{
		Destination:     fileURL(destination),
		FramesPerSecond: opts.FramesPerSecond,
		ShowCursor:      opts.IsShowCursor(),
		HighlightClicks: opts.HighlightClicks,
		ScreenID:        opts.ScreenID,
		AudioDeviceID:   opts.AudioDeviceID,
		VideoCodec:      videoCodecID,
		ScaleFactor:     opts.ScaleFactor,
	}
	if opts.CropArea != nil {
		rect := opts.CropArea.Rect()
		args.CropRect = &rect
	}
	return args
}

func fileURL(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.ToSlash(path)
	if len(path) > 0 && path[0] != '/' {
		path = "/" + path
	}
	u := url.URL{
		Scheme: "file",
		Path:   path,
	}
	return u.String()
}
