package screencapture

import (
	"fmt"
	"math"
	"strings"
)

const (
	DefaultFramesPerSecond = 30
	DefaultScaleFactor     = 1
)

type RecordingOptions struct {
	FramesPerSecond int       `json:"frames_per_second,omitempty" yaml:"frames_per_second,omitempty"`
	CropArea        *CropArea `json:"crop_area,omitempty"         yaml:"crop_area,omitempty"`

	// ShowCursor defaults to true when nil.
	ShowCursor *bool `json:"show_cursor,omitempty" yaml:"show_cursor,omitempty"`

	// HighlightClicks implies ShowCursor.
	HighlightClicks bool `json:"highlight_clicks,omitempty" yaml:"highlight_clicks,omitempty"`

	// ScreenID zero means the main screen.
	ScreenID      uint32     `json:"screen_id,omitempty"       yaml:"screen_id,omitempty"`
	AudioDeviceID string     `json:"audio_device_id,omitempty" yaml:"audio_device_id,omitempty"`
	VideoCodec    VideoCodec `json:"video_codec,omitempty"     yaml:"video_codec,omitempty"`
	ScaleFactor   float64    `json:"scale_factor,omitempty"    yaml:"scale_factor,omitempty"`
}

// CropArea fields are pointers so a partially filled area can be told apart
// from a zero origin.
type CropArea struct {
	X      *float64 `json:"x,omitempty"      yaml:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"      yaml:"y,omitempty"`
	Width  *float64 `json:"width,omitempty"  yaml:"width,omitempty"`
	Height *float64 `json:"height,omitempty" yaml:"height,omitempty"`
}

func NewCropArea(x, y, width, height float64) *CropArea {
	return &CropArea{
		X:      ptr(x),
		Y:      ptr(y),
		Width:  ptr(width),
		Height: ptr(height),
	}
}

// Normalize returns a copy with defaults applied and HighlightClicks
// propagated into ShowCursor.
func (opts RecordingOptions) Normalize() RecordingOptions {
	if opts.FramesPerSecond == 0 {
		opts.FramesPerSecond = DefaultFramesPerSecond
	}
	if opts.ScaleFactor == 0 {
		opts.ScaleFactor = DefaultScaleFactor
	}
	if opts.ShowCursor == nil {
		opts.ShowCursor = ptr(true)
	}
	if opts.HighlightClicks {
		opts.ShowCursor = ptr(true)
	}
	if area := opts.CropArea; area != nil {
		opts.CropArea = &CropArea{
			X:      clonePtr(area.X),
			Y:      clonePtr(area.Y),
			Width:  clonePtr(area.Width),
			Height: clonePtr(area.Height),
		}
	}
	return opts
}

func (opts RecordingOptions) IsShowCursor() bool {
	return opts.HighlightClicks || opts.ShowCursor == nil || *opts.ShowCursor
}

func (opts RecordingOptions) Validate() error {
	if opts.FramesPerSecond <= 0 {
		return fmt.Errorf("%w: frames per second must be positive, got %d", ErrInvalidOptions, opts.FramesPerSecond)
	}
	if !isFinite(opts.ScaleFactor) || opts.ScaleFactor <= 0 {
		return fmt.Errorf("%w: scale factor must be positive, got %v", ErrInvalidOptions, opts.ScaleFactor)
	}
	if opts.CropArea != nil {
		if err := opts.CropArea.Validate(); err != nil {
			return err
		}
	}
	if opts.VideoCodec >= EndOfVideoCodec {
		return fmt.Errorf("%w: %w: %s", ErrInvalidOptions, ErrUnsupportedCodec, opts.VideoCodec)
	}
	return nil
}

func (area *CropArea) Validate() error {
	var missing []string
	for _, field := range []struct {
		Name  string
		Value *float64
	}{
		{"x", area.X},
		{"y", area.Y},
		{"width", area.Width},
		{"height", area.Height},
	} {
		if field.Value == nil {
			missing = append(missing, field.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: crop area is missing %s", ErrInvalidOptions, strings.Join(missing, ", "))
	}
	for _, v := range []float64{*area.X, *area.Y, *area.Width, *area.Height} {
		if !isFinite(v) {
			return fmt.Errorf("%w: crop area must consist of finite numbers, got %v", ErrInvalidOptions, area.Rect())
		}
	}
	if *area.Width <= 0 || *area.Height <= 0 {
		return fmt.Errorf("%w: crop area must have a positive size, got %vx%v", ErrInvalidOptions, *area.Width, *area.Height)
	}
	return nil
}

// Rect returns the area as [[x, y], [width, height]]; call Validate first.
func (area *CropArea) Rect() [2][2]float64 {
	return [2][2]float64{
		{*area.X, *area.Y},
		{*area.Width, *area.Height},
	}
}

type VideoCodec uint

const (
	VideoCodecUndefined = VideoCodec(iota)
	VideoCodecH264
	VideoCodecHEVC
	VideoCodecProRes422
	VideoCodecProRes4444
	EndOfVideoCodec
)

func (vc VideoCodec) String() string {
	switch vc {
	case VideoCodecUndefined:
		return ""
	case VideoCodecH264:
		return "h264"
	case VideoCodecHEVC:
		return "hevc"
	case VideoCodecProRes422:
		return "proRes422"
	case VideoCodecProRes4444:
		return "proRes4444"
	}
	return fmt.Sprintf("unexpected_video_codec_id_%d", uint(vc))
}

func (vc VideoCodec) DisplayName() string {
	switch vc {
	case VideoCodecH264:
		return "H264"
	case VideoCodecHEVC:
		return "HEVC"
	case VideoCodecProRes422:
		return "Apple ProRes 422"
	case VideoCodecProRes4444:
		return "Apple ProRes 4444"
	}
	return vc.String()
}

func ParseVideoCodec(s string) (VideoCodec, error) {
	for cmp := VideoCodecUndefined; cmp < EndOfVideoCodec; cmp++ {
		if strings.EqualFold(cmp.String(), s) {
			return cmp, nil
		}
	}
	return VideoCodecUndefined, fmt.Errorf("%w: %s", ErrUnsupportedCodec, s)
}

func (vc VideoCodec) MarshalText() ([]byte, error) {
	if vc >= EndOfVideoCodec {
		return nil, fmt.Errorf("unknown value of the VideoCodec: %d", uint(vc))
	}
	return []byte(vc.String()), nil
}

func (vc *VideoCodec) UnmarshalText(b []byte) error {
	if vc == nil {
		return fmt.Errorf("VideoCodec is nil")
	}
	parsed, err := ParseVideoCodec(string(b))
	if err != nil {
		return err
	}
	*vc = parsed
	return nil
}

// Set implements pflag.Value.
func (vc *VideoCodec) Set(s string) error {
	return vc.UnmarshalText([]byte(s))
}

func (VideoCodec) Type() string {
	return "video-codec"
}

func ptr[T any](in T) *T {
	return &in
}

func clonePtr[T any](in *T) *T {
	if in == nil {
		return nil
	}
	return ptr(*in)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
