package aperture

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/screencapture"
)

const (
	modeListScreens      = "list-screens"
	modeListAudioDevices = "list-audio-devices"
)

func (cfg Config) Screens(
	ctx context.Context,
) (_ret *screencapture.DeviceList[screencapture.Screen], _err error) {
	logger.Debugf(ctx, "Screens(ctx)")
	defer func() { logger.Debugf(ctx, "/Screens(ctx): %v %v", _ret, _err) }()
	return listDevices[screencapture.Screen](ctx, cfg, modeListScreens)
}

func (cfg Config) AudioDevices(
	ctx context.Context,
) (_ret *screencapture.DeviceList[screencapture.AudioDevice], _err error) {
	logger.Debugf(ctx, "AudioDevices(ctx)")
	defer func() { logger.Debugf(ctx, "/AudioDevices(ctx): %v %v", _ret, _err) }()
	return listDevices[screencapture.AudioDevice](ctx, cfg, modeListAudioDevices)
}

// listDevices runs the recorder in a listing mode. The recorder prints the
// list to stderr.
func listDevices[T any](
	ctx context.Context,
	cfg Config,
	mode string,
) (*screencapture.DeviceList[T], error) {
	status, err := cfg.run(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("unable to run '%s': %w", mode, err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("unable to list devices: %w", err)
	}
	return decodeDeviceList[T](ctx, status.Stderr), nil
}

func decodeDeviceList[T any](
	ctx context.Context,
	text string,
) *screencapture.DeviceList[T] {
	var items []T
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		logger.Debugf(ctx, "unable to decode the device list, returning it as is: %v", err)
		return &screencapture.DeviceList[T]{Raw: text}
	}
	if items == nil {
		return &screencapture.DeviceList[T]{Raw: text}
	}
	return &screencapture.DeviceList[T]{Items: items}
}
