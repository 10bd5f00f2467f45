// Package codec maps friendly video codec names to the identifiers the
// capture engine understands, taking hardware support into account.
package codec

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/screencapture"
)

var platformIdentifiers = map[screencapture.VideoCodec]string{
	screencapture.VideoCodecH264:       "avc1",
	screencapture.VideoCodecHEVC:       "hvc1",
	screencapture.VideoCodecProRes422:  "apcn",
	screencapture.VideoCodecProRes4444: "ap4h",
}

type Negotiator struct {
	HostInfo HostInfo
	table    map[screencapture.VideoCodec]string
}

func NewNegotiator(info HostInfo) *Negotiator {
	table := maps.Clone(platformIdentifiers)
	if !SupportsHEVCHardwareEncoding(info) {
		delete(table, screencapture.VideoCodecHEVC)
	}
	return &Negotiator{
		HostInfo: info,
		table:    table,
	}
}

var (
	defaultNegotiatorOnce sync.Once
	defaultNegotiator     *Negotiator
)

// Default returns the negotiator for the current host; the host is probed
// only once per process.
func Default(ctx context.Context) *Negotiator {
	defaultNegotiatorOnce.Do(func() {
		info, err := DetectHostInfo(ctx)
		if err != nil {
			logger.Warnf(ctx, "unable to detect the host capabilities, assuming no hardware HEVC encoder: %v", err)
		}
		defaultNegotiator = NewNegotiator(info)
	})
	return defaultNegotiator
}

// Resolve returns the platform identifier of the codec.
func (n *Negotiator) Resolve(codec screencapture.VideoCodec) (string, error) {
	id, ok := n.table[codec]
	if !ok {
		return "", fmt.Errorf("%w: %s", screencapture.ErrUnsupportedCodec, codec)
	}
	return id, nil
}

// Codecs returns the supported codecs with their display names.
func (n *Negotiator) Codecs() map[screencapture.VideoCodec]string {
	result := make(map[screencapture.VideoCodec]string, len(n.table))
	for codec := range n.table {
		result[codec] = codec.DisplayName()
	}
	return result
}
