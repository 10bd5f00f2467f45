package aperture

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/screencapture"
)

const modeCompress = "compress"

// Compress re-encodes a finished recording; the recorder reports its
// progress to stderr, which goes to the debug log.
func (cfg Config) Compress(
	ctx context.Context,
	inputPath string,
	outputPath string,
) (_err error) {
	logger.Debugf(ctx, "Compress(ctx, '%s', '%s')", inputPath, outputPath)
	defer func() { logger.Debugf(ctx, "/Compress(ctx, '%s', '%s'): %v", inputPath, outputPath, _err) }()

	status, err := cfg.run(ctx, modeCompress, inputPath, outputPath)
	if err != nil {
		return fmt.Errorf("%w: %w", screencapture.ErrCompressionFailure, err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("%w: %w", screencapture.ErrCompressionFailure, err)
	}
	return nil
}
