// Package internal contains helpers shared by the packages of this module.
package internal

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// Assert panics through the logger of ctx if an internal invariant is broken.
func Assert(
	ctx context.Context,
	mustBeTrue bool,
	format string,
	args ...any,
) {
	if mustBeTrue {
		return
	}
	logger.Panic(ctx, "assertion failed: "+fmt.Sprintf(format, args...))
}
