package process

import (
	"bytes"
	"context"

	"github.com/facebookincubator/go-belt/tool/logger"
)

const maxPendingStderr = 64 << 10

// stderrCollector keeps the first limit bytes and logs every line. It is
// written only by the goroutine of exec.Cmd, and read after the process exited.
type stderrCollector struct {
	ctx     context.Context
	mode    string
	limit   int
	buf     bytes.Buffer
	pending []byte
}

func newStderrCollector(ctx context.Context, mode string, limit int) *stderrCollector {
	return &stderrCollector{
		ctx:   ctx,
		mode:  mode,
		limit: limit,
	}
}

func (c *stderrCollector) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		c.buf.Write(p[:min(len(p), room)])
	}

	c.pending = append(c.pending, p...)
	for {
		idx := bytes.IndexByte(c.pending, '\n')
		if idx < 0 {
			break
		}
		c.logLine(c.pending[:idx])
		c.pending = c.pending[idx+1:]
	}
	if len(c.pending) > maxPendingStderr {
		c.logLine(c.pending)
		c.pending = nil
	}
	return len(p), nil
}

func (c *stderrCollector) logLine(line []byte) {
	logger.Debugf(c.ctx, "%s stderr: %s", c.mode, bytes.TrimRight(line, "\r"))
}

func (c *stderrCollector) String() string {
	return c.buf.String()
}
