package process

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/xsync"
)

const (
	maxLineSize          = 1 << 20
	subscriberBufferSize = 16
)

type subscription struct {
	ch         chan string
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// SubscribeLines returns the stream of standard output lines and a function
// to unsubscribe. Subscribe before Start to not miss the first line. The
// channel is closed when the output ends; a subscriber must either read it
// or unsubscribe, otherwise it stalls the output of the process.
func (h *Handle) SubscribeLines() (<-chan string, context.CancelFunc) {
	ctx := xsync.WithNoLogging(h.ctx, true)
	return xsync.DoR2(ctx, &h.subscribersLocker, func() (<-chan string, context.CancelFunc) {
		sub := &subscription{
			ch:       make(chan string, subscriberBufferSize),
			cancelCh: make(chan struct{}),
		}
		if h.linesClosed {
			close(sub.ch)
			return sub.ch, func() {}
		}
		id := h.subscriberNextID
		h.subscriberNextID++
		h.subscribers[id] = sub
		return sub.ch, func() {
			sub.cancelOnce.Do(func() {
				close(sub.cancelCh)
			})
			h.subscribersLocker.Do(ctx, func() {
				delete(h.subscribers, id)
			})
		}
	})
}

func (h *Handle) readLoop(ctx context.Context) {
	logger.Debugf(ctx, "readLoop: %s", h.Config.Mode)
	defer func() { logger.Debugf(ctx, "/readLoop: %s", h.Config.Mode) }()
	defer h.closeSubscribers(ctx)

	scanner := bufio.NewScanner(h.stdoutReader)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		logger.Debugf(ctx, "%s[%d] stdout: %s", h.Config.Mode, h.PID(), line)
		for _, sub := range h.subscribersSnapshot(ctx) {
			select {
			case sub.ch <- line:
			case <-sub.cancelCh:
			}
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warnf(ctx, "unable to read the output of %s[%d]: %v", h.Config.Mode, h.PID(), err)
		_, _ = io.Copy(io.Discard, h.stdoutReader)
	}
}

func (h *Handle) subscribersSnapshot(ctx context.Context) []*subscription {
	ctx = xsync.WithNoLogging(ctx, true)
	return xsync.DoR1(ctx, &h.subscribersLocker, func() []*subscription {
		result := make([]*subscription, 0, len(h.subscribers))
		for _, sub := range h.subscribers {
			result = append(result, sub)
		}
		return result
	})
}

func (h *Handle) closeSubscribers(ctx context.Context) {
	ctx = xsync.WithNoLogging(ctx, true)
	h.subscribersLocker.Do(ctx, func() {
		h.linesClosed = true
		for id, sub := range h.subscribers {
			close(sub.ch)
			delete(h.subscribers, id)
		}
	})
}
