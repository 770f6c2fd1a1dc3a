package uart

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kstaniek/uart-ble-relay/internal/bufpool"
	"github.com/kstaniek/uart-ble-relay/internal/transport"
)

var errHandoffFull = errors.New("completed receive queue full")

// newConsumer starts the relay consumer: a single worker draining completed
// receive buffers in FIFO order. Every buffer is released once forward
// returns, whatever the outcome. The queue is as deep as the pool, so a
// submit only fails after Close.
func newConsumer(ctx context.Context, pool *bufpool.Pool, forward func([]byte) error, l *slog.Logger) *transport.Async[bufpool.Handle] {
	release := func(h bufpool.Handle) {
		if err := pool.Release(h); err != nil {
			l.Error("relay_consumer_release_failed", "error", err)
		}
	}
	handle := func(h bufpool.Handle) error {
		defer release(h)
		buf := pool.Buf(h)
		if buf == nil {
			return bufpool.ErrStaleHandle
		}
		if buf.Len() == 0 {
			return nil
		}
		return forward(buf.Bytes())
	}
	return transport.NewAsync(ctx, pool.Size(), handle, transport.Hooks[bufpool.Handle]{
		OnError: func(h bufpool.Handle, err error) {
			l.Debug("relay_forward_skipped", "buf", h, "error", err)
		},
		OnDrop:    func(bufpool.Handle) error { return errHandoffFull },
		OnDiscard: release,
	})
}
