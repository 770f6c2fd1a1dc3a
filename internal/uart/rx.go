package uart

import (
	"errors"

	"github.com/kstaniek/uart-ble-relay/internal/bufpool"
	"github.com/kstaniek/uart-ble-relay/internal/metrics"
)

// rxEnable moves the receive engine from idle to enabled. Caller holds b.mu.
func (b *Bridge) rxEnable() {
	if b.shutdown || b.rx == rxEnabled {
		return
	}
	h, err := b.pool.Acquire()
	if err != nil {
		b.log.Warn("uart_rx_enable_retry", "error", err, "retry", b.cfg.RxRetry)
		b.scheduleRxRetry()
		return
	}
	buf := b.pool.Buf(h)
	b.handOver(h)
	if err := b.drv.RxEnable(h, buf.Storage()); err != nil {
		b.takeBack(h)
		b.release(h)
		metrics.IncError(metrics.ErrSerialRxSubmit)
		if errors.Is(err, ErrClosed) {
			b.log.Error("uart_rx_unavailable", "error", err)
			return
		}
		b.log.Warn("uart_rx_enable_failed", "error", err, "retry", b.cfg.RxRetry)
		b.scheduleRxRetry()
		return
	}
	b.rx = rxEnabled
	b.rxStop = false
}

func (b *Bridge) scheduleRxRetry() {
	if b.rxRetry != nil || b.shutdown {
		return
	}
	b.rxRetry = b.clock.AfterFunc(b.cfg.RxRetry, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.rxRetry = nil
		if b.rx == rxIdle {
			b.rxEnable()
		}
	})
}

func (b *Bridge) onRxReady(ev Event) {
	buf := b.pool.Buf(ev.Buf)
	if buf == nil || !b.driverHolds(ev.Buf) {
		b.log.Error("uart_rx_ready_unknown_buffer", "buf", ev.Buf)
		return
	}
	buf.Grow(ev.Offset + ev.Len - buf.Len())
	metrics.AddSerialRx(ev.Len)
	b.rxChunks++
	if b.rxChunks%rxLogEvery == 0 {
		b.log.Info("uart_rx_progress", "chunks", b.rxChunks, "last_len", ev.Len)
	}
	if c, ok := buf.Last(); ok && (c == '\n' || c == '\r') && !b.rxStop {
		b.rxStop = true
		if err := b.drv.RxDisable(); err != nil {
			b.rxStop = false
			b.log.Warn("uart_rx_disable_failed", "error", err)
		}
	}
}

func (b *Bridge) onRxBufRequest() {
	if b.shutdown {
		return
	}
	h, err := b.pool.Acquire()
	if err != nil {
		b.log.Warn("uart_rx_next_buffer_unavailable", "error", err)
		return
	}
	buf := b.pool.Buf(h)
	b.handOver(h)
	if err := b.drv.RxBufRsp(h, buf.Storage()); err != nil {
		b.takeBack(h)
		b.release(h)
		metrics.IncError(metrics.ErrSerialRxSubmit)
		b.log.Warn("uart_rx_buf_rsp_failed", "error", err)
	}
}

func (b *Bridge) onRxBufReleased(ev Event) {
	if !b.takeBack(ev.Buf) {
		b.log.Error("uart_rx_release_unknown_buffer", "buf", ev.Buf)
		return
	}
	buf := b.pool.Buf(ev.Buf)
	if buf == nil || buf.Len() == 0 {
		b.release(ev.Buf)
		return
	}
	if err := b.completed.Submit(ev.Buf); err != nil {
		b.log.Warn("uart_rx_handoff_failed", "error", err)
		b.release(ev.Buf)
		return
	}
	metrics.IncSerialRxLine()
}

func (b *Bridge) onRxDisabled() {
	b.rx = rxIdle
	b.rxStop = false
	b.log.Debug("uart_rx_disabled")
	b.rxEnable()
}

func (b *Bridge) driverHolds(h bufpool.Handle) bool {
	_, ok := b.owned[h]
	return ok
}
