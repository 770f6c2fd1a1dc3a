package uart

import (
	"errors"
	"fmt"

	"github.com/kstaniek/uart-ble-relay/internal/bufpool"
	"github.com/kstaniek/uart-ble-relay/internal/metrics"
)

// chunkSize leaves room for a line feed after a trailing carriage return.
const chunkSize = bufpool.Capacity - 1

// Send splits p into buffer sized chunks and queues them for transmission in
// order. Every chunk buffer is acquired before anything is transmitted, so on
// bufpool.ErrExhausted no byte of p reaches the driver.
func (b *Bridge) Send(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return ErrClosed
	}
	if !b.ready {
		return ErrNotReady
	}
	chunks, err := b.fillChunks(p)
	if err != nil {
		return err
	}
	for _, h := range chunks {
		b.pending = append(b.pending, txItem{h: h})
	}
	b.kickTx()
	return nil
}

func (b *Bridge) fillChunks(p []byte) ([]bufpool.Handle, error) {
	n := (len(p) + chunkSize - 1) / chunkSize
	out := make([]bufpool.Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := b.pool.Acquire()
		if err != nil {
			for _, got := range out {
				b.release(got)
			}
			b.log.Warn("uart_tx_out_of_buffers", "chunk", i+1, "chunks", n, "len", len(p))
			return nil, fmt.Errorf("send chunk %d/%d: %w", i+1, n, err)
		}
		end := min((i+1)*chunkSize, len(p))
		buf := b.pool.Buf(h)
		buf.Fill(p[i*chunkSize : end])
		if end == len(p) && p[len(p)-1] == '\r' {
			buf.AppendByte('\n')
		}
		out = append(out, h)
	}
	return out, nil
}

// kickTx submits the head of the pending queue when nothing is in flight.
// Busy leaves the head queued for the next completion; any other driver
// error drops that buffer and moves on. Caller holds b.mu.
func (b *Bridge) kickTx() {
	defer func() { metrics.SetTxPending(len(b.pending)) }()
	for b.inflight == nil && len(b.pending) > 0 {
		it := b.pending[0]
		buf := b.pool.Buf(it.h)
		if buf == nil {
			b.pending = b.pending[1:]
			b.log.Error("uart_tx_stale_buffer", "buf", it.h)
			continue
		}
		b.handOver(it.h)
		err := b.drv.Tx(it.h, buf.Bytes()[it.off:])
		if err == nil {
			b.pending = b.pending[1:]
			b.inflight = &it
			return
		}
		b.takeBack(it.h)
		if errors.Is(err, ErrBusy) {
			b.scheduleTxRetry()
			return
		}
		b.pending = b.pending[1:]
		metrics.IncError(metrics.ErrSerialTxSubmit)
		b.log.Warn("uart_tx_submit_failed", "error", err, "dropped", buf.Len()-it.off)
		b.release(it.h)
	}
}

// scheduleTxRetry covers a driver that reported busy with nothing of ours in
// flight, so no completion event will arrive to drain the queue.
func (b *Bridge) scheduleTxRetry() {
	if b.txRetry != nil || b.shutdown {
		return
	}
	b.txRetry = b.clock.AfterFunc(b.cfg.RxRetry, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.txRetry = nil
		if !b.drained {
			b.kickTx()
		}
	})
}

func (b *Bridge) onTxDone(ev Event) {
	if b.inflight == nil || b.inflight.h != ev.Buf || !b.takeBack(ev.Buf) {
		b.log.Error("uart_tx_done_unknown_buffer", "buf", ev.Buf)
		return
	}
	if buf := b.pool.Buf(ev.Buf); buf != nil {
		metrics.AddSerialTx(buf.Len())
	}
	b.inflight = nil
	b.release(ev.Buf)
	b.kickTx()
}

// onTxAborted resumes the aborted buffer from the first unsent byte. It goes
// back to the head of the queue so ordering on the wire is kept.
func (b *Bridge) onTxAborted(ev Event) {
	if b.inflight == nil || b.inflight.h != ev.Buf || !b.takeBack(ev.Buf) {
		b.log.Error("uart_tx_aborted_unknown_buffer", "buf", ev.Buf)
		return
	}
	it := *b.inflight
	b.inflight = nil
	metrics.IncSerialTxAbort()
	buf := b.pool.Buf(it.h)
	if ev.Len > 0 {
		it.off += ev.Len
		it.stalls = 0
	} else {
		it.stalls++
	}
	switch {
	case buf == nil:
		b.log.Error("uart_tx_stale_buffer", "buf", it.h)
	case it.off >= buf.Len():
		metrics.AddSerialTx(buf.Len())
		b.release(it.h)
	case it.stalls >= maxAbortStalls:
		b.log.Warn("uart_tx_abort_giving_up", "sent", it.off, "dropped", buf.Len()-it.off)
		b.release(it.h)
	default:
		b.log.Debug("uart_tx_resume", "offset", it.off, "remaining", buf.Len()-it.off)
		b.pending = append([]txItem{it}, b.pending...)
	}
	b.kickTx()
}
