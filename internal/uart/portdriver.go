package uart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/uart-ble-relay/internal/bufpool"
	"github.com/kstaniek/uart-ble-relay/internal/logging"
	"github.com/kstaniek/uart-ble-relay/internal/metrics"
)

const (
	rxBackoffMin = 50 * time.Millisecond
	rxBackoffMax = 2 * time.Second
)

// sleepFn allows tests to intercept read error backoff.
var sleepFn = time.Sleep

type rxSlot struct {
	h   bufpool.Handle
	buf []byte
}

type txReq struct {
	h bufpool.Handle
	p []byte
}

// PortDriver implements Driver over a blocking Port. A reader goroutine fills
// the current receive buffer and switches to the spare when it is full; a
// writer goroutine performs one transmission at a time. Events are queued
// without bound and delivered in order by a dispatcher goroutine, so no
// driver method ever waits for the event handler.
type PortDriver struct {
	port Port
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	lost    bool
	handler func(Event)
	events  []Event
	notify  chan struct{}
	// emitted and delivered count events; drained signals progress of delivered
	emitted   uint64
	delivered uint64
	drained   chan struct{}

	rxOn   bool
	rxStop bool
	rxCur  rxSlot
	rxNext rxSlot
	rxFill int
	rxWake chan struct{}

	txBusy bool
	txCh   chan txReq
}

// NewPortDriver wraps p. The port is closed by Close.
func NewPortDriver(p Port, l *slog.Logger) *PortDriver {
	ctx, cancel := context.WithCancel(context.Background())
	return &PortDriver{
		port:    p,
		log:     logging.For(l, "uart_driver"),
		ctx:     ctx,
		cancel:  cancel,
		notify:  make(chan struct{}, 1),
		drained: make(chan struct{}, 1),
		rxWake:  make(chan struct{}, 1),
		txCh:    make(chan txReq, 1),
	}
}

func (d *PortDriver) Start(fn func(Event)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.started {
		return errors.New("uart driver already started")
	}
	d.started = true
	d.handler = fn
	d.wg.Add(3)
	go d.dispatch()
	go d.reader()
	go d.writer()
	return nil
}

func (d *PortDriver) RxEnable(h bufpool.Handle, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.lost {
		return ErrClosed
	}
	if d.rxOn {
		return errors.New("uart rx already enabled")
	}
	if len(buf) == 0 {
		return fmt.Errorf("rx enable %s: empty buffer", h)
	}
	d.rxOn, d.rxStop = true, false
	d.rxCur, d.rxFill = rxSlot{h: h, buf: buf}, 0
	d.emit(Event{Type: EvRxBufRequest})
	wake(d.rxWake)
	return nil
}

func (d *PortDriver) RxBufRsp(h bufpool.Handle, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if !d.rxOn || d.rxNext.h.Valid() {
		return fmt.Errorf("rx buffer %s not requested", h)
	}
	d.rxNext = rxSlot{h: h, buf: buf}
	return nil
}

func (d *PortDriver) RxDisable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if !d.rxOn {
		return errors.New("uart rx not enabled")
	}
	d.rxStop = true
	wake(d.rxWake)
	return nil
}

func (d *PortDriver) Tx(h bufpool.Handle, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.txBusy {
		return ErrBusy
	}
	d.txBusy = true
	d.txCh <- txReq{h: h, p: p}
	return nil
}

// Close stops all goroutines and closes the port. Buffers the driver still
// holds are not reported back; the owner reclaims them.
func (d *PortDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	err := d.port.Close()
	d.wg.Wait()
	return err
}

// emit queues ev for the dispatcher. Caller holds d.mu.
func (d *PortDriver) emit(ev Event) {
	d.events = append(d.events, ev)
	d.emitted++
	wake(d.notify)
}

// awaitDelivery blocks until the dispatcher has handed the first seq events
// to the handler, or the driver stops.
func (d *PortDriver) awaitDelivery(seq uint64) {
	for {
		d.mu.Lock()
		done := d.delivered >= seq || d.closed
		d.mu.Unlock()
		if done {
			return
		}
		select {
		case <-d.ctx.Done():
			return
		case <-d.drained:
		}
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (d *PortDriver) dispatch() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.notify:
		}
		for {
			d.mu.Lock()
			if len(d.events) == 0 || d.closed {
				d.mu.Unlock()
				break
			}
			ev := d.events[0]
			d.events = d.events[1:]
			d.mu.Unlock()
			d.handler(ev)
			d.mu.Lock()
			d.delivered++
			d.mu.Unlock()
			wake(d.drained)
		}
	}
}

// finishRx hands every receive buffer back and reports disablement. Caller holds d.mu.
func (d *PortDriver) finishRx() {
	if d.rxCur.h.Valid() {
		d.emit(Event{Type: EvRxBufReleased, Buf: d.rxCur.h})
	}
	if d.rxNext.h.Valid() {
		d.emit(Event{Type: EvRxBufReleased, Buf: d.rxNext.h})
	}
	d.rxCur, d.rxNext, d.rxFill = rxSlot{}, rxSlot{}, 0
	d.rxOn, d.rxStop = false, false
	d.emit(Event{Type: EvRxDisabled})
}

// rxFull switches to the spare buffer, or disables reception without one.
// Caller holds d.mu.
func (d *PortDriver) rxFull() {
	d.emit(Event{Type: EvRxBufReleased, Buf: d.rxCur.h})
	if !d.rxNext.h.Valid() {
		d.rxCur = rxSlot{}
		d.finishRx()
		return
	}
	d.rxCur, d.rxNext, d.rxFill = d.rxNext, rxSlot{}, 0
	d.emit(Event{Type: EvRxBufRequest})
}

func (d *PortDriver) reader() {
	defer d.wg.Done()
	defer d.log.Info("uart_rx_end")
	backoff := rxBackoffMin
	for {
		if d.ctx.Err() != nil {
			return
		}
		d.mu.Lock()
		if d.rxStop {
			d.finishRx()
		}
		on, cur, fill := d.rxOn, d.rxCur, d.rxFill
		d.mu.Unlock()
		if !on {
			select {
			case <-d.ctx.Done():
				return
			case <-d.rxWake:
			}
			continue
		}

		n, err := d.port.Read(cur.buf[fill:])
		if n > 0 {
			d.mu.Lock()
			if d.rxOn && d.rxCur.h == cur.h {
				d.rxFill += n
				d.emit(Event{Type: EvRxReady, Buf: cur.h, Offset: fill, Len: n})
				if d.rxFill >= len(cur.buf) {
					d.rxFull()
				}
			}
			seq := d.emitted
			d.mu.Unlock()
			backoff = rxBackoffMin
			// let the handler see the data and request a stop before the
			// next read can block
			d.awaitDelivery(seq)
		}
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				metrics.IncError(metrics.ErrSerialRead)
				d.log.Error("uart_port_lost", "error", err)
				d.mu.Lock()
				d.lost = true
				if d.rxOn {
					d.finishRx()
				}
				d.mu.Unlock()
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue
			}
			metrics.IncError(metrics.ErrSerialRead)
			d.log.Warn("serial_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
	}
}

func (d *PortDriver) writer() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case req := <-d.txCh:
			n, err := d.port.Write(req.p)
			d.mu.Lock()
			d.txBusy = false
			if err != nil || n < len(req.p) {
				metrics.IncError(metrics.ErrSerialWrite)
				d.log.Warn("serial_write_error", "error", err, "written", n, "len", len(req.p))
				d.emit(Event{Type: EvTxAborted, Buf: req.h, Len: n})
			} else {
				d.emit(Event{Type: EvTxDone, Buf: req.h, Len: n})
			}
			d.mu.Unlock()
		}
	}
}
