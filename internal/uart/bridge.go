package uart

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kstaniek/uart-ble-relay/internal/bufpool"
	"github.com/kstaniek/uart-ble-relay/internal/logging"
	"github.com/kstaniek/uart-ble-relay/internal/metrics"
	"github.com/kstaniek/uart-ble-relay/internal/transport"
)

const (
	// DefaultRxRetry is the delay before re-enabling reception after the pool ran dry.
	DefaultRxRetry = 50 * time.Millisecond
	// DefaultBanner is written to the serial side once the bridge is up.
	DefaultBanner = "BLE Bridge Ready\r\n"

	rxLogEvery     = 100
	maxAbortStalls = 3
)

// Config tunes a Bridge. Zero values select defaults.
type Config struct {
	// Banner is sent on Init; empty disables it.
	Banner string
	// RxRetry is the receive re-enable backoff.
	RxRetry time.Duration
	// Forward receives the contents of every completed receive buffer. The
	// slice is only valid for the duration of the call.
	Forward func([]byte) error

	Clock  clockwork.Clock
	Logger *slog.Logger
}

type rxState uint8

const (
	rxIdle rxState = iota
	rxEnabled
)

type txItem struct {
	h      bufpool.Handle
	off    int
	stalls int
}

// Bridge is the serial side of the relay. All engine state is guarded by one
// mutex; driver events, Send and the retry timer serialize on it.
type Bridge struct {
	pool  *bufpool.Pool
	drv   Driver
	clock clockwork.Clock
	log   *slog.Logger
	cfg   Config

	mu       sync.Mutex
	ready    bool
	shutdown bool
	drained  bool
	// buffers currently handed to the driver
	owned map[bufpool.Handle]struct{}

	rx        rxState
	rxStop    bool
	rxRetry   clockwork.Timer
	rxChunks  uint64
	completed *transport.Async[bufpool.Handle]

	pending  []txItem
	inflight *txItem
	txRetry  clockwork.Timer
}

// NewBridge wires a bridge over drv. Nothing touches the driver until Init.
func NewBridge(pool *bufpool.Pool, drv Driver, cfg Config) *Bridge {
	if cfg.RxRetry <= 0 {
		cfg.RxRetry = DefaultRxRetry
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Forward == nil {
		cfg.Forward = func([]byte) error { return nil }
	}
	b := &Bridge{
		pool:  pool,
		drv:   drv,
		clock: cfg.Clock,
		log:   logging.For(cfg.Logger, "uart"),
		cfg:   cfg,
		owned: make(map[bufpool.Handle]struct{}),
	}
	b.completed = newConsumer(context.Background(), pool, cfg.Forward, b.log)
	return b
}

// Init starts the driver, enables reception and sends the banner. Pool
// exhaustion while enabling reception schedules a retry instead of failing.
func (b *Bridge) Init() error {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.ready {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.drv.Start(b.HandleEvent); err != nil {
		return err
	}

	b.mu.Lock()
	b.ready = true
	b.rxEnable()
	b.mu.Unlock()
	b.log.Info("uart_ready", "pool", b.pool.Size(), "buffer", bufpool.Capacity)

	if b.cfg.Banner != "" {
		if err := b.Send([]byte(b.cfg.Banner)); err != nil {
			b.log.Warn("uart_banner_failed", "error", err)
		}
	}
	return nil
}

// Ready reports whether Init completed and the bridge is not closed.
func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready && !b.shutdown
}

// HandleEvent is the single dispatch point for driver notifications.
func (b *Bridge) HandleEvent(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drained {
		return
	}
	switch ev.Type {
	case EvTxDone:
		b.onTxDone(ev)
	case EvTxAborted:
		b.onTxAborted(ev)
	case EvRxReady:
		b.onRxReady(ev)
	case EvRxBufRequest:
		b.onRxBufRequest()
	case EvRxBufReleased:
		b.onRxBufReleased(ev)
	case EvRxDisabled:
		b.onRxDisabled()
	default:
		b.log.Warn("uart_unknown_event", "type", ev.Type)
	}
}

// Close stops reception, closes the driver and returns every buffer the
// bridge is responsible for to the pool. Completed receive buffers still
// queued for the consumer are released without being forwarded.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil
	}
	b.shutdown = true
	if b.rxRetry != nil {
		b.rxRetry.Stop()
		b.rxRetry = nil
	}
	if b.txRetry != nil {
		b.txRetry.Stop()
		b.txRetry = nil
	}
	b.mu.Unlock()

	err := b.drv.Close()

	b.mu.Lock()
	b.drained = true
	n := len(b.owned) + len(b.pending)
	for h := range b.owned {
		b.release(h)
	}
	b.owned = map[bufpool.Handle]struct{}{}
	for _, it := range b.pending {
		b.release(it.h)
	}
	b.pending = nil
	b.inflight = nil
	metrics.SetTxPending(0)
	b.mu.Unlock()

	b.completed.Close()
	b.log.Info("uart_closed", "reclaimed", n, "pool_in_use", b.pool.InUse())
	return err
}

// handOver records that the driver now owns h.
func (b *Bridge) handOver(h bufpool.Handle) { b.owned[h] = struct{}{} }

// takeBack records that the driver returned h; false if it never owned it.
func (b *Bridge) takeBack(h bufpool.Handle) bool {
	if _, ok := b.owned[h]; !ok {
		return false
	}
	delete(b.owned, h)
	return true
}

func (b *Bridge) release(h bufpool.Handle) {
	if err := b.pool.Release(h); err != nil {
		b.log.Error("uart_buffer_release_failed", "error", err)
	}
}
