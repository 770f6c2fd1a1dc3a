// Package pairing decides whether new device pairings are accepted. A Window
// is opened once at start and closes for good when its deadline passes.
package pairing

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kstaniek/uart-ble-relay/internal/logging"
	"github.com/kstaniek/uart-ble-relay/internal/metrics"
)

// DefaultWindow is how long pairings are accepted after start.
const DefaultWindow = time.Minute

// ErrAlreadyStarted is returned by a second Start; the window cannot be re-armed.
var ErrAlreadyStarted = errors.New("pairing window already started")

// Window is a single-shot pairing deadline. The deadline and closed flag have
// one writer each and are read lock-free.
type Window struct {
	clock clockwork.Clock
	log   *slog.Logger

	started  atomic.Bool
	closed   atomic.Bool
	deadline atomic.Int64 // unix nanoseconds

	mu    sync.Mutex
	timer clockwork.Timer
}

// NewWindow returns an unstarted (closed) window. A nil clock uses the real one.
func NewWindow(clock clockwork.Clock, l *slog.Logger) *Window {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Window{clock: clock, log: logging.For(l, "pairing")}
}

// Start opens the window for d.
func (w *Window) Start(d time.Duration) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	now := w.clock.Now()
	w.deadline.Store(now.Add(d).UnixNano())
	w.mu.Lock()
	w.timer = w.clock.AfterFunc(d, w.expire)
	w.mu.Unlock()
	metrics.SetPairingOpen(d > 0)
	w.log.Info("pairing_window_open", "duration", d, "deadline", now.Add(d))
	return nil
}

func (w *Window) expire() {
	if w.closed.Swap(true) {
		return
	}
	metrics.SetPairingOpen(false)
	w.log.Warn("pairing_window_closed")
	w.log.Info("pairing_bonded_only")
}

// IsOpen reports whether new pairings are accepted right now. The deadline
// itself counts as closed even if the timer has not fired yet.
func (w *Window) IsOpen() bool {
	if !w.started.Load() || w.closed.Load() {
		return false
	}
	return w.clock.Now().UnixNano() < w.deadline.Load()
}

// TimeRemaining is zero once closed, otherwise deadline minus now.
func (w *Window) TimeRemaining() time.Duration {
	if !w.IsOpen() {
		return 0
	}
	rem := time.Duration(w.deadline.Load() - w.clock.Now().UnixNano())
	if rem < 0 {
		return 0
	}
	return rem
}

// Deadline returns the close time, zero before Start.
func (w *Window) Deadline() time.Time {
	if !w.started.Load() {
		return time.Time{}
	}
	return time.Unix(0, w.deadline.Load())
}

// Stop closes the window early and cancels its timer. Used on shutdown.
func (w *Window) Stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	if !w.closed.Swap(true) {
		metrics.SetPairingOpen(false)
	}
}
