// Package relay connects the serial bridge and the wireless link. The Gate
// decides per payload whether data may cross, based on the security level of
// the single active link.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/uart-ble-relay/internal/logging"
	"github.com/kstaniek/uart-ble-relay/internal/metrics"
)

const (
	// DefaultATTMTU is the ATT MTU before any exchange.
	DefaultATTMTU = 23
	attHeader     = 3
	// DefaultPayloadSize is the usable payload at the default MTU.
	DefaultPayloadSize = DefaultATTMTU - attHeader
	// MaxPayloadSize is the longest ATT attribute value.
	MaxPayloadSize = 512
)

var (
	ErrNotConnected     = errors.New("no wireless link")
	ErrNotAuthenticated = errors.New("wireless link not authenticated")
	// ErrSerialUnavailable means inbound data arrived while the serial side is down.
	ErrSerialUnavailable = errors.New("serial side unavailable")
)

// Sender is the wireless send primitive. p never exceeds the link payload size.
type Sender interface {
	Send(connID string, p []byte) error
}

// SerialSink accepts inbound data for the serial side.
type SerialSink interface {
	Send(p []byte) error
}

// Link is the active wireless connection.
type Link struct {
	ID    string
	Since time.Time

	level   atomic.Uint32
	payload atomic.Int32
}

func newLink(id string) *Link {
	l := &Link{ID: id, Since: time.Now()}
	l.payload.Store(DefaultPayloadSize)
	return l
}

func (l *Link) Level() SecurityLevel { return SecurityLevel(l.level.Load()) }
func (l *Link) PayloadSize() int     { return int(l.payload.Load()) }

// Gate holds the link state and applies the relay policy. Link callbacks come
// from the wireless stack; ForwardOutbound from the relay consumer.
type Gate struct {
	tx  Sender
	log *slog.Logger

	link atomic.Pointer[Link]

	mu     sync.RWMutex
	serial SerialSink
}

func NewGate(tx Sender, l *slog.Logger) *Gate {
	return &Gate{tx: tx, log: logging.For(l, "relay")}
}

// AttachSerial sets the inbound destination. Until then inbound data is dropped.
func (g *Gate) AttachSerial(s SerialSink) {
	g.mu.Lock()
	g.serial = s
	g.mu.Unlock()
}

// Link returns the active link or nil.
func (g *Gate) Link() *Link { return g.link.Load() }

// Connected records a new link. A failed connection attempt is only logged and
// a repeated notification for the current peer keeps the existing link.
func (g *Gate) Connected(id string, err error) {
	if err != nil {
		g.log.Warn("ble_connect_failed", "peer", id, "error", err)
		return
	}
	if cur := g.link.Load(); cur != nil && cur.ID == id {
		return
	}
	if old := g.link.Swap(newLink(id)); old != nil && old.ID != id {
		g.log.Warn("ble_link_replaced", "old", old.ID, "peer", id)
	}
	metrics.SetAuthenticated(false)
	metrics.SetPayloadSize(DefaultPayloadSize)
	g.log.Info("ble_connected", "peer", id)
}

// Disconnected drops the link; the next link starts again from the default
// payload size.
func (g *Gate) Disconnected(id string, reason string) {
	cur := g.link.Load()
	if cur == nil || cur.ID != id {
		g.log.Debug("ble_disconnect_unknown", "peer", id, "reason", reason)
		return
	}
	if !g.link.CompareAndSwap(cur, nil) {
		return
	}
	metrics.SetAuthenticated(false)
	metrics.SetPayloadSize(DefaultPayloadSize)
	g.log.Info("ble_disconnected", "peer", id, "reason", reason, "duration", time.Since(cur.Since).Round(time.Millisecond))
}

// SecurityChanged updates the link level. A change reported with an error
// leaves the level untouched.
func (g *Gate) SecurityChanged(id string, level SecurityLevel, err error) {
	l := g.current(id)
	if l == nil {
		return
	}
	if err != nil {
		metrics.IncError(metrics.ErrSecurity)
		g.log.Warn("ble_security_failed", "peer", id, "level", level, "error", err)
		return
	}
	old := l.Level()
	l.level.Store(uint32(level))
	metrics.SetAuthenticated(level.Permits())
	g.log.Info("ble_security_changed", "peer", id, "from", old, "to", level)
	if !level.Permits() {
		g.log.Warn("ble_link_not_authenticated", "peer", id, "level", level)
	}
}

// PayloadSizeChanged records the usable payload per send, capped at
// MaxPayloadSize.
func (g *Gate) PayloadSizeChanged(id string, size int) {
	l := g.current(id)
	if l == nil || size <= 0 {
		return
	}
	size = min(size, MaxPayloadSize)
	l.payload.Store(int32(size))
	metrics.SetPayloadSize(size)
	g.log.Info("ble_payload_size", "peer", id, "size", size)
}

// MTUChanged records a new ATT MTU.
func (g *Gate) MTUChanged(id string, mtu int) { g.PayloadSizeChanged(id, mtu-attHeader) }

// IsAuthenticated reports whether a link at or above MinRelayLevel exists.
func (g *Gate) IsAuthenticated() bool {
	l := g.link.Load()
	return l != nil && l.Level().Permits()
}

// ForwardOutbound sends serial data to the peer. Without an authenticated
// link the data is dropped, never queued, and nothing is sent.
func (g *Gate) ForwardOutbound(p []byte) error {
	l := g.link.Load()
	if l == nil {
		metrics.IncDropped(metrics.DropNotConnected)
		return ErrNotConnected
	}
	if !l.Level().Permits() {
		metrics.IncDropped(metrics.DropUnauthenticated)
		g.log.Debug("relay_drop_unauthenticated", "peer", l.ID, "level", l.Level(), "len", len(p))
		return ErrNotAuthenticated
	}
	size := l.PayloadSize()
	for off := 0; off < len(p); off += size {
		chunk := p[off:min(off+size, len(p))]
		if err := g.tx.Send(l.ID, chunk); err != nil {
			metrics.IncError(metrics.ErrBLESend)
			return fmt.Errorf("send to %s: %w", l.ID, err)
		}
		metrics.AddBLETx(len(chunk))
	}
	return nil
}

// Received is the wireless receive handler: data from a link below
// MinRelayLevel is rejected before it reaches AcceptInbound.
func (g *Gate) Received(id string, p []byte) error {
	l := g.current(id)
	if l == nil {
		metrics.IncDropped(metrics.DropNotConnected)
		return ErrNotConnected
	}
	if !l.Level().Permits() {
		metrics.IncDropped(metrics.DropInboundRejected)
		g.log.Warn("relay_inbound_rejected", "peer", id, "level", l.Level(), "len", len(p))
		return ErrNotAuthenticated
	}
	return g.AcceptInbound(id, p)
}

// AcceptInbound hands data to the serial side unconditionally.
func (g *Gate) AcceptInbound(id string, p []byte) error {
	g.mu.RLock()
	s := g.serial
	g.mu.RUnlock()
	if s == nil {
		metrics.IncDropped(metrics.DropSerialDown)
		g.log.Warn("relay_inbound_serial_down", "peer", id, "len", len(p))
		return ErrSerialUnavailable
	}
	metrics.AddBLERx(len(p))
	if err := s.Send(p); err != nil {
		g.log.Warn("relay_inbound_failed", "peer", id, "len", len(p), "error", err)
		return fmt.Errorf("serial send: %w", err)
	}
	return nil
}

func (g *Gate) current(id string) *Link {
	l := g.link.Load()
	if l == nil || l.ID != id {
		return nil
	}
	return l
}
