package relay

import (
	"log/slog"
	"time"

	"github.com/kstaniek/uart-ble-relay/internal/logging"
	"github.com/kstaniek/uart-ble-relay/internal/pairing"
)

// Relay is the upward facing API: the gate plus the pairing window.
type Relay struct {
	gate   *Gate
	win    *pairing.Window
	window time.Duration
	log    *slog.Logger
}

func New(gate *Gate, win *pairing.Window, window time.Duration, l *slog.Logger) *Relay {
	return &Relay{gate: gate, win: win, window: window, log: logging.For(l, "relay")}
}

// Start opens the pairing window.
func (r *Relay) Start() error {
	if err := r.win.Start(r.window); err != nil {
		return err
	}
	r.log.Info("relay_started", "pairing_window", r.window, "min_level", MinRelayLevel)
	return nil
}

// SendOutbound forwards p to the peer: nil, ErrNotConnected or ErrNotAuthenticated.
func (r *Relay) SendOutbound(p []byte) error { return r.gate.ForwardOutbound(p) }

func (r *Relay) IsAuthenticated() bool               { return r.gate.IsAuthenticated() }
func (r *Relay) PairingIsOpen() bool                 { return r.win.IsOpen() }
func (r *Relay) PairingTimeRemaining() time.Duration { return r.win.TimeRemaining() }

// Status is a point-in-time view for the status monitor.
type Status struct {
	Connected     bool
	Peer          string
	Level         SecurityLevel
	PayloadSize   int
	Authenticated bool
	PairingOpen   bool
	Remaining     time.Duration
}

func (r *Relay) Status() Status {
	st := Status{PairingOpen: r.win.IsOpen(), Remaining: r.win.TimeRemaining(), PayloadSize: DefaultPayloadSize}
	if l := r.gate.Link(); l != nil {
		st.Connected = true
		st.Peer = l.ID
		st.Level = l.Level()
		st.PayloadSize = l.PayloadSize()
		st.Authenticated = st.Level.Permits()
	}
	return st
}

// Close closes the pairing window.
func (r *Relay) Close() {
	r.win.Stop()
	r.log.Info("relay_stopped", "authenticated", r.gate.IsAuthenticated())
}
