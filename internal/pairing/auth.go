package pairing

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/uart-ble-relay/internal/logging"
	"github.com/kstaniek/uart-ble-relay/internal/metrics"
)

// Authenticator answers the wireless stack's pairing callbacks. Confirmation
// requests are accepted only while the window is open; out-of-band requests
// are always rejected. Peers are identified by their address string.
type Authenticator struct {
	win *Window
	log *slog.Logger
}

func NewAuthenticator(w *Window, l *slog.Logger) *Authenticator {
	return &Authenticator{win: w, log: logging.For(l, "pairing")}
}

// PasskeyDisplay logs the passkey shown for peer.
func (a *Authenticator) PasskeyDisplay(peer string, passkey uint32) {
	a.log.Info("pairing_passkey_display", "peer", peer, "passkey", formatPasskey(passkey))
}

// PasskeyConfirm answers a numeric comparison request.
func (a *Authenticator) PasskeyConfirm(peer string, passkey uint32) bool {
	if !a.win.IsOpen() {
		a.log.Warn("pairing_rejected_window_closed", "peer", peer, "kind", metrics.PairingPasskeyConfirm)
		metrics.IncPairing(metrics.PairingPasskeyConfirm, false)
		return false
	}
	a.log.Info("pairing_auto_confirm", "peer", peer, "passkey", formatPasskey(passkey), "remaining", a.win.TimeRemaining())
	metrics.IncPairing(metrics.PairingPasskeyConfirm, true)
	return true
}

// PairingConfirm answers a just-works pairing request.
func (a *Authenticator) PairingConfirm(peer string) bool {
	if !a.win.IsOpen() {
		a.log.Warn("pairing_rejected_window_closed", "peer", peer, "kind", metrics.PairingConfirm)
		metrics.IncPairing(metrics.PairingConfirm, false)
		return false
	}
	a.log.Info("pairing_auto_confirm", "peer", peer, "remaining", a.win.TimeRemaining())
	metrics.IncPairing(metrics.PairingConfirm, true)
	return true
}

// OOBRequest always rejects; no out-of-band data exists.
func (a *Authenticator) OOBRequest(peer string) bool {
	a.log.Info("pairing_oob_rejected", "peer", peer, "window_open", a.win.IsOpen())
	metrics.IncPairing(metrics.PairingOOB, false)
	return false
}

func (a *Authenticator) Cancelled(peer string) {
	a.log.Info("pairing_cancelled", "peer", peer)
	metrics.IncPairingResult(metrics.ResultCancelled)
}

func (a *Authenticator) PairingComplete(peer string, bonded bool) {
	a.log.Info("pairing_complete", "peer", peer, "bonded", bonded)
	metrics.IncPairingResult(metrics.ResultComplete)
}

func (a *Authenticator) PairingFailed(peer string, reason error) {
	a.log.Warn("pairing_failed", "peer", peer, "reason", reason)
	metrics.IncPairingResult(metrics.ResultFailed)
}

func formatPasskey(p uint32) string { return fmt.Sprintf("%06d", p) }
