// Package ble is the wireless side of the relay: a Nordic UART Service
// peripheral built on tinygo bluetooth, plus (on Linux) a BlueZ pairing agent
// and link watcher that feed pairing decisions and link security into the
// relay gate.
package ble

import (
	"errors"
	"strings"

	"github.com/kstaniek/uart-ble-relay/internal/relay"
)

var (
	// ErrAgentUnsupported is returned by StartAgent where BlueZ is not available.
	ErrAgentUnsupported = errors.New("pairing agent not supported on this platform")

	errNoGate = errors.New("peripheral has no gate attached")
)

// pairMethod is the association model BlueZ asked the agent about.
type pairMethod uint8

const (
	methodUnknown pairMethod = iota
	// numeric comparison (RequestConfirmation)
	methodNumericComparison
	// just works (RequestAuthorization)
	methodJustWorks
)

func (m pairMethod) String() string {
	switch m {
	case methodNumericComparison:
		return "numeric_comparison"
	case methodJustWorks:
		return "just_works"
	default:
		return "unknown"
	}
}

// levelFor maps a completed pairing to a link security level. Numeric
// comparison is MITM protected; just works only encrypts. A device that was
// already paired before this run reconnects with its stored key, which this
// agent only hands out after an authenticated pairing.
func levelFor(m pairMethod, paired bool) relay.SecurityLevel {
	switch {
	case m == methodNumericComparison:
		return relay.LevelAuthenticated
	case m == methodJustWorks:
		return relay.LevelEncrypted
	case paired:
		return relay.LevelAuthenticated
	default:
		return relay.LevelNone
	}
}

// deviceAddress extracts "AA:BB:CC:DD:EE:FF" from a BlueZ device object path
// such as /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func deviceAddress(path string) (string, bool) {
	i := strings.LastIndex(path, "/dev_")
	if i < 0 {
		return "", false
	}
	mac := path[i+len("/dev_"):]
	if len(mac) != 17 || strings.Contains(mac, "/") {
		return "", false
	}
	return strings.ReplaceAll(mac, "_", ":"), true
}
