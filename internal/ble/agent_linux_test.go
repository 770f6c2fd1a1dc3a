//go:build linux

package ble

import (
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/jonboulle/clockwork"

	"github.com/kstaniek/uart-ble-relay/internal/logging"
	"github.com/kstaniek/uart-ble-relay/internal/pairing"
	"github.com/kstaniek/uart-ble-relay/internal/relay"
)

const (
	devPath = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	devAddr = "AA:BB:CC:DD:EE:FF"
)

type nopSender struct{}

func (nopSender) Send(string, []byte) error { return nil }

func newTestAgent(t *testing.T, open bool) (*Agent, *relay.Gate, map[string]bool) {
	t.Helper()
	clk := clockwork.NewFakeClock()
	win := pairing.NewWindow(clk, logging.Discard())
	if open {
		_ = win.Start(time.Minute)
	}
	gate := relay.NewGate(nopSender{}, logging.Discard())
	a := newAgent(pairing.NewAuthenticator(win, logging.Discard()), gate, logging.Discard())
	props := map[string]bool{}
	a.prop = func(_ dbus.ObjectPath, name string) (dbus.Variant, error) {
		v, ok := props[name]
		if !ok {
			return dbus.Variant{}, errors.New("no such property")
		}
		return dbus.MakeVariant(v), nil
	}
	return a, gate, props
}

func propsChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: dbusProperties + ".PropertiesChanged",
		Body: []interface{}{deviceIface, changed, []string{}},
	}
}

func TestAgentConfirmFollowsWindow(t *testing.T) {
	a, _, _ := newTestAgent(t, true)
	if err := a.RequestConfirmation(devPath, 123456); err != nil {
		t.Fatalf("confirmation rejected while window open: %v", err)
	}
	if a.method(devPath) != methodNumericComparison {
		t.Fatalf("pairing method not recorded")
	}

	closed, _, _ := newTestAgent(t, false)
	if err := closed.RequestConfirmation(devPath, 123456); err == nil {
		t.Fatalf("confirmation accepted with window closed")
	}
	if err := closed.RequestAuthorization(devPath); err == nil {
		t.Fatalf("authorization accepted with window closed")
	}
}

func TestAgentRejectsUnsupportedMethods(t *testing.T) {
	a, _, _ := newTestAgent(t, true)
	if _, err := a.RequestPinCode(devPath); err == nil {
		t.Fatalf("legacy pin must be rejected")
	}
	if _, err := a.RequestPasskey(devPath); err == nil {
		t.Fatalf("passkey entry must be rejected")
	}
	if err := a.RequestOOB(devPath); err == nil {
		t.Fatalf("oob must be rejected")
	}
}

func TestAgentNumericComparisonAuthenticates(t *testing.T) {
	a, gate, props := newTestAgent(t, true)
	a.handleSignal(propsChanged(devPath, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}))
	if gate.Link() == nil || gate.Link().ID != devAddr {
		t.Fatalf("connect not reported")
	}
	if gate.IsAuthenticated() {
		t.Fatalf("fresh link must not be authenticated")
	}
	_ = a.RequestConfirmation(devPath, 1)
	props["Paired"] = true
	props["Bonded"] = true
	a.handleSignal(propsChanged(devPath, map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)}))
	if gate.Link().Level() != relay.LevelAuthenticated {
		t.Fatalf("expected authenticated, got %s", gate.Link().Level())
	}
}

func TestAgentJustWorksOnlyEncrypts(t *testing.T) {
	a, gate, props := newTestAgent(t, true)
	a.handleSignal(propsChanged(devPath, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}))
	_ = a.RequestAuthorization(devPath)
	props["Paired"] = true
	a.handleSignal(propsChanged(devPath, map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)}))
	if gate.IsAuthenticated() {
		t.Fatalf("just works pairing must not authenticate, level %s", gate.Link().Level())
	}
	// reconnect keeps the weaker level
	a.handleSignal(propsChanged(devPath, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}))
	a.handleSignal(propsChanged(devPath, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}))
	if gate.Link().Level() != relay.LevelEncrypted {
		t.Fatalf("expected encrypted after reconnect, got %s", gate.Link().Level())
	}
}

func TestAgentBondedReconnectAuthenticates(t *testing.T) {
	a, gate, props := newTestAgent(t, false)
	props["Paired"] = true
	a.handleSignal(propsChanged(devPath, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}))
	if !gate.IsAuthenticated() {
		t.Fatalf("bonded device must be authenticated on reconnect")
	}
	a.handleSignal(propsChanged(devPath, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}))
	if gate.Link() != nil {
		t.Fatalf("disconnect not reported")
	}
}

func TestAgentIgnoresForeignSignals(t *testing.T) {
	a, gate, _ := newTestAgent(t, true)
	sig := propsChanged(devPath, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)})
	sig.Body[0] = "org.bluez.Adapter1"
	a.handleSignal(sig)
	a.handleSignal(propsChanged("/org/bluez/hci0", map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}))
	if gate.Link() != nil {
		t.Fatalf("non-device signal created a link")
	}
}

func TestAgentCancelClearsMethod(t *testing.T) {
	a, _, _ := newTestAgent(t, true)
	_ = a.RequestConfirmation(devPath, 1)
	_ = a.Cancel()
	if a.method(devPath) != methodUnknown {
		t.Fatalf("cancel must forget the pairing attempt")
	}
}

func TestAgentAuthorizeService(t *testing.T) {
	a, _, props := newTestAgent(t, true)
	if err := a.AuthorizeService(devPath, "6e400001-b5a3-f393-e0a9-e50e24dcca9e"); err == nil {
		t.Fatalf("unknown device must be refused")
	}
	props["Paired"] = true
	if err := a.AuthorizeService(devPath, "6e400001-b5a3-f393-e0a9-e50e24dcca9e"); err != nil {
		t.Fatalf("paired device refused: %v", err)
	}
}
