//go:build linux

package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/kstaniek/uart-ble-relay/internal/logging"
	"github.com/kstaniek/uart-ble-relay/internal/metrics"
	"github.com/kstaniek/uart-ble-relay/internal/pairing"
	"github.com/kstaniek/uart-ble-relay/internal/relay"
)

const (
	bluezBus          = "org.bluez"
	agentIface        = "org.bluez.Agent1"
	agentManagerIface = "org.bluez.AgentManager1"
	deviceIface       = "org.bluez.Device1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	agentPath         = dbus.ObjectPath("/com/kstaniek/uartblerelay/agent")
	// display plus yes/no gives numeric comparison with capable centrals
	agentCapability = "DisplayYesNo"
)

var (
	errRejected           = dbus.NewError("org.bluez.Error.Rejected", nil)
	errPairingInterrupted = errors.New("disconnected during pairing")
)

// Agent is a BlueZ org.bluez.Agent1 that answers pairing requests through a
// pairing.Authenticator, and a Device1 watcher that reports connect,
// disconnect and security changes to the relay gate.
type Agent struct {
	conn *dbus.Conn
	auth *pairing.Authenticator
	gate *relay.Gate
	log  *slog.Logger
	// property lookup, replaced in tests
	prop func(path dbus.ObjectPath, name string) (dbus.Variant, error)

	mu      sync.Mutex
	methods map[dbus.ObjectPath]pairMethod
	last    dbus.ObjectPath

	sigCh chan *dbus.Signal
	done  chan struct{}
	wg    sync.WaitGroup
}

func newAgent(auth *pairing.Authenticator, gate *relay.Gate, l *slog.Logger) *Agent {
	return &Agent{
		auth:    auth,
		gate:    gate,
		log:     logging.For(l, "ble_agent"),
		methods: make(map[dbus.ObjectPath]pairMethod),
		done:    make(chan struct{}),
	}
}

// StartAgent registers the agent as the default BlueZ agent and starts
// watching devices on the system bus.
func StartAgent(auth *pairing.Authenticator, gate *relay.Gate, l *slog.Logger) (*Agent, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("system bus: %w", err)
	}
	a := newAgent(auth, gate, l)
	a.conn = conn
	a.prop = func(path dbus.ObjectPath, name string) (dbus.Variant, error) {
		return conn.Object(bluezBus, path).GetProperty(deviceIface + "." + name)
	}
	if err := conn.Export(a, agentPath, agentIface); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("export agent: %w", err)
	}
	mgr := conn.Object(bluezBus, "/org/bluez")
	if call := mgr.Call(agentManagerIface+".RegisterAgent", 0, agentPath, agentCapability); call.Err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("register agent: %w", call.Err)
	}
	if call := mgr.Call(agentManagerIface+".RequestDefaultAgent", 0, agentPath); call.Err != nil {
		a.log.Warn("ble_agent_not_default", "error", call.Err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchOption("path_namespace", "/org/bluez"),
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("add signal match: %w", err)
	}
	a.sigCh = make(chan *dbus.Signal, 64)
	conn.Signal(a.sigCh)
	a.wg.Add(1)
	go a.watch()
	a.log.Info("ble_agent_registered", "path", agentPath, "capability", agentCapability)
	return a, nil
}

// Close unregisters the agent and stops the watcher.
func (a *Agent) Close() error {
	if a == nil || a.conn == nil {
		return nil
	}
	close(a.done)
	a.conn.RemoveSignal(a.sigCh)
	a.wg.Wait()
	call := a.conn.Object(bluezBus, "/org/bluez").Call(agentManagerIface+".UnregisterAgent", 0, agentPath)
	if call.Err != nil {
		a.log.Debug("ble_agent_unregister_failed", "error", call.Err)
	}
	return a.conn.Close()
}

func (a *Agent) watch() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case sig, ok := <-a.sigCh:
			if !ok {
				return
			}
			a.handleSignal(sig)
		}
	}
}

func (a *Agent) handleSignal(sig *dbus.Signal) {
	if sig.Name != dbusProperties+".PropertiesChanged" || len(sig.Body) < 2 {
		return
	}
	if iface, _ := sig.Body[0].(string); iface != deviceIface {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	addr, ok := deviceAddress(string(sig.Path))
	if !ok {
		return
	}
	if v, ok := changed["Connected"]; ok {
		if connected, _ := v.Value().(bool); connected {
			a.gate.Connected(addr, nil)
			if a.boolProp(sig.Path, "Paired") {
				a.gate.SecurityChanged(addr, levelFor(a.method(sig.Path), true), nil)
			}
		} else {
			if a.method(sig.Path) != methodUnknown && !a.boolProp(sig.Path, "Paired") {
				a.takeMethod(sig.Path)
				a.auth.PairingFailed(addr, errPairingInterrupted)
			}
			a.gate.Disconnected(addr, "bluez")
		}
	}
	if v, ok := changed["Paired"]; ok {
		if paired, _ := v.Value().(bool); !paired {
			a.takeMethod(sig.Path)
			return
		}
		a.auth.PairingComplete(addr, a.boolProp(sig.Path, "Bonded"))
		a.gate.SecurityChanged(addr, levelFor(a.method(sig.Path), true), nil)
	}
}

func (a *Agent) boolProp(path dbus.ObjectPath, name string) bool {
	if a.prop == nil {
		return false
	}
	v, err := a.prop(path, name)
	if err != nil {
		metrics.IncError(metrics.ErrBLEAgent)
		a.log.Debug("ble_property_unavailable", "path", path, "name", name, "error", err)
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func (a *Agent) record(dev dbus.ObjectPath, m pairMethod) {
	a.mu.Lock()
	a.methods[dev] = m
	a.last = dev
	a.mu.Unlock()
}

func (a *Agent) method(dev dbus.ObjectPath) pairMethod {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.methods[dev]
}

func (a *Agent) takeMethod(dev dbus.ObjectPath) pairMethod {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.methods[dev]
	delete(a.methods, dev)
	return m
}

func peerOf(dev dbus.ObjectPath) string {
	if addr, ok := deviceAddress(string(dev)); ok {
		return addr
	}
	return string(dev)
}

// org.bluez.Agent1 methods.

func (a *Agent) Release() *dbus.Error {
	a.log.Info("ble_agent_released")
	return nil
}

func (a *Agent) RequestPinCode(dev dbus.ObjectPath) (string, *dbus.Error) {
	a.log.Warn("ble_legacy_pairing_rejected", "peer", peerOf(dev))
	return "", errRejected
}

func (a *Agent) DisplayPinCode(dev dbus.ObjectPath, pincode string) *dbus.Error {
	a.log.Info("ble_pin_display", "peer", peerOf(dev), "pin", pincode)
	return nil
}

// RequestPasskey is passkey entry on this side; there is no keyboard.
func (a *Agent) RequestPasskey(dev dbus.ObjectPath) (uint32, *dbus.Error) {
	a.log.Warn("ble_passkey_entry_rejected", "peer", peerOf(dev))
	return 0, errRejected
}

func (a *Agent) DisplayPasskey(dev dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	if entered == 0 {
		a.auth.PasskeyDisplay(peerOf(dev), passkey)
	}
	return nil
}

func (a *Agent) RequestConfirmation(dev dbus.ObjectPath, passkey uint32) *dbus.Error {
	if !a.auth.PasskeyConfirm(peerOf(dev), passkey) {
		return errRejected
	}
	a.record(dev, methodNumericComparison)
	return nil
}

func (a *Agent) RequestAuthorization(dev dbus.ObjectPath) *dbus.Error {
	if !a.auth.PairingConfirm(peerOf(dev)) {
		return errRejected
	}
	a.record(dev, methodJustWorks)
	return nil
}

// AuthorizeService admits bonded devices to services; unknown devices are refused.
func (a *Agent) AuthorizeService(dev dbus.ObjectPath, uuid string) *dbus.Error {
	if a.boolProp(dev, "Paired") || a.method(dev) != methodUnknown {
		return nil
	}
	a.log.Warn("ble_service_refused", "peer", peerOf(dev), "uuid", uuid)
	return errRejected
}

func (a *Agent) Cancel() *dbus.Error {
	a.mu.Lock()
	dev := a.last
	delete(a.methods, dev)
	a.mu.Unlock()
	a.auth.Cancelled(peerOf(dev))
	return nil
}

// RequestOOB answers out-of-band pairing requests routed through the agent.
// They are always rejected.
func (a *Agent) RequestOOB(dev dbus.ObjectPath) *dbus.Error {
	if !a.auth.OOBRequest(peerOf(dev)) {
		return errRejected
	}
	return nil
}
