package ble

import (
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/kstaniek/uart-ble-relay/internal/logging"
	"github.com/kstaniek/uart-ble-relay/internal/metrics"
	"github.com/kstaniek/uart-ble-relay/internal/relay"
)

// DefaultName is the advertised local name.
const DefaultName = "uart-ble-relay"

// notifier is the TX characteristic; writes notify the central.
type notifier interface {
	Write(p []byte) (int, error)
}

// Peripheral exposes the Nordic UART Service. Centrals write to RX; relay
// output goes out as TX notifications. It implements relay.Sender.
type Peripheral struct {
	adapter *bluetooth.Adapter
	gate    *relay.Gate
	name    string
	log     *slog.Logger

	rxChar bluetooth.Characteristic
	txChar bluetooth.Characteristic
	tx     notifier
	adv    *bluetooth.Advertisement

	mu   sync.Mutex
	peer string
}

// NewPeripheral returns a peripheral on adapter (the default adapter when
// nil). Attach a gate before Start.
func NewPeripheral(adapter *bluetooth.Adapter, name string, l *slog.Logger) *Peripheral {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	if name == "" {
		name = DefaultName
	}
	return &Peripheral{adapter: adapter, name: name, log: logging.For(l, "ble")}
}

// Attach sets the gate that receives link events and written data.
func (p *Peripheral) Attach(g *relay.Gate) { p.gate = g }

// Start enables the adapter, registers the service and begins advertising.
func (p *Peripheral) Start() error {
	if p.gate == nil {
		return errNoGate
	}
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}
	p.adapter.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		p.onConnect(dev.Address.String(), connected)
	})
	err := p.adapter.AddService(&bluetooth.Service{
		UUID: bluetooth.ServiceUUIDNordicUART,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &p.rxChar,
				UUID:   bluetooth.CharacteristicUUIDUARTRX,
				Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(_ bluetooth.Connection, offset int, value []byte) {
					p.onWrite(offset, value)
				},
			},
			{
				Handle: &p.txChar,
				UUID:   bluetooth.CharacteristicUUIDUARTTX,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("add nus service: %w", err)
	}
	p.tx = &p.txChar

	p.adv = p.adapter.DefaultAdvertisement()
	if err := p.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    p.name,
		ServiceUUIDs: []bluetooth.UUID{bluetooth.ServiceUUIDNordicUART},
	}); err != nil {
		return fmt.Errorf("configure advertising: %w", err)
	}
	if err := p.adv.Start(); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	p.log.Info("ble_advertising", "name", p.name, "service", bluetooth.ServiceUUIDNordicUART.String())
	return nil
}

// Stop ends advertising.
func (p *Peripheral) Stop() error {
	if p.adv == nil {
		return nil
	}
	return p.adv.Stop()
}

// Send notifies p on the TX characteristic.
func (p *Peripheral) Send(connID string, b []byte) error {
	if p.tx == nil || p.currentPeer() != connID {
		return relay.ErrNotConnected
	}
	if _, err := p.tx.Write(b); err != nil {
		return err
	}
	return nil
}

func (p *Peripheral) currentPeer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer
}

func (p *Peripheral) onConnect(addr string, connected bool) {
	p.mu.Lock()
	if connected {
		p.peer = addr
	} else if p.peer == addr {
		p.peer = ""
	}
	p.mu.Unlock()

	if connected {
		p.gate.Connected(addr, nil)
		return
	}
	p.gate.Disconnected(addr, "link lost")
	if p.adv != nil {
		if err := p.adv.Start(); err != nil {
			p.log.Warn("ble_advertising_restart_failed", "error", err)
			return
		}
		p.log.Info("ble_advertising_restarted")
	}
}

// onWrite handles data written to RX. A write longer than the current payload
// size proves the central negotiated a larger MTU.
func (p *Peripheral) onWrite(offset int, value []byte) {
	peer := p.currentPeer()
	if peer == "" {
		metrics.IncDropped(metrics.DropNotConnected)
		p.log.Warn("ble_write_without_link", "len", len(value))
		return
	}
	if offset != 0 {
		p.log.Debug("ble_write_offset", "peer", peer, "offset", offset)
	}
	if l := p.gate.Link(); l != nil && l.ID == peer && len(value) > l.PayloadSize() {
		p.gate.PayloadSizeChanged(peer, len(value))
	}
	if err := p.gate.Received(peer, value); err != nil {
		p.log.Debug("ble_write_not_relayed", "peer", peer, "error", err)
	}
}
