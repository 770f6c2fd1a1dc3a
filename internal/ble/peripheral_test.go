package ble

import (
	"errors"
	"testing"

	"github.com/kstaniek/uart-ble-relay/internal/logging"
	"github.com/kstaniek/uart-ble-relay/internal/relay"
)

type fakeNotifier struct{ writes [][]byte }

func (f *fakeNotifier) Write(p []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

type fakeSerial struct{ got []string }

func (f *fakeSerial) Send(p []byte) error { f.got = append(f.got, string(p)); return nil }

func newTestPeripheral() (*Peripheral, *relay.Gate, *fakeNotifier, *fakeSerial) {
	p := &Peripheral{name: DefaultName, log: logging.Discard()}
	g := relay.NewGate(p, logging.Discard())
	p.gate = g
	n := &fakeNotifier{}
	p.tx = n
	s := &fakeSerial{}
	g.AttachSerial(s)
	return p, g, n, s
}

func TestPeripheralConnectLifecycle(t *testing.T) {
	p, g, _, _ := newTestPeripheral()
	p.onConnect("AA:BB:CC:DD:EE:FF", true)
	if g.Link() == nil || g.Link().ID != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("connect not propagated to gate")
	}
	p.onConnect("AA:BB:CC:DD:EE:FF", false)
	if g.Link() != nil || p.currentPeer() != "" {
		t.Fatalf("disconnect not propagated")
	}
}

func TestPeripheralSendRequiresPeer(t *testing.T) {
	p, g, n, _ := newTestPeripheral()
	if err := p.Send("x", []byte("a")); !errors.Is(err, relay.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	p.onConnect("x", true)
	g.SecurityChanged("x", relay.LevelAuthenticated, nil)
	if err := g.ForwardOutbound([]byte("hello")); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(n.writes) != 1 || string(n.writes[0]) != "hello" {
		t.Fatalf("unexpected notifications %q", n.writes)
	}
}

func TestPeripheralWriteGated(t *testing.T) {
	p, g, _, s := newTestPeripheral()
	p.onWrite(0, []byte("early"))
	p.onConnect("x", true)
	p.onWrite(0, []byte("plain"))
	if len(s.got) != 0 {
		t.Fatalf("unauthenticated writes reached serial: %q", s.got)
	}
	g.SecurityChanged("x", relay.LevelAuthenticated, nil)
	p.onWrite(0, []byte("cmd\r"))
	if len(s.got) != 1 || s.got[0] != "cmd\r" {
		t.Fatalf("authenticated write not relayed: %q", s.got)
	}
}

func TestPeripheralWriteRaisesPayloadSize(t *testing.T) {
	p, g, _, _ := newTestPeripheral()
	p.onConnect("x", true)
	p.onWrite(0, make([]byte, 100))
	if g.Link().PayloadSize() != 100 {
		t.Fatalf("expected payload size 100, got %d", g.Link().PayloadSize())
	}
	p.onWrite(0, make([]byte, 10))
	if g.Link().PayloadSize() != 100 {
		t.Fatalf("payload size must not shrink on short writes")
	}
}

func TestPeripheralStartNeedsGate(t *testing.T) {
	p := NewPeripheral(nil, "", logging.Discard())
	if p.name != DefaultName {
		t.Fatalf("expected default name, got %q", p.name)
	}
	if err := p.Start(); !errors.Is(err, errNoGate) {
		t.Fatalf("expected errNoGate, got %v", err)
	}
}
