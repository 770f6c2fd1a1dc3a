package main

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kstaniek/uart-ble-relay/internal/bufpool"
	"github.com/kstaniek/uart-ble-relay/internal/logging"
	"github.com/kstaniek/uart-ble-relay/internal/metrics"
	"github.com/kstaniek/uart-ble-relay/internal/uart"
)

// fakeSerialPort implements uart.Port; reads time out like a real port.
type fakeSerialPort struct {
	reads chan []byte
	mu    sync.Mutex
	out   []byte
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	select {
	case b := <-f.reads:
		return copy(p, b), nil
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.out = append(f.out, p...)
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeSerialPort) Close() error { return nil }

func (f *fakeSerialPort) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.out)
}

func TestStartSerialRelaysLines(t *testing.T) {
	port := &fakeSerialPort{reads: make(chan []byte, 4)}
	openSerialPort = func(name string, baud int, to time.Duration) (uart.Port, error) { return port, nil }
	defer func() { openSerialPort = uart.Open }()

	var mu sync.Mutex
	var got []string
	forward := func(p []byte) error {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
		return nil
	}
	cfg := defaultConfig()
	cfg.banner = "hello\r\n"
	pool := bufpool.New(8)
	before := metrics.Snap()
	b, err := startSerial(cfg, pool, forward, clockwork.NewRealClock(), logging.Discard())
	if err != nil {
		t.Fatalf("startSerial: %v", err)
	}
	defer b.Close()
	if !b.Ready() {
		t.Fatalf("bridge not ready")
	}

	port.reads <- []byte("status\n")
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 && port.written() == "hello\r\n" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout: forwarded=%q written=%q", got, port.written())
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	if got[0] != "status\n" {
		t.Fatalf("unexpected forwarded line %q", got[0])
	}
	mu.Unlock()
	if d := metrics.Snap().SerialRxLines - before.SerialRxLines; d < 1 {
		t.Fatalf("expected serial rx line metric to increase")
	}
}

func TestStartSerialOpenError(t *testing.T) {
	openSerialPort = func(string, int, time.Duration) (uart.Port, error) { return nil, errors.New("no device") }
	defer func() { openSerialPort = uart.Open }()
	b, err := startSerial(defaultConfig(), bufpool.New(4), nil, clockwork.NewRealClock(), logging.Discard())
	if err == nil || b != nil {
		t.Fatalf("expected open error, got %v", err)
	}
}
