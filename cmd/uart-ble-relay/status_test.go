package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kstaniek/uart-ble-relay/internal/logging"
	"github.com/kstaniek/uart-ble-relay/internal/relay"
)

type fakeStatus struct {
	mu sync.Mutex
	st relay.Status
	n  int
}

func (f *fakeStatus) Status() relay.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return f.st
}

func (f *fakeStatus) set(st relay.Status) {
	f.mu.Lock()
	f.st = st
	f.mu.Unlock()
}

func (f *fakeStatus) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestStatusMonitorTransitions(t *testing.T) {
	var out syncBuffer
	src := &fakeStatus{st: relay.Status{PairingOpen: true, Remaining: time.Minute, PayloadSize: relay.DefaultPayloadSize}}
	m := &statusMonitor{src: src, log: logging.New("text", logging.ParseLevel("info"), &out)}

	m.sample()
	src.set(relay.Status{PairingOpen: true, Connected: true, Peer: "AA", PayloadSize: 20})
	m.sample()
	src.set(relay.Status{Connected: true, Peer: "AA", Authenticated: true, Level: relay.LevelAuthenticated, PayloadSize: 20})
	m.sample()
	m.sample()
	src.set(relay.Status{PayloadSize: 20})
	m.sample()

	logs := out.String()
	for _, ev := range []string{"status_initial", "status_connected", "status_pairing_closed", "status_authenticated", "status_disconnected"} {
		if !strings.Contains(logs, ev) {
			t.Fatalf("missing %s in logs:\n%s", ev, logs)
		}
	}
	if n := strings.Count(logs, "status_pairing_closed"); n != 1 {
		t.Fatalf("pairing close logged %d times", n)
	}
	if n := strings.Count(logs, "status_authenticated"); n != 2 {
		t.Fatalf("expected 2 authentication transitions, got %d", n)
	}
}

func TestStatusMonitorTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clk := clockwork.NewFakeClock()
	src := &fakeStatus{}
	var wg sync.WaitGroup
	startStatusMonitor(ctx, clk, time.Second, src, logging.Discard(), &wg)
	if src.calls() != 1 {
		t.Fatalf("expected an immediate sample, got %d", src.calls())
	}
	clk.BlockUntil(1)
	clk.Advance(time.Second)
	deadline := time.Now().Add(time.Second)
	for src.calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if src.calls() < 2 {
		t.Fatalf("ticker sample not taken")
	}
	cancel()
	wg.Wait()
}
