package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kstaniek/uart-ble-relay/internal/metrics"
	"github.com/kstaniek/uart-ble-relay/internal/relay"
)

type statusSource interface {
	Status() relay.Status
}

// statusMonitor samples the relay, mirrors pairing and link state into
// gauges and logs transitions. It stands in for indicator LEDs.
type statusMonitor struct {
	src     statusSource
	log     *slog.Logger
	last    relay.Status
	sampled bool
}

func (m *statusMonitor) sample() relay.Status {
	st := m.src.Status()
	metrics.SetPairingOpen(st.PairingOpen)
	metrics.SetAuthenticated(st.Authenticated)
	metrics.SetPayloadSize(st.PayloadSize)

	prev := m.last
	m.last = st
	if !m.sampled {
		m.sampled = true
		m.log.Info("status_initial", "pairing_open", st.PairingOpen, "remaining", st.Remaining.Round(time.Second), "connected", st.Connected)
		return st
	}
	if prev.PairingOpen && !st.PairingOpen {
		m.log.Info("status_pairing_closed")
	}
	if prev.Connected != st.Connected || prev.Peer != st.Peer {
		if st.Connected {
			m.log.Info("status_connected", "peer", st.Peer)
		} else {
			m.log.Info("status_disconnected", "peer", prev.Peer)
		}
	}
	if prev.Authenticated != st.Authenticated {
		m.log.Info("status_authenticated", "peer", st.Peer, "authenticated", st.Authenticated, "level", st.Level)
	}
	return st
}

func startStatusMonitor(ctx context.Context, clk clockwork.Clock, interval time.Duration, src statusSource, l *slog.Logger, wg *sync.WaitGroup) {
	m := &statusMonitor{src: src, log: l.With("component", "status")}
	m.sample()
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := clk.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.Chan():
				m.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, msg string, snap metrics.Snapshot) {
	l.Info(msg,
		"serial_rx_bytes", snap.SerialRxBytes,
		"serial_rx_lines", snap.SerialRxLines,
		"serial_tx_bytes", snap.SerialTxBytes,
		"serial_tx_chunks", snap.SerialTxChunks,
		"serial_tx_aborts", snap.SerialTxAborts,
		"tx_pending", snap.TxPending,
		"ble_tx_bytes", snap.BLETxBytes,
		"ble_rx_bytes", snap.BLERxBytes,
		"dropped", snap.Dropped,
		"pool_in_use", snap.PoolInUse,
		"pool_exhausted", snap.PoolExhausted,
		"pairing_accepted", snap.PairingAccepted,
		"pairing_rejected", snap.PairingRejected,
		"errors", snap.Errors,
	)
}

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, "metrics_snapshot", metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}
