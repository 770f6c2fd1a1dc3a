package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/kstaniek/uart-ble-relay/internal/ble"
	"github.com/kstaniek/uart-ble-relay/internal/bufpool"
	"github.com/kstaniek/uart-ble-relay/internal/metrics"
	"github.com/kstaniek/uart-ble-relay/internal/pairing"
	"github.com/kstaniek/uart-ble-relay/internal/relay"
	"github.com/kstaniek/uart-ble-relay/internal/uart"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("uart-ble-relay %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)
	clk := clockwork.NewRealClock()

	// wireless side
	periph := ble.NewPeripheral(ble.AdapterFor(cfg.hci), cfg.bleName, l)
	gate := relay.NewGate(periph, l)
	periph.Attach(gate)
	win := pairing.NewWindow(clk, l)
	auth := pairing.NewAuthenticator(win, l)
	r := relay.New(gate, win, cfg.pairingWindow, l)

	// serial side; the relay keeps running without it
	pool := bufpool.New(cfg.poolSize)
	bridge, err := startSerial(cfg, pool, r.SendOutbound, clk, l)
	if err != nil {
		l.Error("serial_unavailable", "device", cfg.serialDev, "error", err)
	} else {
		gate.AttachSerial(bridge)
	}

	if err := periph.Start(); err != nil {
		l.Error("ble_init_error", "error", err)
		if bridge != nil {
			_ = bridge.Close()
		}
		return
	}
	agent, err := ble.StartAgent(auth, gate, l)
	switch {
	case errors.Is(err, ble.ErrAgentUnsupported):
		l.Warn("ble_agent_unsupported", "note", "links cannot authenticate; outbound data will be dropped")
	case err != nil:
		l.Error("ble_agent_error", "error", err)
	}
	if err := r.Start(); err != nil {
		l.Error("relay_start_error", "error", err)
	}
	startStatusMonitor(ctx, clk, cfg.statusEvery, r, l, &wg)

	metrics.SetReadinessFunc(func() bool {
		return ctx.Err() == nil && bridge != nil && bridge.Ready()
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
		if cfg.mdnsEnable {
			startAdvertisement(ctx, cfg, l)
		}
	} else if cfg.mdnsEnable {
		l.Warn("mdns_skipped", "reason", "metrics-addr not set")
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	if agent != nil {
		if err := agent.Close(); err != nil {
			l.Warn("ble_agent_close_error", "error", err)
		}
	}
	if err := periph.Stop(); err != nil {
		l.Warn("ble_advertising_stop_error", "error", err)
	}
	r.Close()
	if bridge != nil {
		if err := bridge.Close(); err != nil && !errors.Is(err, uart.ErrClosed) {
			l.Warn("serial_close_error", "error", err)
		}
	}
	wg.Wait()
	logSnapshot(l, "shutdown_summary", metrics.Snap())
}

// startAdvertisement announces the metrics endpoint over mDNS until ctx ends.
func startAdvertisement(ctx context.Context, cfg *appConfig, l *slog.Logger) {
	port, err := listenPort(cfg.metricsAddr)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	cleanup, err := startMDNS(ctx, cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
	go func() { <-ctx.Done(); cleanup() }()
}
