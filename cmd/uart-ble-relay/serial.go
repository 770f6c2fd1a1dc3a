package main

import (
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/kstaniek/uart-ble-relay/internal/bufpool"
	"github.com/kstaniek/uart-ble-relay/internal/uart"
)

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = uart.Open

// startSerial opens the port, wraps it in a PortDriver and brings the bridge
// up. Completed receive buffers go to forward. The caller owns the returned
// bridge and must Close it.
func startSerial(cfg *appConfig, pool *bufpool.Pool, forward func([]byte) error, clk clockwork.Clock, l *slog.Logger) (*uart.Bridge, error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	b := uart.NewBridge(pool, uart.NewPortDriver(sp, l), uart.Config{
		Banner:  cfg.banner,
		RxRetry: cfg.rxRetry,
		Forward: forward,
		Clock:   clk,
		Logger:  l,
	})
	if err := b.Init(); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("serial init: %w", err)
	}
	return b, nil
}
