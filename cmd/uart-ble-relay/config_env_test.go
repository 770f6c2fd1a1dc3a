package main

import (
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := defaultConfig()
	t.Setenv("UART_BLE_RELAY_BAUD", "230400")
	t.Setenv("UART_BLE_RELAY_MDNS_ENABLE", "true")
	t.Setenv("UART_BLE_RELAY_SERIAL_READ_TIMEOUT", "100ms")
	t.Setenv("UART_BLE_RELAY_PAIRING_WINDOW", "2m")
	t.Setenv("UART_BLE_RELAY_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("UART_BLE_RELAY_BLE_NAME", "bench-relay")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", base.serialReadTO)
	}
	if base.pairingWindow != 2*time.Minute {
		t.Fatalf("expected pairing window 2m got %v", base.pairingWindow)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.bleName != "bench-relay" {
		t.Fatalf("expected ble name override got %q", base.bleName)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 115200}
	t.Setenv("UART_BLE_RELAY_BAUD", "230400")
	// as if -baud was passed
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadValues(t *testing.T) {
	cases := map[string]string{
		"UART_BLE_RELAY_POOL_SIZE":      "notint",
		"UART_BLE_RELAY_RX_RETRY":       "soon",
		"UART_BLE_RELAY_MDNS_ENABLE":    "maybe",
		"UART_BLE_RELAY_PAIRING_WINDOW": "60",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv(k, v)
			if err := applyEnvOverrides(defaultConfig(), map[string]struct{}{}); err == nil {
				t.Fatalf("expected error for %s=%q", k, v)
			}
		})
	}
}

func TestApplyEnvOverrides_EmptyDisables(t *testing.T) {
	base := defaultConfig()
	base.metricsAddr = ":9100"
	t.Setenv("UART_BLE_RELAY_METRICS", "")
	t.Setenv("UART_BLE_RELAY_BANNER", "")
	t.Setenv("UART_BLE_RELAY_SERIAL", "")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.metricsAddr != "" || base.banner != "" {
		t.Fatalf("empty METRICS/BANNER must disable, got %q %q", base.metricsAddr, base.banner)
	}
	if base.serialDev != "/dev/ttyUSB0" {
		t.Fatalf("empty SERIAL must be ignored, got %q", base.serialDev)
	}
}
