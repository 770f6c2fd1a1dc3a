package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/uart-ble-relay/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "uart-ble-relay")
	logging.Set(l)
	return l
}
