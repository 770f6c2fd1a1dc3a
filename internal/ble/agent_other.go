//go:build !linux

package ble

import (
	"log/slog"

	"github.com/kstaniek/uart-ble-relay/internal/pairing"
	"github.com/kstaniek/uart-ble-relay/internal/relay"
)

// Agent is unavailable off Linux; links stay at relay.LevelNone.
type Agent struct{}

func StartAgent(*pairing.Authenticator, *relay.Gate, *slog.Logger) (*Agent, error) {
	return nil, ErrAgentUnsupported
}

func (a *Agent) Close() error { return nil }
