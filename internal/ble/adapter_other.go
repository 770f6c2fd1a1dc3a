//go:build !linux

package ble

import "tinygo.org/x/bluetooth"

// AdapterFor returns the default adapter; controller selection is Linux only.
func AdapterFor(string) *bluetooth.Adapter { return bluetooth.DefaultAdapter }
